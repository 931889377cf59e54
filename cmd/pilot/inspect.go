package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/entrhq/pilot/pkg/plan"
)

type inspectOptions struct {
	*rootOptions
	pagePath string
	tool     string
	query    string
	kind     string
	goal     string
	list     bool
}

// NewInspectCommand creates the inspect command, which runs one of the
// planner's page inspection tools and prints its result.
func NewInspectCommand(root *rootOptions) *cobra.Command {
	opts := &inspectOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Run a page inspection tool",
		Long: `Inspect runs one of the read-only tools the planner offers its reasoner
(analyze_page, inspect_element, assess_capability) against a page model and
prints the JSON result. Use --list to describe the tools.`,
		Example: `  pilot inspect --page login.json
  pilot inspect --page login.json --tool inspect_element --query "log in button"
  pilot inspect --page login.json --tool assess_capability --goal "upload a receipt"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.inspect(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.pagePath, "page", "p", "", "page model JSON file, or - for stdin")
	cmd.Flags().StringVarP(&opts.tool, "tool", "t", plan.ToolAnalyzePage, "tool to run")
	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "element query for inspect_element")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "element kind filter for inspect_element")
	cmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "goal passed to the tool")
	cmd.Flags().BoolVar(&opts.list, "list", false, "describe the available tools and exit")

	return cmd
}

func (o *inspectOptions) inspect(stdin io.Reader, w io.Writer) error {
	toolbox := plan.NewToolbox()
	if o.list {
		printToolSpecs(w, toolbox.Specs())
		return nil
	}

	page, err := readPage(o.pagePath, stdin)
	if err != nil {
		return err
	}

	call := plan.ToolCall{Name: o.tool, Arguments: map[string]string{}}
	if o.query != "" {
		call.Arguments["query"] = o.query
	}
	if o.kind != "" {
		call.Arguments["kind"] = o.kind
	}
	result := toolbox.Dispatch(context.Background(), call, o.goal, page)
	if result.Error != "" {
		return fmt.Errorf("%s: %s", result.Name, result.Error)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(result.Content), "", "  "); err != nil {
		fmt.Fprintln(w, result.Content)
		return nil
	}
	fmt.Fprintln(w, pretty.String())
	return nil
}

func printToolSpecs(w io.Writer, specs []plan.ToolSpec) {
	for _, s := range specs {
		fmt.Fprintf(w, "%s\n  %s\n", headerStyle.Render(s.Name), s.Description)
		names := make([]string, 0, len(s.Parameters))
		for name := range s.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("--"+name), subtleStyle.Render(s.Parameters[name]))
		}
	}
}
