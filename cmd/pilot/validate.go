package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/entrhq/pilot/pkg/config"
	"github.com/entrhq/pilot/pkg/plan"
	"github.com/entrhq/pilot/pkg/types"
)

// errPlanRejected is returned when the validator rejects the plan, so the
// command exits non-zero after printing the findings.
var errPlanRejected = errors.New("plan rejected by validator")

type validateOptions struct {
	*rootOptions
	planPath string
	pagePath string
	goal     string
	asJSON   bool
}

// NewValidateCommand creates the validate command, which runs the plan
// validator over a plan payload without touching a browser.
func NewValidateCommand(root *rootOptions) *cobra.Command {
	opts := &validateOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a plan payload against a page model",
		Long: `Validate parses a plan in the reasoner's JSON format, builds it with the
configured step defaults and reports the validator's verdict, risk and
findings. It exits non-zero when the plan is rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return opts.validate(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.planPath, "plan", "", "plan payload file, or - for stdin")
	cmd.Flags().StringVarP(&opts.pagePath, "page", "p", "", "page model JSON file")
	cmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "goal the plan serves (defaults to the plan title)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the built plan with its verdict as JSON")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("page")

	return cmd
}

func (o *validateOptions) validate(cfg *config.Config, stdin io.Reader, w io.Writer) error {
	if o.planPath == "-" && o.pagePath == "-" {
		return fmt.Errorf("only one of --plan and --page can read stdin")
	}
	raw, err := readInput(o.planPath, stdin)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	page, err := readPage(o.pagePath, stdin)
	if err != nil {
		return err
	}
	validator, err := plan.NewValidator(cfg.ValidatorPolicy())
	if err != nil {
		return fmt.Errorf("invalid validator policy: %w", err)
	}

	p, notes, err := buildAndValidate(string(raw), o.goal, page, cfg.GeneratorConfig().Defaults, validator)
	if err != nil {
		return err
	}

	if o.asJSON {
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else {
		printVerdict(w, p, notes)
	}

	if !p.Validation.IsValid {
		return errPlanRejected
	}
	return nil
}

// buildAndValidate turns a raw payload into a plan carrying the verdict.
func buildAndValidate(raw, goal string, page *types.PageModel, defaults plan.StepDefaults, v *plan.Validator) (*types.ExecutionPlan, []string, error) {
	payload, err := plan.ParsePayload(raw)
	if err != nil {
		return nil, nil, err
	}
	if goal == "" {
		goal = payload.Title
	}
	p, notes, err := plan.BuildPlan(goal, page, payload, defaults)
	if err != nil {
		return nil, notes, err
	}

	result := v.Validate(p, page)
	p.Validation = result
	p.Risk = result.Risk
	p.RequiresApproval = p.RequiresApproval || result.RequiresApproval
	if result.IsValid {
		p.Status = types.PlanValidated
	}
	return p, notes, nil
}

func printVerdict(w io.Writer, p *types.ExecutionPlan, notes []string) {
	verdict := successStyle.Render("valid")
	if !p.Validation.IsValid {
		verdict = errorStyle.Bold(true).Render("rejected")
	}
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render(p.Title), verdict)
	fmt.Fprintf(w, "%s %.2f\n", labelStyle.Render("Confidence:"), p.Validation.ConfidenceScore)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Risk:      "), riskStyle(p.Risk).Render(string(p.Risk)))
	fmt.Fprintf(w, "%s %t\n", labelStyle.Render("Approval:  "), p.RequiresApproval)

	fmt.Fprintln(w, labelStyle.Render("Steps:"))
	for _, s := range p.Steps {
		line := "  " + s.Label()
		if s.Critical {
			line += subtleStyle.Render(" (critical)")
		}
		fmt.Fprintln(w, line)
	}

	messages := p.Validation.Messages()
	if len(messages) > 0 {
		fmt.Fprintln(w, labelStyle.Render("Findings:"))
		for _, m := range messages {
			fmt.Fprintf(w, "  %s\n", findingStyle(m).Render(m))
		}
	}
	if len(notes) > 0 {
		fmt.Fprintln(w, labelStyle.Render("Notes:"))
		for _, n := range notes {
			fmt.Fprintf(w, "  %s\n", subtleStyle.Render(n))
		}
	}
}
