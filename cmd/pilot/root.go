package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/entrhq/pilot/pkg/config"
	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/types"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand creates the root pilot command with all subcommands.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pilot",
		Short: "Plan and execute browser automation tasks",
		Long: `Pilot turns a natural-language goal and a parsed page model into a
validated plan of atomic browser actions, asks for approval when the plan
is sensitive, and executes it on a pooled browser session.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand prints the build version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pilot version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pilot v%s\n", version)
		},
	}
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = logging.NormalizeLevel(o.logLevel)
	}
	return cfg, nil
}

// newLogger opens the run's log file. A logger is always returned; the
// error only reports that it fell back to stderr.
func newLogger(cfg *config.Config, component string, stderr io.Writer) *logging.Logger {
	if cfg.LogDir != "" {
		logging.SetDirectory(config.ExpandHome(cfg.LogDir))
	}
	logger, err := logging.NewLogger(component, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", warningStyle.Render("warning:"), err)
	}
	return logger
}

// readPage loads a page model from a JSON file, or from stdin when path is
// "-".
func readPage(path string, stdin io.Reader) (*types.PageModel, error) {
	data, err := readInput(path, stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read page model: %w", err)
	}
	var page types.PageModel
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to parse page model %s: %w", path, err)
	}
	if err := page.Validate(); err != nil {
		return nil, err
	}
	return &page, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no input file given")
	}
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
