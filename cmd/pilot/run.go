package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/task"
	"github.com/entrhq/pilot/pkg/types"
)

type runOptions struct {
	*rootOptions
	goal        string
	pagePath    string
	autoApprove bool
	timeout     time.Duration
	output      string
}

// NewRunCommand creates the run command, which drives one task through
// planning, approval and execution on a real browser.
func NewRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a goal against a page",
		Long: `Run submits a goal together with a parsed page model, streams task
progress, prompts for approval when the plan requires it and exits non-zero
unless the task completes.`,
		Example: `  pilot run --goal "type 'bob@example.com' into the email field, then click log in" --page login.json
  pilot run --goal "download the invoice" --page page.json --auto-approve --output summary.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "natural-language goal")
	cmd.Flags().StringVarP(&opts.pagePath, "page", "p", "", "page model JSON file, or - for stdin")
	cmd.Flags().BoolVar(&opts.autoApprove, "auto-approve", false, "approve plans without prompting")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "abort the task after this long (0 waits indefinitely)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the final task and plan as JSON to this file")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("page")

	return cmd
}

func (o *runOptions) run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	if o.pagePath == "-" && !o.autoApprove {
		return fmt.Errorf("reading the page from stdin requires --auto-approve")
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	page, err := readPage(o.pagePath, stdin)
	if err != nil {
		return err
	}

	logger := newLogger(cfg, "pilot", stderr)
	defer logger.Close()

	reasoner, err := newReasoner(cfg, logger)
	if err != nil {
		return err
	}
	launcher, err := browser.NewPlaywrightLauncher(cfg.PlaywrightOptions())
	if err != nil {
		return err
	}
	a, err := newApp(cfg, launcher, reasoner, logger)
	if err != nil {
		_ = launcher.Close()
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnf("Shutdown: %v", err)
		}
	}()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	a.start(ctx)

	c := newConsole(stdin, stdout, o.autoApprove)
	t, err := c.drive(ctx, a.manager, o.goal, page)
	if err != nil {
		return err
	}
	return finishRun(a.manager, t, o.output, stdout)
}

// finishRun prints the summary, writes the optional JSON report and turns
// a non-completed task into an error.
func finishRun(m *task.Manager, t *types.Task, output string, w io.Writer) error {
	printSummary(w, t)

	if output != "" {
		if err := writeReport(m, t, output); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s\n", subtleStyle.Render("Report written to"), output)
	}

	if t.Status != types.TaskCompleted {
		if t.LastError != nil {
			return fmt.Errorf("task %s: %w", t.Status, t.LastError)
		}
		return fmt.Errorf("task %s", t.Status)
	}
	return nil
}

type report struct {
	Task *types.Task          `json:"task"`
	Plan *types.ExecutionPlan `json:"plan,omitempty"`
}

func writeReport(m *task.Manager, t *types.Task, path string) error {
	r := report{Task: t}
	if p, err := m.Plan(t.ID); err == nil {
		r.Plan = p
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// console renders task events and collects approval decisions.
type console struct {
	in          *bufio.Reader
	out         io.Writer
	autoApprove bool
}

type decision struct {
	approve  bool
	feedback string
	err      error
}

func newConsole(in io.Reader, out io.Writer, autoApprove bool) *console {
	return &console{in: bufio.NewReader(in), out: out, autoApprove: autoApprove}
}

// drive submits the goal and follows the task until it is terminal. When
// ctx ends first the task is cancelled and drive waits for the outcome.
func (c *console) drive(ctx context.Context, m *task.Manager, goal string, page *types.PageModel) (*types.Task, error) {
	events, unsubscribe, err := m.Subscribe("")
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	id, err := m.Submit(goal, page)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.out, "%s %s\n", headerStyle.Render("Task"), valueStyle.Render(id))

	// The subscription drops events for slow readers, so the terminal
	// state is also watched directly.
	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	finished := make(chan struct{})
	go func() {
		_, _ = m.Wait(waitCtx, id)
		close(finished)
	}()

	decisions := make(chan decision, 1)
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return m.Task(id)
			}
			if ev.TaskID != id {
				continue
			}
			printEvent(c.out, ev)
			if ev.Type == types.EventTypeApprovalRequested {
				c.requestDecision(m, id, decisions)
			}
			if ev.IsTerminal() {
				return m.Task(id)
			}

		case d := <-decisions:
			c.applyDecision(m, id, d)

		case <-finished:
			c.drain(events, id)
			return m.Task(id)

		case <-done:
			done = nil
			fmt.Fprintln(c.out, warningStyle.Render("Interrupted, cancelling task"))
			if err := m.Cancel(id); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
				return nil, err
			}
		}
	}
}

func (c *console) drain(events <-chan *types.Event, id string) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.TaskID == id {
				printEvent(c.out, ev)
			}
		default:
			return
		}
	}
}

// requestDecision shows the pending plan and asks for a decision, without
// blocking the event loop on stdin.
func (c *console) requestDecision(m *task.Manager, id string, decisions chan<- decision) {
	pending, err := m.GetPendingApproval(id)
	if err != nil {
		return
	}
	printApproval(c.out, pending)

	if c.autoApprove {
		decisions <- decision{approve: true, feedback: "auto-approved"}
		return
	}

	fmt.Fprint(c.out, labelStyle.Render("Approve this plan? [y/N] "))
	go func() {
		line, err := c.in.ReadString('\n')
		if err != nil && line == "" {
			decisions <- decision{err: err}
			return
		}
		decisions <- parseDecision(line)
	}()
}

// parseDecision reads "y" or "yes" as approval. Anything else rejects; text
// other than "n" or "no" is kept as the rejection feedback.
func parseDecision(line string) decision {
	answer := strings.TrimSpace(line)
	switch strings.ToLower(answer) {
	case "y", "yes":
		return decision{approve: true, feedback: "approved at the prompt"}
	case "", "n", "no":
		return decision{feedback: "rejected at the prompt"}
	default:
		return decision{feedback: answer}
	}
}

func (c *console) applyDecision(m *task.Manager, id string, d decision) {
	var err error
	switch {
	case d.err != nil:
		fmt.Fprintf(c.out, "\n%s %v\n", warningStyle.Render("No answer, rejecting plan:"), d.err)
		err = m.Reject(id, "no answer at the prompt")
	case d.approve:
		err = m.Approve(id, d.feedback)
	default:
		err = m.Reject(id, d.feedback)
	}
	if err != nil {
		fmt.Fprintf(c.out, "%s %v\n", warningStyle.Render("Decision not applied:"), err)
	}
}
