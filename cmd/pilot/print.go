package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/entrhq/pilot/pkg/task"
	"github.com/entrhq/pilot/pkg/types"
)

const timeFormat = "15:04:05"

func printEvent(w io.Writer, ev *types.Event) {
	stamp := subtleStyle.Render(ev.Timestamp.Format(timeFormat))

	switch ev.Type {
	case types.EventTypeStatus:
		line := fmt.Sprintf("%s %s", stamp, statusStyle(ev.Status).Render(string(ev.Status)))
		if ev.StepLabel != "" {
			line += " " + subtleStyle.Render(ev.StepLabel)
		}
		fmt.Fprintln(w, line)

	case types.EventTypeProgress:
		fmt.Fprintf(w, "%s %s %s\n", stamp, valueStyle.Render(fmt.Sprintf("%3.0f%%", ev.Progress)), ev.StepLabel)

	case types.EventTypeStep:
		if ev.Step == nil {
			return
		}
		s := ev.Step
		line := fmt.Sprintf("%s %s %s %s", stamp,
			valueStyle.Render(fmt.Sprintf("%3.0f%%", s.Progress)),
			stepStyle(s.Status).Render(fmt.Sprintf("%-9s", s.Status)),
			s.Label)
		if s.Attempts > 1 {
			line += subtleStyle.Render(fmt.Sprintf(" (attempt %d)", s.Attempts))
		}
		if s.Result != nil && s.Result.Error != nil && s.Status != types.ActionCompleted {
			line += " " + errorStyle.Render(s.Result.Error.Message)
		}
		fmt.Fprintln(w, line)

	case types.EventTypeApprovalRequested:
		fmt.Fprintf(w, "%s %s\n", stamp, warningStyle.Render("plan needs approval"))

	case types.EventTypeOutcome:
		if ev.Outcome == nil {
			return
		}
		o := ev.Outcome
		fmt.Fprintf(w, "%s %s %s\n", stamp, statusStyle(o.Status).Render("finished "+string(o.Status)),
			subtleStyle.Render(o.Duration.Round(time.Millisecond).String()))
		for _, ref := range o.Evidence {
			fmt.Fprintf(w, "  %s %s\n", subtleStyle.Render("evidence"), ref)
		}
	}
}

// printApproval renders the plan a reviewer is asked to approve.
func printApproval(w io.Writer, p *task.PendingApproval) {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Approval required"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Goal:"), p.Goal)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Risk:"), riskStyle(p.Risk).Render(string(p.Risk)))
	if p.Plan != nil {
		fmt.Fprintf(&b, "%s %.2f\n", labelStyle.Render("Confidence:"), p.Plan.Confidence)
		b.WriteString(labelStyle.Render("Steps:"))
		b.WriteString("\n")
		for _, s := range p.Plan.Steps {
			fmt.Fprintf(&b, "  %s\n", s.Label())
		}
	}
	if len(p.Findings) > 0 {
		b.WriteString(labelStyle.Render("Findings:"))
		b.WriteString("\n")
		for _, f := range p.Findings {
			fmt.Fprintf(&b, "  %s\n", findingStyle(f).Render(f))
		}
	}
	if !p.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "%s", subtleStyle.Render("Expires at "+p.ExpiresAt.Format(timeFormat)))
	}
	fmt.Fprintln(w, approvalBoxStyle.Render(strings.TrimRight(b.String(), "\n")))
}

func printSummary(w io.Writer, t *types.Task) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Status:  "), statusStyle(t.Status).Render(string(t.Status)))
	fmt.Fprintf(w, "%s %.0f%%\n", labelStyle.Render("Progress:"), t.Progress)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Duration:"), t.Duration(time.Now()).Round(time.Millisecond))
	fmt.Fprintf(w, "%s %d/%d\n", labelStyle.Render("Retries: "), t.RetryCount, t.MaxRetries)
	if t.SessionID != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Session: "), t.SessionID)
	}
	if t.LastError != nil {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Error:   "), errorStyle.Render(t.LastError.Error()))
	}
}
