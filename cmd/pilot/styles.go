package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/pilot/pkg/types"
)

// Color palette shared by every command's output.
var (
	salmonPink  = lipgloss.Color("#FFB3BA")
	coralPink   = lipgloss.Color("#FFCCCB")
	mintGreen   = lipgloss.Color("#A8E6CF")
	amber       = lipgloss.Color("#FFD59E")
	mutedGray   = lipgloss.Color("#6B7280")
	brightWhite = lipgloss.Color("#F9FAFB")
	alertRed    = lipgloss.Color("203")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(coralPink).
			Bold(true)

	subtleStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	valueStyle = lipgloss.NewStyle().
			Foreground(brightWhite)

	successStyle = lipgloss.NewStyle().
			Foreground(mintGreen).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(amber)

	errorStyle = lipgloss.NewStyle().
			Foreground(alertRed)

	approvalBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(salmonPink).
				Padding(0, 1)
)

// statusStyle colors a task status by how it ended or is going.
func statusStyle(s types.TaskStatus) lipgloss.Style {
	switch s {
	case types.TaskCompleted:
		return successStyle
	case types.TaskFailed:
		return errorStyle.Bold(true)
	case types.TaskCancelled, types.TaskRetrying, types.TaskAwaitingApproval:
		return warningStyle
	default:
		return labelStyle
	}
}

// riskStyle colors a risk level.
func riskStyle(r types.RiskLevel) lipgloss.Style {
	switch r {
	case types.RiskCritical, types.RiskHigh:
		return errorStyle.Bold(true)
	case types.RiskMedium:
		return warningStyle
	default:
		return successStyle
	}
}

func stepStyle(s types.ActionStatus) lipgloss.Style {
	switch s {
	case types.ActionCompleted:
		return successStyle
	case types.ActionFailed:
		return errorStyle
	case types.ActionSkipped:
		return subtleStyle
	default:
		return valueStyle
	}
}

// findingStyle colors a flattened validator finding by its severity prefix.
func findingStyle(f string) lipgloss.Style {
	if strings.HasPrefix(f, "error ") {
		return errorStyle
	}
	return warningStyle
}
