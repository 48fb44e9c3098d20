package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

var (
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

func render(style lipgloss.Style, s string) string {
	if noColor {
		return s
	}
	return style.Render(s)
}

// stateLabel renders a run state. Stale locks are flagged since the next
// start will reclaim them.
func stateLabel(st core.RunStatus) string {
	switch {
	case st.State == core.RunStateRunning:
		return render(runningStyle, "running")
	case st.Stale:
		return render(warnStyle, "idle (stale lock)")
	default:
		return render(idleStyle, string(st.State))
	}
}

func executionLabel(status core.ExecutionStatus) string {
	switch status {
	case core.ExecutionRunning:
		return render(runningStyle, string(status))
	case core.ExecutionSucceeded:
		return render(okStyle, string(status))
	case core.ExecutionFailed:
		return render(failStyle, string(status))
	case core.ExecutionAbandoned:
		return render(warnStyle, string(status))
	default:
		return string(status)
	}
}
