package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPaused  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

func stateStyle(s domain.RunState) lipgloss.Style {
	switch s {
	case domain.RunStateDone:
		return statusDone
	case domain.RunStateError:
		return statusError
	case domain.RunStatePausedException, domain.RunStatePendingApproval:
		return statusPaused
	case domain.RunStateRunning, domain.RunStatePlanning:
		return statusRunning
	default:
		return statusQueued
	}
}

func taskStyle(s domain.TaskStatus) lipgloss.Style {
	switch s {
	case domain.TaskStatusDone:
		return statusDone
	case domain.TaskStatusError:
		return statusError
	case domain.TaskStatusPaused:
		return statusPaused
	case domain.TaskStatusRunning:
		return statusRunning
	default:
		return statusQueued
	}
}

// renderRun prints a run's header block.
func renderRun(r domain.Run) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(r.RunID))
	b.WriteString("  ")
	b.WriteString(stateStyle(r.State).Render(string(r.State)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("command:"), r.Command)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("intent: "), r.Intent.Action)
	if r.Step != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("step:   "), r.Step)
	}
	if r.LastError != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("error:  "), statusError.Render(r.LastError))
	}
	if r.Reply != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("reply:  "), r.Reply)
	}
	return b.String()
}

// renderRunLine prints a run as one row of a listing.
func renderRunLine(r domain.Run) string {
	return fmt.Sprintf("%s  %s  %s  %s",
		r.RunID,
		stateStyle(r.State).Render(fmt.Sprintf("%-16s", r.State)),
		dimStyle.Render(r.CreatedAt.Local().Format(time.DateTime)),
		r.Command)
}

// renderEvent prints one timeline entry.
func renderEvent(ev domain.TaskEvent) string {
	ts := time.UnixMilli(ev.Ts).Local().Format(time.TimeOnly)
	line := fmt.Sprintf("%s  %-18s %s  %s",
		dimStyle.Render(ts),
		ev.Step,
		taskStyle(ev.Status).Render(fmt.Sprintf("%-7s", ev.Status)),
		ev.Message)
	if ev.Ref != "" {
		line += dimStyle.Render("  [" + ev.Ref + "]")
	}
	return line
}

// renderException prints one outstanding exception item.
func renderException(item domain.ExceptionItem) string {
	return fmt.Sprintf("%s  %s  %s=%q  %s",
		titleStyle.Render(item.ID),
		dimStyle.Render(item.RunID),
		item.FieldKey,
		item.SuggestedValue,
		statusPaused.Render(item.Reason))
}

// renderApproval prints one pending approval.
func renderApproval(p domain.PendingApproval) string {
	line := fmt.Sprintf("%s  %s  %s",
		titleStyle.Render(p.RunID),
		statusPaused.Render(p.Step),
		p.Intent.Action)
	if p.Reason != "" {
		line += "  " + dimStyle.Render(p.Reason)
	}
	return line
}
