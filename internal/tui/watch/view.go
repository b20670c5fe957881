package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tasklease/internal/api"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/subscription"
)

var stateOrder = []protocol.TaskState{
	protocol.StateCreated,
	protocol.StateLocked,
	protocol.StateFailed,
	protocol.StateLockExpired,
	protocol.StateCompleted,
	protocol.StateCanceled,
}

func renderHeader(health api.HealthzResponse, connected bool, board *Board, theme Theme, width int) string {
	innerWidth := width - 4

	status := theme.StatusOK.Render("HEALTHY")
	if !connected {
		status = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		status = theme.StatusFailed.Render("DEGRADED")
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := " TASKLEASE WATCH"
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	stats := fmt.Sprintf(" %s  up %s  applied %d  tasks %d  subscriptions %d",
		status,
		time.Duration(health.UptimeSeconds)*time.Second,
		health.Applied,
		health.Tasks,
		health.Subscriptions,
	)

	counts := board.Counts()
	parts := make([]string, 0, len(stateOrder)+1)
	for _, st := range stateOrder {
		parts = append(parts, theme.ForState(st).Render(fmt.Sprintf("%s %d", st, counts[st])))
	}
	parts = append(parts, theme.StatusRejected.Render(fmt.Sprintf("REJECTED %d", board.Rejections())))
	countLine := " " + strings.Join(parts, "  ")

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, stats, countLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderSubscriptions(subs []subscription.Info, theme Theme, width int) string {
	innerWidth := width - 4
	if len(subs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SUBSCRIPTIONS"),
			theme.Dim.Render("  No open subscriptions"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, len(subs))
	for _, s := range subs {
		credits := theme.StatusOK.Render(fmt.Sprintf("%d", s.Credits))
		if s.Credits == 0 {
			credits = theme.StatusFailed.Render("0")
		}
		lines = append(lines, fmt.Sprintf("#%-4d %-16s %-16s lease %-8s credits %s",
			s.Key, s.TaskType, s.LockOwner, s.LockDuration, credits))
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("SUBSCRIPTIONS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderEventStream(eventLog []Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := theme.ForEvent(e.Type).Render(fmt.Sprintf("%-26s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e.Record))
}

func describeEvent(rec protocol.Record) string {
	parts := []string{fmt.Sprintf("@%d task %d", rec.Position, rec.TaskKey)}
	if rec.Value.Type != "" {
		parts = append(parts, rec.Value.Type)
	}
	if rec.Value.LockOwner != "" {
		parts = append(parts, "owner="+rec.Value.LockOwner)
	}
	if rec.Reason != "" {
		parts = append(parts, rec.Reason)
	}
	return strings.Join(parts, " ")
}
