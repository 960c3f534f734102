// Package ui renders engine state for the terminal.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Title renders a section heading.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Success renders a confirmation line.
func Success(format string, args ...any) string {
	return okStyle.Render(fmt.Sprintf(format, args...))
}

// Warning renders a warning line.
func Warning(format string, args ...any) string {
	return warnStyle.Render(fmt.Sprintf(format, args...))
}

// SyncBadge renders a sync status in its color.
func SyncBadge(status schema.SyncStatus) string {
	switch status {
	case schema.SyncSynced:
		return okStyle.Render(string(status))
	case schema.SyncPending:
		return warnStyle.Render(string(status))
	case schema.SyncError:
		return errStyle.Render(string(status))
	default:
		return mutedStyle.Render(string(status))
	}
}

// Until renders the time left before t, or "expired".
func Until(t, now time.Time) string {
	d := t.Sub(now)
	if d <= 0 {
		return "expired"
	}
	switch {
	case d < time.Minute:
		return "in " + d.Round(time.Second).String()
	case d < 24*time.Hour:
		return "in " + d.Round(time.Minute).String()
	default:
		return t.Local().Format("Jan 2 15:04")
	}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// Signals renders a signal table.
func Signals(signals []*schema.Signal, now time.Time) string {
	if len(signals) == 0 {
		return mutedStyle.Render("No signals.")
	}

	t := newTable("ID", "QUESTION", "STATUS", "SYNC", "DEADLINE", "CLOUD")
	for _, s := range signals {
		cloud := "-"
		if s.HasCloudID() {
			cloud = fmt.Sprint(*s.CloudID)
		}
		status := string(s.Status)
		if s.Status == schema.StatusScheduled && s.ScheduledFor != nil {
			status += " (" + Until(*s.ScheduledFor, now) + ")"
		}
		sync := SyncBadge(s.SyncStatus)
		if s.SyncError != "" {
			sync += " " + mutedStyle.Render(Truncate(s.SyncError, 30))
		}
		t.Row(
			Truncate(s.LocalID, 12),
			Truncate(s.Question, 40),
			status,
			sync,
			Until(s.Deadline, now),
			cloud,
		)
	}
	return t.Render()
}

// Labels renders a label table.
func Labels(labels []*schema.Label) string {
	if len(labels) == 0 {
		return mutedStyle.Render("No labels.")
	}

	t := newTable("NAME", "COLOR", "SYNC", "DESCRIPTION")
	for _, l := range labels {
		color := l.Color
		if color != "" {
			color = lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render("■ ") + color
		}
		t.Row(l.Name, color, SyncBadge(l.SyncStatus), Truncate(l.Description, 40))
	}
	return t.Render()
}

// Status renders the account line and store counters.
func Status(identity *remote.Identity, stats *db.Stats) string {
	var b strings.Builder

	b.WriteString(Title("Account") + "\n")
	if identity == nil {
		b.WriteString("  " + warnStyle.Render("not logged in") + "\n")
	} else {
		fmt.Fprintf(&b, "  %s <%s>\n", identity.Name, identity.Email)
	}

	b.WriteString("\n" + Title("Signals") + "\n")
	fmt.Fprintf(&b, "  total      %d\n", stats.Signals)
	for _, k := range sortedKeys(stats.SignalsByStatus) {
		fmt.Fprintf(&b, "  %-10s %d\n", k, stats.SignalsByStatus[k])
	}
	for _, k := range sortedKeys(stats.SignalsBySync) {
		fmt.Fprintf(&b, "  %-10s %d\n", SyncBadge(schema.SyncStatus(k)), stats.SignalsBySync[k])
	}

	b.WriteString("\n" + Title("Responses") + "\n")
	fmt.Fprintf(&b, "  total      %d\n", stats.Responses)
	fmt.Fprintf(&b, "  unsynced   %d\n", stats.PendingResponses)

	b.WriteString("\n" + Title("Labels") + "\n")
	fmt.Fprintf(&b, "  total      %d\n", stats.Labels)
	fmt.Fprintf(&b, "  unsynced   %d\n", stats.PendingLabels)
	return b.String()
}

// Report renders a sync run summary.
func Report(r coordinator.Report) string {
	switch {
	case r.Queued:
		return warnStyle.Render("A sync was already running; another pass was queued.")
	case r.Discarded:
		return warnStyle.Render("Sync results were discarded because the login changed.")
	}

	lines := []string{okStyle.Render(fmt.Sprintf("Sync finished in %v", r.Duration.Round(time.Millisecond)))}
	add := func(n int, format string) {
		if n > 0 {
			lines = append(lines, "  "+fmt.Sprintf(format, n))
		}
	}
	add(r.SignalsPushed, "%d signals pushed")
	add(r.SignalsDeleted, "%d signals deleted")
	add(r.SignalsExpired, "%d signals expired before sync")
	add(r.SignalsFailed, "%d signals rejected")
	add(r.SignalsDeferred, "%d signals deferred")
	add(r.ResponsesPushed, "%d responses pushed")
	add(r.ResponsesHeld, "%d responses waiting for their signal")
	add(r.ResponsesSettled, "%d responses closed after the deadline")
	add(r.LabelsPushed, "%d labels pushed")
	add(r.LabelsPulled, "%d labels pulled")
	if !r.Changed() && r.SignalsDeferred == 0 && r.ResponsesHeld == 0 {
		lines = append(lines, mutedStyle.Render("  nothing to do"))
	}
	return strings.Join(lines, "\n")
}

// Results renders a poll tally.
func Results(r *remote.Results) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %d of %d consumers answered\n", Title("Results"), r.Total, r.Consumers)

	options := sortedKeys(r.Counts)
	sort.SliceStable(options, func(i, j int) bool { return r.Counts[options[i]] > r.Counts[options[j]] })
	for _, opt := range options {
		fmt.Fprintf(&b, "  %-24s %d\n", Truncate(opt, 24), r.Counts[opt])
	}
	if r.Defaults > 0 {
		fmt.Fprintf(&b, "  %-24s %d\n", mutedStyle.Render("(default)"), r.Defaults)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "  %-24s %d\n", mutedStyle.Render("(skipped)"), r.Skipped)
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
