package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/store"
	"github.com/bulwarkhq/bulwark/internal/simulate"
)

// TableFormatter renders reports as rounded ASCII tables, or as Markdown
// tables when Markdown is set.
type TableFormatter struct {
	Markdown bool
}

type section struct {
	title string
	table table.Writer
}

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(header)
	return t
}

func (f *TableFormatter) render(sections ...section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if s.table == nil {
			continue
		}
		if f.Markdown {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", s.title, s.table.RenderMarkdown()))
			continue
		}
		if s.title != "" {
			s.table.SetTitle(s.title)
		}
		parts = append(parts, s.table.Render())
	}
	return strings.Join(parts, "\n\n")
}

// FormatSnapshot renders backends, traffic, rules and offenders.
func (f *TableFormatter) FormatSnapshot(snap engine.Snapshot) (string, error) {
	backends := newTable(table.Row{"Backend", "Health", "Load", "Connections", "Avg RT", "Failures"})
	for _, b := range snap.Backends {
		health := string(b.Health.Status)
		if health == "" {
			health = healthLabel(b.Health.Healthy)
		}
		backends.AppendRow(table.Row{
			b.Name,
			health,
			fmt.Sprintf("%.1f%%", b.Metrics.Load),
			fmt.Sprintf("%d/%d", b.ActiveConnections, b.MaxConnections),
			formatDuration(b.Metrics.AvgResponseTime),
			b.Health.ConsecutiveFailures,
		})
	}
	backends.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d healthy", snap.HealthyBackends, len(snap.Backends)), "", "", "", ""})

	tr := snap.Traffic
	traffic := newTable(table.Row{"Seen", "Flagged", "Tracked IPs", "Admitted", "Denied", "Throttled", "Challenged"})
	traffic.AppendRow(table.Row{tr.RequestsSeen, tr.Flagged, tr.TrackedIPs, tr.Admitted, tr.Denied, tr.Throttled, tr.Challenged})

	th := snap.Thresholds
	thresholds := newTable(table.Row{"Request rate", "Failure rate", "Pattern score", "Burst score"})
	thresholds.AppendRow(table.Row{
		fmt.Sprintf("%.1f/s", th.RequestRate),
		fmt.Sprintf("%.2f", th.FailureRate),
		fmt.Sprintf("%.2f", th.PatternScore),
		fmt.Sprintf("%.2f", th.BurstScore),
	})

	sections := []section{
		{title: "Backends", table: backends},
		{title: "Traffic", table: traffic},
		{title: "Thresholds", table: thresholds},
		{title: fmt.Sprintf("Rules (%d throttled)", snap.ThrottledTargets), table: rulesTable(snap.Rules)},
	}

	if len(snap.TopOffenders) > 0 {
		offenders := newTable(table.Row{"IP", "Score", "Rate", "Failure", "Pattern", "Burst", "Requests"})
		for _, o := range snap.TopOffenders {
			m := o.Metrics
			offenders.AppendRow(table.Row{
				o.IP,
				fmt.Sprintf("%.2f", o.Score),
				fmt.Sprintf("%.1f/s", m.RequestRate),
				fmt.Sprintf("%.2f", m.FailureRate),
				fmt.Sprintf("%.2f", m.PatternScore),
				fmt.Sprintf("%.2f", m.BurstScore),
				m.TotalRequests,
			})
		}
		sections = append(sections, section{title: "Top offenders", table: offenders})
	}

	return f.render(sections...), nil
}

// FormatRules renders the live rule table.
func (f *TableFormatter) FormatRules(rules []engine.RuleView) (string, error) {
	return f.render(section{title: "Rules", table: rulesTable(rules)}), nil
}

func rulesTable(rules []engine.RuleView) table.Writer {
	t := newTable(table.Row{"Target", "Action", "Check", "Score", "Limit", "Remaining", "Reason"})
	for _, r := range rules {
		t.AppendRow(table.Row{
			r.Target,
			string(r.Action),
			string(r.Check),
			fmt.Sprintf("%.2f", r.Score),
			formatLimit(r.RateLimit),
			formatDuration(r.Remaining),
			r.Reason,
		})
	}
	if len(rules) == 0 {
		t.AppendRow(table.Row{"-", "", "", "", "", "", "no active rules"})
	}
	return t
}

// FormatEvents renders journal history, newest first as given.
func (f *TableFormatter) FormatEvents(events []store.Event) (string, error) {
	t := newTable(table.Row{"Time", "Event", "Target", "Action", "Check", "Score", "Expires", "Reason"})
	for _, e := range events {
		t.AppendRow(table.Row{
			e.At.UTC().Format(time.RFC3339),
			string(e.Kind),
			e.Target,
			string(e.Action),
			string(e.Check),
			fmt.Sprintf("%.2f", e.Score),
			e.ExpiresAt.UTC().Format(time.RFC3339),
			e.Reason,
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d events", len(events)), "", "", "", "", "", ""})
	return f.render(section{title: "Mitigation history", table: t}), nil
}

// FormatSimulation renders the outcome tally and the refused sources.
func (f *TableFormatter) FormatSimulation(s simulate.Summary) (string, error) {
	outcomes := newTable(table.Row{"Outcome", "Requests"})
	outcomes.AppendRows([]table.Row{
		{"admitted", s.Admitted},
		{"denied", s.Denied},
		{"rate limited", s.RateLimited},
		{"challenged", s.Challenged},
		{"unavailable", s.Unavailable},
		{"backend errors", s.BackendErrors},
	})
	outcomes.AppendFooter(table.Row{"total", s.Total})

	blocked := newTable(table.Row{"Blocked IPs"})
	for _, ip := range s.BlockedIPs {
		blocked.AppendRow(table.Row{ip})
	}
	blocked.AppendFooter(table.Row{fmt.Sprintf("%d/%d attackers caught, %d false positives",
		s.AttackersCaught, s.AttackerIPs, s.FalsePositives)})

	return f.render(
		section{title: fmt.Sprintf("Simulation (%s)", formatDuration(s.Elapsed)), table: outcomes},
		section{title: "Sources", table: blocked},
	), nil
}

func healthLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

func formatLimit(limit *float64) string {
	if limit == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f/s", *limit)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
