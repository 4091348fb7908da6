// Package ui renders command output for terminals, or as JSON when output
// is consumed by scripts.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/memtrigger/internal/diag"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
	"github.com/felixgeelhaar/memtrigger/internal/resilience"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(18)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB000"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))
)

// Printer writes command results.
type Printer struct {
	out  io.Writer
	json bool
}

func NewPrinter(out io.Writer, asJSON bool) *Printer {
	return &Printer{out: out, json: asJSON}
}

// JSON writes v as indented JSON.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) row(label, value string) {
	fmt.Fprintf(p.out, "%s %s\n", labelStyle.Render(label), value)
}

func stateStyle(s resilience.State) lipgloss.Style {
	switch s {
	case resilience.StateClosed:
		return infoStyle
	case resilience.StateHalfOpen:
		return warnStyle
	default:
		return errorStyle
	}
}

// Report prints a diagnostics report.
func (p *Printer) Report(r diag.Report) error {
	if p.json {
		return p.JSON(r)
	}
	fmt.Fprintln(p.out, titleStyle.Render(" memtrigger status "))
	fmt.Fprintln(p.out)

	m := r.Memory
	p.row("breaker", stateStyle(m.State).Render(m.State.String()))
	if m.OpenedAt != nil {
		p.row("opened", m.OpenedAt.Local().Format(time.RFC3339))
	}
	if m.Degraded {
		p.row("degraded", warnStyle.Render("yes"))
	}
	p.row("backend", r.Backend)
	p.row("embedder", r.Embedder)
	p.row("policy", fmt.Sprintf("%s (%d rules)", r.PolicyVersion, r.PolicyRules))
	p.row("calls", fmt.Sprintf("%d ok, %d failed, %d rejected", m.Metrics.Successes, m.Metrics.Failures, m.Metrics.Rejected))
	p.row("error rate", fmt.Sprintf("%.1f%%", m.Metrics.ErrorRate*100))

	o := r.Orchestrator
	p.row("events", fmt.Sprintf("%d handled, %d skipped, %d rejected", o.Handled, o.Skipped, o.Rejected))
	p.row("writes", fmt.Sprintf("%d stored, %d failed, %d timed out", o.Stored, o.Failed, o.TimedOut))
	p.row("retries", fmt.Sprintf("%d pending, %d queued, %d stored, %d abandoned", r.PendingRetry, o.Queued, o.Retried, o.Abandoned))
	p.row("queued events", fmt.Sprint(r.QueuedEvents))

	if len(o.StageLatency) > 0 {
		stages := make([]string, 0, len(o.StageLatency))
		for s := range o.StageLatency {
			stages = append(stages, string(s))
		}
		sort.Strings(stages)
		parts := make([]string, 0, len(stages))
		for _, s := range stages {
			parts = append(parts, fmt.Sprintf("%s=%s", s, o.StageLatency[trigger.Stage(s)].Round(time.Microsecond)))
		}
		p.row("stage latency", strings.Join(parts, " "))
	}

	if n := len(m.Recovery); n > 0 {
		last := m.Recovery[n-1]
		outcome := infoStyle.Render("recovered")
		if !last.Recovered {
			outcome = errorStyle.Render(fmt.Sprintf("failed at %s: %s", last.FailedStage, last.Error))
		}
		p.row("last recovery", fmt.Sprintf("%s %s", last.StartedAt.Local().Format(time.RFC3339), outcome))
	}
	return nil
}

// Context prints recall output.
func (p *Printer) Context(ec recall.EnrichedContext) error {
	if p.json {
		return p.JSON(ec)
	}
	fmt.Fprintln(p.out, titleStyle.Render(" "+ec.Context.Operation+" "))
	if ec.Degraded {
		fmt.Fprintln(p.out, warnStyle.Render("degraded: "+ec.Reason))
	}
	if len(ec.Matches) == 0 {
		fmt.Fprintln(p.out, "no related memories")
	}
	for _, m := range ec.Matches {
		fmt.Fprintf(p.out, "%s %s %s\n",
			infoStyle.Render(fmt.Sprintf("%.2f", m.Score)),
			labelStyle.Render(string(m.Record.Category)),
			m.Record.Content)
	}
	for _, r := range ec.Recommendations {
		fmt.Fprintf(p.out, "%s %s\n", warnStyle.Render("→"), r.Text)
	}
	return nil
}

// Result prints the outcome of one handled event.
func (p *Printer) Result(r trigger.Result) error {
	if p.json {
		return p.JSON(r)
	}
	switch {
	case r.Rejected:
		fmt.Fprintln(p.out, errorStyle.Render("rejected: "+r.Error()))
	case r.Skipped:
		fmt.Fprintln(p.out, labelStyle.Render("skipped")+" no rule matched")
	case r.Stored:
		fmt.Fprintln(p.out, infoStyle.Render("stored")+" "+strings.Join(r.RecordIDs, ", "))
	case r.QueuedForRetry:
		fmt.Fprintln(p.out, warnStyle.Render("queued for retry")+" "+strings.Join(r.Pending, ", "))
	default:
		fmt.Fprintln(p.out, errorStyle.Render("failed: "+r.Error()))
	}
	return nil
}
