package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/johndauphine/mdcore/internal/orchestrator"
	"github.com/johndauphine/mdcore/internal/validation"
)

var (
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFC107")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().Foreground(colorLightGray).Width(12)
	styleDim   = lipgloss.NewStyle().Foreground(colorGray)

	statusStyles = map[orchestrator.Status]lipgloss.Style{
		orchestrator.StatusCompleted: lipgloss.NewStyle().Foreground(colorGreen).Bold(true),
		orchestrator.StatusSkipped:   lipgloss.NewStyle().Foreground(colorLightGray),
		orchestrator.StatusDeferred:  lipgloss.NewStyle().Foreground(colorYellow).Bold(true),
		orchestrator.StatusFailed:    lipgloss.NewStyle().Foreground(colorRed).Bold(true),
	}
)

func renderStatus(s orchestrator.Status) string {
	return statusStyles[s].Render(fmt.Sprintf("%-9s", s))
}

// renderRun draws one line per job followed by the totals.
func renderRun(results []*orchestrator.JobResult) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("Ingestion run"))
	b.WriteString("\n")
	for _, r := range results {
		line := fmt.Sprintf("%s %-24s", renderStatus(r.Status), r.Job.Name)
		switch {
		case r.Err != nil:
			line += " " + styleDim.Render(r.Err.Error())
		case r.Validation != nil:
			line += fmt.Sprintf(" %d rows, %d rejected", r.Validation.ValidRows, r.Validation.CriticalFailures)
			if r.Manifest != nil && r.Manifest.RowsInserted > 0 {
				line += fmt.Sprintf(", %d loaded into %s", r.Manifest.RowsInserted, r.Manifest.Table)
			}
		}
		b.WriteString(line + "\n")
	}

	s := orchestrator.Summarize(results)
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %d completed, %d skipped, %d deferred, %d failed",
		styleLabel.Render("Jobs"), s.Completed, s.Skipped, s.Deferred, s.Failed))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %d", styleLabel.Render("Valid rows"), s.Rows))
	return styleBox.Render(b.String())
}

func renderValidation(res *validation.Result) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("Validation " + res.Schema))
	b.WriteString("\n")
	rows := []struct {
		label string
		value string
	}{
		{"Rows", fmt.Sprintf("%d", res.TotalRows)},
		{"Valid", fmt.Sprintf("%d", res.ValidRows)},
		{"Critical", fmt.Sprintf("%d (%.2f%%)", res.CriticalFailures, res.FailureRate()*100)},
		{"Warnings", fmt.Sprintf("%d", res.Warnings)},
		{"Duration", res.Duration.String()},
	}
	for _, r := range rows {
		b.WriteString(styleLabel.Render(r.label) + " " + r.value + "\n")
	}
	for i, d := range res.ErrorDetails {
		if i == 10 {
			b.WriteString(styleDim.Render(fmt.Sprintf("... %d more", len(res.ErrorDetails)-10)) + "\n")
			break
		}
		b.WriteString(styleDim.Render(fmt.Sprintf("row %d %s [%s] %s", d.RowIndex, d.Field, d.Severity, d.Message)) + "\n")
	}
	if res.Truncated {
		b.WriteString(styleDim.Render("error details truncated") + "\n")
	}
	return styleBox.Render(strings.TrimRight(b.String(), "\n"))
}
