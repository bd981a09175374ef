// Package output renders reviews, fix sessions and progress events for the
// terminal. Nothing outside cmd formats for display.
package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/jywlabs/conclave/internal/challenger"
	"github.com/jywlabs/conclave/internal/fix"
	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/review"
	"github.com/jywlabs/conclave/internal/worker"
)

// Printer handles formatted output for the CLI.
type Printer struct {
	w io.Writer
}

// New creates a new Printer that writes to the given writer.
func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Header prints the command banner.
func (p *Printer) Header(command, detail string) {
	line := fmt.Sprintf("%s %s", StyleCommandIcon.String(), StyleTitle.Render(command))
	if detail != "" {
		line += " " + StyleMuted.Render(detail)
	}
	fmt.Fprintln(p.w, line)
	fmt.Fprintln(p.w)
}

// Success prints a boxed success message.
func (p *Printer) Success(title, detail string) {
	p.box(ColorSuccess, StyleSuccess.Render("[ok] "+title), detail)
}

// Failure prints a boxed error message.
func (p *Printer) Failure(title, detail string) {
	p.box(ColorError, StyleError.Render("[!!] "+title), detail)
}

// Warning prints a boxed warning.
func (p *Printer) Warning(title, detail string) {
	p.box(ColorWarning, StyleWarning.Render("[--] "+title), detail)
}

func (p *Printer) box(color lipgloss.Color, title, detail string) {
	content := title
	if detail != "" {
		content += "\n" + detail
	}
	fmt.Fprintln(p.w, BoxStyle(color).Render(content))
}

// Info prints a plain line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Issues prints issues as a table. An empty list prints a single line.
func (p *Printer) Issues(issues []issue.Issue) {
	if len(issues) == 0 {
		fmt.Fprintln(p.w, StyleSuccess.Render("No issues found."))
		return
	}
	table := p.table([]string{"Code", "Severity", "Category", "Location", "Title", "Flagged by"})
	for _, is := range issues {
		_ = table.Append([]string{
			is.ID,
			SeverityStyle(is.Severity).Render(string(is.Severity)),
			string(is.Category),
			is.Location(),
			truncate(is.Title, 60),
			strings.Join(is.FlaggedBy, ", "),
		})
	}
	_ = table.Render()
}

// Review prints a review report: worker outcomes, counts, issues and the
// challenger history when the review was refined.
func (p *Printer) Review(report *review.Report, history []challenger.Feedback, reason challenger.StopReason) {
	names := make([]string, 0, len(report.Workers))
	for name := range report.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := report.Workers[name]
		if status == "ok" {
			fmt.Fprintf(p.w, "  %s %s\n", StyleSuccess.Render("✓"), name)
		} else {
			fmt.Fprintf(p.w, "  %s %s %s\n", StyleError.Render("✗"), name, StyleMuted.Render(truncate(status, 80)))
		}
	}
	fmt.Fprintln(p.w)

	out := report.Output
	c := issue.Count(out.Issues)
	fmt.Fprintf(p.w, "%s  %s critical  %s high  %d medium  %d low  quality %.1f/10\n",
		StyleBold.Render(fmt.Sprintf("%d issues", c.Total())),
		SeverityStyle(issue.Critical).Render(fmt.Sprint(c.Critical)),
		SeverityStyle(issue.High).Render(fmt.Sprint(c.High)),
		c.Medium, c.Low, out.Summary.QualityScore)
	if out.Recommendation != "" {
		fmt.Fprintf(p.w, "Recommendation: %s\n", StyleAccent.Render(string(out.Recommendation)))
	}
	fmt.Fprintln(p.w)
	p.Issues(out.Issues)

	if len(history) > 0 {
		fmt.Fprintln(p.w)
		p.Feedback(history, reason)
	}
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, StyleMuted.Render(fmt.Sprintf("%s  %s", formatUsage(out.Usage), out.Duration.Round(time.Second))))
}

// Feedback prints the challenger iterations of a refinement.
func (p *Printer) Feedback(history []challenger.Feedback, reason challenger.StopReason) {
	table := p.table([]string{"Iteration", "Score", "Verdict", "Missed", "Challenges"})
	for _, fb := range history {
		verdict := VerdictStyle(fb.Status).Render(string(fb.Status))
		if fb.Synthetic {
			verdict += StyleMuted.Render(" (no challenger)")
		}
		_ = table.Append([]string{
			fmt.Sprint(fb.Iteration),
			fmt.Sprintf("%.0f/%.0f", fb.SatisfactionScore, fb.Threshold),
			verdict,
			fmt.Sprint(len(fb.MissedIssues)),
			fmt.Sprint(len(fb.Challenges)),
		})
	}
	_ = table.Render()
	if reason != "" {
		fmt.Fprintf(p.w, "Refinement stopped: %s\n", reason)
	}
}

// FixResult prints the outcome of a fix session.
func (p *Printer) FixResult(res *fix.SessionResult) {
	if len(res.Results) > 0 {
		table := p.table([]string{"Issue", "Status", "Round", "Commit", "Detail"})
		for _, ir := range res.Results {
			detail := ir.Error
			if detail == "" {
				detail = ir.Notes
			}
			_ = table.Append([]string{
				ir.IssueCode,
				IssueStyle(ir.Status).Render(string(ir.Status)),
				fmt.Sprint(ir.Round),
				shortSHA(ir.CommitSHA),
				truncate(detail, 60),
			})
		}
		_ = table.Render()
		fmt.Fprintln(p.w)
	}

	summary := fmt.Sprintf("%d fixed, %d skipped, %d failed of %d in %d round(s)",
		res.Fixed, res.Skipped, res.Failed, res.Requested, res.Rounds)
	detail := fmt.Sprintf("%s\nSession %s on %s\n%s  %s",
		summary, res.SessionID, orDash(res.BranchName), formatUsage(res.Usage), res.Duration.Round(time.Second))
	if res.Error != "" {
		detail += "\n" + res.Error
	}

	title := "Fix " + string(res.Status)
	switch res.Status {
	case fix.StatusCompleted:
		p.Success(title, detail)
	case fix.StatusPartial:
		p.Warning(title, detail)
	default:
		p.Failure(title, detail)
	}
}

// table creates a tablewriter with borderless styling.
func (p *Printer) table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(p.w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

func formatUsage(u worker.Usage) string {
	s := fmt.Sprintf("%s tokens", formatTokens(u.Total()))
	if u.CostUSD > 0 {
		s += fmt.Sprintf("  $%.2f", u.CostUSD)
	}
	return s
}

func formatTokens(n int) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return orDash(sha)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}
