package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jywlabs/conclave/internal/events"
)

// EventPrinter renders progress events as terminal lines. It implements
// events.Sink.
type EventPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
}

// NewEventPrinter creates an EventPrinter writing to w.
func NewEventPrinter(w io.Writer) *EventPrinter {
	return &EventPrinter{w: w, start: time.Now()}
}

// Emit writes one line for the event. Unknown payloads are ignored.
func (p *EventPrinter) Emit(_ context.Context, e events.Event) error {
	line := p.format(e)
	if line == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := StyleMuted.Render(formatElapsed(e.Time.Sub(p.start)))
	_, err := fmt.Fprintf(p.w, "%s %s\n", elapsed, line)
	return err
}

func (p *EventPrinter) format(e events.Event) string {
	switch pl := e.Payload.(type) {
	case events.ReviewDispatchedPayload:
		return fmt.Sprintf("%s %d invocation(s) across %s [%s] %s",
			StyleTitle.Render("review"), pl.Invocations, strings.Join(pl.Workers, ", "),
			strings.Join(pl.Perspectives, ", "), StyleMuted.Render(pl.Strategy))
	case events.WorkerCompletedPayload:
		who := pl.Worker
		if pl.Perspective != "" {
			who += "/" + pl.Perspective
		}
		if !pl.Success {
			return fmt.Sprintf("%s %s %s", StyleError.Render("✗"), who, StyleMuted.Render(truncate(pl.Error, 80)))
		}
		return fmt.Sprintf("%s %s %d issue(s) in %s", StyleSuccess.Render("✓"), who, pl.Issues, pl.Duration.Round(time.Second))
	case events.SessionStartedPayload:
		return fmt.Sprintf("%s %d issue(s) in %d step(s) on %s, up to %d round(s)",
			StyleTitle.Render("fix"), len(pl.IssueCodes), pl.Steps, orDash(pl.Branch), pl.MaxRounds)
	case events.RoundStartedPayload:
		return StyleBold.Render(fmt.Sprintf("round %d", pl.Round)) + " " + strings.Join(pl.IssueCodes, ", ")
	case events.WorkerInvokedPayload:
		return StyleMuted.Render(fmt.Sprintf("%s %s", pl.Role, pl.Worker))
	case events.ChallengerEvaluatingPayload:
		if pl.Iteration > 0 {
			return StyleAccent.Render(fmt.Sprintf("challenger grading iteration %d", pl.Iteration))
		}
		return StyleAccent.Render("challenger grading " + strings.Join(pl.IssueCodes, ", "))
	case events.BatchCommittedPayload:
		return fmt.Sprintf("%s %s %s", StyleSuccess.Render("committed"), shortSHA(pl.CommitSHA), strings.Join(pl.IssueCodes, ", "))
	case events.SessionCompletedPayload:
		return fmt.Sprintf("%s %d fixed, %d skipped, %d failed", StyleBold.Render(pl.Status), pl.Fixed, pl.Skipped, pl.Failed)
	case events.SessionErrorPayload:
		return StyleError.Render("error: ") + pl.Message
	}
	return ""
}

// formatElapsed formats a duration with a fixed width, e.g. " 1.04s".
func formatElapsed(d time.Duration) string {
	secs := d.Seconds()
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 10:
		return fmt.Sprintf("%5.2fs", secs)
	case secs < 100:
		return fmt.Sprintf("%5.1fs", secs)
	}
	return fmt.Sprintf("%5.0fs", secs)
}
