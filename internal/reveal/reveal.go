// Package reveal simulates incremental delivery of a complete answer, so that a reply fetched in one
// piece reaches its message the same way a streamed one does.
package reveal

import (
	"context"
	"errors"
	"time"
	"unicode"
)

// DefaultInterval is the pause between two revealed runs.
const DefaultInterval = 30 * time.Millisecond

// ErrAborted is returned by Reveal when the apply callback refused a run.
var ErrAborted = errors.New("reveal aborted")

// Split cuts text into alternating runs of whitespace and non-whitespace. Concatenating the runs gives
// back text exactly.
func Split(text string) []string {
	var runs []string
	start := 0
	var inSpace bool
	for i, r := range text {
		space := unicode.IsSpace(r)
		if i == 0 {
			inSpace = space
			continue
		}
		if space != inSpace {
			runs = append(runs, text[start:i])
			start = i
			inSpace = space
		}
	}
	if start < len(text) {
		runs = append(runs, text[start:])
	}
	return runs
}

// Reveal hands the runs of text to apply, one per interval tick. The first run is applied without
// waiting. Before every run it checks ctx and returns ctx.Err() once cancelled, leaving the runs
// applied so far in place. It returns ErrAborted if apply reports false.
func Reveal(ctx context.Context, text string, interval time.Duration, apply func(run string) bool) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	runs := Split(text)
	if len(runs) == 0 {
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i, run := range runs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !apply(run) {
			return ErrAborted
		}
	}
	return nil
}
