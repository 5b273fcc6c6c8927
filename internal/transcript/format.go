// Package transcript turns the pipeline's timed segments into the persisted
// markdown transcript. The sink appends incrementally so a crash mid-session
// loses nothing already written; the deduper strips the words the engine
// re-emits at window boundaries before they reach the sink.
package transcript

import (
	"fmt"
	"math"
	"time"
)

// FormatOffset renders a session-relative offset as mm:ss.ss, the timestamp
// prefix of every transcript line. Minutes grow past 59 instead of rolling
// into hours so lines stay column-aligned and sortable.
func FormatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	// Round to centiseconds first so 59.999 s renders as 01:00.00, not 00:60.00.
	cs := int64(math.Round(d.Seconds() * 100))
	min := cs / 6000
	rem := cs % 6000
	return fmt.Sprintf("%02d:%02d.%02d", min, rem/100, rem%100)
}

// FormatDuration renders a wall-clock duration the way the session-end
// marker shows it: "1h 23m", "5m 30s" or "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Header returns the markdown title line written when a transcript file is
// first created.
func Header(t time.Time) string {
	return "# Transcript - " + t.Format("2006-01-02 15:04")
}

// FileName returns the per-day transcript file name for t.
func FileName(t time.Time) string {
	return "transcript-" + t.Format("2006-01-02") + ".md"
}

// endMarker returns the session-boundary block appended when a session ends.
func endMarker(endedAt time.Time, dur time.Duration) string {
	return fmt.Sprintf("\n---\n*Session ended %s (duration %s)*\n\n",
		endedAt.Format("15:04:05"), FormatDuration(dur))
}
