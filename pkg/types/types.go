// Package types defines the shared types used across all Loquax packages.
//
// These types form the lingua franca between capture sources, the mixer, the
// streaming pipeline, engines, and sinks. They are intentionally minimal:
// each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"fmt"
	"time"
)

// SourceMode selects which capture sources a session records from.
type SourceMode string

// Valid source modes.
const (
	// SystemOnly records the system output (loopback) device alone.
	SystemOnly SourceMode = "system"

	// MicOnly records the microphone alone.
	MicOnly SourceMode = "microphone"

	// Both records system output and microphone and mixes them into one stream.
	Both SourceMode = "both"
)

// IsValid reports whether m is one of the defined source modes.
func (m SourceMode) IsValid() bool {
	switch m {
	case SystemOnly, MicOnly, Both:
		return true
	}
	return false
}

// ParseSourceMode converts a string (as found in config files or CLI flags)
// into a SourceMode, or returns an error naming the invalid value.
func ParseSourceMode(s string) (SourceMode, error) {
	m := SourceMode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("invalid source mode %q (want %q, %q or %q)",
			s, SystemOnly, MicOnly, Both)
	}
	return m, nil
}

// SessionState enumerates the lifecycle states of the recording session
// controller. Transitions are serialized: Idle → Starting → Active →
// Stopping → Idle, with Failed reachable from Starting or Active. Failed
// drains back to Idle through the same teardown path as Stopping.
type SessionState int

const (
	// StateIdle means no session exists and a new one may start.
	StateIdle SessionState = iota

	// StateStarting means devices and the pipeline are being acquired.
	StateStarting

	// StateActive means audio is flowing and segments are being produced.
	StateActive

	// StateStopping means teardown is in progress; all resources of the
	// session are being released. The next start waits for Idle.
	StateStopping

	// StateFailed means the session hit a fatal error and its teardown is
	// in progress. Observable until the controller returns to Idle.
	StateFailed
)

// String returns the lowercase state name for logs and the HTTP status API.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Segment is one timestamped piece of transcribed text. Offsets are relative
// to session start; within a session segments are append-only and strictly
// non-decreasing in Start.
type Segment struct {
	// Start is the offset of the first word relative to session start.
	Start time.Duration

	// End is the offset at which the segment's speech ends.
	End time.Duration

	// Text is the transcribed content, whitespace-trimmed.
	Text string
}

// SessionInfo describes one recording session. At most one session is active
// process-wide; its info remains queryable (with EndedAt set) after it ends.
type SessionInfo struct {
	// ID is a unique identifier assigned at start.
	ID string

	// Mode is the source selection the session was started with.
	Mode SourceMode

	// StartedAt is when the session reached Active.
	StartedAt time.Time

	// EndedAt is when teardown completed. Zero while the session runs.
	EndedAt time.Time

	// Err records the fatal error for sessions that ended via Failed.
	Err error
}

// Duration returns the wall-clock length of the session so far, or its final
// length once EndedAt is set.
func (i SessionInfo) Duration() time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	if i.EndedAt.IsZero() {
		return time.Since(i.StartedAt)
	}
	return i.EndedAt.Sub(i.StartedAt)
}
