// Package capture defines the interface boundary between the recording core
// and OS-level audio capture.
//
// The two primary abstractions are:
//
//   - [Opener] — enumerates devices and opens one capture [Source].
//   - [Source] — an open device handle delivering raw PCM chunks via
//     blocking reads until closed.
//
// Implementations are provided by backend adapter packages (capture/miniaudio
// for real devices, capture/mock for tests). The interfaces are intentionally
// narrow: the session controller owns open/close sequencing, capture workers
// own the blocking read loop, and nothing else touches device handles.
package capture

import (
	"errors"
	"fmt"

	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/types"
)

// ErrOverflow is returned by [Source.Read] when the device's internal buffer
// overran and a period of audio was lost. It is a transient condition: the
// read that follows delivers fresh audio. Callers record the gap and keep
// reading; they must not treat it as end of stream.
var ErrOverflow = errors.New("capture: device buffer overflow")

// ErrClosed is returned by [Source.Read] after [Source.Close] has been
// called. It marks the clean end of the chunk sequence.
var ErrClosed = errors.New("capture: source closed")

// OpenError reports which source could not be opened and why. A failed open
// aborts the whole session; the Kind lets the caller surface a precise
// message ("microphone could not be opened") instead of a generic failure.
type OpenError struct {
	// Kind is the source that failed (system loopback or microphone).
	Kind Kind

	// Device is the configured device name, or empty for the default.
	Device string

	// Err is the backend's underlying error.
	Err error
}

func (e *OpenError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	return fmt.Sprintf("capture: open %s device %q: %v", e.Kind, dev, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Kind identifies which of the two capture sources a device or worker
// belongs to.
type Kind int

const (
	// KindSystem captures the audio being sent to the system output device
	// (loopback).
	KindSystem Kind = iota

	// KindMic captures a microphone input device.
	KindMic
)

// String returns the lowercase kind name used in logs and errors.
func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindMic:
		return "microphone"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindsFor returns the capture kinds a source mode requires, in the order
// the controller opens them.
func KindsFor(mode types.SourceMode) []Kind {
	switch mode {
	case types.SystemOnly:
		return []Kind{KindSystem}
	case types.MicOnly:
		return []Kind{KindMic}
	case types.Both:
		return []Kind{KindSystem, KindMic}
	default:
		return nil
	}
}

// Device describes one enumerable capture device.
type Device struct {
	// ID is the backend-specific identifier used to select the device.
	// Empty selects the backend default.
	ID string

	// Name is the human-readable device name.
	Name string

	// Kind is the source this device serves.
	Kind Kind

	// Rate and Channels are the device's native format.
	Rate     int
	Channels int

	// Default marks the backend's default device for its kind.
	Default bool
}

// Source is one open capture device handle.
//
// Read blocks until one device buffer period is available and returns it as
// a float32 chunk in the device's native rate and channel count. A read
// cannot be interrupted mid-call; Close makes the next (or current, where
// the backend supports it) read return [ErrClosed]. Read returns
// [ErrOverflow] for transiently lost periods.
//
// Exactly one goroutine may call Read; Close may be called from any
// goroutine and is idempotent.
type Source interface {
	// Format returns the native sample rate and channel count the source
	// delivers.
	Format() (rate, channels int)

	// Read returns the next chunk of captured audio.
	Read() (audio.Chunk, error)

	// Close releases the device handle. Safe to call more than once.
	Close() error
}

// Opener opens capture sources and enumerates devices.
//
// Implementations must be safe for concurrent use, but Open calls for the
// same kind are serialized by the session controller — no two sessions'
// sources are ever open at once.
type Opener interface {
	// Open acquires the device of the given kind. deviceID selects a
	// specific device from [Opener.Devices]; empty means the default.
	// Failures are reported as [*OpenError].
	Open(kind Kind, deviceID string) (Source, error)

	// Devices enumerates the capture devices available for the kind.
	Devices(kind Kind) ([]Device, error)
}
