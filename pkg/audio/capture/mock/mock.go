// Package mock provides in-memory implementations of [capture.Opener] and
// [capture.Source] for unit tests.
//
// The mocks are safe for concurrent use. A [Source] replays a scripted
// sequence of chunks and errors: Read blocks until something is fed or the
// source is closed, mirroring a real device's blocking read. An [Opener]
// records every Open call so tests can assert on device acquisition order
// and on the serialization invariant (no two sources of one kind open at
// the same time).
package mock

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/audio/capture"
)

// Compile-time interface assertions.
var (
	_ capture.Opener = (*Opener)(nil)
	_ capture.Source = (*Source)(nil)
)

// event is one scripted Read outcome.
type event struct {
	chunk audio.Chunk
	err   error
}

// Source is a scripted [capture.Source].
type Source struct {
	rate     int
	channels int

	events chan event
	done   chan struct{}
	once   sync.Once

	closeCount atomic.Int32
}

// NewSource creates a Source reporting the given native format. The internal
// script buffer holds up to 4096 pending events; tests feeding more must
// consume concurrently.
func NewSource(rate, channels int) *Source {
	return &Source{
		rate:     rate,
		channels: channels,
		events:   make(chan event, 4096),
		done:     make(chan struct{}),
	}
}

// Feed queues samples as one chunk for a future Read. The chunk carries the
// source's native format.
func (s *Source) Feed(chunk audio.Chunk) {
	if chunk.Rate == 0 {
		chunk.Rate = s.rate
	}
	if chunk.Channels == 0 {
		chunk.Channels = s.channels
	}
	s.events <- event{chunk: chunk}
}

// FeedErr queues an error for a future Read (e.g. [capture.ErrOverflow]).
func (s *Source) FeedErr(err error) {
	s.events <- event{err: err}
}

// Format implements capture.Source.
func (s *Source) Format() (rate, channels int) {
	return s.rate, s.channels
}

// Read implements capture.Source. It blocks until an event is available or
// the source is closed. Queued events are delivered before the close takes
// effect, matching a device that returns its last buffered period.
func (s *Source) Read() (audio.Chunk, error) {
	select {
	case ev := <-s.events:
		return ev.chunk, ev.err
	default:
	}
	select {
	case ev := <-s.events:
		return ev.chunk, ev.err
	case <-s.done:
		return audio.Chunk{}, capture.ErrClosed
	}
}

// Close implements capture.Source. Safe to call more than once.
func (s *Source) Close() error {
	s.closeCount.Add(1)
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called at least once.
func (s *Source) Closed() bool {
	return s.closeCount.Load() > 0
}

// CloseCount returns how many times Close was called.
func (s *Source) CloseCount() int {
	return int(s.closeCount.Load())
}

// OpenCall records the arguments of one [Opener.Open] invocation.
type OpenCall struct {
	Kind     capture.Kind
	DeviceID string
}

// Opener is a scripted [capture.Opener].
//
// Set OpenErrs to make Open fail for a kind; set Sources to hand out a
// prepared [Source]. When neither is set, Open creates a fresh Source
// (16 kHz mono) and records it in Sources so the test can feed it.
type Opener struct {
	mu sync.Mutex

	// Sources maps kind to the source Open returns. Populated automatically
	// for kinds the test did not prepare.
	Sources map[capture.Kind]*Source

	// OpenErrs maps kind to the error Open returns instead of a source.
	OpenErrs map[capture.Kind]error

	// DevicesResult is returned by Devices.
	DevicesResult map[capture.Kind][]capture.Device

	// OpenCalls records all Open invocations in order.
	OpenCalls []OpenCall
}

// Open implements capture.Opener.
func (o *Opener) Open(kind capture.Kind, deviceID string) (capture.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, OpenCall{Kind: kind, DeviceID: deviceID})
	if err := o.OpenErrs[kind]; err != nil {
		return nil, err
	}
	if o.Sources == nil {
		o.Sources = make(map[capture.Kind]*Source)
	}
	src, ok := o.Sources[kind]
	if !ok {
		src = NewSource(audio.TargetRate, audio.TargetChannels)
		o.Sources[kind] = src
	}
	return src, nil
}

// Devices implements capture.Opener.
func (o *Opener) Devices(kind capture.Kind) ([]capture.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.DevicesResult[kind], nil
}

// Source returns the source handed out for kind, or nil if Open was never
// called for it.
func (o *Opener) Source(kind capture.Kind) *Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Sources[kind]
}
