// Package miniaudio implements the capture boundary on top of the miniaudio
// library (via the malgo CGO bindings). It provides microphone capture on
// all desktop platforms and system-output (loopback) capture where the
// backend supports it (WASAPI).
package miniaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/audio/capture"
)

// Compile-time assertion that Backend satisfies capture.Opener.
var _ capture.Opener = (*Backend)(nil)

// periodMs is the device buffer period requested from miniaudio. Stop
// latency and overflow granularity are both bounded by one period.
const periodMs = 100

// chanPeriods is how many device periods the source buffers between the
// miniaudio callback and Read. Periods arriving while the buffer is full are
// counted as overflow and dropped.
const chanPeriods = 32

// Fallback formats requested when device enumeration reports no native
// format (some backends omit it).
const (
	fallbackSystemRate     = 48000
	fallbackSystemChannels = 2
	fallbackMicRate        = 44100
	fallbackMicChannels    = 1
)

// Backend owns one miniaudio context shared by all sources it opens.
// Create it once at startup and Close it at shutdown.
type Backend struct {
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

// NewBackend initialises the miniaudio context. Backend log messages are
// forwarded to slog at debug level.
func NewBackend() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Backend{ctx: ctx}, nil
}

// Close releases the miniaudio context. Sources must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// Devices enumerates capture devices for the kind. System loopback records
// what a playback endpoint is rendering, so KindSystem lists playback
// devices.
func (b *Backend) Devices(kind capture.Kind) ([]capture.Device, error) {
	infos, err := b.ctx.Devices(enumTypeFor(kind))
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate %s devices: %w", kind, err)
	}

	devices := make([]capture.Device, 0, len(infos))
	for _, info := range infos {
		d := capture.Device{
			ID:      info.ID.String(),
			Name:    info.Name(),
			Kind:    kind,
			Default: info.IsDefault != 0,
		}
		if len(info.Formats) > 0 {
			d.Rate = int(info.Formats[0].SampleRate)
			d.Channels = int(info.Formats[0].Channels)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Open acquires the requested device and starts its capture stream.
// deviceID must match an ID from [Backend.Devices]; empty selects the
// backend default for the kind.
func (b *Backend) Open(kind capture.Kind, deviceID string) (capture.Source, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, &capture.OpenError{Kind: kind, Device: deviceID, Err: errors.New("backend closed")}
	}

	info, err := b.resolveDevice(kind, deviceID)
	if err != nil {
		return nil, &capture.OpenError{Kind: kind, Device: deviceID, Err: err}
	}

	rate, channels := fallbackFormat(kind)
	if info != nil && len(info.Formats) > 0 {
		if r := int(info.Formats[0].SampleRate); r > 0 {
			rate = r
		}
		if c := int(info.Formats[0].Channels); c > 0 {
			channels = c
		}
	}

	s := &source{
		kind:     kind,
		rate:     rate,
		channels: channels,
		ch:       make(chan audio.Chunk, chanPeriods),
		done:     make(chan struct{}),
	}

	deviceType := malgo.Capture
	if kind == capture.KindSystem {
		// Loopback opens a playback endpoint for capture.
		deviceType = malgo.Loopback
	}

	cfg := malgo.DefaultDeviceConfig(deviceType)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(rate)
	cfg.PeriodSizeInMilliseconds = periodMs
	if info != nil {
		s.deviceID = info.ID
		cfg.Capture.DeviceID = s.deviceID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.deliver(input)
		},
	}

	dev, err := malgo.InitDevice(b.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, &capture.OpenError{Kind: kind, Device: deviceID, Err: err}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &capture.OpenError{Kind: kind, Device: deviceID, Err: err}
	}
	s.dev = dev

	slog.Info("capture device opened",
		slog.String("kind", kind.String()),
		slog.String("device", deviceName(info)),
		slog.Int("rate", rate),
		slog.Int("channels", channels),
	)
	return s, nil
}

// resolveDevice finds the DeviceInfo for deviceID, or nil for the default.
func (b *Backend) resolveDevice(kind capture.Kind, deviceID string) (*malgo.DeviceInfo, error) {
	if deviceID == "" {
		return nil, nil
	}
	infos, err := b.ctx.Devices(enumTypeFor(kind))
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for i := range infos {
		if infos[i].ID.String() == deviceID || infos[i].Name() == deviceID {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("no %s device matching %q", kind, deviceID)
}

// enumTypeFor maps a capture kind to the malgo enumeration type. Loopback
// capture targets playback endpoints.
func enumTypeFor(kind capture.Kind) malgo.DeviceType {
	if kind == capture.KindSystem {
		return malgo.Playback
	}
	return malgo.Capture
}

func fallbackFormat(kind capture.Kind) (rate, channels int) {
	if kind == capture.KindSystem {
		return fallbackSystemRate, fallbackSystemChannels
	}
	return fallbackMicRate, fallbackMicChannels
}

func deviceName(info *malgo.DeviceInfo) string {
	if info == nil {
		return "default"
	}
	return info.Name()
}

// source is one open miniaudio capture stream. The device callback pushes
// periods into a bounded channel; Read pops them. Compile-time assertion
// below.
var _ capture.Source = (*source)(nil)

type source struct {
	kind     capture.Kind
	rate     int
	channels int
	deviceID malgo.DeviceID

	dev  *malgo.Device
	ch   chan audio.Chunk
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

// deliver runs on the miniaudio callback thread. It must never block: full
// buffer means the reader fell behind, and the period is counted as overflow.
func (s *source) deliver(input []byte) {
	if s.closed.Load() || len(input) == 0 {
		return
	}
	chunk := audio.Chunk{
		Samples:    bytesToFloat32(input),
		Rate:       s.rate,
		Channels:   s.channels,
		CapturedAt: time.Now(),
	}
	select {
	case s.ch <- chunk:
	default:
		s.dropped.Add(1)
	}
}

// Format implements capture.Source.
func (s *source) Format() (rate, channels int) {
	return s.rate, s.channels
}

// Read implements capture.Source. Dropped periods are surfaced as one
// [capture.ErrOverflow] before the next chunk is returned.
func (s *source) Read() (audio.Chunk, error) {
	if n := s.dropped.Swap(0); n > 0 {
		gap := time.Duration(n) * periodMs * time.Millisecond
		return audio.Chunk{}, fmt.Errorf("%w: %d periods (%s) lost", capture.ErrOverflow, n, gap)
	}
	select {
	case <-s.done:
		return audio.Chunk{}, capture.ErrClosed
	case chunk := <-s.ch:
		return chunk, nil
	}
}

// Close implements capture.Source. It stops the device callback and wakes a
// blocked Read.
func (s *source) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.dev != nil {
			s.dev.Uninit()
		}
		close(s.done)
	})
	return nil
}

// bytesToFloat32 reinterprets little-endian float32 PCM bytes as samples.
func bytesToFloat32(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := range n {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
