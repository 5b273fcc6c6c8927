package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loquax/internal/session"
	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/audio/capture"
	capmock "github.com/MrWong99/loquax/pkg/audio/capture/mock"
	engmock "github.com/MrWong99/loquax/pkg/engine/mock"
	"github.com/MrWong99/loquax/pkg/types"
)

// pcmChunk builds d worth of constant-amplitude 16 kHz mono samples. The
// amplitude sits above the mixer's noise floor so leveling never mutes it.
func pcmChunk(d time.Duration, amp float32) audio.Chunk {
	n := int(d * audio.TargetRate / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amp
	}
	return audio.Chunk{
		Samples:    samples,
		Rate:       audio.TargetRate,
		Channels:   1,
		CapturedAt: time.Now(),
	}
}

func segAt(start, end time.Duration, text string) types.Segment {
	return types.Segment{Start: start, End: end, Text: text}
}

// memSink collects transcript calls in memory. The delays let tests hold the
// controller in a transitional state long enough to observe it.
type memSink struct {
	path       string
	beginDelay time.Duration
	endDelay   time.Duration
	beginErr   error
	appendErr  error

	mu      sync.Mutex
	beginN  int
	endN    int
	batches [][]types.Segment
}

func (s *memSink) Begin(start time.Time) error {
	time.Sleep(s.beginDelay)
	if s.beginErr != nil {
		return s.beginErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginN++
	return nil
}

func (s *memSink) Append(segments []types.Segment) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.Segment, len(segments))
	copy(cp, segments)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *memSink) End(endedAt time.Time) error {
	time.Sleep(s.endDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endN++
	return nil
}

func (s *memSink) Path() string { return s.path }

func (s *memSink) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginN
}

func (s *memSink) endCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endN
}

func (s *memSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *memSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parts []string
	for _, batch := range s.batches {
		for _, seg := range batch {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " ")
}

// memFeed records broadcast events in arrival order.
type memFeed struct {
	mu         sync.Mutex
	log        []string
	segBatches [][]types.Segment
}

func (f *memFeed) SessionStarted(info types.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "started:"+info.ID)
}

func (f *memFeed) Segments(segments []types.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]types.Segment, len(segments))
	copy(cp, segments)
	f.segBatches = append(f.segBatches, cp)
}

func (f *memFeed) SessionEnded(info types.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "ended:"+info.ID)
}

func (f *memFeed) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.log))
	copy(out, f.log)
	return out
}

// memArchive records archive calls; error fields inject storage failures.
type memArchive struct {
	beginErr error
	saveErr  error

	mu    sync.Mutex
	begun []string
	saved [][]types.Segment
	ended []string
}

func (a *memArchive) BeginSession(ctx context.Context, id string, mode types.SourceMode, startedAt time.Time, transcriptPath string) error {
	if a.beginErr != nil {
		return a.beginErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.begun = append(a.begun, id)
	return nil
}

func (a *memArchive) SaveSegments(ctx context.Context, sessionID string, segments []types.Segment) error {
	if a.saveErr != nil {
		return a.saveErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]types.Segment, len(segments))
	copy(cp, segments)
	a.saved = append(a.saved, cp)
	return nil
}

func (a *memArchive) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ended = append(a.ended, id)
	return nil
}

func (a *memArchive) savedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved)
}

type fixture struct {
	opener *capmock.Opener
	eng    *engmock.Engine
	sink   *memSink
	feed   *memFeed
	arch   *memArchive
	c      *session.Controller
}

func newFixture(t *testing.T, eng *engmock.Engine, sink *memSink, arch *memArchive) *fixture {
	t.Helper()
	if sink == nil {
		sink = &memSink{path: "transcript-test.md"}
	}
	if arch == nil {
		arch = &memArchive{}
	}
	f := &fixture{
		opener: &capmock.Opener{},
		eng:    eng,
		sink:   sink,
		feed:   &memFeed{},
		arch:   arch,
	}
	c, err := session.New(session.Config{
		Opener:     f.opener,
		Engine:     eng,
		EngineName: "mock",
		Sink:       sink,
		Feed:       f.feed,
		Archive:    arch,
		Window:     2 * time.Second,
		Overlap:    time.Second,
		QueueDepth: 4,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.c = c
	t.Cleanup(func() { _ = c.Close() })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, c *session.Controller, want types.SessionState) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return c.State() == want })
}

func TestController_StartTranscribesSystemAudio(t *testing.T) {
	t.Parallel()
	eng := &engmock.Engine{
		Result: []types.Segment{segAt(0, time.Second, "hello world")},
	}
	f := newFixture(t, eng, nil, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.c.State(); got != types.StateActive {
		t.Fatalf("state after Start = %v, want %v", got, types.StateActive)
	}
	if len(f.opener.OpenCalls) != 1 || f.opener.OpenCalls[0].Kind != capture.KindSystem {
		t.Fatalf("open calls = %+v, want one system open", f.opener.OpenCalls)
	}

	f.opener.Source(capture.KindSystem).Feed(pcmChunk(2*time.Second, 0.1))
	waitFor(t, "first transcript batch", func() bool { return f.sink.batchCount() >= 1 })

	if got := f.sink.text(); !strings.Contains(got, "hello world") {
		t.Errorf("transcript = %q, want it to contain %q", got, "hello world")
	}
	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(calls))
	}
	if got := len(calls[0].Samples); got != 2*audio.TargetRate {
		t.Errorf("window size = %d samples, want %d", got, 2*audio.TargetRate)
	}

	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitState(t, f.c, types.StateIdle)

	if got := f.sink.endCount(); got != 1 {
		t.Errorf("sink End calls = %d, want 1", got)
	}
	info := f.c.Info()
	if info.EndedAt.IsZero() {
		t.Error("Info().EndedAt not set after stop")
	}
	if info.Err != nil {
		t.Errorf("Info().Err = %v, want nil", info.Err)
	}
	events := f.feed.events()
	want := []string{"started:" + info.ID, "ended:" + info.ID}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("feed events = %v, want %v", events, want)
	}
	if f.arch.savedCount() < 1 {
		t.Error("archive received no segments")
	}
}

func TestController_SecondStartConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &engmock.Engine{}, nil, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := f.c.Start(context.Background(), types.MicOnly)
	if !errors.Is(err, session.ErrSessionActive) {
		t.Fatalf("second Start error = %v, want ErrSessionActive", err)
	}
	if got := f.c.State(); got != types.StateActive {
		t.Errorf("state = %v, want the first session still active", got)
	}
}

func TestController_InvalidMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &engmock.Engine{}, nil, nil)

	err := f.c.Start(context.Background(), types.SourceMode("bananas"))
	if err == nil || !strings.Contains(err.Error(), "invalid source mode") {
		t.Fatalf("Start error = %v, want invalid source mode", err)
	}
	if got := f.c.State(); got != types.StateIdle {
		t.Errorf("state = %v, want %v", got, types.StateIdle)
	}
	if len(f.opener.OpenCalls) != 0 {
		t.Errorf("open calls = %+v, want none", f.opener.OpenCalls)
	}
}

func TestController_OpenFailureClosesAcquiredSources(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &engmock.Engine{}, nil, nil)
	f.opener.OpenErrs = map[capture.Kind]error{
		capture.KindMic: &capture.OpenError{
			Kind:   capture.KindMic,
			Device: "USB Mic",
			Err:    errors.New("device busy"),
		},
	}

	err := f.c.Start(context.Background(), types.Both)
	if err == nil {
		t.Fatal("Start succeeded, want open failure")
	}
	var oe *capture.OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("Start error = %v, want *capture.OpenError in chain", err)
	}
	if oe.Kind != capture.KindMic {
		t.Errorf("failed kind = %v, want %v", oe.Kind, capture.KindMic)
	}

	// The system source was acquired first and must be released again.
	sys := f.opener.Source(capture.KindSystem)
	if sys == nil || !sys.Closed() {
		t.Error("system source not closed after failed start")
	}
	if got := f.c.State(); got != types.StateIdle {
		t.Errorf("state = %v, want %v", got, types.StateIdle)
	}
	if got := f.sink.beginCount(); got != 0 {
		t.Errorf("sink Begin calls = %d, want 0", got)
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &engmock.Engine{}, nil, nil)

	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop from idle: %v", err)
	}

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	waitState(t, f.c, types.StateIdle)
	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop after idle: %v", err)
	}

	if got := f.sink.endCount(); got != 1 {
		t.Errorf("sink End calls = %d, want exactly 1", got)
	}
}

func TestController_StopDuringStartingWaitsForActive(t *testing.T) {
	t.Parallel()
	sink := &memSink{path: "t.md", beginDelay: 150 * time.Millisecond}
	f := newFixture(t, &engmock.Engine{}, sink, nil)

	startErr := make(chan error, 1)
	go func() { startErr <- f.c.Start(context.Background(), types.SystemOnly) }()
	waitState(t, f.c, types.StateStarting)

	// Stop must wait for the start to settle, then run a full teardown.
	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, f.c, types.StateIdle)

	if got := f.sink.endCount(); got != 1 {
		t.Errorf("sink End calls = %d, want 1", got)
	}
}

func TestController_StartDuringStoppingWaitsForIdle(t *testing.T) {
	t.Parallel()
	sink := &memSink{path: "t.md", endDelay: 150 * time.Millisecond}
	f := newFixture(t, &engmock.Engine{}, sink, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id1 := f.c.Info().ID
	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitState(t, f.c, types.StateStopping)

	// Blocks until the first session is fully gone, then starts fresh.
	if err := f.c.Start(context.Background(), types.MicOnly); err != nil {
		t.Fatalf("Start during stopping: %v", err)
	}
	if got := f.c.State(); got != types.StateActive {
		t.Fatalf("state = %v, want %v", got, types.StateActive)
	}
	info := f.c.Info()
	if info.ID == id1 {
		t.Error("second session reused the first session's ID")
	}
	if info.Mode != types.MicOnly {
		t.Errorf("mode = %v, want %v", info.Mode, types.MicOnly)
	}

	events := f.feed.events()
	want := []string{"started:" + id1, "ended:" + id1, "started:" + info.ID}
	if len(events) != 3 || events[0] != want[0] || events[1] != want[1] || events[2] != want[2] {
		t.Errorf("feed events = %v, want %v", events, want)
	}
}

func TestController_BothModeMixesStreams(t *testing.T) {
	t.Parallel()
	eng := &engmock.Engine{
		Result: []types.Segment{segAt(0, time.Second, "mixed voices")},
	}
	f := newFixture(t, eng, nil, nil)

	if err := f.c.Start(context.Background(), types.Both); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(f.opener.OpenCalls) != 2 ||
		f.opener.OpenCalls[0].Kind != capture.KindSystem ||
		f.opener.OpenCalls[1].Kind != capture.KindMic {
		t.Fatalf("open calls = %+v, want system then microphone", f.opener.OpenCalls)
	}

	now := time.Now()
	sys := pcmChunk(2*time.Second, 0.2)
	mic := pcmChunk(2*time.Second, 0.05)
	sys.CapturedAt = now
	mic.CapturedAt = now
	f.opener.Source(capture.KindSystem).Feed(sys)
	f.opener.Source(capture.KindMic).Feed(mic)

	waitFor(t, "mixed transcript batch", func() bool { return f.sink.batchCount() >= 1 })
	if got := f.sink.text(); !strings.Contains(got, "mixed voices") {
		t.Errorf("transcript = %q, want it to contain %q", got, "mixed voices")
	}
	calls := eng.Calls()
	if len(calls) != 1 || len(calls[0].Samples) != 2*audio.TargetRate {
		t.Fatalf("engine got %d calls, want one full window", len(calls))
	}

	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitState(t, f.c, types.StateIdle)
	if !f.opener.Source(capture.KindSystem).Closed() || !f.opener.Source(capture.KindMic).Closed() {
		t.Error("capture sources not closed after stop")
	}
}

func TestController_WorkerDeathFailsSession(t *testing.T) {
	t.Parallel()
	sink := &memSink{path: "t.md", endDelay: 120 * time.Millisecond}
	f := newFixture(t, &engmock.Engine{}, sink, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.opener.Source(capture.KindSystem).FeedErr(errors.New("device unplugged"))

	waitState(t, f.c, types.StateFailed)
	waitState(t, f.c, types.StateIdle)

	info := f.c.Info()
	if info.Err == nil || !strings.Contains(info.Err.Error(), "system capture died") {
		t.Errorf("Info().Err = %v, want system capture death", info.Err)
	}
	if got := f.sink.endCount(); got != 1 {
		t.Errorf("sink End calls = %d, want the transcript finalized", got)
	}
}

func TestController_OverflowKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	eng := &engmock.Engine{
		Result: []types.Segment{segAt(0, time.Second, "after the gap")},
	}
	f := newFixture(t, eng, nil, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src := f.opener.Source(capture.KindSystem)
	src.FeedErr(capture.ErrOverflow)
	src.FeedErr(capture.ErrOverflow)
	src.Feed(pcmChunk(2*time.Second, 0.1))

	waitFor(t, "transcript after overflow", func() bool { return f.sink.batchCount() >= 1 })
	if got := f.c.State(); got != types.StateActive {
		t.Errorf("state = %v, want the session to survive overflows", got)
	}
	if got := f.sink.text(); !strings.Contains(got, "after the gap") {
		t.Errorf("transcript = %q, want it to contain %q", got, "after the gap")
	}

	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitState(t, f.c, types.StateIdle)
	if err := f.c.Info().Err; err != nil {
		t.Errorf("Info().Err = %v, want nil", err)
	}
}

func TestController_RepeatedWindowFailuresFailSession(t *testing.T) {
	t.Parallel()
	boom := errors.New("inference crashed")
	eng := &engmock.Engine{
		Queue: []engmock.Response{
			{Segments: []types.Segment{segAt(0, time.Second, "first words land")}},
			{Err: boom},
			{Err: boom},
			{Err: boom},
		},
	}
	f := newFixture(t, eng, nil, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src := f.opener.Source(capture.KindSystem)
	for i := 0; i < 5; i++ {
		src.Feed(pcmChunk(time.Second, 0.1))
	}

	waitState(t, f.c, types.StateIdle)

	info := f.c.Info()
	if info.Err == nil || !strings.Contains(info.Err.Error(), "consecutive windows failed") {
		t.Errorf("Info().Err = %v, want consecutive window failures", info.Err)
	}
	// Text transcribed before the engine died stays in the transcript.
	if got := f.sink.text(); !strings.Contains(got, "first words land") {
		t.Errorf("transcript = %q, want earlier text preserved", got)
	}
	if got := f.sink.endCount(); got != 1 {
		t.Errorf("sink End calls = %d, want 1", got)
	}
	if got := len(eng.Calls()); got != 4 {
		t.Errorf("engine calls = %d, want 4", got)
	}
}

func TestController_SinkWriteFailureFailsSession(t *testing.T) {
	t.Parallel()
	sink := &memSink{path: "t.md", appendErr: errors.New("disk full")}
	eng := &engmock.Engine{
		Result: []types.Segment{segAt(0, time.Second, "lost words")},
	}
	f := newFixture(t, eng, sink, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.opener.Source(capture.KindSystem).Feed(pcmChunk(2*time.Second, 0.1))

	waitState(t, f.c, types.StateIdle)

	info := f.c.Info()
	if info.Err == nil || !strings.Contains(info.Err.Error(), "emit segments") {
		t.Errorf("Info().Err = %v, want emit failure", info.Err)
	}
	if got := f.sink.endCount(); got != 1 {
		t.Errorf("sink End calls = %d, want 1", got)
	}
}

func TestController_ArchiveErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	arch := &memArchive{
		beginErr: errors.New("pg down"),
		saveErr:  errors.New("pg down"),
	}
	eng := &engmock.Engine{
		Result: []types.Segment{segAt(0, time.Second, "still here")},
	}
	f := newFixture(t, eng, nil, arch)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.opener.Source(capture.KindSystem).Feed(pcmChunk(2*time.Second, 0.1))
	waitFor(t, "transcript batch", func() bool { return f.sink.batchCount() >= 1 })

	if got := f.c.State(); got != types.StateActive {
		t.Fatalf("state = %v, archive errors must not end the session", got)
	}
	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitState(t, f.c, types.StateIdle)
	if err := f.c.Info().Err; err != nil {
		t.Errorf("Info().Err = %v, want nil", err)
	}
}

func TestController_CloseWaitsForTeardown(t *testing.T) {
	t.Parallel()
	sink := &memSink{path: "t.md", endDelay: 120 * time.Millisecond}
	f := newFixture(t, &engmock.Engine{}, sink, nil)

	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	begun := time.Now()
	if err := f.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(begun); elapsed < 100*time.Millisecond {
		t.Errorf("Close returned after %v, want it to block through teardown", elapsed)
	}
	if got := f.c.State(); got != types.StateIdle {
		t.Errorf("state after Close = %v, want %v", got, types.StateIdle)
	}
	if got := f.sink.endCount(); got != 1 {
		t.Errorf("sink End calls = %d, want 1", got)
	}
}

func TestController_UpdateSettingsAppliesToNextSession(t *testing.T) {
	t.Parallel()
	eng := &engmock.Engine{
		Result: []types.Segment{segAt(0, time.Second, "resized")},
	}
	f := newFixture(t, eng, nil, nil)

	f.c.UpdateSettings(session.Settings{
		Window:     3 * time.Second,
		Overlap:    time.Second,
		QueueDepth: 4,
	})
	if err := f.c.Start(context.Background(), types.SystemOnly); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.opener.Source(capture.KindSystem).Feed(pcmChunk(3*time.Second, 0.1))
	waitFor(t, "transcript batch", func() bool { return f.sink.batchCount() >= 1 })

	calls := eng.Calls()
	if len(calls) != 1 || len(calls[0].Samples) != 3*audio.TargetRate {
		t.Fatalf("engine got %d calls, want one window of %d samples",
			len(calls), 3*audio.TargetRate)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	valid := func() session.Config {
		return session.Config{
			Opener: &capmock.Opener{},
			Engine: &engmock.Engine{},
			Sink:   &memSink{path: "t.md"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*session.Config)
		wantSub string
	}{
		{
			name:    "missing opener",
			mutate:  func(c *session.Config) { c.Opener = nil },
			wantSub: "opener is required",
		},
		{
			name:    "missing engine",
			mutate:  func(c *session.Config) { c.Engine = nil },
			wantSub: "engine is required",
		},
		{
			name:    "missing sink",
			mutate:  func(c *session.Config) { c.Sink = nil },
			wantSub: "sink is required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			_, err := session.New(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("New error = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}
