package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/loquax/pkg/types"
)

// Sink appends transcript segments to the per-day markdown file and keeps
// the session's segments in memory for the status API. Every Append reaches
// the file before returning, so a crash loses at most the segment being
// written. Write errors must be treated as fatal to the session by the
// caller; the sink itself stays usable for the next Begin.
//
// Sink is safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	dir     string
	f       *os.File
	path    string
	started time.Time
	log     []types.Segment
}

// NewSink returns a sink writing into dir. The directory is created on
// [Sink.Begin], not here, so constructing a sink never touches the disk.
func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

// SetDir changes the output directory for subsequent sessions. The open
// transcript, if any, stays where it is.
func (s *Sink) SetDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = dir
}

// Begin opens (creating if needed) the transcript file for the day of start
// and prepares the in-memory log. A new file gets the markdown header. A
// session spanning midnight keeps the file it started in.
func (s *Sink) Begin(start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f != nil {
		return fmt.Errorf("transcript: session already open in %s", s.path)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("transcript: create output dir %q: %w", s.dir, err)
	}

	path := filepath.Join(s.dir, FileName(start))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("transcript: stat %q: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := fmt.Fprintf(f, "%s\n\n", Header(start)); err != nil {
			f.Close()
			return fmt.Errorf("transcript: write header: %w", err)
		}
	}

	s.f = f
	s.path = path
	s.started = start
	s.log = nil
	slog.Info("transcript: session transcript open", "path", path)
	return nil
}

// Append writes the segments to the file and the in-memory log. Offsets are
// session-relative and render as [mm:ss.ss]. An error here means the
// transcript can no longer be persisted and the session must abort.
func (s *Sink) Append(segments []types.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("transcript: append without open session")
	}

	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "[%s] %s\n", FormatOffset(seg.Start), seg.Text)
	}
	if _, err := s.f.WriteString(b.String()); err != nil {
		return fmt.Errorf("transcript: append to %q: %w", s.path, err)
	}

	s.log = append(s.log, segments...)
	return nil
}

// End writes the session-boundary marker and closes the file. The in-memory
// log stays readable until the next Begin.
func (s *Sink) End(endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}

	_, werr := s.f.WriteString(endMarker(endedAt, endedAt.Sub(s.started)))
	cerr := s.f.Close()
	s.f = nil

	if werr != nil {
		return fmt.Errorf("transcript: write session marker: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("transcript: close %q: %w", s.path, cerr)
	}
	slog.Info("transcript: saved", "path", s.path, "segments", len(s.log))
	return nil
}

// Segments returns a copy of the current session's in-memory segment log.
func (s *Sink) Segments() []types.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Segment, len(s.log))
	copy(out, s.log)
	return out
}

// Path returns the file the current (or last) session wrote to.
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}
