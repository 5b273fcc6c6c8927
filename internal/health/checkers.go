package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Pinger is satisfied by connection pools that can probe their backend,
// notably [github.com/jackc/pgx/v5/pgxpool.Pool].
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker that calls p.Ping. Use it for the segment archive.
func Ping(name string, p Pinger) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// FileExists returns a checker that verifies path names a regular file.
// Use it for the whisper model file: readiness must not run inference, so
// existence of the model on disk is the probe.
func FileExists(name, path string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}
			return nil
		},
	}
}

// DirWritable returns a checker that verifies dir exists and accepts writes
// by creating and removing a probe file. Use it for the transcript output
// directory: an unwritable directory makes every session fail at its first
// segment.
func DirWritable(name, dir string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			probe := filepath.Join(dir, ".loquax-probe")
			f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			f.Close()
			return os.Remove(probe)
		},
	}
}
