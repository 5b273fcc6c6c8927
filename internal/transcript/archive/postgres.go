// Package archive persists finished transcript segments to PostgreSQL.
//
// The archive is optional: it runs only when archive.postgres_dsn is
// configured. The per-day markdown file written by the sink stays the
// authoritative record; archive write failures are logged by the caller and
// never abort a session.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/loquax/pkg/types"
)

// Schema is the SQL DDL for the archive tables. Execute it via
// [Archive.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT         PRIMARY KEY,
    mode       TEXT         NOT NULL,
    started_at TIMESTAMPTZ  NOT NULL,
    ended_at   TIMESTAMPTZ,
    transcript TEXT         NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS segments (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    start_ms   BIGINT       NOT NULL,
    end_ms     BIGINT       NOT NULL,
    text       TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_session_id
    ON segments (session_id);

CREATE INDEX IF NOT EXISTS idx_segments_session_start
    ON segments (session_id, start_ms);
`

// DB is the database interface used by [Archive]. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var _ DB = (*pgxpool.Pool)(nil)

// Hit is one [Archive.SearchText] result with the session it came from.
type Hit struct {
	SessionID string
	Segment   types.Segment
}

// Archive stores session metadata and transcript segments in PostgreSQL.
// All methods are safe for concurrent use.
type Archive struct {
	db   DB
	pool *pgxpool.Pool
}

// New creates an Archive on an existing connection or pool. The caller is
// responsible for calling [Archive.Migrate] before issuing queries.
func New(db DB) *Archive {
	return &Archive{db: db}
}

// Open connects to the database at dsn, verifies the connection and ensures
// the schema exists. Close the returned Archive when done.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	a := &Archive{db: pool, pool: pool}
	if err := a.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Migrate executes the [Schema] DDL, creating the sessions and segments
// tables and indexes if they do not already exist. It is idempotent and safe
// to call on every start.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. An Archive built with [New]
// has no pool of its own and always reports healthy.
func (a *Archive) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// Close releases the connection pool opened by [Open].
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// BeginSession records a new session row. transcriptPath is the markdown
// file the session writes to.
func (a *Archive) BeginSession(ctx context.Context, id string, mode types.SourceMode, startedAt time.Time, transcriptPath string) error {
	const q = `
		INSERT INTO sessions (id, mode, started_at, transcript)
		VALUES ($1, $2, $3, $4)`

	if _, err := a.db.Exec(ctx, q, id, string(mode), startedAt, transcriptPath); err != nil {
		return fmt.Errorf("archive: begin session: %w", err)
	}
	return nil
}

// EndSession stamps the session's end time.
func (a *Archive) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	const q = `UPDATE sessions SET ended_at = $2 WHERE id = $1`

	if _, err := a.db.Exec(ctx, q, id, endedAt); err != nil {
		return fmt.Errorf("archive: end session: %w", err)
	}
	return nil
}

// SaveSegments inserts the segments for sessionID in a single batch round
// trip. Offsets are stored as milliseconds.
func (a *Archive) SaveSegments(ctx context.Context, sessionID string, segments []types.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	const q = `
		INSERT INTO segments (session_id, start_ms, end_ms, text)
		VALUES ($1, $2, $3, $4)`

	b := &pgx.Batch{}
	for _, seg := range segments {
		b.Queue(q, sessionID, seg.Start.Milliseconds(), seg.End.Milliseconds(), seg.Text)
	}

	br := a.db.SendBatch(ctx, b)
	for range segments {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("archive: insert segment: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("archive: close batch: %w", err)
	}
	return nil
}

// RecentSegments returns the last limit segments of sessionID in
// chronological order. limit <= 0 applies a default of 50.
func (a *Archive) RecentSegments(ctx context.Context, sessionID string, limit int) ([]types.Segment, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
		SELECT start_ms, end_ms, text
		FROM   segments
		WHERE  session_id = $1
		ORDER  BY start_ms DESC
		LIMIT  $2`

	rows, err := a.db.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent segments: %w", err)
	}

	segments, err := pgx.CollectRows(rows, scanSegment)
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}

	// The query returns newest first; flip back to transcript order.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return segments, nil
}

// SearchText returns segments whose text contains query, case-insensitive,
// newest first across all sessions. limit <= 0 applies a default of 50.
func (a *Archive) SearchText(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
		SELECT session_id, start_ms, end_ms, text
		FROM   segments
		WHERE  text ILIKE '%' || $1 || '%'
		ORDER  BY id DESC
		LIMIT  $2`

	rows, err := a.db.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var (
			h              Hit
			startMS, endMS int64
		)
		if err := row.Scan(&h.SessionID, &startMS, &endMS, &h.Segment.Text); err != nil {
			return Hit{}, err
		}
		h.Segment.Start = time.Duration(startMS) * time.Millisecond
		h.Segment.End = time.Duration(endMS) * time.Millisecond
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	return hits, nil
}

// scanSegment scans one segments row into a types.Segment.
func scanSegment(row pgx.CollectableRow) (types.Segment, error) {
	var (
		seg            types.Segment
		startMS, endMS int64
	)
	if err := row.Scan(&startMS, &endMS, &seg.Text); err != nil {
		return types.Segment{}, err
	}
	seg.Start = time.Duration(startMS) * time.Millisecond
	seg.End = time.Duration(endMS) * time.Millisecond
	return seg, nil
}
