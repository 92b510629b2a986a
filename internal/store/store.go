package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("not found")

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
	dim  int
}

// Enrollment is one enrolled face as stored in the database.
type Enrollment struct {
	ID         int
	Category   types.Category
	Label      string
	SourceID   string
	SourcePath string
	Embedding  []float64
	CreatedAt  time.Time
}

// New establishes a connection to the database and ensures the schema is initialized
// for embeddings of length dim.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn, dim); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	// The vector type only exists once the extension is created.
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to register vector type: %w", err)
	}

	return &Store{conn: conn, dim: dim}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn, dim int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS enrollments (
			id SERIAL PRIMARY KEY,
			category TEXT NOT NULL CHECK (category IN ('whitelist', 'blacklist')),
			label TEXT NOT NULL,
			source_id TEXT NOT NULL UNIQUE,
			source_path TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS detection_events (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL,
			category TEXT NOT NULL,
			label TEXT NOT NULL,
			seq BIGSERIAL
		);
		-- Faces of one frame share seen_at; seq keeps their insertion order.
		ALTER TABLE detection_events ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
		CREATE INDEX IF NOT EXISTS detection_events_seen_at_idx ON detection_events (seen_at, seq);
	`, dim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Dim is the embedding length of the enrollments table.
func (s *Store) Dim() int { return s.dim }

func toVector(vec []float64) pgvector.Vector {
	f := make([]float32, len(vec))
	for i, v := range vec {
		f[i] = float32(v)
	}
	return pgvector.NewVector(f)
}

func fromVector(v pgvector.Vector) []float64 {
	s := v.Slice()
	out := make([]float64, len(s))
	for i, x := range s {
		out[i] = float64(x)
	}
	return out
}

// UpsertEnrollment stores an enrolled face keyed by its source image.
// Re-enrolling the same unchanged image updates the row instead of duplicating it.
func (s *Store) UpsertEnrollment(ctx context.Context, e Enrollment) (int, error) {
	if e.Category != types.Allow && e.Category != types.Deny {
		return 0, fmt.Errorf("cannot enroll category %v", e.Category)
	}
	if len(e.Embedding) != s.dim {
		return 0, fmt.Errorf("embedding has %d dimensions, table expects %d", len(e.Embedding), s.dim)
	}

	var id int
	err := s.conn.QueryRow(ctx, `
		INSERT INTO enrollments (category, label, source_id, source_path, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO UPDATE SET
			category = EXCLUDED.category,
			label = EXCLUDED.label,
			source_path = EXCLUDED.source_path,
			embedding = EXCLUDED.embedding
		RETURNING id
	`, e.Category.Slug(), e.Label, e.SourceID, e.SourcePath, toVector(e.Embedding)).Scan(&id)
	return id, err
}

// ListEnrollments returns every enrollment in insertion order.
func (s *Store) ListEnrollments(ctx context.Context) ([]Enrollment, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, category, label, source_id, source_path, embedding, created_at
		FROM enrollments ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		var e Enrollment
		var category string
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &category, &e.Label, &e.SourceID, &e.SourcePath, &vec, &e.CreatedAt); err != nil {
			return nil, err
		}
		cat, ok := types.ParseCategory(category)
		if !ok {
			return nil, fmt.Errorf("enrollment %d has unknown category %q", e.ID, category)
		}
		e.Category = cat
		e.Embedding = fromVector(vec)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RenameEnrollment updates the label of an enrolled face.
func (s *Store) RenameEnrollment(ctx context.Context, id int, label string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE enrollments SET label = $1 WHERE id = $2", label, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("enrollment %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteEnrollment removes an enrolled face.
func (s *Store) DeleteEnrollment(ctx context.Context, id int) error {
	tag, err := s.conn.Exec(ctx, "DELETE FROM enrollments WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("enrollment %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordEvents bulk-inserts detection events with COPY.
func (s *Store) RecordEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		id, err := uuid.Parse(ev.ID)
		if err != nil {
			return fmt.Errorf("event id %q: %w", ev.ID, err)
		}
		runID, err := uuid.Parse(ev.RunID)
		if err != nil {
			return fmt.Errorf("run id %q: %w", ev.RunID, err)
		}
		rows = append(rows, []any{id, runID, ev.SeenAt, ev.Category.Slug(), ev.Label})
	}
	_, err := s.conn.CopyFrom(ctx,
		pgx.Identifier{"detection_events"},
		[]string{"id", "run_id", "seen_at", "category", "label"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// RecentEvents returns the newest events, oldest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]types.Event, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, run_id, seen_at, category, label FROM (
			SELECT * FROM detection_events ORDER BY seen_at DESC, seq DESC LIMIT $1
		) recent ORDER BY seen_at ASC, seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var id, runID uuid.UUID
		var category string
		if err := rows.Scan(&id, &runID, &ev.SeenAt, &category, &ev.Label); err != nil {
			return nil, err
		}
		ev.ID = id.String()
		ev.RunID = runID.String()
		ev.Category, _ = types.ParseCategory(category)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents returns the number of archived events per category slug.
func (s *Store) CountEvents(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn.Query(ctx, "SELECT category, COUNT(*) FROM detection_events GROUP BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		out[category] = n
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS detection_events CASCADE;
		DROP TABLE IF EXISTS enrollments CASCADE;
	`)
	return err
}
