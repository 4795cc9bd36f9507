// Package history persists finished calls and their transcripts in Postgres.
package history

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/core/types"
)

const defaultListLimit = 20

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a pgx-backed call history.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to databaseURL. Call Migrate before first use.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, core.NewConfigurationError("database URL is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		s.logger.Info("history migration applied", "version", res.Source.Version, "duration", res.Duration)
	}
	return nil
}

// RecordCall writes rec and its transcripts in one transaction. An empty ID
// is replaced with a new uuid.
func (s *Store) RecordCall(ctx context.Context, rec types.CallRecord) error {
	id, err := recordID(rec.ID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history write: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO calls (id, join_url, started_at, ended_at) VALUES ($1, $2, $3, $4)`,
		id, rec.JoinURL, rec.StartedAt.UTC(), rec.EndedAt.UTC())
	for i, tr := range rec.Transcripts {
		batch.Queue(`INSERT INTO call_transcripts (call_id, seq, transcript_id, speaker, content, final)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, i, tr.ID, string(tr.Speaker), tr.Text, tr.Final)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write call %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit call %s: %w", id, err)
	}
	s.logger.Debug("call recorded", "call_id", id.String(), "transcripts", len(rec.Transcripts))
	return nil
}

// List returns up to limit calls, most recent first, with their transcripts.
func (s *Store) List(ctx context.Context, limit int) ([]types.CallRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		WITH recent AS (
			SELECT id, join_url, started_at, ended_at FROM calls
			ORDER BY started_at DESC
			LIMIT $1
		)
		SELECT r.id::text, r.join_url, r.started_at, r.ended_at,
			t.transcript_id, t.speaker, t.content, t.final
		FROM recent r
		LEFT JOIN call_transcripts t ON t.call_id = r.id
		ORDER BY r.started_at DESC, r.id, t.seq`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []types.CallRecord
	for rows.Next() {
		var (
			rec                         types.CallRecord
			startedAt, endedAt          time.Time
			transcriptID, speaker, text *string
			final                       *bool
		)
		if err := rows.Scan(&rec.ID, &rec.JoinURL, &startedAt, &endedAt, &transcriptID, &speaker, &text, &final); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].ID != rec.ID {
			rec.StartedAt, rec.EndedAt = startedAt, endedAt
			out = append(out, rec)
		}
		if transcriptID == nil {
			continue
		}
		last := &out[len(out)-1]
		tr := types.Transcript{ID: *transcriptID}
		if speaker != nil {
			tr.Speaker = types.Speaker(*speaker)
		}
		if text != nil {
			tr.Text = *text
		}
		if final != nil {
			tr.Final = *final
		}
		last.Transcripts = append(last.Transcripts, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return out, nil
}

func recordID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, core.NewInvalidRequestError(fmt.Sprintf("call id %q is not a uuid", raw))
	}
	return id, nil
}
