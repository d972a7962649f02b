package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

// PGStore keeps allocation events in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the allocation_events table if it is missing.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS allocation_events (
  id text PRIMARY KEY,
  event_type text NOT NULL,
  test_id text NOT NULL DEFAULT '',
  environment_id text NOT NULL DEFAULT '',
  message text NOT NULL DEFAULT '',
  ts timestamptz NOT NULL,
  recorded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_allocation_events_ts ON allocation_events (ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_allocation_events_env ON allocation_events (environment_id, ts DESC);
`
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure allocation_events: %w", err)
	}
	return nil
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PGStore) AppendEvents(ctx context.Context, events []models.AllocationEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO allocation_events (id, event_type, test_id, environment_id, message, ts)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`
	inserted := 0
	for _, ev := range events {
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, q, EventID(ev), string(ev.Type), ev.TestID, ev.EnvironmentID, ev.Message, ts)
		if err != nil {
			return 0, fmt.Errorf("insert allocation_event: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit allocation_events: %w", err)
	}
	return inserted, nil
}

func (p *PGStore) ListEvents(ctx context.Context, opts ListOptions) ([]models.AllocationEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if !opts.Before.IsZero() {
		args = append(args, opts.Before)
		where = append(where, fmt.Sprintf("ts < $%d", len(args)))
	}
	if opts.EnvironmentID != "" {
		args = append(args, opts.EnvironmentID)
		where = append(where, fmt.Sprintf("environment_id = $%d", len(args)))
	}
	q := `SELECT id, event_type, test_id, environment_id, message, ts FROM allocation_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, opts.limit())
	q += fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query allocation_events: %w", err)
	}
	defer rows.Close()

	var out []models.AllocationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocation_events: %w", err)
	}
	return out, nil
}

func (p *PGStore) GetEvent(ctx context.Context, id string) (models.AllocationEvent, error) {
	const q = `SELECT id, event_type, test_id, environment_id, message, ts FROM allocation_events WHERE id=$1`
	ev, err := scanEvent(p.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return models.AllocationEvent{}, ErrNotFound
	}
	return ev, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (models.AllocationEvent, error) {
	var (
		ev        models.AllocationEvent
		eventType string
	)
	if err := row.Scan(&ev.ID, &eventType, &ev.TestID, &ev.EnvironmentID, &ev.Message, &ev.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return models.AllocationEvent{}, err
		}
		return models.AllocationEvent{}, fmt.Errorf("scan allocation_event: %w", err)
	}
	ev.Type = models.AllocationEventType(eventType)
	return ev, nil
}
