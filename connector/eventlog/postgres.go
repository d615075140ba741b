package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS connector_events (
		run_id     TEXT        NOT NULL,
		seq        INTEGER     NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		event_type TEXT        NOT NULL,
		kind       JSONB       NOT NULL,
		PRIMARY KEY (run_id, seq)
	)
`

const insertEvent = `
	INSERT INTO connector_events (run_id, seq, event_time, event_type, kind)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (run_id, seq) DO NOTHING
`

// PostgresSink mirrors the log into the connector_events table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

type eventRow struct {
	RunID string
	Seq   int
	Time  time.Time
	Type  string
	Kind  []byte
}

func eventRows(events []Event) ([]eventRow, error) {
	rows := make([]eventRow, len(events))
	for i, e := range events {
		kind, err := json.Marshal(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", i, err)
		}
		rows[i] = eventRow{RunID: e.RunID, Seq: i, Time: e.Timestamp, Type: e.Kind.Type(), Kind: kind}
	}
	return rows, nil
}

func (s *PostgresSink) Write(ctx context.Context, events []Event) error {
	rows, err := eventRows(events)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.RunID, r.Seq, r.Time, r.Type, r.Kind)
	}
	results := s.pool.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to save event: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}
