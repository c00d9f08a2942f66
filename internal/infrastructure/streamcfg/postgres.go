package streamcfg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres stores registrations in the arque_streams table; the GIN
// index on the events array serves the reverse lookup.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the streams table and its inverted index.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS arque_streams (
			id text PRIMARY KEY,
			events integer[] NOT NULL,
			"timestamp" timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS arque_streams_events_idx ON arque_streams USING GIN (events)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure streams schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) SaveStream(ctx context.Context, reg Registration) error {
	ts := reg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	events := make([]int64, len(reg.Events))
	for i, t := range reg.Events {
		events[i] = int64(t)
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO arque_streams (id, events, "timestamp")
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET events = EXCLUDED.events, "timestamp" = EXCLUDED."timestamp"`,
		reg.ID, pq.Array(events), ts,
	)
	return err
}

func (p *Postgres) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM arque_streams
		 WHERE events @> ARRAY[$1]::integer[]
		 ORDER BY id ASC`,
		int64(eventType),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
