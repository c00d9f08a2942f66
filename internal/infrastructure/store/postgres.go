package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/example/arque/internal/arqerr"
	"github.com/example/arque/internal/codec"
	"github.com/example/arque/internal/event"
	"github.com/example/arque/internal/retry"
)

// Postgres is the PostgreSQL Store adapter. The event log relies on the
// unique (aggregate_id, aggregate_version) index for optimistic
// concurrency; serialization failures and deadlocks are retried with
// backoff before surfacing.
type Postgres struct {
	db        *sql.DB
	logger    *slog.Logger
	pageSize  int
	writeOnce retry.Policy
}

const defaultPageSize = 256

func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:        db,
		logger:    logger,
		pageSize:  defaultPageSize,
		writeOnce: retry.StoreWrite(arqerr.IsTransient),
	}
}

// ConnectPostgres opens a connection pool with the runtime's defaults.
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// EnsureSchema creates the runtime's tables and indexes if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS arque_events (
			id bytea PRIMARY KEY,
			type integer NOT NULL,
			aggregate_id bytea NOT NULL,
			aggregate_version integer NOT NULL,
			body bytea,
			meta bytea,
			"timestamp" timestamptz NOT NULL,
			final boolean NOT NULL DEFAULT false,
			UNIQUE (aggregate_id, aggregate_version)
		)`,
		`CREATE INDEX IF NOT EXISTS arque_events_aggregate_idx ON arque_events (aggregate_id)`,
		`CREATE INDEX IF NOT EXISTS arque_events_type_idx ON arque_events (type, "timestamp" DESC)`,
		`CREATE TABLE IF NOT EXISTS arque_aggregates (
			id bytea PRIMARY KEY,
			version integer NOT NULL,
			"timestamp" timestamptz NOT NULL,
			final boolean NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS arque_snapshots (
			aggregate_id bytea NOT NULL,
			aggregate_version integer NOT NULL,
			state bytea NOT NULL,
			"timestamp" timestamptz NOT NULL,
			PRIMARY KEY (aggregate_id, aggregate_version)
		)`,
		`CREATE TABLE IF NOT EXISTS arque_checkpoints (
			projection text NOT NULL,
			aggregate_id bytea NOT NULL,
			aggregate_version integer NOT NULL,
			"timestamp" timestamptz NOT NULL,
			PRIMARY KEY (projection, aggregate_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) SaveEvents(ctx context.Context, req SaveEventsRequest) error {
	if req.Aggregate.Version == 0 {
		return fmt.Errorf("save events: claimed version must be >= 1")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("save events: empty batch")
	}
	return s.writeOnce.Do(ctx, func() error {
		return s.saveEventsOnce(ctx, req)
	})
}

func (s *Postgres) saveEventsOnce(ctx context.Context, req SaveEventsRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPQ(err)
	}
	defer tx.Rollback()

	// The aggregate record is the concurrency guard: the first append
	// must create it, every later append must advance it from exactly
	// the claimed predecessor. Zero rows affected means a competing
	// writer or a finalized aggregate.
	lastVersion := req.Aggregate.Version + uint32(len(req.Events)) - 1
	var res sql.Result
	if req.Aggregate.Version == 1 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO arque_aggregates (id, version, "timestamp", final)
			 VALUES ($1, $2, $3, false)
			 ON CONFLICT (id) DO NOTHING`,
			req.Aggregate.ID.Bytes(), int64(lastVersion), req.Timestamp,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE arque_aggregates
			 SET version = $2, "timestamp" = $3
			 WHERE id = $1 AND version = $4 AND NOT final`,
			req.Aggregate.ID.Bytes(), int64(lastVersion), req.Timestamp, int64(req.Aggregate.Version-1),
		)
	}
	if err != nil {
		return s.classifyWriteError(ctx, err, req.Aggregate)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classifyPQ(err)
	}
	if affected == 0 {
		return s.rejectionError(ctx, req.Aggregate)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"arque_events", "id", "type", "aggregate_id", "aggregate_version",
		"body", "meta", "timestamp", "final",
	))
	if err != nil {
		return classifyPQ(err)
	}
	for _, ev := range req.Events {
		meta, err := encodeMeta(mergeBatchMeta(ev, req.Meta))
		if err != nil {
			return err
		}
		var body any
		if ev.Body != nil {
			body = ev.Body
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID.Bytes(), int64(ev.Type), ev.Aggregate.ID.Bytes(),
			int64(ev.Aggregate.Version), body, meta, ev.Timestamp, false,
		); err != nil {
			stmt.Close()
			return s.classifyWriteError(ctx, err, req.Aggregate)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return s.classifyWriteError(ctx, err, req.Aggregate)
	}
	if err := stmt.Close(); err != nil {
		return classifyPQ(err)
	}

	if err := tx.Commit(); err != nil {
		return s.classifyWriteError(ctx, err, req.Aggregate)
	}
	return nil
}

// rejectionError distinguishes why the guarded aggregate upsert matched
// no row: a finalized aggregate or a competing writer.
func (s *Postgres) rejectionError(ctx context.Context, ref event.AggregateRef) error {
	var final bool
	err := s.db.QueryRowContext(ctx,
		`SELECT final FROM arque_aggregates WHERE id = $1`, ref.ID.Bytes(),
	).Scan(&final)
	if err == nil && final {
		return &arqerr.FinalizedError{ID: ref.ID}
	}
	return &arqerr.VersionConflictError{ID: ref.ID, Version: ref.Version}
}

func (s *Postgres) classifyWriteError(ctx context.Context, err error, ref event.AggregateRef) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return &arqerr.VersionConflictError{ID: ref.ID, Version: ref.Version}
	}
	return classifyPQ(err)
}

// classifyPQ tags retriable persistence faults: serialization failure
// (40001) and deadlock (40P01).
func classifyPQ(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return arqerr.Transient(err)
		}
	}
	return err
}

const eventColumns = `id, type, aggregate_id, aggregate_version, body, meta, "timestamp"`

func (s *Postgres) ListEvents(ctx context.Context, q ListEventsQuery) (Iterator, error) {
	return &pgIterator{store: s, query: q, pageSize: s.pageSize}, nil
}

// pgIterator pages through arque_events with keyset pagination so large
// aggregates never materialize in memory at once.
type pgIterator struct {
	store    *Postgres
	query    ListEventsQuery
	pageSize int

	started     bool
	done        bool
	lastID      []byte
	lastVersion uint32
	buffer      []*event.Event
	pos         int
}

func (it *pgIterator) Next(ctx context.Context) (*event.Event, error) {
	if it.pos >= len(it.buffer) && !it.done {
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if it.pos >= len(it.buffer) {
		return nil, nil
	}
	ev := it.buffer[it.pos]
	it.pos++
	return ev, nil
}

func (it *pgIterator) fetch(ctx context.Context) error {
	query := `SELECT ` + eventColumns + ` FROM arque_events WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if it.query.Aggregate != nil {
		lower := it.query.Aggregate.Version
		if it.started {
			lower = it.lastVersion
		}
		query += ` AND aggregate_id = ` + arg(it.query.Aggregate.ID.Bytes())
		query += ` AND aggregate_version > ` + arg(int64(lower))
	} else if it.started {
		query += fmt.Sprintf(` AND (aggregate_id, aggregate_version) > (%s, %s)`,
			arg(it.lastID), arg(int64(it.lastVersion)))
	}
	if it.query.Type != nil {
		query += ` AND type = ` + arg(int64(*it.query.Type))
	}
	query += ` ORDER BY aggregate_id ASC, aggregate_version ASC LIMIT ` + arg(it.pageSize)

	rows, err := it.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classifyPQ(err)
	}
	defer rows.Close()

	it.buffer = it.buffer[:0]
	it.pos = 0
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		it.buffer = append(it.buffer, ev)
		it.lastID = ev.Aggregate.ID.Bytes()
		it.lastVersion = ev.Aggregate.Version
	}
	if err := rows.Err(); err != nil {
		return classifyPQ(err)
	}
	it.started = true
	if len(it.buffer) < it.pageSize {
		it.done = true
	}
	return nil
}

func (it *pgIterator) Close() error {
	it.done = true
	it.buffer = nil
	return nil
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		idBytes, aggBytes []byte
		typ, version      int64
		body, meta        []byte
		ts                time.Time
	)
	if err := rows.Scan(&idBytes, &typ, &aggBytes, &version, &body, &meta, &ts); err != nil {
		return nil, err
	}
	id, err := event.IDFromBytes(idBytes)
	if err != nil {
		return nil, err
	}
	aggID, err := event.AggregateIDFromBytes(aggBytes)
	if err != nil {
		return nil, err
	}
	decodedMeta, err := decodeMeta(meta)
	if err != nil {
		return nil, err
	}
	return &event.Event{
		ID:        id,
		Type:      uint32(typ),
		Aggregate: event.AggregateRef{ID: aggID, Version: uint32(version)},
		Body:      body,
		Meta:      decodedMeta,
		Timestamp: ts,
	}, nil
}

func (s *Postgres) FindLatestSnapshot(ctx context.Context, ref event.AggregateRef) (*event.Snapshot, error) {
	var (
		version int64
		state   []byte
		ts      time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_version, state, "timestamp" FROM arque_snapshots
		 WHERE aggregate_id = $1 AND aggregate_version > $2
		 ORDER BY aggregate_version DESC LIMIT 1`,
		ref.ID.Bytes(), int64(ref.Version),
	).Scan(&version, &state, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPQ(err)
	}
	return &event.Snapshot{
		Aggregate: event.AggregateRef{ID: ref.ID, Version: uint32(version)},
		State:     state,
		Timestamp: ts,
	}, nil
}

func (s *Postgres) SaveSnapshot(ctx context.Context, snap event.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arque_snapshots (aggregate_id, aggregate_version, state, "timestamp")
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (aggregate_id, aggregate_version) DO UPDATE
		 SET state = EXCLUDED.state, "timestamp" = EXCLUDED."timestamp"`,
		snap.Aggregate.ID.Bytes(), int64(snap.Aggregate.Version), snap.State, snap.Timestamp,
	)
	return classifyPQ(err)
}

func (s *Postgres) SaveCheckpoint(ctx context.Context, cp event.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arque_checkpoints (projection, aggregate_id, aggregate_version, "timestamp")
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (projection, aggregate_id) DO UPDATE
		 SET aggregate_version = EXCLUDED.aggregate_version, "timestamp" = EXCLUDED."timestamp"`,
		cp.Projection, cp.Aggregate.ID.Bytes(), int64(cp.Aggregate.Version), cp.Timestamp,
	)
	return classifyPQ(err)
}

func (s *Postgres) ShouldProcess(ctx context.Context, projection string, ref event.AggregateRef) (bool, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_version FROM arque_checkpoints
		 WHERE projection = $1 AND aggregate_id = $2`,
		projection, ref.ID.Bytes(),
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, classifyPQ(err)
	}
	return uint32(version) < ref.Version, nil
}

func (s *Postgres) FinalizeAggregate(ctx context.Context, id event.AggregateID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPQ(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO arque_aggregates (id, version, "timestamp", final)
		 VALUES ($1, 0, now(), true)
		 ON CONFLICT (id) DO UPDATE SET final = true`,
		id.Bytes(),
	); err != nil {
		return classifyPQ(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE arque_events SET final = true WHERE aggregate_id = $1`,
		id.Bytes(),
	); err != nil {
		return classifyPQ(err)
	}
	return classifyPQ(tx.Commit())
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func encodeMeta(meta map[string][]byte) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := codec.CBOR.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode event meta: %w", err)
	}
	return b, nil
}

func decodeMeta(b []byte) (map[string][]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var meta map[string][]byte
	if err := codec.CBOR.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("decode event meta: %w", err)
	}
	return meta, nil
}
