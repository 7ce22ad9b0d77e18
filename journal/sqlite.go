package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

func dsn(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
}

// NewSQLite opens (creating if needed) the database at path and brings its
// schema up to date.
func NewSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: sqlite path required")
	}
	if err := Migrate(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes them anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

// Migrate applies the embedded migrations to the database at path. It uses
// its own connection because the migrate driver closes it when done.
func Migrate(path string) error {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return fmt.Errorf("journal: open migrations connection: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("journal: init sqlite migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("journal: load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("journal: init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal: apply migrations: %w", err)
	}
	return nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (j *SQLite) Append(ctx context.Context, b Batch) (Entry, error) {
	if b.OperationID == "" {
		return Entry{}, errors.New("journal: operation id required")
	}
	if _, err := entries(b, 1); err != nil {
		return Entry{}, err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM journal_entries WHERE operation_id = ?`,
		b.OperationID).Scan(&last); err != nil {
		return Entry{}, fmt.Errorf("journal: next seq: %w", err)
	}

	es, err := entries(b, last+1)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range es {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO journal_entries (operation_id, seq, action, payload, time, notes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.OperationID, e.Seq, string(e.Action), string(e.Payload), nanos(e.Time), e.Notes,
		); err != nil {
			return Entry{}, fmt.Errorf("journal: insert entry: %w", err)
		}
	}

	if err := upsertRecords(ctx, tx, b); err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("journal: commit: %w", err)
	}
	return es[len(es)-1], nil
}

func upsertRecords(ctx context.Context, tx *sql.Tx, b Batch) error {
	if op := b.Operation; op != nil {
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO operations (id, status, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
			op.ID, string(op.Status), string(data), nanos(op.UpdatedAt)); err != nil {
			return fmt.Errorf("journal: upsert operation: %w", err)
		}
	}
	for _, o := range b.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, operation_id, status, created_at, data) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
			o.ID, o.OperationID, string(o.Status), nanos(o.CreatedAt), string(data)); err != nil {
			return fmt.Errorf("journal: upsert order: %w", err)
		}
	}
	for _, p := range b.Positions {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		closed := 0
		if !p.Open() {
			closed = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (id, operation_id, closed, opened_at, data) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET closed = excluded.closed, data = excluded.data`,
			p.ID, p.OperationID, closed, nanos(p.OpenedAt), string(data)); err != nil {
			return fmt.Errorf("journal: upsert position: %w", err)
		}
	}
	for _, t := range b.Transactions {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, operation_id, executed_at, data) VALUES (?, ?, ?, ?)`,
			t.ID, t.OperationID, nanos(t.ExecutedAt), string(data)); err != nil {
			return fmt.Errorf("journal: insert transaction: %w", err)
		}
	}
	for _, t := range b.Trades {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades (id, operation_id, exit_time, data) VALUES (?, ?, ?, ?)`,
			t.ID, t.OperationID, nanos(t.ExitTime), string(data)); err != nil {
			return fmt.Errorf("journal: insert trade: %w", err)
		}
	}
	return nil
}

func (j *SQLite) Entries(ctx context.Context, operationID string, afterSeq uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT operation_id, seq, action, payload, time, notes
		FROM journal_entries
		WHERE operation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, operationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			action  string
			payload string
			ts      int64
		)
		if err := rows.Scan(&e.OperationID, &e.Seq, &action, &payload, &ts, &e.Notes); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.Payload = json.RawMessage(payload)
		e.Time = fromNanos(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLite) LastSeq(ctx context.Context, operationID string) (uint64, error) {
	var last uint64
	err := j.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM journal_entries WHERE operation_id = ?`,
		operationID).Scan(&last)
	return last, err
}

func (j *SQLite) SaveBars(ctx context.Context, operationID string, tf pricing.Timeframe, bars []pricing.Candle) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_data (operation_id, timeframe, time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id, timeframe, time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range bars {
		if _, err := stmt.ExecContext(ctx, operationID, int64(tf), nanos(c.Time),
			c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("journal: save bar: %w", err)
		}
	}
	return tx.Commit()
}

func (j *SQLite) Bars(ctx context.Context, operationID string, tf pricing.Timeframe, limit int) ([]pricing.Candle, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT time, open, high, low, close, volume
		FROM market_data
		WHERE operation_id = ? AND timeframe = ?
		ORDER BY time DESC
		LIMIT ?`, operationID, int64(tf), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.Candle
	for rows.Next() {
		var (
			c  pricing.Candle
			ts int64
		)
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Time = fromNanos(ts)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Time.Before(out[b].Time) })
	return out, nil
}

func (j *SQLite) Operation(ctx context.Context, id string) (trading.Operation, error) {
	var data string
	err := j.db.QueryRowContext(ctx, `SELECT data FROM operations WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trading.Operation{}, fmt.Errorf("operation %q: %w", id, ErrNotFound)
		}
		return trading.Operation{}, err
	}
	var op trading.Operation
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return trading.Operation{}, fmt.Errorf("journal: decode operation %q: %w", id, err)
	}
	return op, nil
}

func (j *SQLite) Operations(ctx context.Context, statuses ...trading.OperationStatus) ([]trading.Operation, error) {
	q := `SELECT data FROM operations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		q += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	q += ` ORDER BY id ASC`
	return queryJSON[trading.Operation](ctx, j.db, q, args...)
}

func (j *SQLite) Positions(ctx context.Context, operationID string) ([]trading.Position, error) {
	return queryJSON[trading.Position](ctx, j.db,
		`SELECT data FROM positions WHERE operation_id = ? ORDER BY opened_at ASC, id ASC`, operationID)
}

func (j *SQLite) OpenPositions(ctx context.Context, operationID string) ([]trading.Position, error) {
	return queryJSON[trading.Position](ctx, j.db,
		`SELECT data FROM positions WHERE operation_id = ? AND closed = 0 ORDER BY opened_at ASC, id ASC`, operationID)
}

func (j *SQLite) Orders(ctx context.Context, operationID string) ([]trading.Order, error) {
	return queryJSON[trading.Order](ctx, j.db,
		`SELECT data FROM orders WHERE operation_id = ? ORDER BY created_at ASC, id ASC`, operationID)
}

func (j *SQLite) OpenOrders(ctx context.Context, operationID string) ([]trading.Order, error) {
	return queryJSON[trading.Order](ctx, j.db, `
		SELECT data FROM orders
		WHERE operation_id = ? AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')
		ORDER BY created_at ASC, id ASC`, operationID)
}

func (j *SQLite) Transactions(ctx context.Context, operationID string) ([]trading.Transaction, error) {
	return queryJSON[trading.Transaction](ctx, j.db,
		`SELECT data FROM transactions WHERE operation_id = ? ORDER BY executed_at ASC, id ASC`, operationID)
}

func (j *SQLite) Trades(ctx context.Context, operationID string) ([]trading.Trade, error) {
	return queryJSON[trading.Trade](ctx, j.db,
		`SELECT data FROM trades WHERE operation_id = ? ORDER BY exit_time ASC, id ASC`, operationID)
}

func queryJSON[T any](ctx context.Context, db *sql.DB, q string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("journal: decode %T: %w", v, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
