// Package sqlite journals triangle executions to a local SQLite file. It is
// the default journal when no PostgreSQL database is configured.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// timeLayout is fixed-width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS triangle_executions (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	template_id        INTEGER NOT NULL,
	combinator         TEXT NOT NULL,
	direction          INTEGER NOT NULL,
	slot               INTEGER NOT NULL,
	is_compensation    INTEGER NOT NULL DEFAULT 0,
	parent_slot        INTEGER NOT NULL DEFAULT -1,
	state              TEXT NOT NULL,
	deviation_at_entry REAL NOT NULL DEFAULT 0,
	opened_at          TEXT NOT NULL,
	closed_at          TEXT,
	close_reason       TEXT NOT NULL DEFAULT '',
	realized_pnl       TEXT NOT NULL DEFAULT '0',
	failure_reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_triangle_executions_opened_at ON triangle_executions(opened_at);
CREATE INDEX IF NOT EXISTS idx_triangle_executions_closed_at ON triangle_executions(closed_at);

CREATE TABLE IF NOT EXISTS triangle_legs (
	execution_id TEXT NOT NULL REFERENCES triangle_executions(id) ON DELETE CASCADE,
	leg_index    INTEGER NOT NULL,
	symbol       TEXT NOT NULL,
	derived      INTEGER NOT NULL DEFAULT 0,
	side         TEXT NOT NULL,
	order_id     TEXT NOT NULL DEFAULT '',
	entry_price  TEXT NOT NULL DEFAULT '0',
	lot          TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (execution_id, leg_index)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);
`

// Store implements domain.TriangleStore and domain.AuditStore on SQLite.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the journal at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal=WAL&_sync=NORMAL&_foreign_keys=on"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer; the mutex serialises statements anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// RecordOpen inserts an active triangle and its legs.
func (s *Store) RecordOpen(ctx context.Context, rec domain.TriangleRecord) error {
	if err := s.write(ctx, rec); err != nil {
		return fmt.Errorf("sqlite: record open %s: %w", rec.ID, err)
	}
	return nil
}

// RecordFailure stores a triangle that never became active.
func (s *Store) RecordFailure(ctx context.Context, rec domain.TriangleRecord) error {
	rec.State = domain.TriangleStateFailed
	if err := s.write(ctx, rec); err != nil {
		return fmt.Errorf("sqlite: record failure %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, rec domain.TriangleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var closedAt any
	if rec.ClosedAt != nil {
		closedAt = formatTime(*rec.ClosedAt)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO triangle_executions (id, session_id, template_id, combinator, direction, slot, is_compensation, parent_slot, state, deviation_at_entry, opened_at, closed_at, close_reason, realized_pnl, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			closed_at = excluded.closed_at,
			close_reason = excluded.close_reason,
			realized_pnl = excluded.realized_pnl,
			failure_reason = excluded.failure_reason`,
		rec.ID, rec.SessionID, rec.TemplateID, rec.Combinator, rec.Direction, rec.Slot,
		rec.IsCompensation, rec.ParentSlot, string(rec.State), rec.DeviationAtEntry,
		formatTime(rec.OpenedAt), closedAt, string(rec.CloseReason),
		decimal.NewFromFloat(rec.RealizedPnL), rec.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert triangle_execution: %w", err)
	}

	for _, leg := range rec.Legs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO triangle_legs (execution_id, leg_index, symbol, derived, side, order_id, entry_price, lot)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(execution_id, leg_index) DO UPDATE SET
				order_id = excluded.order_id,
				entry_price = excluded.entry_price,
				lot = excluded.lot`,
			rec.ID, leg.Index, leg.Symbol, leg.Derived, string(leg.Side), leg.OrderID,
			decimal.NewFromFloat(leg.EntryPrice), decimal.NewFromFloat(leg.Lot),
		)
		if err != nil {
			return fmt.Errorf("insert triangle_leg %d: %w", leg.Index, err)
		}
	}
	return tx.Commit()
}

// RecordClose marks a journaled triangle closed.
func (s *Store) RecordClose(ctx context.Context, id string, closedAt time.Time, reason domain.CloseReason, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE triangle_executions
		SET state = ?, closed_at = ?, close_reason = ?, realized_pnl = ?
		WHERE id = ?`,
		string(domain.TriangleStateClosed), formatTime(closedAt), string(reason), decimal.NewFromFloat(pnl), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: record close %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: record close %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

const selectExecution = `
	SELECT id, session_id, template_id, combinator, direction, slot, is_compensation, parent_slot, state, deviation_at_entry, opened_at, closed_at, close_reason, realized_pnl, failure_reason
	FROM triangle_executions`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (domain.TriangleRecord, error) {
	var rec domain.TriangleRecord
	var state, reason, opened string
	var closed sql.NullString
	var pnl decimal.Decimal
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.TemplateID, &rec.Combinator, &rec.Direction,
		&rec.Slot, &rec.IsCompensation, &rec.ParentSlot, &state, &rec.DeviationAtEntry,
		&opened, &closed, &reason, &pnl, &rec.FailureReason)
	if err != nil {
		return domain.TriangleRecord{}, err
	}
	rec.State = domain.TriangleState(state)
	rec.CloseReason = domain.CloseReason(reason)
	rec.RealizedPnL = pnl.InexactFloat64()
	if rec.OpenedAt, err = parseTime(opened); err != nil {
		return domain.TriangleRecord{}, fmt.Errorf("parse opened_at: %w", err)
	}
	if closed.Valid {
		t, err := parseTime(closed.String)
		if err != nil {
			return domain.TriangleRecord{}, fmt.Errorf("parse closed_at: %w", err)
		}
		rec.ClosedAt = &t
	}
	return rec, nil
}

// GetByID returns a triangle with its legs.
func (s *Store) GetByID(ctx context.Context, id string) (domain.TriangleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := scanExecution(s.db.QueryRowContext(ctx, selectExecution+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TriangleRecord{}, domain.ErrNotFound
		}
		return domain.TriangleRecord{}, fmt.Errorf("sqlite: get triangle %s: %w", id, err)
	}
	legs, err := s.legs(ctx, []string{id})
	if err != nil {
		return domain.TriangleRecord{}, err
	}
	rec.Legs = legs[id]
	return rec, nil
}

// ListRecent returns triangles newest first, with their legs.
func (s *Store) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.TriangleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectExecution
	var args []any
	if opts.Since != nil {
		query += " WHERE opened_at >= ?"
		args = append(args, formatTime(*opts.Since))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY opened_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list triangles: %w", err)
	}
	var list []domain.TriangleRecord
	var ids []string
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan triangle: %w", err)
		}
		list = append(list, rec)
		ids = append(ids, rec.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list triangles rows: %w", err)
	}
	if len(ids) == 0 {
		return list, nil
	}

	legs, err := s.legs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Legs = legs[list[i].ID]
	}
	return list, nil
}

// legs loads leg rows keyed by execution ID. Caller must hold s.mu.
func (s *Store) legs(ctx context.Context, ids []string) (map[string][]domain.TriangleLegRecord, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, leg_index, symbol, derived, side, order_id, entry_price, lot
		FROM triangle_legs WHERE execution_id IN (`+placeholders+`)
		ORDER BY execution_id, leg_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get triangle_legs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.TriangleLegRecord, len(ids))
	for rows.Next() {
		var execID, side string
		var leg domain.TriangleLegRecord
		var price, lot decimal.Decimal
		if err := rows.Scan(&execID, &leg.Index, &leg.Symbol, &leg.Derived, &side, &leg.OrderID, &price, &lot); err != nil {
			return nil, fmt.Errorf("sqlite: scan triangle_leg: %w", err)
		}
		leg.Side = domain.OrderSide(side)
		leg.EntryPrice = price.InexactFloat64()
		leg.Lot = lot.InexactFloat64()
		out[execID] = append(out[execID], leg)
	}
	return out, rows.Err()
}

// RealizedPnL sums realized P&L of triangles closed at or after since. The
// sum is taken in decimal arithmetic.
func (s *Store) RealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl FROM triangle_executions WHERE closed_at IS NOT NULL AND closed_at >= ?`,
		formatTime(since))
	if err != nil {
		return 0, fmt.Errorf("sqlite: sum realized pnl: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return 0, fmt.Errorf("sqlite: scan pnl: %w", err)
		}
		sum = sum.Add(v)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return sum.InexactFloat64(), nil
}
