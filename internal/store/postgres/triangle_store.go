package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// TriangleStore implements domain.TriangleStore using PostgreSQL.
type TriangleStore struct {
	pool *pgxpool.Pool
}

// NewTriangleStore creates a new TriangleStore.
func NewTriangleStore(pool *pgxpool.Pool) *TriangleStore {
	return &TriangleStore{pool: pool}
}

const upsertExecution = `
	INSERT INTO triangle_executions (id, session_id, template_id, combinator, direction, slot, is_compensation, parent_slot, state, deviation_at_entry, opened_at, closed_at, close_reason, realized_pnl, failure_reason)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		state = EXCLUDED.state,
		closed_at = EXCLUDED.closed_at,
		close_reason = EXCLUDED.close_reason,
		realized_pnl = EXCLUDED.realized_pnl,
		failure_reason = EXCLUDED.failure_reason`

const upsertLeg = `
	INSERT INTO triangle_legs (execution_id, leg_index, symbol, derived, side, order_id, entry_price, lot)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (execution_id, leg_index) DO UPDATE SET
		order_id = EXCLUDED.order_id,
		entry_price = EXCLUDED.entry_price,
		lot = EXCLUDED.lot`

// RecordOpen inserts an active triangle and its legs in one transaction.
func (s *TriangleStore) RecordOpen(ctx context.Context, rec domain.TriangleRecord) error {
	if err := s.write(ctx, rec); err != nil {
		return fmt.Errorf("postgres: record open %s: %w", rec.ID, err)
	}
	return nil
}

// RecordFailure stores a triangle that never became active, with whichever
// legs were placed before the failure.
func (s *TriangleStore) RecordFailure(ctx context.Context, rec domain.TriangleRecord) error {
	rec.State = domain.TriangleStateFailed
	if err := s.write(ctx, rec); err != nil {
		return fmt.Errorf("postgres: record failure %s: %w", rec.ID, err)
	}
	return nil
}

func (s *TriangleStore) write(ctx context.Context, rec domain.TriangleRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, upsertExecution,
			rec.ID, rec.SessionID, rec.TemplateID, rec.Combinator, rec.Direction,
			rec.Slot, rec.IsCompensation, rec.ParentSlot, string(rec.State),
			rec.DeviationAtEntry, rec.OpenedAt, rec.ClosedAt, string(rec.CloseReason),
			decimal.NewFromFloat(rec.RealizedPnL), rec.FailureReason,
		)
		if err != nil {
			return fmt.Errorf("insert triangle_execution: %w", err)
		}
		for _, leg := range rec.Legs {
			_, err = tx.Exec(ctx, upsertLeg,
				rec.ID, leg.Index, leg.Symbol, leg.Derived, string(leg.Side), leg.OrderID,
				decimal.NewFromFloat(leg.EntryPrice), decimal.NewFromFloat(leg.Lot),
			)
			if err != nil {
				return fmt.Errorf("insert triangle_leg %d: %w", leg.Index, err)
			}
		}
		return nil
	})
}

// RecordClose marks a journaled triangle closed.
func (s *TriangleStore) RecordClose(ctx context.Context, id string, closedAt time.Time, reason domain.CloseReason, pnl float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE triangle_executions
		SET state = $2, closed_at = $3, close_reason = $4, realized_pnl = $5
		WHERE id = $1`,
		id, string(domain.TriangleStateClosed), closedAt, string(reason), decimal.NewFromFloat(pnl),
	)
	if err != nil {
		return fmt.Errorf("postgres: record close %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: record close %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

const selectExecution = `
	SELECT id, session_id, template_id, combinator, direction, slot, is_compensation, parent_slot, state, deviation_at_entry, opened_at, closed_at, close_reason, realized_pnl, failure_reason
	FROM triangle_executions`

func scanExecution(row pgx.Row) (domain.TriangleRecord, error) {
	var rec domain.TriangleRecord
	var state, reason string
	var pnl decimal.Decimal
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.TemplateID, &rec.Combinator, &rec.Direction,
		&rec.Slot, &rec.IsCompensation, &rec.ParentSlot, &state, &rec.DeviationAtEntry,
		&rec.OpenedAt, &rec.ClosedAt, &reason, &pnl, &rec.FailureReason)
	if err != nil {
		return domain.TriangleRecord{}, err
	}
	rec.State = domain.TriangleState(state)
	rec.CloseReason = domain.CloseReason(reason)
	rec.RealizedPnL = pnl.InexactFloat64()
	return rec, nil
}

// GetByID returns a triangle with its legs.
func (s *TriangleStore) GetByID(ctx context.Context, id string) (domain.TriangleRecord, error) {
	rec, err := scanExecution(s.pool.QueryRow(ctx, selectExecution+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TriangleRecord{}, domain.ErrNotFound
		}
		return domain.TriangleRecord{}, fmt.Errorf("postgres: get triangle %s: %w", id, err)
	}

	legs, err := s.legs(ctx, []string{id})
	if err != nil {
		return domain.TriangleRecord{}, err
	}
	rec.Legs = legs[id]
	return rec, nil
}

// ListRecent returns triangles newest first, with their legs.
func (s *TriangleStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.TriangleRecord, error) {
	query := selectExecution + " WHERE 1=1"
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY opened_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++

	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list triangles: %w", err)
	}
	defer rows.Close()

	var list []domain.TriangleRecord
	var ids []string
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan triangle: %w", err)
		}
		list = append(list, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list triangles rows: %w", err)
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

// legs loads leg rows for the given executions, keyed by execution ID.
func (s *TriangleStore) legs(ctx context.Context, ids []string) (map[string][]domain.TriangleLegRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, leg_index, symbol, derived, side, order_id, entry_price, lot
		FROM triangle_legs WHERE execution_id = ANY($1) ORDER BY execution_id, leg_index`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get triangle_legs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.TriangleLegRecord, len(ids))
	for rows.Next() {
		var execID, side string
		var leg domain.TriangleLegRecord
		var price, lot decimal.Decimal
		if err := rows.Scan(&execID, &leg.Index, &leg.Symbol, &leg.Derived, &side, &leg.OrderID, &price, &lot); err != nil {
			return nil, fmt.Errorf("postgres: scan triangle_leg: %w", err)
		}
		leg.Side = domain.OrderSide(side)
		leg.EntryPrice = price.InexactFloat64()
		leg.Lot = lot.InexactFloat64()
		out[execID] = append(out[execID], leg)
	}
	return out, rows.Err()
}

// RealizedPnL sums realized P&L of triangles closed at or after since.
func (s *TriangleStore) RealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM triangle_executions WHERE closed_at >= $1`, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl: %w", err)
	}
	return sum.InexactFloat64(), nil
}
