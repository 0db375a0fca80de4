package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tabung-erp/tabung-erp/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txLedger struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with a
// row-locking Ledger bound to it.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Ledger) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txLedger{tx: tx})
	})
}

// LedgerForTx wraps an existing transaction, letting the orders module run
// ledger operations inside its own unit of work.
func LedgerForTx(tx pgx.Tx) Ledger {
	return &txLedger{tx: tx}
}

// GetBalance reads one balance row without locking.
func (r *Repository) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	var bal Balance
	err := r.pool.QueryRow(ctx, `SELECT warehouse_id, product_id, qty_full, qty_empty, qty_reserved, updated_at
FROM inventory_balances WHERE warehouse_id=$1 AND product_id=$2`, warehouseID, productID).
		Scan(&bal.WarehouseID, &bal.ProductID, &bal.QtyFull, &bal.QtyEmpty, &bal.QtyReserved, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

// ListBalances returns balance rows, optionally filtered by warehouse.
func (r *Repository) ListBalances(ctx context.Context, warehouseID int64) ([]Balance, error) {
	rows, err := r.pool.Query(ctx, `SELECT warehouse_id, product_id, qty_full, qty_empty, qty_reserved, updated_at
FROM inventory_balances
WHERE ($1 = 0 OR warehouse_id = $1)
ORDER BY warehouse_id, product_id`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBalances(rows)
}

// movementPredicates builds the WHERE clause shared by the journal list
// and its count. Date bounds are appended only when set, so the planner
// never sees an untyped parameter.
func movementPredicates(filter MovementFilter) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	idx := 1
	if filter.WarehouseID != 0 {
		where += fmt.Sprintf(" AND warehouse_id = $%d", idx)
		args = append(args, filter.WarehouseID)
		idx++
	}
	if filter.ProductID != 0 {
		where += fmt.Sprintf(" AND product_id = $%d", idx)
		args = append(args, filter.ProductID)
		idx++
	}
	if filter.Op != "" {
		where += fmt.Sprintf(" AND op = $%d", idx)
		args = append(args, string(filter.Op))
		idx++
	}
	if !filter.From.IsZero() {
		where += fmt.Sprintf(" AND posted_at >= $%d", idx)
		args = append(args, filter.From)
		idx++
	}
	if !filter.To.IsZero() {
		where += fmt.Sprintf(" AND posted_at <= $%d", idx)
		args = append(args, filter.To)
		idx++
	}
	return where, args
}

// clampMovementLimit bounds the journal page size.
func clampMovementLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// ListMovements lists the movement journal, newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	where, args := movementPredicates(filter)
	limit := clampMovementLimit(filter.Limit)
	idx := len(args) + 1
	query := `SELECT id, code, op, warehouse_id, product_id, delta_full, delta_empty, delta_reserved, reason, ref_module, ref_id, actor_id, posted_at
FROM stock_movements` + where +
		fmt.Sprintf(" ORDER BY posted_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.Code, &m.Op, &m.WarehouseID, &m.ProductID, &m.DeltaFull, &m.DeltaEmpty, &m.DeltaReserved, &m.Reason, &m.RefModule, &m.RefID, &m.ActorID, &m.PostedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// CountMovements counts journal rows matching the filter.
func (r *Repository) CountMovements(ctx context.Context, filter MovementFilter) (int, error) {
	where, args := movementPredicates(filter)
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements`+where, args...).Scan(&total)
	return total, err
}

func (l *txLedger) GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	var bal Balance
	err := l.tx.QueryRow(ctx, `SELECT warehouse_id, product_id, qty_full, qty_empty, qty_reserved, updated_at
FROM inventory_balances WHERE warehouse_id=$1 AND product_id=$2 FOR UPDATE`, warehouseID, productID).
		Scan(&bal.WarehouseID, &bal.ProductID, &bal.QtyFull, &bal.QtyEmpty, &bal.QtyReserved, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{WarehouseID: warehouseID, ProductID: productID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (l *txLedger) ListBalancesForUpdate(ctx context.Context, productID int64) ([]Balance, error) {
	rows, err := l.tx.Query(ctx, `SELECT warehouse_id, product_id, qty_full, qty_empty, qty_reserved, updated_at
FROM inventory_balances WHERE product_id=$1
ORDER BY warehouse_id FOR UPDATE`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBalances(rows)
}

func (l *txLedger) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := l.tx.Exec(ctx, `INSERT INTO inventory_balances (warehouse_id, product_id, qty_full, qty_empty, qty_reserved, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (warehouse_id, product_id) DO UPDATE
SET qty_full=EXCLUDED.qty_full, qty_empty=EXCLUDED.qty_empty, qty_reserved=EXCLUDED.qty_reserved, updated_at=NOW()`,
		balance.WarehouseID, balance.ProductID, balance.QtyFull, balance.QtyEmpty, balance.QtyReserved)
	return err
}

func (l *txLedger) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := l.tx.QueryRow(ctx, `INSERT INTO stock_movements (code, op, warehouse_id, product_id, delta_full, delta_empty, delta_reserved, reason, ref_module, ref_id, actor_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		movement.Code, string(movement.Op), movement.WarehouseID, movement.ProductID,
		movement.DeltaFull, movement.DeltaEmpty, movement.DeltaReserved,
		movement.Reason, movement.RefModule, movement.RefID, movement.ActorID, movement.PostedAt).Scan(&id)
	return id, err
}

func scanBalances(rows pgx.Rows) ([]Balance, error) {
	balances := []Balance{}
	for rows.Next() {
		var bal Balance
		if err := rows.Scan(&bal.WarehouseID, &bal.ProductID, &bal.QtyFull, &bal.QtyEmpty, &bal.QtyReserved, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}
