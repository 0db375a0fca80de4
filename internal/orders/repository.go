package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tabung-erp/tabung-erp/internal/platform/db"
	"github.com/tabung-erp/tabung-erp/internal/stock"
)

// TxRepository is the transactional view of the order store. It exposes
// the stock ledger bound to the same transaction, so a status transition
// and its per-line stock effects commit or roll back together.
type TxRepository interface {
	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	InsertOrder(ctx context.Context, order *Order) error
	InsertLine(ctx context.Context, line *Line) error
	UpdateLine(ctx context.Context, line Line) error
	DeleteLine(ctx context.Context, orderID, lineID int64) error
	SetLineWarehouse(ctx context.Context, lineID, warehouseID int64) error
	UpdateOrderStatus(ctx context.Context, id int64, status Status, scheduledDate *time.Time) error
	UpdateOrderTotal(ctx context.Context, id int64, total float64) error
	Ledger() stock.Ledger
}

// Repository persists orders in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn against a transactional repository view.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const orderColumns = `id, doc_number, customer_id, delivery_address, status,
scheduled_date, total_amount, notes, created_by, created_at, updated_at`

const lineColumns = `id, order_id, product_id, quantity, unit_price, subtotal,
COALESCE(warehouse_id, 0), created_at, updated_at`

// GetOrder loads one order with its lines, without locking.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}
	lines, err := loadLines(ctx, r.pool, id)
	if err != nil {
		return Order{}, err
	}
	order.Lines = lines
	return order, nil
}

// orderPredicates builds the WHERE clause shared by the listing and its
// count.
func orderPredicates(filter ListFilter) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	idx := 1
	if filter.CustomerID != 0 {
		where += fmt.Sprintf(" AND customer_id = $%d", idx)
		args = append(args, filter.CustomerID)
		idx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	return where, args
}

// ListOrders lists orders matching the filter, newest first.
func (r *Repository) ListOrders(ctx context.Context, filter ListFilter) ([]Order, error) {
	where, args := orderPredicates(filter)
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	idx := len(args) + 1
	query := `SELECT ` + orderColumns + ` FROM orders` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orders: list: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// CountOrders counts orders matching the filter.
func (r *Repository) CountOrders(ctx context.Context, filter ListFilter) (int, error) {
	where, args := orderPredicates(filter)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("orders: count: %w", err)
	}
	return total, nil
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Ledger() stock.Ledger {
	return stock.LedgerForTx(t.tx)
}

func (t *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}
	lines, err := loadLines(ctx, t.tx, id)
	if err != nil {
		return Order{}, err
	}
	order.Lines = lines
	return order, nil
}

func (t *txRepo) InsertOrder(ctx context.Context, order *Order) error {
	return t.tx.QueryRow(ctx, `INSERT INTO orders
(doc_number, customer_id, delivery_address, status, total_amount, notes, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at, updated_at`,
		order.DocNumber, order.CustomerID, order.DeliveryAddress, order.Status,
		order.TotalAmount, order.Notes, order.CreatedBy,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

func (t *txRepo) InsertLine(ctx context.Context, line *Line) error {
	return t.tx.QueryRow(ctx, `INSERT INTO order_lines
(order_id, product_id, quantity, unit_price, subtotal)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at, updated_at`,
		line.OrderID, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal,
	).Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)
}

func (t *txRepo) UpdateLine(ctx context.Context, line Line) error {
	tag, err := t.tx.Exec(ctx, `UPDATE order_lines
SET quantity = $1, unit_price = $2, subtotal = $3, updated_at = NOW()
WHERE id = $4 AND order_id = $5`,
		line.Quantity, line.UnitPrice, line.Subtotal, line.ID, line.OrderID)
	if err != nil {
		return fmt.Errorf("orders: update line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (t *txRepo) DeleteLine(ctx context.Context, orderID, lineID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM order_lines WHERE id = $1 AND order_id = $2`, lineID, orderID)
	if err != nil {
		return fmt.Errorf("orders: delete line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (t *txRepo) SetLineWarehouse(ctx context.Context, lineID, warehouseID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE order_lines SET warehouse_id = $1, updated_at = NOW() WHERE id = $2`,
		warehouseID, lineID)
	return err
}

func (t *txRepo) UpdateOrderStatus(ctx context.Context, id int64, status Status, scheduledDate *time.Time) error {
	var err error
	if scheduledDate != nil {
		_, err = t.tx.Exec(ctx, `UPDATE orders SET status = $1, scheduled_date = $2, updated_at = NOW() WHERE id = $3`,
			status, *scheduledDate, id)
	} else {
		_, err = t.tx.Exec(ctx, `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	}
	return err
}

func (t *txRepo) UpdateOrderTotal(ctx context.Context, id int64, total float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE orders SET total_amount = $1, updated_at = NOW() WHERE id = $2`, total, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.DocNumber, &o.CustomerID, &o.DeliveryAddress, &o.Status,
		&o.ScheduledDate, &o.TotalAmount, &o.Notes, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("orders: scan order: %w", err)
	}
	return o, nil
}

func loadLines(ctx context.Context, q querier, orderID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("orders: load lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Quantity, &l.UnitPrice,
			&l.Subtotal, &l.WarehouseID, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("orders: scan line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
