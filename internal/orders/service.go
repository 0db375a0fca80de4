package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tabung-erp/tabung-erp/internal/platform/db"
	"github.com/tabung-erp/tabung-erp/internal/shared"
	"github.com/tabung-erp/tabung-erp/internal/stock"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, error)
	CountOrders(ctx context.Context, filter ListFilter) (int, error)
}

// LockerPort serializes status transitions per order across processes.
type LockerPort interface {
	Acquire(ctx context.Context, orderID int64) (func(), error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	TryRecord(ctx context.Context, log shared.AuditLog)
}

// MetricsPort counts order transitions by outcome.
type MetricsPort interface {
	RecordTransition(from, to, result string)
}

// maxConflictRetries bounds transition retries on serialization conflicts.
const maxConflictRetries = 3

// Service owns the order aggregate and drives the status state machine.
// Every transition runs its per-line stock effects inside the same
// transaction that persists the status, so a failure on any line rolls
// the whole transition back.
type Service struct {
	repo    RepositoryPort
	engine  *stock.Engine
	locker  LockerPort
	audit   AuditPort
	metrics MetricsPort
	logger  *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, engine *stock.Engine, locker LockerPort, audit AuditPort, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = stock.NewEngine()
	}
	return &Service{
		repo:    repo,
		engine:  engine,
		locker:  locker,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
	}
}

// CreateOrder creates a draft order, optionally with initial lines.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (Order, error) {
	if input.CustomerID == 0 {
		return Order{}, fmt.Errorf("%w: customer required", ErrOrderIncomplete)
	}
	for _, line := range input.Lines {
		if err := validateLine(line); err != nil {
			return Order{}, err
		}
	}

	order := Order{
		DocNumber:       fmt.Sprintf("ORD-%d", time.Now().UTC().UnixNano()),
		CustomerID:      input.CustomerID,
		DeliveryAddress: input.DeliveryAddress,
		Status:          StatusDraft,
		Notes:           input.Notes,
		CreatedBy:       input.ActorID,
	}
	for _, in := range input.Lines {
		order.Lines = append(order.Lines, Line{
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			UnitPrice: in.UnitPrice,
		})
	}
	order.RecomputeTotal()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return fmt.Errorf("orders: insert order: %w", err)
		}
		for i := range order.Lines {
			order.Lines[i].OrderID = order.ID
			if err := tx.InsertLine(ctx, &order.Lines[i]); err != nil {
				return fmt.Errorf("orders: insert line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if s.audit != nil {
		s.audit.TryRecord(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "orders:create",
			Entity:   "order",
			EntityID: order.DocNumber,
			Meta:     map[string]any{"customer_id": order.CustomerID, "lines": len(order.Lines)},
		})
	}
	return order, nil
}

// GetOrder loads one order with lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders lists the matching order page plus the total match count.
func (s *Service) ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	list, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountOrders(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// AddLine appends a line and recomputes the order total.
func (s *Service) AddLine(ctx context.Context, orderID int64, input LineInput) (Order, error) {
	if err := validateLine(input); err != nil {
		return Order{}, err
	}
	return s.mutateLines(ctx, orderID, func(ctx context.Context, tx TxRepository, order *Order) error {
		line := Line{
			OrderID:   orderID,
			ProductID: input.ProductID,
			Quantity:  input.Quantity,
			UnitPrice: input.UnitPrice,
		}
		line.Subtotal = float64(line.Quantity) * line.UnitPrice
		if err := tx.InsertLine(ctx, &line); err != nil {
			return fmt.Errorf("orders: insert line: %w", err)
		}
		order.Lines = append(order.Lines, line)
		return nil
	})
}

// UpdateLine changes a line's quantity or price and recomputes the total.
func (s *Service) UpdateLine(ctx context.Context, orderID, lineID int64, input LineInput) (Order, error) {
	if err := validateLine(input); err != nil {
		return Order{}, err
	}
	return s.mutateLines(ctx, orderID, func(ctx context.Context, tx TxRepository, order *Order) error {
		for i := range order.Lines {
			if order.Lines[i].ID != lineID {
				continue
			}
			order.Lines[i].Quantity = input.Quantity
			order.Lines[i].UnitPrice = input.UnitPrice
			order.Lines[i].Subtotal = float64(input.Quantity) * input.UnitPrice
			return tx.UpdateLine(ctx, order.Lines[i])
		}
		return ErrLineNotFound
	})
}

// RemoveLine deletes a line and recomputes the total. An order past draft
// keeps its minimum-one-line rule at the confirmation gate, not here.
func (s *Service) RemoveLine(ctx context.Context, orderID, lineID int64) (Order, error) {
	return s.mutateLines(ctx, orderID, func(ctx context.Context, tx TxRepository, order *Order) error {
		for i := range order.Lines {
			if order.Lines[i].ID != lineID {
				continue
			}
			if err := tx.DeleteLine(ctx, orderID, lineID); err != nil {
				return err
			}
			order.Lines = append(order.Lines[:i], order.Lines[i+1:]...)
			return nil
		}
		return ErrLineNotFound
	})
}

// mutateLines wraps a line mutation: lock the order row, refuse frozen
// orders, apply, recompute and persist the total.
func (s *Service) mutateLines(ctx context.Context, orderID int64, fn func(context.Context, TxRepository, *Order) error) (Order, error) {
	var result Order
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.LinesLocked() {
			return fmt.Errorf("%w: lines are frozen in status %s", ErrOrderLocked, order.Status)
		}
		if err := fn(ctx, tx, &order); err != nil {
			return err
		}
		order.RecomputeTotal()
		if err := tx.UpdateOrderTotal(ctx, orderID, order.TotalAmount); err != nil {
			return fmt.Errorf("orders: update total: %w", err)
		}
		result = order
		return nil
	})
	return result, err
}

// ChangeStatus moves one order to the target status. The per-order redis
// lock keeps two administrators from racing the same order; the database
// transaction makes the status write and every line's stock effect a
// single unit.
func (s *Service) ChangeStatus(ctx context.Context, orderID int64, target Status, input ChangeStatusInput) (Order, error) {
	if !target.IsValid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, string(target))
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, orderID)
		if err != nil {
			if shared.IsLockHeld(err) {
				return Order{}, fmt.Errorf("%w: another request is updating this order", ErrOrderLocked)
			}
			return Order{}, err
		}
		defer release()
	}

	var from Status
	var result Order
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status

		plan, err := planTransition(order.Status, target)
		if err != nil {
			return err
		}
		if plan.precondition != nil {
			if err := plan.precondition(&order, input); err != nil {
				return err
			}
		}
		if err := s.applyEffect(ctx, tx, &order, plan.effect, input.ActorID); err != nil {
			return err
		}

		scheduledDate := input.ScheduledDate
		if target != StatusScheduled {
			scheduledDate = nil
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, target, scheduledDate); err != nil {
			return fmt.Errorf("orders: persist status: %w", err)
		}
		order.Status = target
		if scheduledDate != nil {
			order.ScheduledDate = scheduledDate
		}
		result = order
		return nil
	})
	if err != nil {
		s.recordTransition(from, target, err)
		return Order{}, err
	}
	s.recordTransition(from, target, nil)

	if s.audit != nil {
		s.audit.TryRecord(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "orders:status",
			Entity:   "order",
			EntityID: result.DocNumber,
			Meta:     map[string]any{"from": string(from), "to": string(target)},
		})
	}
	return result, nil
}

// BulkChangeStatus moves several orders to the same target. Orders are
// independent: one failure is reported in its result slot and does not
// roll back the others.
func (s *Service) BulkChangeStatus(ctx context.Context, orderIDs []int64, target Status, input ChangeStatusInput) []BulkResult {
	results := make([]BulkResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		order, err := s.ChangeStatus(ctx, id, target, input)
		if err != nil {
			s.logger.Warn("bulk status change failed for order",
				slog.Int64("order_id", id), slog.String("target", string(target)), slog.Any("error", err))
			results = append(results, BulkResult{OrderID: id, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{OrderID: id, Status: order.Status})
	}
	return results
}

// applyEffect runs the transition's stock operation for every line
// through the ledger bound to the transaction.
func (s *Service) applyEffect(ctx context.Context, tx TxRepository, order *Order, effect Effect, actorID int64) error {
	if effect == EffectNone {
		return nil
	}
	ledger := tx.Ledger()
	ref := stock.MovementRef{
		Module:  "ORDERS",
		ID:      order.DocNumber,
		ActorID: actorID,
	}
	for i := range order.Lines {
		line := &order.Lines[i]
		switch effect {
		case EffectReserve:
			balance, err := s.engine.Reserve(ctx, ledger, line.ProductID, line.Quantity, line.WarehouseID, ref)
			if err != nil {
				return fmt.Errorf("line %d (product %d): %w", line.ID, line.ProductID, err)
			}
			if line.WarehouseID != balance.WarehouseID {
				line.WarehouseID = balance.WarehouseID
				if err := tx.SetLineWarehouse(ctx, line.ID, balance.WarehouseID); err != nil {
					return fmt.Errorf("orders: set line warehouse: %w", err)
				}
			}
		case EffectRelease:
			if line.WarehouseID == 0 {
				return fmt.Errorf("%w: line %d has no reservation warehouse", stock.ErrInvariantViolation, line.ID)
			}
			if _, err := s.engine.Release(ctx, ledger, line.ProductID, line.Quantity, line.WarehouseID, ref); err != nil {
				return fmt.Errorf("line %d (product %d): %w", line.ID, line.ProductID, err)
			}
		case EffectFulfill:
			if line.WarehouseID == 0 {
				return fmt.Errorf("%w: line %d has no reservation warehouse", stock.ErrInvariantViolation, line.ID)
			}
			if _, err := s.engine.Fulfill(ctx, ledger, line.ProductID, line.Quantity, line.WarehouseID, ref); err != nil {
				return fmt.Errorf("line %d (product %d): %w", line.ID, line.ProductID, err)
			}
		}
	}
	return nil
}

func (s *Service) withRetry(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying order transaction after conflict", slog.Int("attempt", attempt))
		}
		err = s.repo.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", shared.ErrConflict, maxConflictRetries+1, err)
}

func (s *Service) recordTransition(from, to Status, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrIllegalTransition):
		result = "illegal"
	case errors.Is(err, stock.ErrInsufficientStock):
		result = "insufficient"
	default:
		result = "error"
	}
	s.metrics.RecordTransition(string(from), string(to), result)
}

func retryable(err error) bool {
	return db.IsSerializationFailure(err) || errors.Is(err, shared.ErrConflict)
}

func validateLine(input LineInput) error {
	if input.ProductID == 0 {
		return fmt.Errorf("%w: product required", ErrInvalidLine)
	}
	if input.Quantity <= 0 || input.UnitPrice < 0 {
		return ErrInvalidLine
	}
	return nil
}
