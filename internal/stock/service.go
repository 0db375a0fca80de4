package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tabung-erp/tabung-erp/internal/platform/db"
	"github.com/tabung-erp/tabung-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, Ledger) error) error
	GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error)
	ListBalances(ctx context.Context, warehouseID int64) ([]Balance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	CountMovements(ctx context.Context, filter MovementFilter) (int, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	TryRecord(ctx context.Context, log shared.AuditLog)
}

// MetricsPort counts ledger operations by outcome.
type MetricsPort interface {
	RecordStockOp(op, result string)
	RecordConflictRetry(op string)
}

// maxConflictRetries bounds how often a serialization conflict is retried
// before surfacing to the caller.
const maxConflictRetries = 3

// Service coordinates ledger operations: transaction scoping, conflict
// retry, idempotency keys and audit records around the Engine.
type Service struct {
	repo        RepositoryPort
	engine      *Engine
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
	logger      *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		engine:      NewEngine(),
		audit:       audit,
		idempotency: idem,
		metrics:     metrics,
		logger:      logger,
	}
}

// Engine exposes the underlying engine for callers that manage their own
// transaction, such as order status transitions.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Adjust applies a manual correction and writes the mandatory audit trail.
func (s *Service) Adjust(ctx context.Context, input AdjustmentInput) (Balance, error) {
	if input.Code == "" {
		input.Code = fmt.Sprintf("ADJ-%d", time.Now().UTC().UnixNano())
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return Balance{}, fmt.Errorf("stock: invalid ref id: %w", err)
		}
	}

	key := fmt.Sprintf("%s:%s:%d:%d", OpAdjust, input.Code, input.WarehouseID, input.ProductID)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			return Balance{}, err
		}
		insertedKey = true
	}

	var balance Balance
	err := s.withRetry(ctx, string(OpAdjust), func(ctx context.Context, l Ledger) error {
		var err error
		balance, err = s.engine.Adjust(ctx, l, input)
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Balance{}, err
	}

	if s.audit != nil {
		s.audit.TryRecord(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "stock:adjust",
			Entity:   "inventory_balance",
			EntityID: fmt.Sprintf("%d:%d", input.WarehouseID, input.ProductID),
			Meta: map[string]any{
				"delta_full":  input.DeltaFull,
				"delta_empty": input.DeltaEmpty,
				"reason":      input.Reason,
				"code":        input.Code,
			},
		})
	}
	return balance, nil
}

// Transfer moves stock between warehouses as one unit.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (Balance, Balance, error) {
	if input.Code == "" {
		input.Code = fmt.Sprintf("TRF-%d", time.Now().UTC().UnixNano())
	}

	key := fmt.Sprintf("%s:%s:%d:%d:%d", OpTransfer, input.Code, input.SrcWarehouse, input.DstWarehouse, input.ProductID)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			return Balance{}, Balance{}, err
		}
		insertedKey = true
	}

	var src, dst Balance
	err := s.withRetry(ctx, string(OpTransfer), func(ctx context.Context, l Ledger) error {
		var err error
		src, dst, err = s.engine.Transfer(ctx, l, input)
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Balance{}, Balance{}, err
	}

	if s.audit != nil {
		s.audit.TryRecord(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "stock:transfer",
			Entity:   "inventory_balance",
			EntityID: fmt.Sprintf("%d->%d:%d", input.SrcWarehouse, input.DstWarehouse, input.ProductID),
			Meta: map[string]any{
				"qty_full":  input.QtyFull,
				"qty_empty": input.QtyEmpty,
				"note":      input.Note,
				"code":      input.Code,
			},
		})
	}
	return src, dst, nil
}

// Reserve earmarks stock outside an order transition, for example when
// repairing a reservation by hand.
func (s *Service) Reserve(ctx context.Context, productID, qty, warehouseID int64, ref MovementRef) (Balance, error) {
	var balance Balance
	err := s.withRetry(ctx, string(OpReserve), func(ctx context.Context, l Ledger) error {
		var err error
		balance, err = s.engine.Reserve(ctx, l, productID, qty, warehouseID, ref)
		return err
	})
	return balance, err
}

// Fulfill removes reserved stock at delivery time.
func (s *Service) Fulfill(ctx context.Context, productID, qty, warehouseID int64, ref MovementRef) (Balance, error) {
	var balance Balance
	err := s.withRetry(ctx, string(OpFulfill), func(ctx context.Context, l Ledger) error {
		var err error
		balance, err = s.engine.Fulfill(ctx, l, productID, qty, warehouseID, ref)
		return err
	})
	return balance, err
}

// Release frees reserved stock.
func (s *Service) Release(ctx context.Context, productID, qty, warehouseID int64, ref MovementRef) (Balance, error) {
	var balance Balance
	err := s.withRetry(ctx, string(OpRelease), func(ctx context.Context, l Ledger) error {
		var err error
		balance, err = s.engine.Release(ctx, l, productID, qty, warehouseID, ref)
		return err
	})
	return balance, err
}

// GetBalance reads a single ledger row.
func (s *Service) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	if warehouseID == 0 || productID == 0 {
		return Balance{}, fmt.Errorf("%w: warehouse and product required", ErrInvalidReference)
	}
	return s.repo.GetBalance(ctx, warehouseID, productID)
}

// ListBalances lists ledger rows, optionally per warehouse.
func (s *Service) ListBalances(ctx context.Context, warehouseID int64) ([]Balance, error) {
	return s.repo.ListBalances(ctx, warehouseID)
}

// ListMovements lists the movement journal page plus the total match count.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	movements, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountMovements(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return movements, total, nil
}

// withRetry runs fn in a transaction, retrying bounded times on
// serialization conflicts. Each attempt re-reads committed state, so the
// invariants are re-validated against the freshest values.
func (s *Service) withRetry(ctx context.Context, op string, fn func(context.Context, Ledger) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.RecordConflictRetry(op)
			}
			s.logger.Warn("retrying stock operation after conflict",
				slog.String("op", op), slog.Int("attempt", attempt))
		}
		err = s.repo.WithTx(ctx, fn)
		if err == nil {
			s.record(op, "ok")
			return nil
		}
		if !retryable(err) {
			s.record(op, resultLabel(err))
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.record(op, "conflict")
	return fmt.Errorf("%w: %s gave up after %d attempts: %v", shared.ErrConflict, op, maxConflictRetries+1, err)
}

func (s *Service) record(op, result string) {
	if s.metrics != nil {
		s.metrics.RecordStockOp(op, result)
	}
}

func retryable(err error) bool {
	return db.IsSerializationFailure(err) || errors.Is(err, shared.ErrConflict)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrReasonRequired), errors.Is(err, ErrInvalidReference):
		return "rejected"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	default:
		return "error"
	}
}
