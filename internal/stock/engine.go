package stock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger exposes the transactional ledger operations the engine runs on.
// Implementations hold a database transaction; every read locks the row so
// two writers cannot both read the same counters and overshoot.
type Ledger interface {
	GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error)
	ListBalancesForUpdate(ctx context.Context, productID int64) ([]Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

// Engine implements the five ledger mutations. It is stateless; callers
// supply the Ledger bound to whatever transaction scopes the work, which
// lets an order transition share one transaction across many lines.
type Engine struct{}

// NewEngine constructs the engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Adjust applies a signed correction to full and empty counters. Reserved
// is untouched, but the correction may not drop full below reserved.
func (e *Engine) Adjust(ctx context.Context, l Ledger, input AdjustmentInput) (Balance, error) {
	if input.WarehouseID == 0 || input.ProductID == 0 {
		return Balance{}, fmt.Errorf("%w: warehouse and product required", ErrInvalidReference)
	}
	if input.DeltaFull == 0 && input.DeltaEmpty == 0 {
		return Balance{}, fmt.Errorf("%w: adjustment must change at least one counter", ErrInvalidQuantity)
	}
	if input.Reason == "" {
		return Balance{}, ErrReasonRequired
	}

	balance, err := e.lockOrInit(ctx, l, input.WarehouseID, input.ProductID)
	if err != nil {
		return Balance{}, err
	}

	balance.QtyFull += input.DeltaFull
	balance.QtyEmpty += input.DeltaEmpty
	if balance.QtyFull < 0 || balance.QtyEmpty < 0 {
		return Balance{}, fmt.Errorf("%w: adjustment would produce a negative counter", ErrInvalidQuantity)
	}
	if balance.QtyFull < balance.QtyReserved {
		return Balance{}, fmt.Errorf("%w: %d full units are reserved", ErrInsufficientStock, balance.QtyReserved)
	}

	if err := e.commit(ctx, l, balance, Movement{
		Code:        input.Code,
		Op:          OpAdjust,
		WarehouseID: input.WarehouseID,
		ProductID:   input.ProductID,
		DeltaFull:   input.DeltaFull,
		DeltaEmpty:  input.DeltaEmpty,
		Reason:      input.Reason,
		RefModule:   input.RefModule,
		RefID:       input.RefID,
		ActorID:     input.ActorID,
	}); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Transfer moves units from one warehouse to another inside the caller's
// transaction: either both rows commit or neither does. Full units that
// are reserved at the source may not leave it.
func (e *Engine) Transfer(ctx context.Context, l Ledger, input TransferInput) (Balance, Balance, error) {
	if input.SrcWarehouse == 0 || input.DstWarehouse == 0 || input.ProductID == 0 {
		return Balance{}, Balance{}, fmt.Errorf("%w: warehouse and product required", ErrInvalidReference)
	}
	if input.SrcWarehouse == input.DstWarehouse {
		return Balance{}, Balance{}, fmt.Errorf("%w: source and destination warehouse must differ", ErrInvalidReference)
	}
	if input.QtyFull < 0 || input.QtyEmpty < 0 || (input.QtyFull == 0 && input.QtyEmpty == 0) {
		return Balance{}, Balance{}, fmt.Errorf("%w: transfer quantities must be non-negative and not both zero", ErrInvalidQuantity)
	}

	// Lock in warehouse-id order so concurrent opposite transfers cannot
	// deadlock.
	first, second := input.SrcWarehouse, input.DstWarehouse
	if second < first {
		first, second = second, first
	}
	locked := make(map[int64]Balance, 2)
	for _, warehouseID := range []int64{first, second} {
		bal, err := e.lockOrInit(ctx, l, warehouseID, input.ProductID)
		if err != nil {
			return Balance{}, Balance{}, err
		}
		locked[warehouseID] = bal
	}
	src := locked[input.SrcWarehouse]
	dst := locked[input.DstWarehouse]

	if src.Available() < input.QtyFull {
		return Balance{}, Balance{}, fmt.Errorf("%w: %d full available at warehouse %d, requested %d",
			ErrInsufficientStock, src.Available(), input.SrcWarehouse, input.QtyFull)
	}
	if src.QtyEmpty < input.QtyEmpty {
		return Balance{}, Balance{}, fmt.Errorf("%w: %d empty at warehouse %d, requested %d",
			ErrInsufficientStock, src.QtyEmpty, input.SrcWarehouse, input.QtyEmpty)
	}

	src.QtyFull -= input.QtyFull
	src.QtyEmpty -= input.QtyEmpty
	dst.QtyFull += input.QtyFull
	dst.QtyEmpty += input.QtyEmpty

	code := input.Code
	if code == "" {
		code = fmt.Sprintf("TRF-%d", time.Now().UTC().UnixNano())
	}
	if err := e.commit(ctx, l, src, Movement{
		Code:        fmt.Sprintf("%s-OUT", code),
		Op:          OpTransfer,
		WarehouseID: input.SrcWarehouse,
		ProductID:   input.ProductID,
		DeltaFull:   -input.QtyFull,
		DeltaEmpty:  -input.QtyEmpty,
		Reason:      input.Note,
		RefModule:   input.RefModule,
		RefID:       input.RefID,
		ActorID:     input.ActorID,
	}); err != nil {
		return Balance{}, Balance{}, err
	}
	if err := e.commit(ctx, l, dst, Movement{
		Code:        fmt.Sprintf("%s-IN", code),
		Op:          OpTransfer,
		WarehouseID: input.DstWarehouse,
		ProductID:   input.ProductID,
		DeltaFull:   input.QtyFull,
		DeltaEmpty:  input.QtyEmpty,
		Reason:      input.Note,
		RefModule:   input.RefModule,
		RefID:       input.RefID,
		ActorID:     input.ActorID,
	}); err != nil {
		return Balance{}, Balance{}, err
	}
	return src, dst, nil
}

// Reserve earmarks qty full units of a product. When warehouseID is zero
// the policy picks the lowest warehouse id with sufficient available
// stock, so repeated runs against the same state choose the same row.
func (e *Engine) Reserve(ctx context.Context, l Ledger, productID, qty, warehouseID int64, ref MovementRef) (Balance, error) {
	if qty <= 0 {
		return Balance{}, fmt.Errorf("%w: reservation quantity must be positive", ErrInvalidQuantity)
	}

	var balance Balance
	if warehouseID != 0 {
		bal, err := l.GetBalanceForUpdate(ctx, warehouseID, productID)
		if err != nil {
			if errors.Is(err, ErrBalanceNotFound) {
				return Balance{}, fmt.Errorf("%w: product %d has no stock at warehouse %d", ErrInsufficientStock, productID, warehouseID)
			}
			return Balance{}, err
		}
		if bal.Available() < qty {
			return Balance{}, fmt.Errorf("%w: %d available at warehouse %d, requested %d", ErrInsufficientStock, bal.Available(), warehouseID, qty)
		}
		balance = bal
	} else {
		candidates, err := l.ListBalancesForUpdate(ctx, productID)
		if err != nil {
			return Balance{}, err
		}
		found := false
		for _, bal := range candidates {
			if bal.Available() >= qty {
				balance = bal
				found = true
				break
			}
		}
		if !found {
			return Balance{}, fmt.Errorf("%w: no warehouse holds %d available units of product %d", ErrInsufficientStock, qty, productID)
		}
	}

	balance.QtyReserved += qty
	if err := e.commit(ctx, l, balance, Movement{
		Code:          ref.Code,
		Op:            OpReserve,
		WarehouseID:   balance.WarehouseID,
		ProductID:     productID,
		DeltaReserved: qty,
		RefModule:     ref.Module,
		RefID:         ref.ID,
		ActorID:       ref.ActorID,
	}); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Fulfill removes qty full units at delivery and releases the matching
// reservation. Negative results mean the reservation bookkeeping is out of
// sync with physical stock; they surface as hard errors, never clamped.
func (e *Engine) Fulfill(ctx context.Context, l Ledger, productID, qty, warehouseID int64, ref MovementRef) (Balance, error) {
	if qty <= 0 {
		return Balance{}, fmt.Errorf("%w: fulfillment quantity must be positive", ErrInvalidQuantity)
	}
	balance, err := l.GetBalanceForUpdate(ctx, warehouseID, productID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return Balance{}, fmt.Errorf("%w: no ledger row for warehouse=%d product=%d", ErrInvariantViolation, warehouseID, productID)
		}
		return Balance{}, err
	}

	balance.QtyFull -= qty
	balance.QtyReserved -= qty
	if balance.QtyFull < 0 || balance.QtyReserved < 0 {
		return Balance{}, fmt.Errorf("%w: fulfillment of %d exceeds full=%d reserved=%d at warehouse %d",
			ErrInvariantViolation, qty, balance.QtyFull+qty, balance.QtyReserved+qty, warehouseID)
	}

	if err := e.commit(ctx, l, balance, Movement{
		Code:          ref.Code,
		Op:            OpFulfill,
		WarehouseID:   warehouseID,
		ProductID:     productID,
		DeltaFull:     -qty,
		DeltaReserved: -qty,
		RefModule:     ref.Module,
		RefID:         ref.ID,
		ActorID:       ref.ActorID,
	}); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Release frees a reservation without touching physical stock.
func (e *Engine) Release(ctx context.Context, l Ledger, productID, qty, warehouseID int64, ref MovementRef) (Balance, error) {
	if qty <= 0 {
		return Balance{}, fmt.Errorf("%w: release quantity must be positive", ErrInvalidQuantity)
	}
	balance, err := l.GetBalanceForUpdate(ctx, warehouseID, productID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return Balance{}, fmt.Errorf("%w: no ledger row for warehouse=%d product=%d", ErrInvariantViolation, warehouseID, productID)
		}
		return Balance{}, err
	}

	balance.QtyReserved -= qty
	if balance.QtyReserved < 0 {
		return Balance{}, fmt.Errorf("%w: release of %d exceeds reserved=%d at warehouse %d",
			ErrInvariantViolation, qty, balance.QtyReserved+qty, warehouseID)
	}

	if err := e.commit(ctx, l, balance, Movement{
		Code:          ref.Code,
		Op:            OpRelease,
		WarehouseID:   warehouseID,
		ProductID:     productID,
		DeltaReserved: -qty,
		RefModule:     ref.Module,
		RefID:         ref.ID,
		ActorID:       ref.ActorID,
	}); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// MovementRef carries journal metadata for order-driven operations.
type MovementRef struct {
	Code    string
	Module  string
	ID      string
	ActorID int64
}

func (e *Engine) lockOrInit(ctx context.Context, l Ledger, warehouseID, productID int64) (Balance, error) {
	balance, err := l.GetBalanceForUpdate(ctx, warehouseID, productID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return Balance{WarehouseID: warehouseID, ProductID: productID}, nil
		}
		return Balance{}, err
	}
	return balance, nil
}

func (e *Engine) commit(ctx context.Context, l Ledger, balance Balance, movement Movement) error {
	if err := balance.CheckInvariants(); err != nil {
		return err
	}
	balance.UpdatedAt = time.Now().UTC()
	if err := l.UpsertBalance(ctx, balance); err != nil {
		return err
	}
	if movement.Code == "" {
		movement.Code = fmt.Sprintf("%s-%d", movement.Op, time.Now().UTC().UnixNano())
	}
	movement.PostedAt = balance.UpdatedAt
	if _, err := l.InsertMovement(ctx, movement); err != nil {
		return err
	}
	return nil
}
