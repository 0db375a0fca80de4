package stock

import (
	"errors"
	"fmt"
	"time"
)

// OpType enumerates ledger operations.
type OpType string

const (
	// OpAdjust is a manual correction with a free-form reason.
	OpAdjust OpType = "ADJUST"
	// OpTransfer moves units between warehouses.
	OpTransfer OpType = "TRANSFER"
	// OpReserve earmarks full units for a confirmed order.
	OpReserve OpType = "RESERVE"
	// OpFulfill removes full units at delivery and releases the reservation.
	OpFulfill OpType = "FULFILL"
	// OpRelease frees a reservation on cancellation.
	OpRelease OpType = "RELEASE"
)

// Balance is one ledger row per (warehouse, product). Full and empty
// cylinders are tracked separately; reserved counts against full.
type Balance struct {
	WarehouseID int64     `json:"warehouse_id"`
	ProductID   int64     `json:"product_id"`
	QtyFull     int64     `json:"qty_full"`
	QtyEmpty    int64     `json:"qty_empty"`
	QtyReserved int64     `json:"qty_reserved"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available returns full units not yet committed to an order.
func (b Balance) Available() int64 {
	return b.QtyFull - b.QtyReserved
}

// CheckInvariants validates the ledger row. A violation here after a
// computed mutation means the mutation must be rejected; a violation on a
// committed row means upstream bookkeeping is broken.
func (b Balance) CheckInvariants() error {
	if b.QtyFull < 0 || b.QtyEmpty < 0 || b.QtyReserved < 0 {
		return fmt.Errorf("%w: negative counter on warehouse=%d product=%d", ErrInvariantViolation, b.WarehouseID, b.ProductID)
	}
	if b.QtyReserved > b.QtyFull {
		return fmt.Errorf("%w: reserved %d exceeds full %d on warehouse=%d product=%d", ErrInvariantViolation, b.QtyReserved, b.QtyFull, b.WarehouseID, b.ProductID)
	}
	return nil
}

// Movement is the immutable audit row written by every ledger operation.
type Movement struct {
	ID            int64     `json:"id"`
	Code          string    `json:"code"`
	Op            OpType    `json:"op"`
	WarehouseID   int64     `json:"warehouse_id"`
	ProductID     int64     `json:"product_id"`
	DeltaFull     int64     `json:"delta_full"`
	DeltaEmpty    int64     `json:"delta_empty"`
	DeltaReserved int64     `json:"delta_reserved"`
	Reason        string    `json:"reason,omitempty"`
	RefModule     string    `json:"ref_module,omitempty"`
	RefID         string    `json:"ref_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	PostedAt      time.Time `json:"posted_at"`
}

// AdjustmentInput describes a signed stock correction.
type AdjustmentInput struct {
	Code        string
	WarehouseID int64
	ProductID   int64
	DeltaFull   int64
	DeltaEmpty  int64
	Reason      string
	ActorID     int64
	RefModule   string
	RefID       string
}

// TransferInput describes moving units between warehouses.
type TransferInput struct {
	Code         string
	SrcWarehouse int64
	DstWarehouse int64
	ProductID    int64
	QtyFull      int64
	QtyEmpty     int64
	Note         string
	ActorID      int64
	RefModule    string
	RefID        string
}

// MovementFilter filters the movement journal.
type MovementFilter struct {
	WarehouseID int64
	ProductID   int64
	Op          OpType
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// ErrInvalidQuantity indicates a delta or quantity that would produce a
// negative counter, or a zero/negative request amount.
var ErrInvalidQuantity = errors.New("stock: invalid quantity")

// ErrInsufficientStock indicates the request exceeds available or
// physical stock; user actionable, not a system fault.
var ErrInsufficientStock = errors.New("stock: insufficient stock")

// ErrInvariantViolation indicates the ledger computed a negative result
// from supposedly consistent prior state.
var ErrInvariantViolation = errors.New("stock: ledger invariant violation")

// ErrInvalidReference indicates a bad warehouse/product reference, for
// example a transfer onto itself.
var ErrInvalidReference = errors.New("stock: invalid reference")

// ErrReasonRequired indicates an adjustment without a reason.
var ErrReasonRequired = errors.New("stock: adjustment reason required")

// ErrBalanceNotFound indicates missing balance row.
var ErrBalanceNotFound = errors.New("stock: balance not found")
