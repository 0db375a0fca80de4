package orders

import (
	"errors"
	"time"
)

// Status represents the delivery lifecycle of an order.
type Status string

const (
	StatusDraft     Status = "DRAFT"     // editable, no stock committed
	StatusConfirmed Status = "CONFIRMED" // stock reserved per line
	StatusScheduled Status = "SCHEDULED" // delivery date fixed
	StatusEnRoute   Status = "EN_ROUTE"  // out for delivery, lines frozen
	StatusDelivered Status = "DELIVERED" // stock fulfilled
	StatusInvoiced  Status = "INVOICED"  // terminal
	StatusCancelled Status = "CANCELLED" // terminal
)

// IsValid checks if the status is a known one.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusConfirmed, StatusScheduled, StatusEnRoute,
		StatusDelivered, StatusInvoiced, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further status or line mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusInvoiced || s == StatusCancelled
}

// LinesLocked reports whether line mutations are forbidden in this status.
// Lines freeze once the truck has left, and stay frozen through the
// terminal statuses.
func (s Status) LinesLocked() bool {
	switch s {
	case StatusEnRoute, StatusDelivered, StatusInvoiced, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is one customer delivery request and the unit of atomicity for
// status transitions.
type Order struct {
	ID              int64      `json:"id" db:"id"`
	DocNumber       string     `json:"doc_number" db:"doc_number"`
	CustomerID      int64      `json:"customer_id" db:"customer_id"`
	DeliveryAddress string     `json:"delivery_address" db:"delivery_address"`
	Status          Status     `json:"status" db:"status"`
	ScheduledDate   *time.Time `json:"scheduled_date,omitempty" db:"scheduled_date"`
	TotalAmount     float64    `json:"total_amount" db:"total_amount"`
	Notes           *string    `json:"notes,omitempty" db:"notes"`
	CreatedBy       int64      `json:"created_by" db:"created_by"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	Lines           []Line     `json:"lines,omitempty" db:"-"`
}

// RecomputeTotal rederives total_amount from the line subtotals. The
// total is never hand-edited.
func (o *Order) RecomputeTotal() {
	var total float64
	for i := range o.Lines {
		o.Lines[i].Subtotal = float64(o.Lines[i].Quantity) * o.Lines[i].UnitPrice
		total += o.Lines[i].Subtotal
	}
	o.TotalAmount = total
}

// Line is one (order, product) commitment. WarehouseID is zero until the
// confirmation reservation picks a warehouse for it.
type Line struct {
	ID          int64     `json:"id" db:"id"`
	OrderID     int64     `json:"order_id" db:"order_id"`
	ProductID   int64     `json:"product_id" db:"product_id"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	UnitPrice   float64   `json:"unit_price" db:"unit_price"`
	Subtotal    float64   `json:"subtotal" db:"subtotal"`
	WarehouseID int64     `json:"warehouse_id,omitempty" db:"warehouse_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// CreateOrderInput describes a new draft order.
type CreateOrderInput struct {
	CustomerID      int64
	DeliveryAddress string
	Notes           *string
	ActorID         int64
	Lines           []LineInput
}

// LineInput describes one line on create or add.
type LineInput struct {
	ProductID int64
	Quantity  int64
	UnitPrice float64
}

// ChangeStatusInput carries the optional fields of a transition request.
type ChangeStatusInput struct {
	ScheduledDate *time.Time
	Notes         *string
	ActorID       int64
}

// BulkResult is the per-order outcome of a bulk transition. One order's
// failure never rolls back its siblings.
type BulkResult struct {
	OrderID int64  `json:"order_id"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

// ListFilter filters order listings.
type ListFilter struct {
	CustomerID int64
	Status     Status
	Limit      int
	Offset     int
}

// ErrOrderNotFound indicates the order does not exist.
var ErrOrderNotFound = errors.New("orders: order not found")

// ErrLineNotFound indicates the line does not exist on the order.
var ErrLineNotFound = errors.New("orders: line not found")

// ErrIllegalTransition indicates the requested status change is not in the
// transition table; the message names both statuses.
var ErrIllegalTransition = errors.New("orders: illegal status transition")

// ErrOrderLocked indicates a line mutation on an order whose lines are
// frozen, or an order currently held by another request.
var ErrOrderLocked = errors.New("orders: order is locked")

// ErrEmptyOrder indicates a confirmation attempt without any lines.
var ErrEmptyOrder = errors.New("orders: order has no lines")

// ErrOrderIncomplete indicates a confirmation attempt without customer or
// delivery address.
var ErrOrderIncomplete = errors.New("orders: customer and delivery address required")

// ErrInvalidScheduleDate indicates a missing or past scheduled date.
var ErrInvalidScheduleDate = errors.New("orders: scheduled date must be set and not in the past")

// ErrInvalidLine indicates a line with non-positive quantity or negative
// unit price.
var ErrInvalidLine = errors.New("orders: line quantity must be positive and unit price non-negative")
