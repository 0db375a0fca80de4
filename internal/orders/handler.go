package orders

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tabung-erp/tabung-erp/internal/platform/httpx"
	"github.com/tabung-erp/tabung-erp/internal/shared"
	"github.com/tabung-erp/tabung-erp/internal/stock"
)

// Handler wires HTTP endpoints for the orders module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs orders handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Post("/status", h.handleBulkStatus)
	r.Route("/{orderID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/status", h.handleStatus)
		r.Post("/lines", h.handleAddLine)
		r.Put("/lines/{lineID}", h.handleUpdateLine)
		r.Delete("/lines/{lineID}", h.handleRemoveLine)
	})
}

type createOrderRequest struct {
	CustomerID      int64         `json:"customer_id" validate:"required,gt=0"`
	DeliveryAddress string        `json:"delivery_address" validate:"omitempty,max=500"`
	Notes           *string       `json:"notes,omitempty" validate:"omitempty,max=500"`
	Lines           []lineRequest `json:"lines,omitempty" validate:"omitempty,dive"`
}

type lineRequest struct {
	ProductID int64   `json:"product_id" validate:"required,gt=0"`
	Quantity  int64   `json:"quantity" validate:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

type changeStatusRequest struct {
	Status        Status  `json:"status" validate:"required"`
	ScheduledDate *string `json:"scheduled_date,omitempty"`
	Notes         *string `json:"notes,omitempty" validate:"omitempty,max=500"`
}

type bulkStatusRequest struct {
	OrderIDs      []int64 `json:"order_ids" validate:"required,min=1,dive,gt=0"`
	Status        Status  `json:"status" validate:"required"`
	ScheduledDate *string `json:"scheduled_date,omitempty"`
	Notes         *string `json:"notes,omitempty" validate:"omitempty,max=500"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateOrderInput{
		CustomerID:      req.CustomerID,
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
		ActorID:         shared.ActorFromContext(r.Context()),
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineInput{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}

	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.logger.Error("create order failed", slog.Any("error", err))
		httpx.RespondError(w, err, ClassifyError, stock.ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		httpx.RespondError(w, err, ClassifyError, stock.ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{}
	q := r.URL.Query()
	if raw := q.Get("customer_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.CustomerID = id
		}
	}
	if raw := q.Get("status"); raw != "" {
		filter.Status = Status(raw)
		if !filter.Status.IsValid() {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown status filter")
			return
		}
	}
	page, perPage := 1, 100
	if raw := q.Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	if raw := q.Get("per_page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			perPage = n
		}
	}
	if perPage > 500 {
		perPage = 500
	}
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	list, total, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		h.logger.Error("list orders failed", slog.Any("error", err))
		httpx.RespondError(w, err, ClassifyError, stock.ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"orders":     list,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req changeStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := h.statusInput(r, req.ScheduledDate, req.Notes)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	order, err := h.service.ChangeStatus(r.Context(), orderID, req.Status, input)
	if err != nil {
		h.logger.Error("status change failed", slog.Int64("order_id", orderID),
			slog.String("target", string(req.Status)), slog.Any("error", err))
		httpx.RespondError(w, err, ClassifyError, stock.ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := h.statusInput(r, req.ScheduledDate, req.Notes)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	results := h.service.BulkChangeStatus(r.Context(), req.OrderIDs, req.Status, input)
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleAddLine(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	order, err := h.service.AddLine(r.Context(), orderID, LineInput{
		ProductID: req.ProductID, Quantity: req.Quantity, UnitPrice: req.UnitPrice,
	})
	if err != nil {
		httpx.RespondError(w, err, ClassifyError, stock.ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "line id must be an integer")
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	order, err := h.service.UpdateLine(r.Context(), orderID, lineID, LineInput{
		ProductID: req.ProductID, Quantity: req.Quantity, UnitPrice: req.UnitPrice,
	})
	if err != nil {
		httpx.RespondError(w, err, ClassifyError, stock.ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "line id must be an integer")
		return
	}

	order, err := h.service.RemoveLine(r.Context(), orderID, lineID)
	if err != nil {
		httpx.RespondError(w, err, ClassifyError, stock.ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "order id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) statusInput(r *http.Request, scheduledDate, notes *string) (ChangeStatusInput, error) {
	input := ChangeStatusInput{
		Notes:   notes,
		ActorID: shared.ActorFromContext(r.Context()),
	}
	if scheduledDate != nil && *scheduledDate != "" {
		t, err := time.Parse("2006-01-02", *scheduledDate)
		if err != nil {
			return ChangeStatusInput{}, errors.New("scheduled_date must be YYYY-MM-DD")
		}
		input.ScheduledDate = &t
	}
	return input, nil
}

// ClassifyError maps order errors onto HTTP semantics.
func ClassifyError(err error) (int, string, bool) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrLineNotFound):
		return http.StatusNotFound, "Not Found", true
	case errors.Is(err, ErrIllegalTransition):
		return http.StatusUnprocessableEntity, "Illegal Transition", true
	case errors.Is(err, ErrOrderLocked):
		return http.StatusConflict, "Order Locked", true
	case errors.Is(err, ErrEmptyOrder), errors.Is(err, ErrOrderIncomplete),
		errors.Is(err, ErrInvalidScheduleDate), errors.Is(err, ErrInvalidLine):
		return http.StatusBadRequest, "Validation Failed", true
	default:
		return 0, "", false
	}
}
