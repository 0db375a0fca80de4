package stock

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
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/transfers", h.handleTransfer)
	r.Get("/balances", h.handleListBalances)
	r.Get("/balances/{warehouseID}/{productID}", h.handleGetBalance)
	r.Get("/movements", h.handleListMovements)
}

type adjustmentRequest struct {
	Code        string `json:"code,omitempty" validate:"omitempty,max=50"`
	WarehouseID int64  `json:"warehouse_id" validate:"required,gt=0"`
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	DeltaFull   int64  `json:"delta_full"`
	DeltaEmpty  int64  `json:"delta_empty"`
	Reason      string `json:"reason" validate:"required,min=3,max=500"`
	RefID       string `json:"ref_id,omitempty" validate:"omitempty,uuid"`
}

type transferRequest struct {
	Code          string `json:"code,omitempty" validate:"omitempty,max=50"`
	FromWarehouse int64  `json:"from_warehouse" validate:"required,gt=0"`
	ToWarehouse   int64  `json:"to_warehouse" validate:"required,gt=0"`
	ProductID     int64  `json:"product_id" validate:"required,gt=0"`
	QtyFull       int64  `json:"qty_full" validate:"gte=0"`
	QtyEmpty      int64  `json:"qty_empty" validate:"gte=0"`
	Notes         string `json:"notes,omitempty" validate:"omitempty,max=500"`
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	balance, err := h.service.Adjust(r.Context(), AdjustmentInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		ProductID:   req.ProductID,
		DeltaFull:   req.DeltaFull,
		DeltaEmpty:  req.DeltaEmpty,
		Reason:      req.Reason,
		ActorID:     shared.ActorFromContext(r.Context()),
		RefModule:   "STOCK",
		RefID:       req.RefID,
	})
	if err != nil {
		h.logger.Error("post adjustment failed", slog.Any("error", err),
			slog.Int64("warehouse_id", req.WarehouseID), slog.Int64("product_id", req.ProductID))
		httpx.RespondError(w, err, ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	src, dst, err := h.service.Transfer(r.Context(), TransferInput{
		Code:         req.Code,
		SrcWarehouse: req.FromWarehouse,
		DstWarehouse: req.ToWarehouse,
		ProductID:    req.ProductID,
		QtyFull:      req.QtyFull,
		QtyEmpty:     req.QtyEmpty,
		Note:         req.Notes,
		ActorID:      shared.ActorFromContext(r.Context()),
		RefModule:    "STOCK",
	})
	if err != nil {
		h.logger.Error("post transfer failed", slog.Any("error", err),
			slog.Int64("src", req.FromWarehouse), slog.Int64("dst", req.ToWarehouse))
		httpx.RespondError(w, err, ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]Balance{"source": src, "destination": dst})
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	warehouseID, err1 := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	productID, err2 := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "warehouse and product ids must be integers")
		return
	}
	balance, err := h.service.GetBalance(r.Context(), warehouseID, productID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		httpx.RespondError(w, err, ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	var warehouseID int64
	if raw := r.URL.Query().Get("warehouse_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "warehouse_id must be an integer")
			return
		}
		warehouseID = id
	}
	balances, err := h.service.ListBalances(r.Context(), warehouseID)
	if err != nil {
		h.logger.Error("list balances failed", slog.Any("error", err))
		httpx.RespondError(w, err, ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	filter := MovementFilter{Limit: 200}
	q := r.URL.Query()
	if raw := q.Get("warehouse_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.WarehouseID = id
		}
	}
	if raw := q.Get("product_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.ProductID = id
		}
	}
	if raw := q.Get("op"); raw != "" {
		filter.Op = OpType(raw)
	}
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			filter.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			filter.To = t.Add(24*time.Hour - time.Nanosecond)
		}
	}
	page, perPage := 1, filter.Limit
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

	movements, total, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.logger.Error("list movements failed", slog.Any("error", err))
		httpx.RespondError(w, err, ClassifyError)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"movements":  movements,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

// ClassifyError maps stock errors onto HTTP semantics.
func ClassifyError(err error) (int, string, bool) {
	switch {
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrReasonRequired), errors.Is(err, ErrInvalidReference):
		return http.StatusBadRequest, "Invalid Quantity", true
	case errors.Is(err, ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "Insufficient Stock", true
	case errors.Is(err, ErrInvariantViolation):
		return http.StatusConflict, "Ledger Inconsistency", true
	case errors.Is(err, ErrBalanceNotFound):
		return http.StatusNotFound, "Not Found", true
	default:
		return 0, "", false
	}
}
