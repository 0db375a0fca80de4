package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/tabung-erp/tabung-erp/internal/stock"
)

// BalanceLister reads the full set of ledger rows for the scan.
type BalanceLister interface {
	ListBalances(ctx context.Context, warehouseID int64) ([]stock.Balance, error)
}

// IntegrityMetrics counts violations found by the scan.
type IntegrityMetrics interface {
	RecordIntegrityViolation()
}

// LedgerIntegrityJob re-validates every committed balance against the
// ledger invariants. The engine rejects violating writes up front, so any
// hit here means something wrote to the tables behind its back.
type LedgerIntegrityJob struct {
	Store   BalanceLister
	Logger  *slog.Logger
	Metrics IntegrityMetrics
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(store BalanceLister, logger *slog.Logger, metrics IntegrityMetrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle executes the scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Concurrency <= 0 {
		payload.Concurrency = 4
	}

	logger := j.logger()
	logger.Info("starting ledger integrity scan", slog.Int("concurrency", payload.Concurrency))

	balances, err := j.Store.ListBalances(ctx, 0)
	if err != nil {
		logger.Error("integrity scan failed to list balances", slog.Any("error", err))
		return err
	}

	violations := make(chan stock.Balance, len(balances))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(payload.Concurrency)
	for _, balance := range balances {
		balance := balance
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := balance.CheckInvariants(); err != nil {
				violations <- balance
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(violations)

	found := 0
	for balance := range violations {
		found++
		if j.Metrics != nil {
			j.Metrics.RecordIntegrityViolation()
		}
		logger.Error("ledger invariant violated on committed row",
			slog.Int64("warehouse_id", balance.WarehouseID),
			slog.Int64("product_id", balance.ProductID),
			slog.Int64("qty_full", balance.QtyFull),
			slog.Int64("qty_empty", balance.QtyEmpty),
			slog.Int64("qty_reserved", balance.QtyReserved))
	}

	logger.Info("ledger integrity scan finished",
		slog.Int("balances", len(balances)), slog.Int("violations", found))
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
