package stock

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tabung-erp/tabung-erp/internal/shared"
)

type memoryRepo struct {
	balances  map[string]Balance
	movements []Movement

	// conflictsLeft makes the next N transactions fail with a retryable
	// conflict before any work happens.
	conflictsLeft int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: map[string]Balance{}}
}

func balanceKey(warehouseID, productID int64) string {
	return fmt.Sprintf("%d:%d", warehouseID, productID)
}

func (m *memoryRepo) seed(b Balance) {
	m.balances[balanceKey(b.WarehouseID, b.ProductID)] = b
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Ledger) error) error {
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return shared.ErrConflict
	}
	snapshot := make(map[string]Balance, len(m.balances))
	for k, v := range m.balances {
		snapshot[k] = v
	}
	journalLen := len(m.movements)
	if err := fn(ctx, m); err != nil {
		m.balances = snapshot
		m.movements = m.movements[:journalLen]
		return err
	}
	return nil
}

func (m *memoryRepo) GetBalanceForUpdate(_ context.Context, warehouseID, productID int64) (Balance, error) {
	b, ok := m.balances[balanceKey(warehouseID, productID)]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (m *memoryRepo) ListBalancesForUpdate(_ context.Context, productID int64) ([]Balance, error) {
	var out []Balance
	for _, b := range m.balances {
		if b.ProductID == productID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WarehouseID < out[j].WarehouseID })
	return out, nil
}

func (m *memoryRepo) UpsertBalance(_ context.Context, balance Balance) error {
	m.balances[balanceKey(balance.WarehouseID, balance.ProductID)] = balance
	return nil
}

func (m *memoryRepo) InsertMovement(_ context.Context, movement Movement) (int64, error) {
	movement.ID = int64(len(m.movements) + 1)
	m.movements = append(m.movements, movement)
	return movement.ID, nil
}

func (m *memoryRepo) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	return m.GetBalanceForUpdate(ctx, warehouseID, productID)
}

func (m *memoryRepo) ListBalances(_ context.Context, warehouseID int64) ([]Balance, error) {
	var out []Balance
	for _, b := range m.balances {
		if warehouseID == 0 || b.WarehouseID == warehouseID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memoryRepo) matchMovements(filter MovementFilter) []Movement {
	var out []Movement
	for _, mv := range m.movements {
		if filter.Op != "" && mv.Op != filter.Op {
			continue
		}
		out = append(out, mv)
	}
	return out
}

func (m *memoryRepo) ListMovements(_ context.Context, filter MovementFilter) ([]Movement, error) {
	out := m.matchMovements(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryRepo) CountMovements(_ context.Context, filter MovementFilter) (int, error) {
	return len(m.matchMovements(filter)), nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) TryRecord(_ context.Context, log shared.AuditLog) {
	a.logs = append(a.logs, log)
}

type memoryMetrics struct {
	ops     map[string]int
	retries map[string]int
}

func newMemoryMetrics() *memoryMetrics {
	return &memoryMetrics{ops: map[string]int{}, retries: map[string]int{}}
}

func (m *memoryMetrics) RecordStockOp(op, result string) { m.ops[op+":"+result]++ }
func (m *memoryMetrics) RecordConflictRetry(op string)   { m.retries[op]++ }

func newTestService(repo *memoryRepo) (*Service, *memoryAudit, *memoryMetrics) {
	audit := &memoryAudit{}
	metrics := newMemoryMetrics()
	return NewService(repo, audit, nil, metrics, nil), audit, metrics
}

func TestAdjustPostsMovementAndAudit(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 40, QtyEmpty: 5})
	svc, audit, metrics := newTestService(repo)

	balance, err := svc.Adjust(context.Background(), AdjustmentInput{
		WarehouseID: 1, ProductID: 10,
		DeltaFull: 12, DeltaEmpty: -2,
		Reason:  "cycle count correction",
		ActorID: 7,
	})
	require.NoError(t, err)
	require.Equal(t, int64(52), balance.QtyFull)
	require.Equal(t, int64(3), balance.QtyEmpty)

	require.Len(t, repo.movements, 1)
	mv := repo.movements[0]
	require.Equal(t, OpAdjust, mv.Op)
	require.Equal(t, int64(12), mv.DeltaFull)
	require.Equal(t, int64(-2), mv.DeltaEmpty)
	require.Equal(t, "cycle count correction", mv.Reason)
	require.NotEmpty(t, mv.Code)
	require.False(t, mv.PostedAt.IsZero())

	require.Len(t, audit.logs, 1)
	require.Equal(t, "stock:adjust", audit.logs[0].Action)
	require.Equal(t, int64(7), audit.logs[0].ActorID)

	require.Equal(t, 1, metrics.ops["ADJUST:ok"])
}

func TestAdjustRequiresReason(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 40})
	svc, audit, _ := newTestService(repo)

	_, err := svc.Adjust(context.Background(), AdjustmentInput{
		WarehouseID: 1, ProductID: 10, DeltaFull: 5,
	})
	require.ErrorIs(t, err, ErrReasonRequired)
	require.Empty(t, repo.movements)
	require.Empty(t, audit.logs)
}

func TestAdjustRejectsNegativeResultAndLeavesStateUnchanged(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 40, QtyEmpty: 8})
	svc, _, metrics := newTestService(repo)

	_, err := svc.Adjust(context.Background(), AdjustmentInput{
		WarehouseID: 1, ProductID: 10,
		DeltaFull: -60,
		Reason:    "write-off",
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	after, getErr := repo.GetBalance(context.Background(), 1, 10)
	require.NoError(t, getErr)
	require.Equal(t, int64(40), after.QtyFull)
	require.Equal(t, int64(8), after.QtyEmpty)
	require.Empty(t, repo.movements)
	require.Equal(t, 1, metrics.ops["ADJUST:rejected"])
}

func TestAdjustCannotDropFullBelowReserved(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 40, QtyReserved: 30})
	svc, _, _ := newTestService(repo)

	_, err := svc.Adjust(context.Background(), AdjustmentInput{
		WarehouseID: 1, ProductID: 10,
		DeltaFull: -15,
		Reason:    "damaged cylinders",
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	after, _ := repo.GetBalance(context.Background(), 1, 10)
	require.Equal(t, int64(40), after.QtyFull)
}

func TestAdjustCreatesRowForNewPair(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)

	balance, err := svc.Adjust(context.Background(), AdjustmentInput{
		WarehouseID: 3, ProductID: 50,
		DeltaFull: 20, DeltaEmpty: 4,
		Reason: "opening stock",
	})
	require.NoError(t, err)
	require.Equal(t, int64(20), balance.QtyFull)
	require.Equal(t, int64(4), balance.QtyEmpty)
	require.Equal(t, int64(0), balance.QtyReserved)
}

func TestTransferConservesTotals(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 100, QtyEmpty: 30})
	repo.seed(Balance{WarehouseID: 2, ProductID: 10, QtyFull: 10, QtyEmpty: 2})
	svc, _, _ := newTestService(repo)

	src, dst, err := svc.Transfer(context.Background(), TransferInput{
		SrcWarehouse: 1, DstWarehouse: 2, ProductID: 10,
		QtyFull: 40, QtyEmpty: 10,
	})
	require.NoError(t, err)
	require.Equal(t, int64(60), src.QtyFull)
	require.Equal(t, int64(20), src.QtyEmpty)
	require.Equal(t, int64(50), dst.QtyFull)
	require.Equal(t, int64(12), dst.QtyEmpty)
	require.Equal(t, int64(110), src.QtyFull+dst.QtyFull)
	require.Equal(t, int64(32), src.QtyEmpty+dst.QtyEmpty)

	require.Len(t, repo.movements, 2)
	out, in := repo.movements[0], repo.movements[1]
	require.Equal(t, int64(-40), out.DeltaFull)
	require.Equal(t, int64(40), in.DeltaFull)
	require.Contains(t, out.Code, "-OUT")
	require.Contains(t, in.Code, "-IN")
}

func TestTransferCreatesDestinationRow(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 15})
	svc, _, _ := newTestService(repo)

	_, dst, err := svc.Transfer(context.Background(), TransferInput{
		SrcWarehouse: 1, DstWarehouse: 9, ProductID: 10, QtyFull: 5,
	})
	require.NoError(t, err)
	require.Equal(t, int64(9), dst.WarehouseID)
	require.Equal(t, int64(5), dst.QtyFull)
}

func TestTransferRespectsReservations(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 10, QtyReserved: 8})
	repo.seed(Balance{WarehouseID: 2, ProductID: 10})
	svc, _, _ := newTestService(repo)

	// only 2 of the 10 full units are free to move
	_, _, err := svc.Transfer(context.Background(), TransferInput{
		SrcWarehouse: 1, DstWarehouse: 2, ProductID: 10, QtyFull: 5,
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	src, _ := repo.GetBalance(context.Background(), 1, 10)
	require.Equal(t, int64(10), src.QtyFull)
	require.Equal(t, int64(8), src.QtyReserved)
}

func TestTransferRejectsSameWarehouse(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 10})
	svc, _, _ := newTestService(repo)

	_, _, err := svc.Transfer(context.Background(), TransferInput{
		SrcWarehouse: 1, DstWarehouse: 1, ProductID: 10, QtyFull: 5,
	})
	require.ErrorIs(t, err, ErrInvalidReference)
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 100, QtyEmpty: 20})
	svc, _, _ := newTestService(repo)
	ref := MovementRef{Module: "ORDERS", ID: "order-1"}

	reserved, err := svc.Reserve(context.Background(), 10, 30, 1, ref)
	require.NoError(t, err)
	require.Equal(t, int64(100), reserved.QtyFull)
	require.Equal(t, int64(30), reserved.QtyReserved)
	require.Equal(t, int64(70), reserved.Available())

	released, err := svc.Release(context.Background(), 10, 30, 1, ref)
	require.NoError(t, err)
	require.Equal(t, int64(100), released.QtyFull)
	require.Equal(t, int64(0), released.QtyReserved)
	require.Equal(t, int64(20), released.QtyEmpty)
}

func TestReservePicksLowestWarehouseWithStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 3, ProductID: 10, QtyFull: 100})
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 5})
	repo.seed(Balance{WarehouseID: 2, ProductID: 10, QtyFull: 50, QtyReserved: 45})
	svc, _, _ := newTestService(repo)

	// warehouse 1 has too little, warehouse 2 has only 5 available
	balance, err := svc.Reserve(context.Background(), 10, 30, 0, MovementRef{Module: "ORDERS", ID: "order-2"})
	require.NoError(t, err)
	require.Equal(t, int64(3), balance.WarehouseID)
	require.Equal(t, int64(30), balance.QtyReserved)
}

func TestReserveInsufficientEverywhere(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 10, QtyReserved: 5})
	svc, _, _ := newTestService(repo)

	_, err := svc.Reserve(context.Background(), 10, 6, 0, MovementRef{})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestFulfillConsumesReservation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 100})
	svc, _, _ := newTestService(repo)
	ref := MovementRef{Module: "ORDERS", ID: "order-3"}

	_, err := svc.Reserve(context.Background(), 10, 30, 1, ref)
	require.NoError(t, err)

	balance, err := svc.Fulfill(context.Background(), 10, 30, 1, ref)
	require.NoError(t, err)
	require.Equal(t, int64(70), balance.QtyFull)
	require.Equal(t, int64(0), balance.QtyReserved)
	require.Equal(t, int64(70), balance.Available())
}

func TestFulfillBeyondReservedIsInvariantViolation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 100, QtyReserved: 10})
	svc, _, _ := newTestService(repo)

	_, err := svc.Fulfill(context.Background(), 10, 20, 1, MovementRef{})
	require.ErrorIs(t, err, ErrInvariantViolation)

	after, _ := repo.GetBalance(context.Background(), 1, 10)
	require.Equal(t, int64(100), after.QtyFull)
	require.Equal(t, int64(10), after.QtyReserved)
}

func TestReleaseBeyondReservedIsInvariantViolation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 100, QtyReserved: 10})
	svc, _, _ := newTestService(repo)

	_, err := svc.Release(context.Background(), 10, 11, 1, MovementRef{})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestWithRetryRecoversFromConflicts(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 100})
	repo.conflictsLeft = 2
	svc, _, metrics := newTestService(repo)

	balance, err := svc.Reserve(context.Background(), 10, 5, 1, MovementRef{})
	require.NoError(t, err)
	require.Equal(t, int64(5), balance.QtyReserved)
	require.Equal(t, 2, metrics.retries["RESERVE"])
	require.Equal(t, 1, metrics.ops["RESERVE:ok"])
}

func TestWithRetryGivesUpAfterBoundedAttempts(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 100})
	repo.conflictsLeft = 100
	svc, _, metrics := newTestService(repo)

	_, err := svc.Reserve(context.Background(), 10, 5, 1, MovementRef{})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Equal(t, maxConflictRetries, metrics.retries["RESERVE"])
	require.Equal(t, 100-(maxConflictRetries+1), repo.conflictsLeft)
}

func TestInvariantsHoldAcrossOperationSequence(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(Balance{WarehouseID: 1, ProductID: 10, QtyFull: 50, QtyEmpty: 10})
	repo.seed(Balance{WarehouseID: 2, ProductID: 10, QtyFull: 20})
	svc, _, _ := newTestService(repo)
	ctx := context.Background()
	ref := MovementRef{Module: "ORDERS", ID: "order-4"}

	_, err := svc.Adjust(ctx, AdjustmentInput{WarehouseID: 1, ProductID: 10, DeltaFull: 25, Reason: "restock"})
	require.NoError(t, err)
	_, _, err = svc.Transfer(ctx, TransferInput{SrcWarehouse: 1, DstWarehouse: 2, ProductID: 10, QtyFull: 15})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, 10, 10, 2, ref)
	require.NoError(t, err)
	_, err = svc.Fulfill(ctx, 10, 10, 2, ref)
	require.NoError(t, err)

	balances, err := svc.ListBalances(ctx, 0)
	require.NoError(t, err)
	var totalFull int64
	for _, b := range balances {
		require.NoError(t, b.CheckInvariants())
		totalFull += b.QtyFull
	}
	// 50+20 seeded, +25 adjusted, -10 fulfilled
	require.Equal(t, int64(85), totalFull)

	movements, total, err := svc.ListMovements(ctx, MovementFilter{})
	require.NoError(t, err)
	require.Len(t, movements, 5)
	require.Equal(t, 5, total)
}
