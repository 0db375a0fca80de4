package stock

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMovementPredicatesOmitUnsetDateBounds(t *testing.T) {
	where, args := movementPredicates(MovementFilter{WarehouseID: 2, Op: OpAdjust})

	require.NotContains(t, where, "posted_at")
	require.Contains(t, where, "warehouse_id = $1")
	require.Contains(t, where, "op = $2")
	require.Equal(t, []any{int64(2), string(OpAdjust)}, args)
}

func TestMovementPredicatesBindDateBoundsAsTime(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)
	where, args := movementPredicates(MovementFilter{From: from, To: to})

	require.Contains(t, where, "posted_at >= $1")
	require.Contains(t, where, "posted_at <= $2")
	require.Equal(t, []any{from, to}, args)
	for _, arg := range args {
		require.IsType(t, time.Time{}, arg)
	}
}

func TestMovementPredicatesNumberSequentially(t *testing.T) {
	where, args := movementPredicates(MovementFilter{
		WarehouseID: 1,
		ProductID:   7,
		Op:          OpTransfer,
		From:        time.Now(),
		To:          time.Now(),
	})

	require.Len(t, args, 5)
	for i := 1; i <= 5; i++ {
		require.Equal(t, 1, strings.Count(where, "$"+string(rune('0'+i))))
	}
}

func TestClampMovementLimit(t *testing.T) {
	require.Equal(t, 200, clampMovementLimit(0))
	require.Equal(t, 200, clampMovementLimit(-5))
	require.Equal(t, 50, clampMovementLimit(50))
	require.Equal(t, 500, clampMovementLimit(9999))
}
