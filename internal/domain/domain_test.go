package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientOrderIDFormat(t *testing.T) {
	id := ClientOrderID("bot-12345678-extra", 3)
	assert.Equal(t, "gb1-bot-1234-3", id)
	assert.True(t, IsOwnedClientOrderID(id))
	assert.False(t, IsCloseClientOrderID(id))

	closeID := CloseClientOrderID("bot-12345678-extra", 7)
	assert.Equal(t, "gb1c-bot-1234-7", closeID)
	assert.True(t, IsOwnedClientOrderID(closeID))
	assert.True(t, IsCloseClientOrderID(closeID))
}

func TestForeignOrderIgnored(t *testing.T) {
	assert.False(t, IsOwnedClientOrderID("some-other-system-id"))
	assert.False(t, IsOwnedClientOrderID(""))
}

func TestOrderStatusMonotonic(t *testing.T) {
	assert.False(t, OrderStatusNew.Regresses(OrderStatusPartiallyFilled))
	assert.False(t, OrderStatusPartiallyFilled.Regresses(OrderStatusFilled))
	assert.True(t, OrderStatusFilled.Regresses(OrderStatusNew))
	assert.True(t, OrderStatusCanceled.Regresses(OrderStatusPartiallyFilled))
	assert.False(t, OrderStatusFilled.Regresses(OrderStatusFilled))
	assert.True(t, OrderStatusNew.IsTerminal() == false)
	assert.True(t, OrderStatusFilled.IsTerminal())
}

func TestSnapshotStability(t *testing.T) {
	json1, hash1, err := BuildSnapshotState([]string{"o2", "o1"}, []string{"t2", "t1"})
	require.NoError(t, err)

	json2, hash2, err := BuildSnapshotState([]string{"o1", "o2"}, []string{"t1", "t2"})
	require.NoError(t, err)

	assert.Equal(t, json1, json2)
	assert.Equal(t, hash1, hash2)
	assert.Len(t, hash1, 16)

	_, hash3, err := BuildSnapshotState([]string{"o1", "o2", "o3"}, []string{"t1", "t2"})
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestOppositeSide(t *testing.T) {
	assert.Equal(t, OrderSideSell, OrderSideBuy.Opposite())
	assert.Equal(t, OrderSideBuy, OrderSideSell.Opposite())
}
