package canbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVirtualBusBroadcast(t *testing.T) {
	logger := zap.NewNop()
	a := NewVirtual("hub-broadcast", logger)
	b := NewVirtual("hub-broadcast", logger)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(0x1811B4FA, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	frame, err := b.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, uint32(0x1811B4FA), frame.ID)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frame.Data)
	assert.True(t, frame.Extended)
	assert.False(t, frame.Timestamp.IsZero())

	// 发送方不回环
	frame, err = a.Recv(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestVirtualBusRecvTimeout(t *testing.T) {
	bus := NewVirtual("hub-timeout", zap.NewNop())
	require.NoError(t, bus.Open())
	defer bus.Close()

	start := time.Now()
	frame, err := bus.Recv(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, frame)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestVirtualBusFilters(t *testing.T) {
	logger := zap.NewNop()
	a := NewVirtual("hub-filters", logger)
	b := NewVirtual("hub-filters", logger)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())
	defer a.Close()
	defer b.Close()

	// 只收 PF=0x13 且 PS=0xB4
	b.SetFilters([]Filter{{PF: 0x13, PS: 0xB4}})

	require.NoError(t, a.Send(0x1811B4FA, []byte{1})) // PF 0x11 被过滤
	require.NoError(t, a.Send(0x1813B4FA, []byte{2}))

	frame, err := b.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, uint32(0x1813B4FA), frame.ID)

	frame, err = b.Recv(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestVirtualBusClosed(t *testing.T) {
	bus := NewVirtual("hub-closed", zap.NewNop())
	require.NoError(t, bus.Open())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Send(0x1811B4FA, []byte{1}), ErrClosed)
	_, err := bus.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)

	// 重复 Close 幂等
	assert.NoError(t, bus.Close())
}

func TestVirtualBusReconnect(t *testing.T) {
	logger := zap.NewNop()
	a := NewVirtual("hub-reconnect", logger)
	b := NewVirtual("hub-reconnect", logger)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Close())
	stop := make(chan struct{})
	require.NoError(t, a.Reconnect(stop))

	require.NoError(t, a.Send(0x1811B4FA, []byte{9}))
	frame, err := b.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, frame)
}

func TestListInterfacesNeverNilPanics(t *testing.T) {
	NewVirtual("hub-listed", zap.NewNop())
	names := ListInterfaces()
	assert.Contains(t, names, "hub-listed")
}

func TestBackoffSchedule(t *testing.T) {
	cap := 5 * time.Second
	assert.Equal(t, 100*time.Millisecond, backoffSchedule(0, cap))
	assert.Equal(t, 200*time.Millisecond, backoffSchedule(1, cap))
	assert.Equal(t, 400*time.Millisecond, backoffSchedule(2, cap))
	assert.Equal(t, 800*time.Millisecond, backoffSchedule(3, cap))
	assert.Equal(t, 1600*time.Millisecond, backoffSchedule(4, cap))
	assert.Equal(t, 3200*time.Millisecond, backoffSchedule(5, cap))
	assert.Equal(t, cap, backoffSchedule(6, cap))
	assert.Equal(t, cap, backoffSchedule(40, cap)) // 移位溢出也封顶
}

func TestFilterMatches(t *testing.T) {
	f := Filter{PF: 0x11, PS: 0xB4}
	assert.True(t, f.Matches(0x1811B4FA))
	assert.False(t, f.Matches(0x1812B4FA))
	assert.False(t, f.Matches(0x1811FAB4))
}
