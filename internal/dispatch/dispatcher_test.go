package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pcs-gateway/internal/infra/mq"
	"pcs-gateway/internal/protocol/ystech"
)

type captureProducer struct {
	mu       sync.Mutex
	messages []mq.Message
}

func (p *captureProducer) Produce(ctx context.Context, msg mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *captureProducer) Close() {}

func (p *captureProducer) snapshot() []mq.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mq.Message(nil), p.messages...)
}

func TestDispatcherForwardsToProducer(t *testing.T) {
	producer := &captureProducer{}
	d := New(producer, "pcs_telemetry", 2, zap.NewNop())
	d.Start()

	hook := d.Hook(0xFA)
	hook(0x11, ystech.DCData{Voltage: 400.0})
	hook(0x13, ystech.StatusData{RunningState: ystech.StateStandby})

	require.Eventually(t, func() bool {
		return len(producer.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)
	d.Stop()

	got := producer.snapshot()
	names := []string{got[0].PF, got[1].PF}
	assert.Contains(t, names, "DCData")
	assert.Contains(t, names, "Status")
	for _, msg := range got {
		assert.Equal(t, "pcs_telemetry", msg.Topic)
		assert.Equal(t, byte(0xFA), msg.PCSAddr)
	}

	// Body 是载荷的 JSON
	var payload Payload
	require.NoError(t, json.Unmarshal(got[0].Body, &payload))
	assert.Equal(t, byte(0xFA), payload.PCSAddr)
	assert.NotEmpty(t, payload.PF)
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenSaturated(t *testing.T) {
	// 不启动 worker: 通道塞满后继续投递必然丢弃
	d := New(&captureProducer{}, "pcs_telemetry", 1, zap.NewNop())
	for i := 0; i < 10001; i++ {
		d.Dispatch(Payload{PF: "DCData"})
	}
	assert.Equal(t, uint64(1), d.Dropped())
}
