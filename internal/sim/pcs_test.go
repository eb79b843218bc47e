package sim

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pcs-gateway/internal/canbus"
	"pcs-gateway/internal/protocol/ystech"
)

// 通过原始帧直接驱动模拟器, 验证协议对端行为。

func startSim(t *testing.T, hub string, cfg Config) (*PCS, *canbus.VirtualBus) {
	t.Helper()
	logger := zap.NewNop()

	simBus := canbus.NewVirtual(hub, logger)
	require.NoError(t, simBus.Open())
	pcs := New(simBus, cfg, logger)
	pcs.Start()
	t.Cleanup(pcs.Stop)

	peer := canbus.NewVirtual(hub, logger)
	require.NoError(t, peer.Open())
	t.Cleanup(func() { _ = peer.Close() })
	return pcs, peer
}

func sendTo(t *testing.T, peer *canbus.VirtualBus, pf byte, data ystech.Payload) {
	t.Helper()
	require.NoError(t, peer.Send(ystech.TxID(pf, ystech.PCSDefaultAddr), data[:]))
}

// waitReply 等待指定 PF 的应答帧
func waitReply(t *testing.T, peer *canbus.VirtualBus, pf byte, timeout time.Duration) *canbus.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame, err := peer.Recv(50 * time.Millisecond)
		require.NoError(t, err)
		if frame == nil {
			continue
		}
		if ystech.ParseCANID(frame.ID).PF == pf {
			return frame
		}
	}
	t.Fatalf("no reply PF 0x%02X within %v", pf, timeout)
	return nil
}

func fastConfig() Config {
	return Config{
		TickPeriod:       30 * time.Millisecond,
		HeartbeatTimeout: 5 * time.Second,
		Seed:             1,
	}
}

func TestSimulatorPublishesPeriodicFrames(t *testing.T) {
	_, peer := startSim(t, t.Name(), fastConfig())

	want := map[byte]bool{0x11: false, 0x12: false, 0x13: false, 0x14: false, 0x15: false, 0x16: false, 0x39: false}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := peer.Recv(50 * time.Millisecond)
		require.NoError(t, err)
		if frame == nil {
			continue
		}
		id := ystech.ParseCANID(frame.ID)
		require.True(t, id.IsFromPCS(ystech.PCSDefaultAddr))
		if _, ok := want[id.PF]; ok {
			want[id.PF] = true
		}
		all := true
		for _, seen := range want {
			all = all && seen
		}
		if all {
			return
		}
	}
	t.Fatalf("missing periodic frames: %v", want)
}

func TestSimulatorNACKsUnknownMode(t *testing.T) {
	_, peer := startSim(t, t.Name(), fastConfig())

	var payload ystech.Payload
	binary.BigEndian.PutUint16(payload[0:], 0x77) // 未定义的模式码
	sendTo(t, peer, 0x0B, payload)

	reply := waitReply(t, peer, 0x0E, 2*time.Second)
	assert.False(t, ystech.DecodeSetReply(reply.Data).Acknowledged)
}

func TestSimulatorRefusesModeChangeWhileRunning(t *testing.T) {
	pcs, peer := startSim(t, t.Name(), fastConfig())

	// 启动
	start, _, err := ystech.EncodeControl(&ystech.ControlVector{}, ystech.ControlStart)
	require.NoError(t, err)
	sendTo(t, peer, 0x0F, start)
	reply := waitReply(t, peer, 0x10, 2*time.Second)
	require.True(t, ystech.DecodeSetReply(reply.Data).Acknowledged)
	require.Eventually(t, func() bool { return pcs.RunningState().Converting() },
		time.Second, 10*time.Millisecond)

	// 运行中修改模式被拒绝
	mode, err := ystech.EncodeSetMode(ystech.ModeDCConstantCurrent, -50.0)
	require.NoError(t, err)
	sendTo(t, peer, 0x0B, mode)
	reply = waitReply(t, peer, 0x0E, 2*time.Second)
	assert.False(t, ystech.DecodeSetReply(reply.Data).Acknowledged)
	assert.Equal(t, ystech.ModeIdle, pcs.WorkingMode())
}

func TestSimulatorAcceptsModeWhileStopped(t *testing.T) {
	pcs, peer := startSim(t, t.Name(), fastConfig())

	mode, err := ystech.EncodeSetMode(ystech.ModeACConstantPower, 30000.0)
	require.NoError(t, err)
	sendTo(t, peer, 0x0B, mode)
	reply := waitReply(t, peer, 0x0E, 2*time.Second)
	assert.True(t, ystech.DecodeSetReply(reply.Data).Acknowledged)
	assert.Equal(t, ystech.ModeACConstantPower, pcs.WorkingMode())

	// 启动后进入交流恒功率状态
	start, _, err := ystech.EncodeControl(&ystech.ControlVector{}, ystech.ControlStart)
	require.NoError(t, err)
	sendTo(t, peer, 0x0F, start)
	waitReply(t, peer, 0x10, 2*time.Second)
	require.Eventually(t, func() bool {
		return pcs.RunningState() == ystech.StateACConstantPower
	}, time.Second, 10*time.Millisecond)
}

func TestSimulatorProtectionParamWriteback(t *testing.T) {
	_, peer := startSim(t, t.Name(), fastConfig())

	pp := ystech.ProtectionParams1{
		MaxOutputVoltage: 750.0, MinOutputVoltage: 100.0,
		MaxChargeCurrent: 120.0, MaxDischargeCurrent: 130.0,
	}
	payload, err := ystech.EncodeSetProtectionParams1(pp)
	require.NoError(t, err)
	sendTo(t, peer, 0x05, payload)
	reply := waitReply(t, peer, 0x08, 2*time.Second)
	assert.True(t, ystech.DecodeSetReply(reply.Data).Acknowledged)

	// 读回
	sendTo(t, peer, 0x01, ystech.EncodeReadProtectionParams(0x01))
	reply = waitReply(t, peer, 0x02, 2*time.Second)
	decoded, err := ystech.DecodeProtectionParams1(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, pp, decoded)
}

func TestSimulatorHeartbeatKeepsFaultClear(t *testing.T) {
	cfg := fastConfig()
	cfg.HeartbeatTimeout = 300 * time.Millisecond
	pcs, peer := startSim(t, t.Name(), cfg)

	// 周期发心跳, 故障保持为 0
	hb, err := ystech.EncodeHeartbeat(nil)
	require.NoError(t, err)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sendTo(t, peer, 0x1A, hb)
		require.Zero(t, pcs.FaultCode())
		time.Sleep(50 * time.Millisecond)
	}

	// 停止心跳后锁存 CAN1
	require.Eventually(t, func() bool {
		return pcs.FaultCode() == ystech.FaultCAN1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, ystech.StateFault, pcs.RunningState())
}
