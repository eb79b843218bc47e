package session

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pcs-gateway/internal/canbus"
	"pcs-gateway/internal/protocol/ystech"
	"pcs-gateway/internal/sim"
)

// 集成测试: 会话与模拟 PCS 在同一条虚拟总线上对跑。
// 周期参数按比例缩短以压缩测试时长, 时序关系保持不变。

func testConfig() Config {
	return Config{
		PCSAddr:             ystech.PCSDefaultAddr,
		RxTimeout:           300 * time.Millisecond,
		CommandTimeout:      2 * time.Second,
		HeartbeatPeriod:     50 * time.Millisecond,
		FreshWindow:         300 * time.Millisecond,
		ReconnectBackoffCap: time.Second,
	}
}

func testSimConfig() sim.Config {
	return sim.Config{
		PCSAddr:          ystech.PCSDefaultAddr,
		TickPeriod:       50 * time.Millisecond,
		NoisePct:         0.5,
		HeartbeatTimeout: 2 * time.Second,
		Seed:             1,
	}
}

func startPair(t *testing.T, hub string, cfg Config, simCfg sim.Config) (*Session, *sim.PCS) {
	t.Helper()
	logger := zap.NewNop()

	simBus := canbus.NewVirtual(hub, logger)
	require.NoError(t, simBus.Open())
	pcs := sim.New(simBus, simCfg, logger)
	pcs.Start()
	t.Cleanup(pcs.Stop)

	sessBus := canbus.NewVirtual(hub, logger)
	require.NoError(t, sessBus.Open())
	sess, err := New(sessBus, cfg, logger)
	require.NoError(t, err)
	sess.Start()
	t.Cleanup(func() { _ = sess.Close() })

	return sess, pcs
}

func waitConnected(t *testing.T, sess *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond, "session did not connect")
}

// sniffer 旁路端点, 记录总线上的所有帧
type sniffer struct {
	mu     sync.Mutex
	frames []canbus.Frame
	bus    *canbus.VirtualBus
	done   chan struct{}
}

func startSniffer(t *testing.T, hub string) *sniffer {
	t.Helper()
	bus := canbus.NewVirtual(hub, zap.NewNop())
	require.NoError(t, bus.Open())
	s := &sniffer{bus: bus, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			frame, err := bus.Recv(50 * time.Millisecond)
			if err != nil {
				return
			}
			if frame == nil {
				continue
			}
			s.mu.Lock()
			s.frames = append(s.frames, *frame)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = bus.Close()
		<-s.done
	})
	return s
}

func (s *sniffer) byPF(pf byte) []canbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []canbus.Frame
	for _, f := range s.frames {
		if ystech.ParseCANID(f.ID).PF == pf {
			out = append(out, f)
		}
	}
	return out
}

func TestSessionConnectsAndPopulatesSnapshot(t *testing.T) {
	sess, _ := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	require.Eventually(t, func() bool {
		_, at, fresh := sess.DC()
		return !at.IsZero() && fresh
	}, 2*time.Second, 10*time.Millisecond)

	dc, _, _ := sess.DC()
	assert.InDelta(t, 400.0, dc.Voltage, 10.0)

	st, _, fresh := sess.Status()
	assert.True(t, fresh)
	assert.Equal(t, ystech.StateStandby, st.RunningState)
	assert.Zero(t, st.FaultCode)

	hr, _, _ := sess.HighResDC()
	assert.InDelta(t, 400.0, hr.Voltage, 10.0)

	gv, _, _ := sess.GridVoltage()
	assert.InDelta(t, 230.0, gv.U, 5.0)

	sp, _, _ := sess.SystemPower()
	assert.InDelta(t, 50.0, sp.Frequency, 1.0)

	age, seen := sess.SinceLastRx()
	assert.True(t, seen)
	assert.Less(t, age, time.Second)
}

func TestEnablePath(t *testing.T) {
	sess, pcs := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	require.NoError(t, sess.Enable())
	assert.True(t, pcs.RunningState().Converting())

	// 下一拍的状态帧里运行状态已是运行中
	require.Eventually(t, func() bool {
		st, _, _ := sess.Status()
		return st.RunningState.Converting()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Disable())
	require.Eventually(t, func() bool {
		st, _, _ := sess.Status()
		return st.RunningState == ystech.StateStandby
	}, time.Second, 10*time.Millisecond)
}

func TestSetModeAgainstSimulator(t *testing.T) {
	sess, pcs := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	require.NoError(t, sess.SetMode(ystech.ModeDCConstantVoltage, 400.0))
	assert.Equal(t, ystech.ModeDCConstantVoltage, pcs.WorkingMode())

	report, err := sess.ReadWorkingMode()
	require.NoError(t, err)
	assert.Equal(t, ystech.ModeDCConstantVoltage, report.Mode)
}

func TestModeChangeGuardWhileRunning(t *testing.T) {
	hub := t.Name()
	sess, pcs := startPair(t, hub, testConfig(), testSimConfig())
	waitConnected(t, sess)
	snif := startSniffer(t, hub)

	require.NoError(t, sess.Enable())
	require.Eventually(t, func() bool {
		st, _, _ := sess.Status()
		return st.RunningState.Converting()
	}, time.Second, 10*time.Millisecond)

	before := len(snif.byPF(0x0B))
	err := sess.SetMode(ystech.ModeDCConstantVoltage, 400.0)
	assert.ErrorIs(t, err, ErrModeChangeWhileRunning)
	// 本地守卫拒绝, 不发 0x0B 帧
	assert.Equal(t, before, len(snif.byPF(0x0B)))
	assert.Equal(t, ystech.ModeIdle, pcs.WorkingMode())
}

func TestOneInFlightPerPF(t *testing.T) {
	sess, _ := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sess.Enable()
		}()
	}
	wg.Wait()
	close(errs)

	var busy, ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
}

func TestHeartbeatStarvationLatchesCAN1(t *testing.T) {
	simCfg := testSimConfig()
	simCfg.HeartbeatTimeout = 400 * time.Millisecond
	sess, pcs := startPair(t, t.Name(), testConfig(), simCfg)
	waitConnected(t, sess)

	sess.PauseHeartbeat()
	require.Eventually(t, func() bool {
		st, _, _ := sess.Status()
		return st.FaultCode == ystech.FaultCAN1
	}, 3*time.Second, 10*time.Millisecond, "CAN1 fault not latched after heartbeat starvation")

	st, _, _ := sess.Status()
	assert.Equal(t, ystech.StateFault, st.RunningState)
	assert.Equal(t, ystech.StateFault, pcs.RunningState())
	// 故障帧令会话进入 FAULTED
	assert.Equal(t, StateFaulted, sess.State())

	// 恢复心跳并清除故障
	sess.ResumeHeartbeat()
	require.NoError(t, sess.ResetFaults())
	assert.Equal(t, StateConnected, sess.State())
	require.Eventually(t, func() bool {
		st, _, _ := sess.Status()
		return st.FaultCode == 0 && st.RunningState == ystech.StateStandby
	}, time.Second, 10*time.Millisecond)
}

func TestNoCAN1UnderNormalOperation(t *testing.T) {
	simCfg := testSimConfig()
	simCfg.HeartbeatTimeout = 400 * time.Millisecond
	sess, _ := startPair(t, t.Name(), testConfig(), simCfg)
	waitConnected(t, sess)

	// 心跳正常时持续运行不出现 CAN1 故障
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _, _ := sess.Status()
		require.Zero(t, st.FaultCode)
		time.Sleep(50 * time.Millisecond)
	}
}

func TestHeartbeatCadence(t *testing.T) {
	hub := t.Name()
	snif := startSniffer(t, hub)

	cfg := testConfig()
	cfg.HeartbeatPeriod = 200 * time.Millisecond
	sess, _ := startPair(t, hub, cfg, testSimConfig())
	waitConnected(t, sess)

	time.Sleep(3 * time.Second)

	beats := snif.byPF(0x1A)
	require.GreaterOrEqual(t, len(beats), 12, "expected ~15 heartbeats in 3s")

	var sum time.Duration
	maxGap := time.Duration(0)
	for i := 1; i < len(beats); i++ {
		gap := beats[i].Timestamp.Sub(beats[i-1].Timestamp)
		sum += gap
		if gap > maxGap {
			maxGap = gap
		}
	}
	mean := sum / time.Duration(len(beats)-1)
	assert.LessOrEqual(t, maxGap, 260*time.Millisecond, "heartbeat gap exceeded jitter budget")
	assert.InDelta(t, 200, float64(mean.Milliseconds()), 20, "heartbeat mean period off target")

	// 心跳载荷为占位填充
	assert.Equal(t, []byte{0x00, 0x00, 0x27, 0x10, 0x02, 0x00, 0x00, 0x00}, beats[0].Data)
}

func TestSnapshotFreshnessExpires(t *testing.T) {
	sess, pcs := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	require.Eventually(t, func() bool {
		_, _, fresh := sess.DC()
		return fresh
	}, time.Second, 10*time.Millisecond)

	pcs.Stop()
	require.Eventually(t, func() bool {
		_, _, fresh := sess.DC()
		return !fresh
	}, 2*time.Second, 20*time.Millisecond, "dc_voltage should go stale")

	// 值和时间戳保留, 仅新鲜度失效
	dc, at, _ := sess.DC()
	assert.NotZero(t, dc.Voltage)
	assert.False(t, at.IsZero())
}

func TestDegradedOnRxSilence(t *testing.T) {
	sess, pcs := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	pcs.Stop()
	require.Eventually(t, func() bool {
		return sess.State() == StateDegraded
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCommandTimeoutWithoutPeer(t *testing.T) {
	hub := t.Name()
	logger := zap.NewNop()

	// 对端只发一帧状态让会话进入 CONNECTED, 不应答任何命令
	peer := canbus.NewVirtual(hub, logger)
	require.NoError(t, peer.Open())
	t.Cleanup(func() { _ = peer.Close() })

	sessBus := canbus.NewVirtual(hub, logger)
	require.NoError(t, sessBus.Open())
	cfg := testConfig()
	cfg.CommandTimeout = 200 * time.Millisecond
	sess, err := New(sessBus, cfg, logger)
	require.NoError(t, err)
	sess.Start()
	t.Cleanup(func() { _ = sess.Close() })

	var status [8]byte
	binary.BigEndian.PutUint16(status[0:], uint16(ystech.StateStandby))
	require.NoError(t, peer.Send(ystech.RxID(0x13, ystech.PCSDefaultAddr), status[:]))
	waitConnected(t, sess)

	start := time.Now()
	err = sess.Enable()
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	// 超时后登记表已清空, 重发不会 Busy
	err = sess.Enable()
	assert.ErrorIs(t, err, ErrCommandTimeout)
}

func TestCommandsRejectedWhenDisconnected(t *testing.T) {
	bus := canbus.NewVirtual(t.Name(), zap.NewNop())
	require.NoError(t, bus.Open())
	sess, err := New(bus, testConfig(), zap.NewNop())
	require.NoError(t, err)
	sess.Start()
	t.Cleanup(func() { _ = sess.Close() })

	assert.ErrorIs(t, sess.Enable(), ErrNotConnected)
	_, err = sess.ReadFirmwareVersion()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReadFirmwareVersionAndProtectionParams(t *testing.T) {
	sess, _ := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	info, err := sess.ReadFirmwareVersion()
	require.NoError(t, err)
	assert.Equal(t, ystech.VersionInfo{HwV: 1, HwB: 2, HwD: 3, SwV: 2, SwB: 1, SwD: 38}, info)

	// DSP 版本帧随后到达快照
	require.Eventually(t, func() bool {
		_, at, _ := sess.DSPVersion()
		return !at.IsZero()
	}, time.Second, 10*time.Millisecond)

	pp, err := sess.ReadProtectionParams(0x01)
	require.NoError(t, err)
	pp1, ok := pp.(ystech.ProtectionParams1)
	require.True(t, ok)
	assert.InDelta(t, 800.0, pp1.MaxOutputVoltage, 1e-9)
	assert.InDelta(t, 150.0, pp1.MaxChargeCurrent, 1e-9)

	pp, err = sess.ReadProtectionParams(0x03)
	require.NoError(t, err)
	pp3, ok := pp.(ystech.ProtectionParams3)
	require.True(t, ok)
	assert.InDelta(t, 55.0, pp3.DischargeFreqUpper, 1e-9)
}

func TestSubscriberPanicContained(t *testing.T) {
	sess, _ := startPair(t, t.Name(), testConfig(), testSimConfig())

	var mu sync.Mutex
	seen := 0
	sess.Subscribe(func(pf byte, value interface{}) {
		panic("subscriber misbehaving")
	})
	sess.Subscribe(func(pf byte, value interface{}) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	waitConnected(t, sess)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen > 5
	}, 2*time.Second, 10*time.Millisecond, "pump must survive panicking subscriber")
	assert.NotEqual(t, StateClosed, sess.State())
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	sess, _ := startPair(t, t.Name(), testConfig(), testSimConfig())
	waitConnected(t, sess)

	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosed, sess.State())
	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosed, sess.State())

	assert.ErrorIs(t, sess.Enable(), ErrNotConnected)
}

func TestFrameHookSeesBothDirections(t *testing.T) {
	sess, _ := startPair(t, t.Name(), testConfig(), testSimConfig())

	hook := &captureHook{}
	sess.AddFrameHook(hook)
	waitConnected(t, sess)

	require.Eventually(t, func() bool {
		rx, tx := hook.counts()
		return rx > 5 && tx > 5
	}, 2*time.Second, 10*time.Millisecond)
}

type captureHook struct {
	mu sync.Mutex
	rx int
	tx int
}

func (h *captureHook) OnFrame(direction string, id uint32, data []byte, ts time.Time, decoded interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if direction == "RX" {
		h.rx++
	} else {
		h.tx++
	}
}

func (h *captureHook) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rx, h.tx
}

func TestConfigValidation(t *testing.T) {
	bus := canbus.NewVirtual(t.Name(), zap.NewNop())
	cfg := testConfig()
	cfg.RxTimeout = -1 * time.Second
	_, err := New(bus, cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
