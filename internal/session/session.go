package session

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pcs-gateway/internal/canbus"
	"pcs-gateway/internal/protocol/ystech"
)

// 会话控制器: 持有一个总线适配器, 运行接收泵与 200ms 心跳,
// 维护请求/应答登记表和设备状态快照, 向上提供高层命令。
//
// 锁纪律: 快照、lastRx、应答登记表由同一把互斥锁保护;
// 会话状态字单独用原子量, 读取无需持锁; 任何持锁路径不做 Send。

// State 会话状态机
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateDegraded
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateFaulted:
		return "FAULTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

const (
	recvPollInterval = 100 * time.Millisecond
	statePollStep    = 50 * time.Millisecond
	joinDeadline     = 2 * time.Second

	// busOffLimit / busOffWindow: 10s 内 3 次 bus-off 进入 FAULTED
	busOffLimit  = 3
	busOffWindow = 10 * time.Second

	// hbFailLimit 连续心跳发送失败 2 次降级
	hbFailLimit = 2

	// 心跳发送链路健康阈值: 超过 1s 视为降级, 超过 5s 视为失效
	// (PCS 侧同样以 5s 无数据锁存 CAN1 故障)
	hbDegradedAfter = time.Second
	hbFailedAfter   = 5 * time.Second
)

// Config 会话配置
type Config struct {
	PCSAddr             byte
	RxTimeout           time.Duration // 降级阈值, 默认 1s
	CommandTimeout      time.Duration // 应答等待, 默认 3s
	HeartbeatPeriod     time.Duration // 心跳周期, 默认 200ms
	FreshWindow         time.Duration // 快照新鲜度窗口, 默认 1s
	ReconnectBackoffCap time.Duration // 重连退避上限, 默认 5s
	Heartbeat           *ystech.HeartbeatData
}

// DefaultConfig 协议默认参数
func DefaultConfig() Config {
	return Config{
		PCSAddr:             ystech.PCSDefaultAddr,
		RxTimeout:           time.Second,
		CommandTimeout:      3 * time.Second,
		HeartbeatPeriod:     200 * time.Millisecond,
		FreshWindow:         time.Second,
		ReconnectBackoffCap: 5 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.RxTimeout <= 0 || c.CommandTimeout <= 0 || c.HeartbeatPeriod <= 0 ||
		c.FreshWindow <= 0 || c.ReconnectBackoffCap <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// FrameHook 每帧回调 (录制/旁路消费), 在收发线程上同步执行
type FrameHook interface {
	OnFrame(direction string, id uint32, data []byte, ts time.Time, decoded interface{})
}

// Callback 解码回调, 在接收泵线程上执行, 不得阻塞
type Callback func(pf byte, value interface{})

// Session PCS 会话
type Session struct {
	cfg    Config
	bus    canbus.Bus
	logger *zap.Logger

	state    atomic.Int32
	stopping atomic.Bool
	hbPaused atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   sync.Once

	// mu 同时保护快照、lastRx 与应答登记表
	mu          sync.Mutex
	snap        map[byte]stamped
	lastRx      time.Time
	waiters     map[byte]chan *ystech.Decoded
	lastControl ystech.ControlVector
	callbacks   []Callback
	hooks       []FrameHook

	busOffAt  []time.Time
	hbFails   int
	lastHBTx  time.Time
	hbTxTotal uint64
}

// New 创建会话 (未启动)。总线需已打开。
func New(bus canbus.Bus, cfg Config, logger *zap.Logger) (*Session, error) {
	def := DefaultConfig()
	if cfg.PCSAddr == 0 {
		cfg.PCSAddr = def.PCSAddr
	}
	if cfg.RxTimeout == 0 {
		cfg.RxTimeout = def.RxTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = def.HeartbeatPeriod
	}
	if cfg.FreshWindow == 0 {
		cfg.FreshWindow = def.FreshWindow
	}
	if cfg.ReconnectBackoffCap == 0 {
		cfg.ReconnectBackoffCap = def.ReconnectBackoffCap
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		stopCh:  make(chan struct{}),
		snap:    map[byte]stamped{},
		waiters: map[byte]chan *ystech.Decoded{},
	}
	s.state.Store(int32(StateDisconnected))
	return s, nil
}

// State 当前会话状态 (原子读)
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State, reason string) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Info("[Session] State changed",
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
			zap.String("reason", reason))
	}
}

// transition 仅当当前状态等于 from 时切换
func (s *Session) transition(from, to State, reason string) bool {
	if s.state.CompareAndSwap(int32(from), int32(to)) {
		s.logger.Info("[Session] State changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("reason", reason))
		return true
	}
	return false
}

// Start 启动接收泵与心跳循环
func (s *Session) Start() {
	s.wg.Add(2)
	go s.rxPump()
	go s.heartbeatLoop()
	s.logger.Info("[Session] Started",
		zap.Uint8("pcs_addr", s.cfg.PCSAddr),
		zap.Duration("heartbeat_period", s.cfg.HeartbeatPeriod))
}

// Close 停止后台线程并关闭总线。幂等; 终态 CLOSED。
func (s *Session) Close() error {
	s.closed.Do(func() {
		s.stopping.Store(true)
		close(s.stopCh)
		// 先关总线: recv 以 Closed 解除阻塞
		_ = s.bus.Close()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(joinDeadline):
			s.logger.Warn("[Session] Background threads did not exit within deadline")
		}
		s.setState(StateClosed, "close")
		s.logger.Info("[Session] Closed")
	})
	return nil
}

// Subscribe 注册解码回调。回调在接收泵线程执行, 不得阻塞;
// 回调 panic 被捕获并以 WARNING 记录, 不影响接收泵。
func (s *Session) Subscribe(cb Callback) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// AddFrameHook 注册每帧钩子 (录制器等)
func (s *Session) AddFrameHook(h FrameHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// PauseHeartbeat 暂停心跳发送 (维护场景)。超过 5s 会触发 PCS 的 CAN1 故障。
func (s *Session) PauseHeartbeat() { s.hbPaused.Store(true) }

// ResumeHeartbeat 恢复心跳发送
func (s *Session) ResumeHeartbeat() { s.hbPaused.Store(false) }

// ---------------------------------------------------------------------------
// 后台循环
// ---------------------------------------------------------------------------

func (s *Session) rxPump() {
	defer s.wg.Done()
	for !s.stopping.Load() {
		frame, err := s.bus.Recv(recvPollInterval)
		if err != nil {
			if s.stopping.Load() {
				return
			}
			s.handleRecvError(err)
			continue
		}
		if frame == nil {
			// 期限内无帧: 静默检查
			s.mu.Lock()
			silent := !s.lastRx.IsZero() && time.Since(s.lastRx) > s.cfg.RxTimeout
			s.mu.Unlock()
			if silent {
				if s.transition(StateConnected, StateDegraded, "rx silence") {
					s.logger.Warn("[Session] No frames from PCS",
						zap.Duration("rx_timeout", s.cfg.RxTimeout))
				}
			}
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleRecvError(err error) {
	switch {
	case errors.Is(err, canbus.ErrClosed):
		s.logger.Warn("[Session] Bus closed, reconnecting")
		if rerr := s.bus.Reconnect(s.stopCh); rerr != nil {
			return
		}
	case errors.Is(err, canbus.ErrBusOff):
		s.recordBusOff()
		if rerr := s.bus.Reconnect(s.stopCh); rerr != nil {
			return
		}
	default:
		// 瞬时接收错误: 丢弃继续
		s.logger.Debug("[Session] Recv error", zap.Error(err))
	}
}

func (s *Session) recordBusOff() {
	now := time.Now()
	s.mu.Lock()
	keep := s.busOffAt[:0]
	for _, at := range s.busOffAt {
		if now.Sub(at) <= busOffWindow {
			keep = append(keep, at)
		}
	}
	s.busOffAt = append(keep, now)
	recent := len(s.busOffAt)
	s.mu.Unlock()
	s.logger.Warn("[Session] Bus off", zap.Int("recent", recent))
	if recent >= busOffLimit {
		s.setState(StateFaulted, "repeated bus off")
	}
}

func (s *Session) handleFrame(frame *canbus.Frame) {
	if !frame.Extended {
		return
	}
	id := ystech.ParseCANID(frame.ID)
	if !id.IsFromPCS(s.cfg.PCSAddr) {
		s.logger.Debug("[Session] Dropping frame with foreign addressing",
			zap.Uint32("can_id", frame.ID),
			zap.Uint8("sa", id.SA), zap.Uint8("ps", id.PS))
		return
	}

	decoded, err := ystech.DecodeRx(id.PF, frame.Data)
	if err != nil {
		// 解码失败只丢弃该帧, 接收泵继续
		s.logger.Debug("[Session] Dropping undecodable frame",
			zap.Uint32("can_id", frame.ID),
			zap.String("pf", ystech.PFName(id.PF)),
			zap.Error(err))
		s.notifyHooks("RX", frame.ID, frame.Data, frame.Timestamp, nil)
		return
	}

	var faulted bool
	s.mu.Lock()
	s.snap[id.PF] = stamped{value: decoded.Value, at: frame.Timestamp}
	s.lastRx = frame.Timestamp
	if st, ok := decoded.Value.(ystech.StatusData); ok && st.FaultCode == ystech.FaultCAN1 {
		faulted = true
	}
	waiter := s.waiters[id.PF]
	cbs := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	// 首帧建立连接; 降级恢复
	s.transition(StateDisconnected, StateConnected, "first rx")
	s.transition(StateDegraded, StateConnected, "rx resumed")
	if faulted {
		s.setState(StateFaulted, "pcs reported CAN1 fault")
	}

	if waiter != nil {
		select {
		case waiter <- decoded:
		default:
		}
	}

	s.notifyHooks("RX", frame.ID, frame.Data, frame.Timestamp, decoded.Value)
	for _, cb := range cbs {
		s.safeCallback(cb, id.PF, decoded.Value)
	}
}

func (s *Session) safeCallback(cb Callback, pf byte, value interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("[Session] Subscriber callback panicked",
				zap.Any("recover", r),
				zap.String("pf", ystech.PFName(pf)),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	cb(pf, value)
}

func (s *Session) notifyHooks(direction string, id uint32, data []byte, ts time.Time, decoded interface{}) {
	s.mu.Lock()
	hooks := append([]FrameHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		h.OnFrame(direction, id, data, ts, decoded)
	}
}

// heartbeatLoop 心跳循环: 按单调时刻推进 (prev + period), 不随发送耗时漂移。
// 发送失败记 WARNING 但不退避, 下一拍照常尝试; 连续两次失败降级。
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	next := time.Now()
	for {
		next = next.Add(s.cfg.HeartbeatPeriod)
		wait := time.Until(next)
		if wait > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(wait):
			}
		} else {
			select {
			case <-s.stopCh:
				return
			default:
			}
		}
		if s.hbPaused.Load() {
			continue
		}
		if err := s.sendHeartbeat(); err != nil {
			s.logger.Warn("[Session] Heartbeat send failed", zap.Error(err))
			s.mu.Lock()
			s.hbFails++
			fails := s.hbFails
			s.mu.Unlock()
			if fails >= hbFailLimit {
				s.transition(StateConnected, StateDegraded, "heartbeat send failures")
			}
			continue
		}
		s.mu.Lock()
		s.hbFails = 0
		s.lastHBTx = time.Now()
		s.hbTxTotal++
		s.mu.Unlock()
	}
}

func (s *Session) sendHeartbeat() error {
	payload, err := ystech.EncodeHeartbeat(s.cfg.Heartbeat)
	if err != nil {
		return err
	}
	return s.send(0x1A, payload)
}

// HeartbeatStats 成功发送的心跳总数与最近一次成功发送距今时长
func (s *Session) HeartbeatStats() (total uint64, sinceLast time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHBTx.IsZero() {
		return s.hbTxTotal, 0, false
	}
	return s.hbTxTotal, time.Since(s.lastHBTx), true
}

// HeartbeatLinkDegraded 距最近一次成功心跳发送超过 1s
func (s *Session) HeartbeatLinkDegraded() bool {
	_, since, ok := s.HeartbeatStats()
	return ok && since > hbDegradedAfter
}

// HeartbeatLinkFailed 距最近一次成功心跳发送超过 5s,
// PCS 侧此时已锁存 CAN1 故障
func (s *Session) HeartbeatLinkFailed() bool {
	_, since, ok := s.HeartbeatStats()
	return ok && since > hbFailedAfter
}

// send 向 PCS 发送一帧并通知钩子。适配层内部已做一次瞬时重试,
// 这里对仍然浮出的瞬时错误再补一次。
func (s *Session) send(pf byte, payload ystech.Payload) error {
	id := ystech.TxID(pf, s.cfg.PCSAddr)
	err := s.bus.Send(id, payload[:])
	var te *canbus.TransientError
	if errors.As(err, &te) {
		err = s.bus.Send(id, payload[:])
	}
	if err != nil {
		if errors.Is(err, canbus.ErrBusOff) {
			s.recordBusOff()
		}
		return err
	}
	s.notifyHooks("TX", id, payload[:], time.Now(), nil)
	return nil
}

// ---------------------------------------------------------------------------
// 请求/应答
// ---------------------------------------------------------------------------

// command 发送一组帧并等待 replyPF 的应答。
// 每个 PF 同时只允许一个在途请求; 超时移除登记, 不自动重发。
func (s *Session) command(frames []ystech.PFPayload, replyPF byte) (*ystech.Decoded, error) {
	switch s.State() {
	case StateClosed:
		return nil, ErrNotConnected
	case StateDisconnected:
		return nil, ErrNotConnected
	}

	ch := make(chan *ystech.Decoded, 1)
	s.mu.Lock()
	if _, busy := s.waiters[replyPF]; busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.waiters[replyPF] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.waiters[replyPF] == ch {
			delete(s.waiters, replyPF)
		}
		s.mu.Unlock()
	}()

	for _, f := range frames {
		if err := s.send(f.PF, f.Data); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case decoded := <-ch:
		return decoded, nil
	case <-timer.C:
		s.logger.Warn("[Session] Command timed out",
			zap.String("reply_pf", ystech.PFName(replyPF)),
			zap.Duration("timeout", s.cfg.CommandTimeout))
		return nil, ErrCommandTimeout
	case <-s.stopCh:
		return nil, ErrNotConnected
	}
}

func ackOf(decoded *ystech.Decoded) bool {
	reply, ok := decoded.Value.(ystech.SetReply)
	return ok && reply.Acknowledged
}

// waitForStatus 在 deadline 前轮询快照直到谓词满足
func (s *Session) waitForStatus(deadline time.Time, pred func(ystech.StatusData) bool) bool {
	for {
		st, at, _ := s.Status()
		if !at.IsZero() && pred(st) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-s.stopCh:
			return false
		case <-time.After(statePollStep):
		}
	}
}

func (s *Session) controlFrame(change ystech.ControlChange) (ystech.PFPayload, error) {
	s.mu.Lock()
	prev := s.lastControl
	s.mu.Unlock()
	payload, next, err := ystech.EncodeControl(&prev, change)
	if err != nil {
		return ystech.PFPayload{}, err
	}
	s.mu.Lock()
	s.lastControl = next
	s.mu.Unlock()
	return ystech.PFPayload{PF: 0x0F, Data: payload}, nil
}

// ---------------------------------------------------------------------------
// 高层命令
// ---------------------------------------------------------------------------

// Enable 启动 PCS。ACK 之后还要求运行状态在期限内进入软启动/运行。
func (s *Session) Enable() error {
	deadline := time.Now().Add(s.cfg.CommandTimeout)
	frame, err := s.controlFrame(ystech.ControlStart)
	if err != nil {
		return err
	}
	decoded, err := s.command([]ystech.PFPayload{frame}, 0x10)
	if err != nil {
		return err
	}
	if !ackOf(decoded) {
		return &CommandRejectedError{Reason: "start command not acknowledged"}
	}
	if !s.waitForStatus(deadline, func(st ystech.StatusData) bool {
		return st.RunningState == ystech.StateSoftStart || st.RunningState.Converting()
	}) {
		return &CommandRejectedError{Reason: "PCS did not enter running state"}
	}
	s.logger.Info("[Session] PCS enabled")
	return nil
}

// Disable 停止 PCS。ACK 且运行状态退出功率输出。
func (s *Session) Disable() error {
	deadline := time.Now().Add(s.cfg.CommandTimeout)
	frame, err := s.controlFrame(ystech.ControlStop)
	if err != nil {
		return err
	}
	decoded, err := s.command([]ystech.PFPayload{frame}, 0x10)
	if err != nil {
		return err
	}
	if !ackOf(decoded) {
		return &CommandRejectedError{Reason: "stop command not acknowledged"}
	}
	if !s.waitForStatus(deadline, func(st ystech.StatusData) bool {
		return !st.RunningState.Converting()
	}) {
		return &CommandRejectedError{Reason: "PCS did not stop"}
	}
	s.logger.Info("[Session] PCS disabled")
	return nil
}

// ResetFaults 清除故障。ACK 且故障码归零后会话离开 FAULTED。
func (s *Session) ResetFaults() error {
	deadline := time.Now().Add(s.cfg.CommandTimeout)
	frame, err := s.controlFrame(ystech.ControlClearFault)
	if err != nil {
		return err
	}
	decoded, err := s.command([]ystech.PFPayload{frame}, 0x10)
	if err != nil {
		return err
	}
	if !ackOf(decoded) {
		return &CommandRejectedError{Reason: "fault clear not acknowledged"}
	}
	if !s.waitForStatus(deadline, func(st ystech.StatusData) bool {
		return st.FaultCode == 0
	}) {
		return &CommandRejectedError{Reason: "fault code did not clear"}
	}
	// 故障清除后的控制向量: 清除位已被 PCS 消费, 设备处于停止状态
	s.mu.Lock()
	s.lastControl[0] = 0
	s.lastControl[1] = 0
	s.mu.Unlock()
	s.transition(StateFaulted, StateConnected, "faults cleared")
	s.logger.Info("[Session] Faults cleared")
	return nil
}

// SetMode 设置工作模式及参数。要求 PCS 处于停止状态, 否则拒绝且不发帧。
func (s *Session) SetMode(mode ystech.WorkingMode, params ...float64) error {
	st, at, _ := s.Status()
	if !at.IsZero() && st.RunningState.Converting() {
		return ErrModeChangeWhileRunning
	}
	frames, err := ystech.SetModeFrames(mode, params)
	if err != nil {
		return err
	}
	decoded, err := s.command(frames, 0x0E)
	if err != nil {
		return err
	}
	if !ackOf(decoded) {
		return &CommandRejectedError{Reason: "mode change not acknowledged"}
	}
	s.logger.Info("[Session] Working mode set",
		zap.String("mode", mode.String()),
		zap.Float64s("params", params))
	return nil
}

// ReadFirmwareVersion 读取 ARM 固件版本 (DSP 版本随后到达, 进入快照)
func (s *Session) ReadFirmwareVersion() (ystech.VersionInfo, error) {
	frames := []ystech.PFPayload{{PF: 0x1D, Data: ystech.EncodeReadSpecialData(0x0A)}}
	decoded, err := s.command(frames, 0x34)
	if err != nil {
		return ystech.VersionInfo{}, err
	}
	info, ok := decoded.Value.(ystech.VersionInfo)
	if !ok {
		return ystech.VersionInfo{}, &CommandRejectedError{Reason: "unexpected version reply"}
	}
	return info, nil
}

// ReadWorkingMode 读取当前工作模式
func (s *Session) ReadWorkingMode() (ystech.ModeReport, error) {
	frames := []ystech.PFPayload{{PF: 0x1D, Data: ystech.EncodeReadSpecialData(0x0B)}}
	decoded, err := s.command(frames, 0x36)
	if err != nil {
		return ystech.ModeReport{}, err
	}
	report, ok := decoded.Value.(ystech.ModeReport)
	if !ok {
		return ystech.ModeReport{}, &CommandRejectedError{Reason: "unexpected mode reply"}
	}
	return report, nil
}

// ReadProtectionParams 读取保护参数。paramType: 0x01/0x02/0x03。
// 返回 ProtectionParams1/2/3 之一。
func (s *Session) ReadProtectionParams(paramType byte) (interface{}, error) {
	replyPF, ok := map[byte]byte{0x01: 0x02, 0x02: 0x03, 0x03: 0x04}[paramType]
	if !ok {
		return nil, &CommandRejectedError{Reason: "unknown protection param type"}
	}
	frames := []ystech.PFPayload{{PF: 0x01, Data: ystech.EncodeReadProtectionParams(paramType)}}
	decoded, err := s.command(frames, replyPF)
	if err != nil {
		return nil, err
	}
	return decoded.Value, nil
}

// SetProtectionParams1 下发直流电压电流限值
func (s *Session) SetProtectionParams1(pp ystech.ProtectionParams1) error {
	payload, err := ystech.EncodeSetProtectionParams1(pp)
	if err != nil {
		return err
	}
	decoded, err := s.command([]ystech.PFPayload{{PF: 0x05, Data: payload}}, 0x08)
	if err != nil {
		return err
	}
	if !ackOf(decoded) {
		return &CommandRejectedError{Reason: "protection params not acknowledged"}
	}
	return nil
}

// SetDeviceTime 设置 PCS 设备时间
func (s *Session) SetDeviceTime(t time.Time) error {
	payload, err := ystech.EncodeSetTime(t.Year(), byte(t.Month()), byte(t.Day()),
		byte(t.Hour()), byte(t.Minute()), byte(t.Second()))
	if err != nil {
		return err
	}
	decoded, err := s.command([]ystech.PFPayload{{PF: 0x09, Data: payload}}, 0x0A)
	if err != nil {
		return err
	}
	if !ackOf(decoded) {
		return &CommandRejectedError{Reason: "set time not acknowledged"}
	}
	return nil
}
