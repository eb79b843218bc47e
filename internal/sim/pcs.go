package sim

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pcs-gateway/internal/canbus"
	"pcs-gateway/internal/protocol/ystech"
)

// 模拟 PCS 设备: 在虚拟总线上扮演协议对端。
// 每个周期发布 0x11..0x16/0x39 状态帧; 命令在下一拍回 ACK;
// 观测到心跳饥饿 (默认 >5s) 则锁存 CAN1 故障并停机,
// 仅在停止状态下通过故障清除命令解除。

// Config 模拟器参数
type Config struct {
	PCSAddr          byte
	TickPeriod       time.Duration // 周期帧间隔, 默认 200ms
	NoisePct         float64       // 测量噪声幅度 (%), 默认 0.5
	HeartbeatTimeout time.Duration // 心跳饥饿阈值, 默认 5s
	Seed             int64
}

// DefaultConfig 模拟器默认参数
func DefaultConfig() Config {
	return Config{
		PCSAddr:          ystech.PCSDefaultAddr,
		TickPeriod:       200 * time.Millisecond,
		NoisePct:         0.5,
		HeartbeatTimeout: 5 * time.Second,
		Seed:             1,
	}
}

// PCS 模拟的 PCS 设备
type PCS struct {
	cfg    Config
	bus    canbus.Bus
	logger *zap.Logger

	stopping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  sync.Once
	stopped  sync.Once

	mu            sync.Mutex
	rng           *rand.Rand
	runningState  ystech.RunningState
	workingMode   ystech.WorkingMode
	faultCode     uint16
	converting    bool
	lastHeartbeat time.Time
	pending       []ystech.PFPayload // 下一拍发送的命令应答

	// 模拟测量
	dcVoltage  float64
	dcCurrent  float64
	dcPower    float64
	inletTemp  float64
	outletTemp float64
	capacity   float64
	energy     float64
	gridV      [3]float64
	gridI      [3]float64
	powerFact  float64
	frequency  float64
	activeP    float64
	reactiveP  float64
	apparentP  float64

	// 保护参数
	prot1 ystech.ProtectionParams1
	prot2 ystech.ProtectionParams2
	prot3 ystech.ProtectionParams3
}

// New 创建模拟 PCS。bus 需已打开。
func New(bus canbus.Bus, cfg Config, logger *zap.Logger) *PCS {
	def := DefaultConfig()
	if cfg.PCSAddr == 0 {
		cfg.PCSAddr = def.PCSAddr
	}
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = def.TickPeriod
	}
	if cfg.NoisePct == 0 {
		cfg.NoisePct = def.NoisePct
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.Seed == 0 {
		cfg.Seed = def.Seed
	}
	return &PCS{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		stopCh:       make(chan struct{}),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		runningState: ystech.StateStandby,
		workingMode:  ystech.ModeIdle,
		dcVoltage:    400.0,
		inletTemp:    35.0,
		outletTemp:   40.0,
		gridV:        [3]float64{230.0, 230.0, 230.0},
		powerFact:    0.98,
		frequency:    50.0,
		prot1: ystech.ProtectionParams1{
			MaxOutputVoltage: 800.0, MinOutputVoltage: 50.0,
			MaxChargeCurrent: 150.0, MaxDischargeCurrent: 150.0,
		},
		prot2: ystech.ProtectionParams2{
			MaxChargePower: 120.0, MaxDischargePower: 120.0,
			ACVoltageUpper: 264.0, ACVoltageLower: 176.0,
		},
		prot3: ystech.ProtectionParams3{
			DischargeFreqUpper: 55.0, ChargeFreqLower: 45.0,
			ACFreqUpper: 55.0, ACFreqLower: 45.0,
		},
	}
}

// Start 启动接收泵与周期帧循环
func (p *PCS) Start() {
	p.started.Do(func() {
		p.mu.Lock()
		p.lastHeartbeat = time.Now() // 以上电时刻为基准
		p.mu.Unlock()
		p.wg.Add(2)
		go p.rxLoop()
		go p.tickLoop()
		p.logger.Info("[SimPCS] Started",
			zap.Uint8("addr", p.cfg.PCSAddr),
			zap.Duration("tick", p.cfg.TickPeriod))
	})
}

// Stop 停止模拟器并回收线程
func (p *PCS) Stop() {
	p.stopped.Do(func() {
		p.stopping.Store(true)
		close(p.stopCh)
		_ = p.bus.Close()
		p.wg.Wait()
		p.logger.Info("[SimPCS] Stopped")
	})
}

// FaultCode 当前锁存的故障码
func (p *PCS) FaultCode() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faultCode
}

// RunningState 当前运行状态
func (p *PCS) RunningState() ystech.RunningState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningState
}

// WorkingMode 当前工作模式
func (p *PCS) WorkingMode() ystech.WorkingMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workingMode
}

func (p *PCS) rxLoop() {
	defer p.wg.Done()
	for !p.stopping.Load() {
		frame, err := p.bus.Recv(50 * time.Millisecond)
		if err != nil {
			if p.stopping.Load() {
				return
			}
			continue
		}
		if frame == nil {
			continue
		}
		if !frame.Extended {
			continue
		}
		id := ystech.ParseCANID(frame.ID)
		if !id.IsToPCS(p.cfg.PCSAddr) {
			continue
		}
		p.handleCommand(id.PF, frame.Data)
	}
}

func (p *PCS) tickLoop() {
	defer p.wg.Done()
	next := time.Now()
	for {
		next = next.Add(p.cfg.TickPeriod)
		wait := time.Until(next)
		if wait > 0 {
			select {
			case <-p.stopCh:
				return
			case <-time.After(wait):
			}
		} else {
			select {
			case <-p.stopCh:
				return
			default:
			}
		}
		p.checkHeartbeatStarvation()
		p.flushPending()
		p.sendPeriodicFrames()
	}
}

func (p *PCS) checkHeartbeatStarvation() {
	p.mu.Lock()
	starved := time.Since(p.lastHeartbeat) > p.cfg.HeartbeatTimeout
	already := p.faultCode == ystech.FaultCAN1
	if starved && !already {
		p.faultCode = ystech.FaultCAN1
		p.runningState = ystech.StateFault
		p.converting = false
		p.dcCurrent = 0
	}
	p.mu.Unlock()
	if starved && !already {
		p.logger.Warn("[SimPCS] Heartbeat starvation, latching CAN1 fault",
			zap.Duration("timeout", p.cfg.HeartbeatTimeout))
	}
}

func (p *PCS) flushPending() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, f := range pending {
		p.send(f.PF, f.Data[:])
	}
}

// queueReply 命令应答延迟到下一拍发送
func (p *PCS) queueReply(pf byte, data ystech.Payload) {
	p.mu.Lock()
	p.pending = append(p.pending, ystech.PFPayload{PF: pf, Data: data})
	p.mu.Unlock()
}

func (p *PCS) send(pf byte, data []byte) {
	id := ystech.RxID(pf, p.cfg.PCSAddr)
	if err := p.bus.Send(id, data); err != nil {
		p.logger.Debug("[SimPCS] TX failed", zap.Error(err))
	}
}

// noise 给测量值叠加小幅随机噪声
func (p *PCS) noise(value float64) float64 {
	return value + value*(p.rng.Float64()*2-1)*p.cfg.NoisePct/100
}

func ack() ystech.Payload {
	var d ystech.Payload
	d[0] = 0x01
	return d
}

func nack() ystech.Payload {
	var d ystech.Payload
	return d
}

func typedAck(dataType byte) ystech.Payload {
	var d ystech.Payload
	d[0] = dataType
	d[1] = 0x01
	return d
}

func (p *PCS) handleCommand(pf byte, data []byte) {
	switch pf {
	case 0x1A: // 心跳: 仅作为链路存活信号
		p.mu.Lock()
		p.lastHeartbeat = time.Now()
		p.mu.Unlock()

	case 0x01: // 读保护参数
		if len(data) < 1 {
			return
		}
		p.mu.Lock()
		prot1, prot2, prot3 := p.prot1, p.prot2, p.prot3
		p.mu.Unlock()
		switch data[0] {
		case 0x01:
			var d ystech.Payload
			binary.BigEndian.PutUint16(d[0:], uint16(prot1.MaxOutputVoltage/0.1))
			binary.BigEndian.PutUint16(d[2:], uint16(prot1.MinOutputVoltage/0.1))
			binary.BigEndian.PutUint16(d[4:], uint16(prot1.MaxChargeCurrent/0.1))
			binary.BigEndian.PutUint16(d[6:], uint16(prot1.MaxDischargeCurrent/0.1))
			p.queueReply(0x02, d)
		case 0x02:
			var d ystech.Payload
			binary.BigEndian.PutUint16(d[0:], uint16(prot2.MaxChargePower/0.1))
			binary.BigEndian.PutUint16(d[2:], uint16(prot2.MaxDischargePower/0.1))
			binary.BigEndian.PutUint16(d[4:], uint16(prot2.ACVoltageUpper/0.1))
			binary.BigEndian.PutUint16(d[6:], uint16(prot2.ACVoltageLower/0.1))
			p.queueReply(0x03, d)
		case 0x03:
			var d ystech.Payload
			binary.BigEndian.PutUint16(d[0:], uint16(prot3.DischargeFreqUpper/0.1))
			binary.BigEndian.PutUint16(d[2:], uint16(prot3.ChargeFreqLower/0.1))
			d[4] = byte(prot3.ACFreqUpper)
			d[5] = byte(prot3.ACFreqLower)
			p.queueReply(0x04, d)
		}

	case 0x05: // 设置保护参数 1
		if pp, err := ystech.DecodeProtectionParams1(data); err == nil {
			p.mu.Lock()
			p.prot1 = pp
			p.mu.Unlock()
			p.queueReply(0x08, typedAck(0x01))
		}

	case 0x06, 0x07:
		if len(data) < 1 {
			return
		}
		p.queueReply(0x08, typedAck(data[0]))

	case 0x09: // 设置时间
		p.queueReply(0x0A, ack())

	case 0x0B: // 设置工作模式: 要求停止状态
		report, err := ystech.DecodeModeReport(0x0B, data)
		if err != nil || report.Raw != nil {
			p.queueReply(0x0E, nack())
			return
		}
		p.mu.Lock()
		running := p.converting
		if !running {
			p.workingMode = report.Mode
		}
		p.mu.Unlock()
		if running {
			p.logger.Warn("[SimPCS] Mode change refused while converting",
				zap.String("mode", report.Mode.String()))
			p.queueReply(0x0E, nack())
			return
		}
		p.queueReply(0x0E, ack())

	case 0x0C, 0x0D: // 模式参数
		p.mu.Lock()
		running := p.converting
		p.mu.Unlock()
		if running {
			p.queueReply(0x0E, nack())
			return
		}
		p.queueReply(0x0E, ack())

	case 0x0F: // 启停 / 故障清除 / 上电自启动
		v, err := ystech.DecodeControlVector(data)
		if err != nil {
			return
		}
		p.mu.Lock()
		switch {
		case v.ClearFault():
			// 故障清除仅在停止状态下生效, 不触发启停
			if !p.converting {
				p.faultCode = 0
				if p.runningState == ystech.StateFault {
					p.runningState = ystech.StateStandby
				}
				// 心跳饥饿计时从清除时刻重新开始
				p.lastHeartbeat = time.Now()
			}
		case v.Start():
			if p.faultCode == 0 {
				p.converting = true
				p.runningState = p.stateForMode()
				if p.dcCurrent == 0 {
					p.dcCurrent = 50.0
				}
			}
		default:
			p.converting = false
			p.runningState = ystech.StateStandby
			p.dcCurrent = 0
		}
		p.mu.Unlock()
		p.queueReply(0x10, ack())

	case 0x1D: // 读特殊数据
		if len(data) < 1 {
			return
		}
		switch data[0] {
		case 0x0A: // 版本信息
			version := ystech.Payload{1, 2, 3, 2, 1, 38, 0, 0}
			p.queueReply(0x34, version)
			p.queueReply(0x35, version)
		case 0x0B: // 当前工作模式
			p.mu.Lock()
			mode := p.workingMode
			p.mu.Unlock()
			var d ystech.Payload
			binary.BigEndian.PutUint16(d[0:], uint16(mode))
			p.queueReply(0x36, d)
		default:
			p.queueReply(0x1C, typedAck(data[0]))
		}
	}
}

// stateForMode 启动后按工作模式进入对应的运行状态
func (p *PCS) stateForMode() ystech.RunningState {
	switch p.workingMode {
	case ystech.ModeACConstantPower:
		return ystech.StateACConstantPower
	case ystech.ModeIndependentInverter:
		return ystech.StateOffGridInverter
	case ystech.ModeDCConstantCurrent, ystech.ModeDCCCCV:
		return ystech.StateConstantCurrent
	default:
		return ystech.StateConstantVoltage
	}
}

func (p *PCS) sendPeriodicFrames() {
	p.mu.Lock()
	if p.converting {
		p.dcCurrent = p.noise(p.dcCurrent)
		p.dcPower = p.dcVoltage * p.dcCurrent / 1000.0
		p.activeP = p.dcPower * 0.97
		p.apparentP = abs(p.activeP) * 1.02
		p.inletTemp = p.noise(35.0 + abs(p.dcCurrent)*0.05)
		p.outletTemp = p.inletTemp + 5.0
		p.capacity += abs(p.dcCurrent) * p.cfg.TickPeriod.Seconds() / 3600
		p.energy += abs(p.dcPower) * 1000 * p.cfg.TickPeriod.Seconds() / 3600
		base := abs(p.activeP) * 1000 / 230 / 3
		p.gridI = [3]float64{p.noise(base), p.noise(base), p.noise(base)}
	}

	dcV := p.noise(p.dcVoltage)
	dcI := p.dcCurrent
	dcP := p.noise(p.dcPower)
	inT := p.noise(p.inletTemp)
	outT := p.noise(p.outletTemp)
	capacity, energy := p.capacity, p.energy
	state, fault := p.runningState, p.faultCode
	gridV, gridI := p.gridV, p.gridI
	pf, freq := p.powerFact, p.frequency
	ap, rp, sp := p.noise(p.activeP), p.reactiveP, p.noise(p.apparentP)
	p.mu.Unlock()

	var d ystech.Payload

	// 0x11: 直流数据 (电流偏移 +1000A)
	binary.BigEndian.PutUint16(d[0:], uint16(dcV/0.1))
	binary.BigEndian.PutUint16(d[2:], uint16((dcI+1000.0)/0.1))
	binary.BigEndian.PutUint16(d[4:], uint16(dcP/0.1))
	binary.BigEndian.PutUint16(d[6:], uint16((inT+50.0)/0.1))
	p.send(0x11, d[:])

	// 0x12: 容量/能量
	d = ystech.Payload{}
	binary.BigEndian.PutUint16(d[0:], uint16(capacity/0.1))
	binary.BigEndian.PutUint32(d[2:], uint32(energy/0.1))
	binary.BigEndian.PutUint16(d[6:], uint16((outT+50.0)/0.1))
	p.send(0x12, d[:])

	// 0x13: 运行状态 + 故障码
	d = ystech.Payload{}
	binary.BigEndian.PutUint16(d[0:], uint16(state))
	binary.BigEndian.PutUint16(d[2:], fault)
	p.send(0x13, d[:])

	// 0x14: 电网电压
	d = ystech.Payload{}
	binary.BigEndian.PutUint16(d[0:], uint16(p.noiseOf(gridV[0])/0.1))
	binary.BigEndian.PutUint16(d[2:], uint16(p.noiseOf(gridV[1])/0.1))
	binary.BigEndian.PutUint16(d[4:], uint16(p.noiseOf(gridV[2])/0.1))
	p.send(0x14, d[:])

	// 0x15: 电网电流 + 功率因数
	d = ystech.Payload{}
	binary.BigEndian.PutUint16(d[0:], uint16(gridI[0]/0.1))
	binary.BigEndian.PutUint16(d[2:], uint16(gridI[1]/0.1))
	binary.BigEndian.PutUint16(d[4:], uint16(gridI[2]/0.1))
	binary.BigEndian.PutUint16(d[6:], uint16(int16(pf/0.1)))
	p.send(0x15, d[:])

	// 0x16: 系统功率
	d = ystech.Payload{}
	binary.BigEndian.PutUint16(d[0:], uint16(abs(ap)/0.1))
	binary.BigEndian.PutUint16(d[2:], uint16(abs(rp)/0.1))
	binary.BigEndian.PutUint16(d[4:], uint16(abs(sp)/0.1))
	binary.BigEndian.PutUint16(d[6:], uint16(freq/0.1))
	p.send(0x16, d[:])

	// 0x39: 高分辨率直流数据
	d = ystech.Payload{}
	binary.BigEndian.PutUint32(d[0:], uint32(dcV/0.001))
	binary.BigEndian.PutUint32(d[4:], uint32((dcI+1000.0)/0.001))
	p.send(0x39, d[:])
}

func (p *PCS) noiseOf(v float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noise(v)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
