package session

import (
	"time"

	"pcs-gateway/internal/protocol/ystech"
)

// 设备状态快照: 每个 RX 帧族保留最近一次解码结果与其总线时间戳。
// 更新以整条记录为单位, 不暴露半解码状态; 读取附带新鲜度判定。

type stamped struct {
	value interface{}
	at    time.Time
}

// read 返回指定 PF 的最近记录、时间戳与新鲜度 (默认窗口 1s)
func (s *Session) read(pf byte) (interface{}, time.Time, bool) {
	s.mu.Lock()
	entry, ok := s.snap[pf]
	s.mu.Unlock()
	if !ok {
		return nil, time.Time{}, false
	}
	return entry.value, entry.at, time.Since(entry.at) <= s.cfg.FreshWindow
}

// DC 直流实时数据 (PF 0x11)
func (s *Session) DC() (ystech.DCData, time.Time, bool) {
	v, at, fresh := s.read(0x11)
	rec, _ := v.(ystech.DCData)
	return rec, at, fresh
}

// HighResDC 高分辨率直流数据 (PF 0x39)
func (s *Session) HighResDC() (ystech.HighResDC, time.Time, bool) {
	v, at, fresh := s.read(0x39)
	rec, _ := v.(ystech.HighResDC)
	return rec, at, fresh
}

// CapacityEnergy 安时/瓦时累计 (PF 0x12)
func (s *Session) CapacityEnergy() (ystech.CapacityEnergy, time.Time, bool) {
	v, at, fresh := s.read(0x12)
	rec, _ := v.(ystech.CapacityEnergy)
	return rec, at, fresh
}

// Status 运行状态与故障码 (PF 0x13)
func (s *Session) Status() (ystech.StatusData, time.Time, bool) {
	v, at, fresh := s.read(0x13)
	rec, _ := v.(ystech.StatusData)
	return rec, at, fresh
}

// GridVoltage 电网侧三相电压 (PF 0x14)
func (s *Session) GridVoltage() (ystech.GridVoltage, time.Time, bool) {
	v, at, fresh := s.read(0x14)
	rec, _ := v.(ystech.GridVoltage)
	return rec, at, fresh
}

// GridCurrent 电网侧三相电流 (PF 0x15)
func (s *Session) GridCurrent() (ystech.GridCurrent, time.Time, bool) {
	v, at, fresh := s.read(0x15)
	rec, _ := v.(ystech.GridCurrent)
	return rec, at, fresh
}

// SystemPower 系统功率数据 (PF 0x16)
func (s *Session) SystemPower() (ystech.SystemPower, time.Time, bool) {
	v, at, fresh := s.read(0x16)
	rec, _ := v.(ystech.SystemPower)
	return rec, at, fresh
}

// LoadVoltage 负载侧三相电压 (PF 0x17)
func (s *Session) LoadVoltage() (ystech.LoadVoltage, time.Time, bool) {
	v, at, fresh := s.read(0x17)
	rec, _ := v.(ystech.LoadVoltage)
	return rec, at, fresh
}

// LoadCurrent 负载侧三相电流 (PF 0x18)
func (s *Session) LoadCurrent() (ystech.LoadCurrent, time.Time, bool) {
	v, at, fresh := s.read(0x18)
	rec, _ := v.(ystech.LoadCurrent)
	return rec, at, fresh
}

// LoadPower 负载侧功率 (PF 0x19)
func (s *Session) LoadPower() (ystech.LoadPower, time.Time, bool) {
	v, at, fresh := s.read(0x19)
	rec, _ := v.(ystech.LoadPower)
	return rec, at, fresh
}

// PhasePower 分相功率, phase 为 "A"/"B"/"C"
func (s *Session) PhasePower(phase string) (ystech.PhasePower, time.Time, bool) {
	var pf byte
	switch phase {
	case "A":
		pf = 0x23
	case "B":
		pf = 0x24
	case "C":
		pf = 0x25
	default:
		return ystech.PhasePower{}, time.Time{}, false
	}
	v, at, fresh := s.read(pf)
	rec, _ := v.(ystech.PhasePower)
	return rec, at, fresh
}

// IOAndAD IO 信号与 AD 采样 (PF 0x20)
func (s *Session) IOAndAD() (ystech.IOAndAD, time.Time, bool) {
	v, at, fresh := s.read(0x20)
	rec, _ := v.(ystech.IOAndAD)
	return rec, at, fresh
}

// ARMVersion ARM 版本信息 (PF 0x34)
func (s *Session) ARMVersion() (ystech.VersionInfo, time.Time, bool) {
	v, at, fresh := s.read(0x34)
	rec, _ := v.(ystech.VersionInfo)
	return rec, at, fresh
}

// DSPVersion DSP 版本信息 (PF 0x35)
func (s *Session) DSPVersion() (ystech.VersionInfo, time.Time, bool) {
	v, at, fresh := s.read(0x35)
	rec, _ := v.(ystech.VersionInfo)
	return rec, at, fresh
}

// SinceLastRx 距最近一次收到 PCS 报文的时长; 从未收到返回 false
func (s *Session) SinceLastRx() (time.Duration, bool) {
	s.mu.Lock()
	last := s.lastRx
	s.mu.Unlock()
	if last.IsZero() {
		return 0, false
	}
	return time.Since(last), true
}
