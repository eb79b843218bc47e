package ystech

import (
	"encoding/binary"
)

// 解码器 (PCS -> 控制器)。每个解码器先做长度守卫: 数据单元短于
// 所需字段时返回 TruncatedFrameError, 不做隐式零扩展。

func u16(data []byte, off int) uint16 {
	return binary.BigEndian.Uint16(data[off : off+2])
}

func i16(data []byte, off int) int16 {
	return int16(binary.BigEndian.Uint16(data[off : off+2]))
}

func u32(data []byte, off int) uint32 {
	return binary.BigEndian.Uint32(data[off : off+4])
}

func i32(data []byte, off int) int32 {
	return int32(binary.BigEndian.Uint32(data[off : off+4]))
}

// DecodeDCData PF 0x11: 直流实时数据
func DecodeDCData(data []byte) (DCData, error) {
	if len(data) < 8 {
		return DCData{}, truncated(0x11, len(data), 8)
	}
	return DCData{
		Voltage: float64(u16(data, 0)) * 0.1,
		// 电流偏移 1000A: 原始值 0 表示 -1000A, 10000 表示 0A
		Current:   float64(u16(data, 2))*0.1 - 1000.0,
		Power:     float64(u16(data, 4)) * 0.1,
		InletTemp: float64(u16(data, 6))*0.1 - 50.0,
	}, nil
}

// DecodeCapacityEnergy PF 0x12: 安时/瓦时累计
func DecodeCapacityEnergy(data []byte) (CapacityEnergy, error) {
	if len(data) < 8 {
		return CapacityEnergy{}, truncated(0x12, len(data), 8)
	}
	return CapacityEnergy{
		Capacity:   float64(u16(data, 0)) * 0.1,
		Energy:     float64(u32(data, 2)) * 0.1,
		OutletTemp: float64(u16(data, 6))*0.1 - 50.0,
	}, nil
}

// DecodeStatus PF 0x13: 运行状态 (u16) 与故障码 (u16)
func DecodeStatus(data []byte) (StatusData, error) {
	if len(data) < 4 {
		return StatusData{}, truncated(0x13, len(data), 4)
	}
	return StatusData{
		RunningState: RunningState(u16(data, 0)),
		FaultCode:    u16(data, 2),
	}, nil
}

// DecodeGridVoltage PF 0x14: 电网侧三相电压
func DecodeGridVoltage(data []byte) (GridVoltage, error) {
	if len(data) < 6 {
		return GridVoltage{}, truncated(0x14, len(data), 6)
	}
	return GridVoltage{
		U: float64(u16(data, 0)) * 0.1,
		V: float64(u16(data, 2)) * 0.1,
		W: float64(u16(data, 4)) * 0.1,
	}, nil
}

// DecodeGridCurrent PF 0x15: 电网侧三相电流 + 功率因数
func DecodeGridCurrent(data []byte) (GridCurrent, error) {
	if len(data) < 8 {
		return GridCurrent{}, truncated(0x15, len(data), 8)
	}
	return GridCurrent{
		U:           float64(u16(data, 0)) * 0.1,
		V:           float64(u16(data, 2)) * 0.1,
		W:           float64(u16(data, 4)) * 0.1,
		PowerFactor: float64(i16(data, 6)) * 0.1,
	}, nil
}

// DecodeSystemPower PF 0x16: 系统功率数据
func DecodeSystemPower(data []byte) (SystemPower, error) {
	if len(data) < 8 {
		return SystemPower{}, truncated(0x16, len(data), 8)
	}
	return SystemPower{
		ActivePower:   float64(u16(data, 0)) * 0.1,
		ReactivePower: float64(u16(data, 2)) * 0.1,
		ApparentPower: float64(u16(data, 4)) * 0.1,
		Frequency:     float64(u16(data, 6)) * 0.1,
	}, nil
}

// DecodeLoadVoltage PF 0x17: 负载侧三相电压
func DecodeLoadVoltage(data []byte) (LoadVoltage, error) {
	if len(data) < 6 {
		return LoadVoltage{}, truncated(0x17, len(data), 6)
	}
	return LoadVoltage{
		U: float64(u16(data, 0)) * 0.1,
		V: float64(u16(data, 2)) * 0.1,
		W: float64(u16(data, 4)) * 0.1,
	}, nil
}

// DecodeLoadCurrent PF 0x18: 负载侧三相电流
func DecodeLoadCurrent(data []byte) (LoadCurrent, error) {
	if len(data) < 6 {
		return LoadCurrent{}, truncated(0x18, len(data), 6)
	}
	return LoadCurrent{
		U: float64(u16(data, 0)) * 0.1,
		V: float64(u16(data, 2)) * 0.1,
		W: float64(u16(data, 4)) * 0.1,
	}, nil
}

// DecodeLoadPower PF 0x19: 负载侧功率数据
func DecodeLoadPower(data []byte) (LoadPower, error) {
	if len(data) < 6 {
		return LoadPower{}, truncated(0x19, len(data), 6)
	}
	return LoadPower{
		ActivePower:   float64(u16(data, 0)) * 0.1,
		ReactivePower: float64(u16(data, 2)) * 0.1,
		ApparentPower: float64(u16(data, 4)) * 0.1,
	}, nil
}

// DecodePhasePower PF 0x23/0x24/0x25: 分相功率数据
func DecodePhasePower(pf byte, data []byte, phase string) (PhasePower, error) {
	if len(data) < 6 {
		return PhasePower{}, truncated(pf, len(data), 6)
	}
	return PhasePower{
		Phase:         phase,
		ActivePower:   float64(u16(data, 0)) * 0.1,
		ReactivePower: float64(u16(data, 2)) * 0.1,
		ApparentPower: float64(u16(data, 4)) * 0.1,
	}, nil
}

// DecodeHighResDC PF 0x39: 高分辨率直流电压电流 (各 4 字节)
func DecodeHighResDC(data []byte) (HighResDC, error) {
	if len(data) < 8 {
		return HighResDC{}, truncated(0x39, len(data), 8)
	}
	return HighResDC{
		Voltage: float64(u32(data, 0)) * 0.001,
		Current: float64(u32(data, 4))*0.001 - 1000.0,
	}, nil
}

// DecodeIOAndAD PF 0x20: IO 信号与 AD 采样值
func DecodeIOAndAD(data []byte) (IOAndAD, error) {
	if len(data) < 8 {
		return IOAndAD{}, truncated(0x20, len(data), 8)
	}
	return IOAndAD{
		IO1: data[0],
		IO2: data[1],
		IO3: data[2],
		IO4: data[3],
		AD1: float64(u16(data, 4)) * 0.001,
		AD2: float64(u16(data, 6)) * 0.001,
	}, nil
}

// DecodeVersion PF 0x34/0x35: ARM / DSP 版本信息
func DecodeVersion(pf byte, data []byte) (VersionInfo, error) {
	if len(data) < 6 {
		return VersionInfo{}, truncated(pf, len(data), 6)
	}
	return VersionInfo{
		HwV: data[0], HwB: data[1], HwD: data[2],
		SwV: data[3], SwB: data[4], SwD: data[5],
	}, nil
}

// DecodeProtectionParams1 PF 0x02: 保护参数 1 应答
func DecodeProtectionParams1(data []byte) (ProtectionParams1, error) {
	if len(data) < 8 {
		return ProtectionParams1{}, truncated(0x02, len(data), 8)
	}
	return ProtectionParams1{
		MaxOutputVoltage:    float64(u16(data, 0)) * 0.1,
		MinOutputVoltage:    float64(u16(data, 2)) * 0.1,
		MaxChargeCurrent:    float64(u16(data, 4)) * 0.1,
		MaxDischargeCurrent: float64(u16(data, 6)) * 0.1,
	}, nil
}

// DecodeProtectionParams2 PF 0x03: 保护参数 2 应答
func DecodeProtectionParams2(data []byte) (ProtectionParams2, error) {
	if len(data) < 8 {
		return ProtectionParams2{}, truncated(0x03, len(data), 8)
	}
	return ProtectionParams2{
		MaxChargePower:    float64(u16(data, 0)) * 0.1,
		MaxDischargePower: float64(u16(data, 2)) * 0.1,
		ACVoltageUpper:    float64(u16(data, 4)) * 0.1,
		ACVoltageLower:    float64(u16(data, 6)) * 0.1,
	}, nil
}

// DecodeProtectionParams3 PF 0x04: 保护参数 3 应答
func DecodeProtectionParams3(data []byte) (ProtectionParams3, error) {
	if len(data) < 6 {
		return ProtectionParams3{}, truncated(0x04, len(data), 6)
	}
	return ProtectionParams3{
		DischargeFreqUpper: float64(u16(data, 0)) * 0.1,
		ChargeFreqLower:    float64(u16(data, 2)) * 0.1,
		ACFreqUpper:        float64(data[4]),
		ACFreqLower:        float64(data[5]),
	}, nil
}

// DecodeSetReply 设置类命令应答。两种确认编码均接受:
// data[0]==0x01, 或 len>=2 且 data[1]==0x01。空数据单元视为未确认。
func DecodeSetReply(data []byte) SetReply {
	if len(data) == 0 {
		return SetReply{Acknowledged: false}
	}
	ack := data[0] == 0x01 || (len(data) >= 2 && data[1] == 0x01)
	return SetReply{Acknowledged: ack}
}

// DecodeModeReport PF 0x0B/0x36: 工作模式 (u16) + 参数1 (i32)。
// 未定义的模式码不拒绝, 原始数据保留在 Raw 中。
func DecodeModeReport(pf byte, data []byte) (ModeReport, error) {
	if len(data) < 6 {
		return ModeReport{}, truncated(pf, len(data), 6)
	}
	mode := WorkingMode(u16(data, 0))
	r := ModeReport{Mode: mode}
	if !mode.Known() {
		r.Raw = append([]byte(nil), data...)
		return r, nil
	}
	r.Param1 = float64(i32(data, 2)) * modeResolution(mode, 0)
	return r, nil
}

// DecodeControlVector PF 0x0F: 原样保留 8 字节控制向量
func DecodeControlVector(data []byte) (ControlVector, error) {
	if len(data) < 1 {
		return ControlVector{}, truncated(0x0F, len(data), 1)
	}
	var v ControlVector
	copy(v[:], data)
	return v, nil
}

// Decoded 一帧解码结果: PF, 可读名称, 类型化记录
type Decoded struct {
	PF    byte
	Name  string
	Value interface{}
}

// rxDecoders PF -> 解码入口静态表。新增 PF 只需增加一行。
var rxDecoders = map[byte]func(data []byte) (interface{}, error){
	0x02: func(d []byte) (interface{}, error) { return DecodeProtectionParams1(d) },
	0x03: func(d []byte) (interface{}, error) { return DecodeProtectionParams2(d) },
	0x04: func(d []byte) (interface{}, error) { return DecodeProtectionParams3(d) },
	0x08: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x0A: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x0E: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x10: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x11: func(d []byte) (interface{}, error) { return DecodeDCData(d) },
	0x12: func(d []byte) (interface{}, error) { return DecodeCapacityEnergy(d) },
	0x13: func(d []byte) (interface{}, error) { return DecodeStatus(d) },
	0x14: func(d []byte) (interface{}, error) { return DecodeGridVoltage(d) },
	0x15: func(d []byte) (interface{}, error) { return DecodeGridCurrent(d) },
	0x16: func(d []byte) (interface{}, error) { return DecodeSystemPower(d) },
	0x17: func(d []byte) (interface{}, error) { return DecodeLoadVoltage(d) },
	0x18: func(d []byte) (interface{}, error) { return DecodeLoadCurrent(d) },
	0x19: func(d []byte) (interface{}, error) { return DecodeLoadPower(d) },
	0x1C: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x20: func(d []byte) (interface{}, error) { return DecodeIOAndAD(d) },
	0x23: func(d []byte) (interface{}, error) { return DecodePhasePower(0x23, d, "A") },
	0x24: func(d []byte) (interface{}, error) { return DecodePhasePower(0x24, d, "B") },
	0x25: func(d []byte) (interface{}, error) { return DecodePhasePower(0x25, d, "C") },
	0x27: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x29: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x2B: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x2D: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x2F: func(d []byte) (interface{}, error) { return DecodeSetReply(d), nil },
	0x34: func(d []byte) (interface{}, error) { return DecodeVersion(0x34, d) },
	0x35: func(d []byte) (interface{}, error) { return DecodeVersion(0x35, d) },
	0x36: func(d []byte) (interface{}, error) { return DecodeModeReport(0x36, d) },
	0x39: func(d []byte) (interface{}, error) { return DecodeHighResDC(d) },
}

// DecodeRx 按 PF 解码一帧 PCS -> 控制器报文。
// 未登记的 PF 返回 ErrUnknownPF, 由接收泵丢弃处理。
func DecodeRx(pf byte, data []byte) (*Decoded, error) {
	fn, ok := rxDecoders[pf]
	if !ok {
		return nil, ErrUnknownPF
	}
	value, err := fn(data)
	if err != nil {
		return nil, err
	}
	return &Decoded{PF: pf, Name: PFName(pf), Value: value}, nil
}
