package ystech

import (
	"encoding/binary"
	"math"
)

// 编码器 (控制器 -> PCS)。所有报文固定 8 字节, 多字节字段大端序,
// 工程值按字段分辨率换算为原始整数, 四舍五入取整; 换算结果超出
// 原始整数宽度时返回 OutOfRangeError, 不做钳位。

// Payload 固定 8 字节数据单元
type Payload = [8]byte

// PFPayload 一个待发送的 (PF, 数据单元) 对
type PFPayload struct {
	PF   byte
	Data Payload
}

func scaleU16(pf byte, field string, value, res float64) (uint16, error) {
	raw := math.Round(value / res)
	if raw < 0 || raw > math.MaxUint16 {
		return 0, &OutOfRangeError{PF: pf, Field: field}
	}
	return uint16(raw), nil
}

func scaleI16(pf byte, field string, value, res float64) (int16, error) {
	raw := math.Round(value / res)
	if raw < math.MinInt16 || raw > math.MaxInt16 {
		return 0, &OutOfRangeError{PF: pf, Field: field}
	}
	return int16(raw), nil
}

func scaleI32(pf byte, field string, value, res float64) (int32, error) {
	raw := math.Round(value / res)
	if raw < math.MinInt32 || raw > math.MaxInt32 {
		return 0, &OutOfRangeError{PF: pf, Field: field}
	}
	return int32(raw), nil
}

func putU16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }
func putI32(buf []byte, v int32)  { binary.BigEndian.PutUint32(buf, uint32(v)) }

// EncodeReadProtectionParams PF 0x01: 读取保护参数。
// paramType: 0x01=电压电流限值, 0x02=功率/交流限值, 0x03=频率限值。
func EncodeReadProtectionParams(paramType byte) Payload {
	var p Payload
	p[0] = paramType
	return p
}

// EncodeSetProtectionParams1 PF 0x05: 设置保护参数 1 (直流电压电流限值)
func EncodeSetProtectionParams1(pp ProtectionParams1) (Payload, error) {
	var p Payload
	fields := []struct {
		name  string
		value float64
		off   int
	}{
		{"max_output_voltage", pp.MaxOutputVoltage, 0},
		{"min_output_voltage", pp.MinOutputVoltage, 2},
		{"max_charge_current", pp.MaxChargeCurrent, 4},
		{"max_discharge_current", pp.MaxDischargeCurrent, 6},
	}
	for _, f := range fields {
		raw, err := scaleU16(0x05, f.name, f.value, 0.1)
		if err != nil {
			return p, err
		}
		putU16(p[f.off:], raw)
	}
	return p, nil
}

// EncodeSetProtectionParams2 PF 0x06: 设置保护参数 2 (功率/交流电压限值)
func EncodeSetProtectionParams2(pp ProtectionParams2) (Payload, error) {
	var p Payload
	fields := []struct {
		name  string
		value float64
		off   int
	}{
		{"max_charge_power", pp.MaxChargePower, 0},
		{"max_discharge_power", pp.MaxDischargePower, 2},
		{"ac_voltage_upper", pp.ACVoltageUpper, 4},
		{"ac_voltage_lower", pp.ACVoltageLower, 6},
	}
	for _, f := range fields {
		raw, err := scaleU16(0x06, f.name, f.value, 0.1)
		if err != nil {
			return p, err
		}
		putU16(p[f.off:], raw)
	}
	return p, nil
}

// EncodeSetProtectionParams3 PF 0x07: 设置保护参数 3 (频率限值)。
// 前两个字段 0.1Hz 分辨率, 后两个 1Hz 单字节。
func EncodeSetProtectionParams3(pp ProtectionParams3) (Payload, error) {
	var p Payload
	up, err := scaleU16(0x07, "discharge_freq_upper", pp.DischargeFreqUpper, 0.1)
	if err != nil {
		return p, err
	}
	low, err := scaleU16(0x07, "charge_freq_lower", pp.ChargeFreqLower, 0.1)
	if err != nil {
		return p, err
	}
	acUp := math.Round(pp.ACFreqUpper)
	acLow := math.Round(pp.ACFreqLower)
	if acUp < 0 || acUp > 0xFF {
		return p, &OutOfRangeError{PF: 0x07, Field: "ac_freq_upper"}
	}
	if acLow < 0 || acLow > 0xFF {
		return p, &OutOfRangeError{PF: 0x07, Field: "ac_freq_lower"}
	}
	putU16(p[0:], up)
	putU16(p[2:], low)
	p[4] = byte(acUp)
	p[5] = byte(acLow)
	return p, nil
}

// EncodeSetTime PF 0x09: 设置 PCS 设备时间
func EncodeSetTime(year int, month, day, hour, minute, second byte) (Payload, error) {
	var p Payload
	if year < 0 || year > math.MaxUint16 {
		return p, &OutOfRangeError{PF: 0x09, Field: "year"}
	}
	putU16(p[0:], uint16(year))
	p[2] = month
	p[3] = day
	p[4] = hour
	p[5] = minute
	p[6] = second
	return p, nil
}

// EncodeSetMode PF 0x0B: 设置工作模式。
// 数据单元: [模式 u16][参数1 i32][0x00 0x00]。
// 未定义的模式码拒绝编码; 参数 2-4 由 EncodeModeParams12/34 承载。
func EncodeSetMode(mode WorkingMode, params ...float64) (Payload, error) {
	var p Payload
	if !mode.Known() {
		return p, ErrUnknownMode
	}
	putU16(p[0:], uint16(mode))
	desc := mode.Params()
	if len(desc) > 0 && len(params) > 0 {
		raw, err := scaleI32(0x0B, desc[0].Name, params[0], desc[0].Resolution)
		if err != nil {
			return p, err
		}
		putI32(p[2:], raw)
	}
	return p, nil
}

func modeResolution(mode WorkingMode, idx int) float64 {
	desc := mode.Params()
	if idx < len(desc) {
		return desc[idx].Resolution
	}
	return 0.001
}

func modeParamName(mode WorkingMode, idx int) string {
	desc := mode.Params()
	if idx < len(desc) {
		return desc[idx].Name
	}
	return "param"
}

// EncodeModeParams12 PF 0x0C: 模式参数 1/2 (各 i32, 分辨率按模式表)
func EncodeModeParams12(mode WorkingMode, p1, p2 float64) (Payload, error) {
	var p Payload
	if !mode.Known() {
		return p, ErrUnknownMode
	}
	raw1, err := scaleI32(0x0C, modeParamName(mode, 0), p1, modeResolution(mode, 0))
	if err != nil {
		return p, err
	}
	raw2, err := scaleI32(0x0C, modeParamName(mode, 1), p2, modeResolution(mode, 1))
	if err != nil {
		return p, err
	}
	putI32(p[0:], raw1)
	putI32(p[4:], raw2)
	return p, nil
}

// EncodeModeParams34 PF 0x0D: 模式参数 3/4
func EncodeModeParams34(mode WorkingMode, p3, p4 float64) (Payload, error) {
	var p Payload
	if !mode.Known() {
		return p, ErrUnknownMode
	}
	raw3, err := scaleI32(0x0D, modeParamName(mode, 2), p3, modeResolution(mode, 2))
	if err != nil {
		return p, err
	}
	raw4, err := scaleI32(0x0D, modeParamName(mode, 3), p4, modeResolution(mode, 3))
	if err != nil {
		return p, err
	}
	putI32(p[0:], raw3)
	putI32(p[4:], raw4)
	return p, nil
}

// SetModeFrames 按参数个数展开一次模式设置需要的全部帧:
// 0x0B 总是发送; 参数 >=2 追加 0x0C, 参数 >=3 追加 0x0D。
func SetModeFrames(mode WorkingMode, params []float64) ([]PFPayload, error) {
	at := func(i int) float64 {
		if i < len(params) {
			return params[i]
		}
		return 0
	}
	head, err := EncodeSetMode(mode, params...)
	if err != nil {
		return nil, err
	}
	frames := []PFPayload{{PF: 0x0B, Data: head}}
	if len(params) >= 2 {
		p12, err := EncodeModeParams12(mode, at(0), at(1))
		if err != nil {
			return nil, err
		}
		frames = append(frames, PFPayload{PF: 0x0C, Data: p12})
	}
	if len(params) >= 3 {
		p34, err := EncodeModeParams34(mode, at(2), at(3))
		if err != nil {
			return nil, err
		}
		frames = append(frames, PFPayload{PF: 0x0D, Data: p34})
	}
	return frames, nil
}

// ControlChange PF 0x0F 单次允许修改的控制字段
type ControlChange int

const (
	ControlStart ControlChange = iota
	ControlStop
	ControlClearFault
	ControlAutoStartOn
	ControlAutoStartOff
)

// EncodeControl PF 0x0F: 启停/故障清除/上电自启动。
// 一次只修改一个字段, 其余字段从上一次观测到的向量透传;
// prev 为 nil 时返回 ErrMissingContextForControl。
func EncodeControl(prev *ControlVector, change ControlChange) (Payload, ControlVector, error) {
	var p Payload
	if prev == nil {
		return p, ControlVector{}, ErrMissingContextForControl
	}
	next := *prev
	switch change {
	case ControlStart:
		next[0] = 1
	case ControlStop:
		next[0] = 0
	case ControlClearFault:
		next[1] = 1
	case ControlAutoStartOn:
		next[2] = 1
	case ControlAutoStartOff:
		next[2] = 0
	}
	copy(p[:], next[:])
	return p, next, nil
}

// EncodeHeartbeat PF 0x1A: 心跳 / 外部设备数据, 每 200ms 发送。
// hb 为 nil 时输出协议规定的占位填充 (0V, 0A, 链路状态 0x02)。
func EncodeHeartbeat(hb *HeartbeatData) (Payload, error) {
	var p Payload
	data := HeartbeatData{LinkState: 0x02}
	if hb != nil {
		data = *hb
	}
	rawV, err := scaleU16(0x1A, "dc_voltage", data.DCVoltage, 0.1)
	if err != nil {
		return p, err
	}
	// 电流偏移 +1000A: 原始值 10000 表示 0A
	rawI, err := scaleU16(0x1A, "dc_current", data.DCCurrent+1000.0, 0.1)
	if err != nil {
		return p, err
	}
	putU16(p[0:], rawV)
	putU16(p[2:], rawI)
	p[4] = data.LinkState
	return p, nil
}

// EncodeSetBusVoltageReactive PF 0x1B: 设置母线电压与无功功率
func EncodeSetBusVoltageReactive(busVoltage, reactivePower float64) (Payload, error) {
	var p Payload
	rawV, err := scaleU16(0x1B, "bus_voltage", busVoltage, 0.1)
	if err != nil {
		return p, err
	}
	rawQ, err := scaleU16(0x1B, "reactive_power", reactivePower, 0.1)
	if err != nil {
		return p, err
	}
	putU16(p[0:], rawV)
	putU16(p[2:], rawQ)
	return p, nil
}

// EncodeSetIO PF 0x1F: 设置 IOBUS 输出 (各位 0/1)
func EncodeSetIO(io1, io2, io3, io4 byte) Payload {
	var p Payload
	p[0] = io1 & 1
	p[1] = io2 & 1
	p[2] = io3 & 1
	p[3] = io4 & 1
	return p
}

// EncodeSetPhasePower PF 0x21: 设置 A/B/C 相有功功率 (分辨率 0.1kW)
func EncodeSetPhasePower(a, b, c float64) (Payload, error) {
	var p Payload
	rawA, err := scaleU16(0x21, "phase_a", a, 0.1)
	if err != nil {
		return p, err
	}
	rawB, err := scaleU16(0x21, "phase_b", b, 0.1)
	if err != nil {
		return p, err
	}
	rawC, err := scaleU16(0x21, "phase_c", c, 0.1)
	if err != nil {
		return p, err
	}
	putU16(p[0:], rawA)
	putU16(p[2:], rawB)
	putU16(p[4:], rawC)
	return p, nil
}

// EncodeSetSplitPhaseEnable PF 0x26: 分相功率控制使能
func EncodeSetSplitPhaseEnable(enable bool) Payload {
	var p Payload
	if enable {
		p[0] = 1
	}
	return p
}

// EncodeSetInverterPhase PF 0x28: 逆变相位选择。
// 7=A主, 8=B主, 9=C主, 10=A从, 11=B从, 12=C从。
func EncodeSetInverterPhase(phase byte) Payload {
	var p Payload
	p[0] = phase
	return p
}

// EncodeSetReactiveControl PF 0x2A: 无功控制方式与功率因数。
// mode: 0=无功功率, 1=功率因数; powerFactor -0.999..1.000, 分辨率 0.001。
func EncodeSetReactiveControl(mode byte, powerFactor float64) (Payload, error) {
	var p Payload
	raw, err := scaleI16(0x2A, "power_factor", powerFactor, 0.001)
	if err != nil {
		return p, err
	}
	p[0] = mode
	binary.BigEndian.PutUint16(p[1:], uint16(raw))
	return p, nil
}

// EncodeSetGridMode PF 0x2C: 并离网模式。0=禁用, 1=自动切换。
func EncodeSetGridMode(mode byte) Payload {
	var p Payload
	p[0] = mode
	return p
}

// EncodeSetModuleParallel PF 0x2E: 模块并机设置。
// mode: 0=单机, 1=主机, 2=从机; numModules 1-10; hallRatio 霍尔变比。
func EncodeSetModuleParallel(mode, numModules byte, hallRatio uint16) Payload {
	var p Payload
	p[0] = mode
	p[1] = numModules
	putU16(p[2:], hallRatio)
	return p
}

// EncodeReadSpecialData PF 0x1D: 读取特殊数据。
// dataType 0x01-0x0B (母线电压, IO, 分相, 逆变相位, 版本, 工作模式等)。
func EncodeReadSpecialData(dataType byte) Payload {
	var p Payload
	p[0] = dataType
	return p
}
