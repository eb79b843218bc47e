package ystech

import "fmt"

// 周期状态帧 (PCS -> 控制器, 200ms) 解码后的记录类型。
// 所有字段均为工程单位, 分辨率/偏移在解码时处理完毕。

// DCData PF 0x11: 直流实时数据
type DCData struct {
	Voltage   float64 `json:"voltage"`    // V, 分辨率 0.1V
	Current   float64 `json:"current"`    // A, 分辨率 0.1A, 偏移 -1000A; 负值=充电
	Power     float64 `json:"power"`      // kW, 分辨率 0.1kW
	InletTemp float64 `json:"inlet_temp"` // °C, 分辨率 0.1°C, 偏移 -50°C
}

// CapacityEnergy PF 0x12: 安时/瓦时累计
type CapacityEnergy struct {
	Capacity   float64 `json:"capacity"`    // Ah, 分辨率 0.1Ah
	Energy     float64 `json:"energy"`      // Wh, 分辨率 0.1Wh (4 字节)
	OutletTemp float64 `json:"outlet_temp"` // °C, 分辨率 0.1°C, 偏移 -50°C
}

// StatusData PF 0x13: 运行状态与故障码
type StatusData struct {
	RunningState RunningState `json:"running_state"`
	FaultCode    uint16       `json:"fault_code"`
}

// IsFault 设备处于故障态或故障码非零
func (s StatusData) IsFault() bool {
	return s.RunningState == StateFault || s.FaultCode != 0
}

// FaultDescription 当前故障码的可读描述
func (s StatusData) FaultDescription() string {
	return FaultDescription(s.FaultCode)
}

// GridVoltage PF 0x14: 电网侧三相电压
type GridVoltage struct {
	U float64 `json:"u"` // V, 分辨率 0.1V
	V float64 `json:"v"`
	W float64 `json:"w"`
}

// GridCurrent PF 0x15: 电网侧三相电流 + 功率因数
type GridCurrent struct {
	U           float64 `json:"u"` // A, 分辨率 0.1A
	V           float64 `json:"v"`
	W           float64 `json:"w"`
	PowerFactor float64 `json:"power_factor"` // 分辨率 0.1, 有符号
}

// SystemPower PF 0x16: 系统功率数据
type SystemPower struct {
	ActivePower   float64 `json:"active_power"`   // kW, 分辨率 0.1kW
	ReactivePower float64 `json:"reactive_power"` // kVar
	ApparentPower float64 `json:"apparent_power"` // kVA
	Frequency     float64 `json:"frequency"`      // Hz, 分辨率 0.1Hz
}

// LoadVoltage PF 0x17: 负载侧三相电压
type LoadVoltage struct {
	U float64 `json:"u"`
	V float64 `json:"v"`
	W float64 `json:"w"`
}

// LoadCurrent PF 0x18: 负载侧三相电流
type LoadCurrent struct {
	U float64 `json:"u"`
	V float64 `json:"v"`
	W float64 `json:"w"`
}

// LoadPower PF 0x19: 负载侧功率数据
type LoadPower struct {
	ActivePower   float64 `json:"active_power"`
	ReactivePower float64 `json:"reactive_power"`
	ApparentPower float64 `json:"apparent_power"`
}

// PhasePower PF 0x23/0x24/0x25: 分相功率数据
type PhasePower struct {
	Phase         string  `json:"phase"` // "A" / "B" / "C"
	ActivePower   float64 `json:"active_power"`
	ReactivePower float64 `json:"reactive_power"`
	ApparentPower float64 `json:"apparent_power"`
}

// HighResDC PF 0x39: 高分辨率直流电压电流 (各 4 字节)
type HighResDC struct {
	Voltage float64 `json:"voltage"` // V, 分辨率 0.001V
	Current float64 `json:"current"` // A, 分辨率 0.001A, 偏移 -1000A; 负值=充电
}

// IOAndAD PF 0x20: IO 信号与 AD 采样值
type IOAndAD struct {
	IO1 byte    `json:"io1"`
	IO2 byte    `json:"io2"`
	IO3 byte    `json:"io3"`
	IO4 byte    `json:"io4"`
	AD1 float64 `json:"ad1"` // V, 分辨率 0.001V
	AD2 float64 `json:"ad2"` // V, 分辨率 0.001V
}

// VersionInfo PF 0x34/0x35: ARM / DSP 版本信息
type VersionInfo struct {
	HwV byte `json:"hw_v"`
	HwB byte `json:"hw_b"`
	HwD byte `json:"hw_d"`
	SwV byte `json:"sw_v"`
	SwB byte `json:"sw_b"`
	SwD byte `json:"sw_d"`
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("hw %d.%d.%d / sw %d.%d.%d", v.HwV, v.HwB, v.HwD, v.SwV, v.SwB, v.SwD)
}

// ProtectionParams1 PF 0x02/0x05: 直流电压电流限值
type ProtectionParams1 struct {
	MaxOutputVoltage    float64 `json:"max_output_voltage"`    // V, 分辨率 0.1V
	MinOutputVoltage    float64 `json:"min_output_voltage"`    // V
	MaxChargeCurrent    float64 `json:"max_charge_current"`    // A, 分辨率 0.1A
	MaxDischargeCurrent float64 `json:"max_discharge_current"` // A
}

// ProtectionParams2 PF 0x03/0x06: 功率与交流电压限值
type ProtectionParams2 struct {
	MaxChargePower    float64 `json:"max_charge_power"`    // kW, 分辨率 0.1kW
	MaxDischargePower float64 `json:"max_discharge_power"` // kW
	ACVoltageUpper    float64 `json:"ac_voltage_upper"`    // V, 分辨率 0.1V
	ACVoltageLower    float64 `json:"ac_voltage_lower"`    // V
}

// ProtectionParams3 PF 0x04/0x07: 频率限值
type ProtectionParams3 struct {
	DischargeFreqUpper float64 `json:"discharge_freq_upper"` // Hz, 分辨率 0.1Hz
	ChargeFreqLower    float64 `json:"charge_freq_lower"`    // Hz
	ACFreqUpper        float64 `json:"ac_freq_upper"`        // Hz, 分辨率 1Hz
	ACFreqLower        float64 `json:"ac_freq_lower"`        // Hz
}

// SetReply 设置类命令的应答 (PF 0x08/0x0A/0x0E/0x10/0x1C/...)
type SetReply struct {
	Acknowledged bool `json:"acknowledged"`
}

// ModeReport PF 0x36: 当前工作模式上报; 0x0B 解码复用同一结构。
// 协议未定义的模式码原样保留在 Raw 中。
type ModeReport struct {
	Mode   WorkingMode `json:"mode"`
	Param1 float64     `json:"param1"`
	Raw    []byte      `json:"raw,omitempty"`
}

// ControlVector PF 0x0F 的 8 字节控制字段向量。
// byte0=启停, byte1=故障清除, byte2=上电自启动, 其余字节透传。
// 修改单个字段时其余字段必须保持上一次观测到的值。
type ControlVector [8]byte

func (v ControlVector) Start() bool      { return v[0] == 1 }
func (v ControlVector) ClearFault() bool { return v[1] == 1 }
func (v ControlVector) AutoStart() bool  { return v[2] == 1 }

// HeartbeatData PF 0x1A 携带的外部设备镜像数据 (电池侧测量值)。
// 传 nil 给 EncodeHeartbeat 时输出协议规定的占位填充 (链路状态 0x02);
// 零值结构体的链路状态为 0x00。PCS 仅将收到的心跳视为链路存活信号。
type HeartbeatData struct {
	DCVoltage float64 `json:"dc_voltage"` // V, 分辨率 0.1V
	DCCurrent float64 `json:"dc_current"` // A, 分辨率 0.1A, 偏移 +1000A
	LinkState byte    `json:"link_state"` // 0x01=停机, 0x02=运行, 0x03=故障
}

// pfNames PF 码 -> 可读名称
var pfNames = map[byte]string{
	0x01: "ReadProtectionParams",
	0x02: "ProtectionParams1Reply",
	0x03: "ProtectionParams2Reply",
	0x04: "ProtectionParams3Reply",
	0x05: "SetProtectionParams1",
	0x06: "SetProtectionParams2",
	0x07: "SetProtectionParams3",
	0x08: "SetProtectionReply",
	0x09: "SetTime",
	0x0A: "SetTimeReply",
	0x0B: "SetWorkingMode",
	0x0C: "SetModeParams12",
	0x0D: "SetModeParams34",
	0x0E: "SetModeReply",
	0x0F: "StartStop",
	0x10: "StartStopReply",
	0x11: "DCData",
	0x12: "CapacityEnergy",
	0x13: "Status",
	0x14: "GridVoltage",
	0x15: "GridCurrent",
	0x16: "SystemPower",
	0x17: "LoadVoltage",
	0x18: "LoadCurrent",
	0x19: "LoadPower",
	0x1A: "Heartbeat",
	0x1B: "SetBusVoltageReactive",
	0x1C: "SpecialDataReply",
	0x1D: "ReadSpecialData",
	0x1E: "StoredBusVReactive",
	0x1F: "SetIOBUS",
	0x20: "IOAndAD",
	0x21: "SetPhaseActivePower",
	0x22: "SetPhaseReactivePower",
	0x23: "PhaseAPower",
	0x24: "PhaseBPower",
	0x25: "PhaseCPower",
	0x26: "SetSplitPhaseEnable",
	0x27: "SplitPhaseEnableReply",
	0x28: "SetInverterPhase",
	0x29: "InverterPhaseReply",
	0x2A: "SetReactiveControl",
	0x2B: "ReactiveControlReply",
	0x2C: "SetGridMode",
	0x2D: "GridModeReply",
	0x2E: "SetModuleParallel",
	0x2F: "ModuleParallelReply",
	0x30: "SetChannelParallel",
	0x31: "ChannelParallelReply",
	0x32: "SetBusParallel",
	0x33: "BusParallelReply",
	0x34: "ARMVersion",
	0x35: "DSPVersion",
	0x36: "ModeParamsReply",
	0x37: "Params12Reply",
	0x38: "Params34Reply",
	0x39: "HighResDC",
}

// PFName PF 码的可读名称
func PFName(pf byte) string {
	if name, ok := pfNames[pf]; ok {
		return name
	}
	return fmt.Sprintf("Unknown_0x%02X", pf)
}
