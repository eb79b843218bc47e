package ystech

// WorkingMode 工作模式码 (协议附录 1)
type WorkingMode byte

const (
	ModeDCConstantVoltage        WorkingMode = 0x02 // 直流恒压
	ModeDCConstantVoltageILimit  WorkingMode = 0x08 // 直流恒压限流
	ModeDCConstantCurrent        WorkingMode = 0x21 // 直流恒流
	ModeDCConstantPower          WorkingMode = 0x22 // 直流恒功率
	ModeDCConstantResistance     WorkingMode = 0x23 // 直流恒阻
	ModeDCRampCurrent            WorkingMode = 0x24 // 直流电流斜坡
	ModeDCRampPower              WorkingMode = 0x25 // 直流功率斜坡
	ModeDCConstantMagnification  WorkingMode = 0x26 // 直流恒倍率
	ModeDCRampVoltage            WorkingMode = 0x27 // 直流电压斜坡
	ModeDCPulseCurrent           WorkingMode = 0x28 // 直流脉冲电流
	ModeDCCCCV                   WorkingMode = 0x29 // 直流恒流转恒压
	ModeDCPulseResistance        WorkingMode = 0x2A // 直流脉冲电阻
	ModeDCPulsePower             WorkingMode = 0x2B // 直流脉冲功率
	ModeDCInternalResistanceTest WorkingMode = 0x2C // 直流内阻测试
	ModeACConstantPower          WorkingMode = 0x40 // 交流恒功率
	ModeIndependentInverter      WorkingMode = 0x41 // 独立逆变
	ModeDCPulseVoltage           WorkingMode = 0x61 // 直流脉冲电压
	ModeIdle                     WorkingMode = 0x91 // 空闲
	ModeStandby                  WorkingMode = 0x94 // 待机
)

// ModeParam 单个模式参数的描述: 名称 / 单位 / 分辨率 (原始值 -> 工程值)
type ModeParam struct {
	Name       string
	Unit       string
	Resolution float64
}

// modeParams 每种模式的参数表 (最多 4 个, 依次对应参数 1-4)。
// 直流电流/功率类参数为有符号量, 负值表示充电。
var modeParams = map[WorkingMode][]ModeParam{
	ModeDCConstantVoltage: {{"voltage_setpoint", "V", 0.001}},
	ModeDCConstantVoltageILimit: {
		{"voltage_setpoint", "V", 0.001},
		{"max_charge_current", "A", 0.001},
		{"max_discharge_current", "A", 0.001},
	},
	ModeDCConstantCurrent:    {{"current_setpoint", "A", 0.001}},
	ModeDCConstantPower:      {{"power_setpoint", "W", 0.001}},
	ModeDCConstantResistance: {{"resistance_setpoint", "ohm", 0.001}},
	ModeDCRampCurrent: {
		{"start_current", "A", 0.001},
		{"end_current", "A", 0.001},
		{"cycle_time", "s", 0.001},
	},
	ModeDCRampPower: {
		{"start_power", "W", 0.001},
		{"end_power", "W", 0.001},
		{"cycle_time", "s", 0.001},
	},
	ModeDCConstantMagnification: {{"magnification", "", 0.001}},
	ModeDCRampVoltage: {
		{"start_voltage", "V", 0.001},
		{"end_voltage", "V", 0.001},
		{"cycle_time", "s", 0.001},
	},
	ModeDCPulseCurrent: {
		{"current_1", "A", 0.001},
		{"current_2", "A", 0.001},
		{"cycle_time", "s", 0.01},
		{"duty_cycle", "%", 0.01},
	},
	ModeDCCCCV: {
		{"voltage_setpoint", "V", 0.001},
		{"current_setpoint", "A", 0.001},
		{"end_current", "A", 0.001},
	},
	ModeDCPulseResistance: {
		{"resistance_1", "ohm", 0.001},
		{"resistance_2", "ohm", 0.001},
		{"cycle_time", "s", 0.01},
		{"duty_cycle", "%", 0.01},
	},
	ModeDCPulsePower: {
		{"power_1", "W", 0.001},
		{"power_2", "W", 0.001},
		{"cycle_time", "s", 0.01},
		{"duty_cycle", "%", 0.01},
	},
	ModeDCInternalResistanceTest: {
		{"current_setpoint", "A", 0.001},
		{"time_1", "s", 0.001},
		{"time_2", "s", 0.001},
		{"time_3", "s", 0.001},
	},
	ModeACConstantPower: {
		{"active_power", "W", 0.001},
		{"reactive_power", "Var", 0.001},
	},
	// 独立逆变: 电压 0.1V, 频率 0.01Hz
	ModeIndependentInverter: {
		{"inverter_voltage", "V", 0.1},
		{"inverter_frequency", "Hz", 0.01},
	},
	ModeDCPulseVoltage: {
		{"voltage_1", "V", 0.001},
		{"voltage_2", "V", 0.001},
		{"cycle_time", "s", 0.01},
		{"duty_cycle", "%", 0.01},
	},
	ModeIdle:    {},
	ModeStandby: {},
}

var modeNames = map[WorkingMode]string{
	ModeDCConstantVoltage:        "DC_CONSTANT_VOLTAGE",
	ModeDCConstantVoltageILimit:  "DC_CONSTANT_VOLTAGE_CURRENT_LIMITING",
	ModeDCConstantCurrent:        "DC_CONSTANT_CURRENT",
	ModeDCConstantPower:          "DC_CONSTANT_POWER",
	ModeDCConstantResistance:     "DC_CONSTANT_RESISTANCE",
	ModeDCRampCurrent:            "DC_RAMP_CURRENT",
	ModeDCRampPower:              "DC_RAMP_POWER",
	ModeDCConstantMagnification:  "DC_CONSTANT_MAGNIFICATION",
	ModeDCRampVoltage:            "DC_RAMP_VOLTAGE",
	ModeDCPulseCurrent:           "DC_PULSE_CURRENT",
	ModeDCCCCV:                   "DC_CC_CV",
	ModeDCPulseResistance:        "DC_PULSE_RESISTANCE",
	ModeDCPulsePower:             "DC_PULSE_POWER",
	ModeDCInternalResistanceTest: "DC_INTERNAL_RESISTANCE_TEST",
	ModeACConstantPower:          "AC_CONSTANT_POWER",
	ModeIndependentInverter:      "INDEPENDENT_INVERTER",
	ModeDCPulseVoltage:           "DC_PULSE_VOLTAGE",
	ModeIdle:                     "IDLE",
	ModeStandby:                  "STANDBY",
}

// Known 模式码是否在协议定义的 19 种工作模式内
func (m WorkingMode) Known() bool {
	_, ok := modeParams[m]
	return ok
}

// Params 返回该模式的参数描述表 (未知模式返回 nil)
func (m WorkingMode) Params() []ModeParam {
	return modeParams[m]
}

func (m WorkingMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "UNKNOWN_MODE"
}
