package ystech

import "fmt"

// RunningState 运行状态 (状态帧 PF 0x13)
type RunningState uint16

const (
	StateLongPause       RunningState = 1  // 长暂停
	StateShortStop       RunningState = 2  // 短停止
	StateLongIdle        RunningState = 3  // 长空闲
	StateShortIdle       RunningState = 4  // 短空闲
	StateStop            RunningState = 5  // 停止
	StateFault           RunningState = 6  // 故障
	StateACConstantPower RunningState = 7  // 交流恒功率
	StatePowerFailure    RunningState = 8  // 掉电
	StateSelfCheck       RunningState = 9  // 自检
	StateSoftStart       RunningState = 10 // 软启动
	StateConstantVoltage RunningState = 11 // 恒压
	StateConstantCurrent RunningState = 12 // 恒流
	StateStandby         RunningState = 13 // 待机
	StateOffGridInverter RunningState = 14 // 离网逆变
)

var stateNames = map[RunningState]string{
	StateLongPause:       "LONG_PAUSE",
	StateShortStop:       "SHORT_STOP",
	StateLongIdle:        "LONG_IDLE",
	StateShortIdle:       "SHORT_IDLE",
	StateStop:            "STOP",
	StateFault:           "FAULT",
	StateACConstantPower: "AC_CONSTANT_POWER",
	StatePowerFailure:    "POWER_FAILURE",
	StateSelfCheck:       "SELF_CHECK",
	StateSoftStart:       "SOFT_START",
	StateConstantVoltage: "CONSTANT_VOLTAGE",
	StateConstantCurrent: "CONSTANT_CURRENT",
	StateStandby:         "STANDBY",
	StateOffGridInverter: "OFF_GRID_INVERTER",
}

func (s RunningState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(s))
}

// Converting 变换器是否处于功率输出/软启动阶段。
// 模式切换要求设备处于停止类状态, 该判断是本地守卫的依据。
func (s RunningState) Converting() bool {
	switch s {
	case StateACConstantPower, StateSelfCheck, StateSoftStart,
		StateConstantVoltage, StateConstantCurrent, StateOffGridInverter:
		return true
	}
	return false
}

// FaultCAN1 CAN1 通信故障, PCS 在 5s 心跳饥饿后锁存并停机
const FaultCAN1 uint16 = 0x800D

// faultCodes 故障码表 (协议附录 2)
var faultCodes = map[uint16]string{
	0x800D: "CAN1 equipment failure",
	0x800E: "CAN2 equipment failure",
	0x800F: "485-1 communication failure",
	0x8010: "485-2 communication failure",
	0x8011: "DSP soft start timeout",
	0x8012: "Emergency stop button pressed",
	0x8013: "Gun head temperature exceeds limit",
	0x8014: "Detection point 1 voltage abnormality",
	0x8015: "Network disconnection",
	// 电池 / 直流侧故障
	1:  "Battery voltage too high / over limit",
	2:  "Battery voltage low / over limit",
	3:  "Battery reverse connection",
	4:  "Current over limit",
	5:  "Overtemperature fault (>90C)",
	6:  "Soft start timeout (>10s)",
	15: "Overcurrent count exceeds limit",
	16: "Overvoltage count exceeds limit",
	17: "Power limit exceeded",
	18: "Emergency stop button pressed",
	26: "Slave failure",
	// 交流 / 电网侧故障
	257: "High grid voltage fault (>264V)",
	258: "Low grid voltage fault (<176V)",
	265: "Input voltage negative phase sequence",
	280: "Radiator temperature high fault (>90C)",
}

// FaultDescription 故障码的可读描述
func FaultDescription(code uint16) string {
	if code == 0 {
		return "No fault"
	}
	if desc, ok := faultCodes[code]; ok {
		return desc
	}
	return fmt.Sprintf("Internal failure (code 0x%04X) - contact factory", code)
}
