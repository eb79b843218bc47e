package ystech

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPF 收到的 PF 没有对应的解码器 (丢弃处理)
	ErrUnknownPF = errors.New("未知的 PF 报文类型")
	// ErrUnknownMode 编码时遇到未定义的工作模式码
	ErrUnknownMode = errors.New("未知的工作模式")
	// ErrMissingContextForControl 启停命令缺少上一次观测到的控制字段向量
	ErrMissingContextForControl = errors.New("启停命令缺少设备控制状态上下文")
)

// TruncatedFrameError 数据单元长度不足以解析声明的字段
type TruncatedFrameError struct {
	PF   byte
	Have int
	Need int
}

func (e *TruncatedFrameError) Error() string {
	return fmt.Sprintf("PF 0x%02X 报文截断: 收到 %d 字节, 需要 %d 字节", e.PF, e.Have, e.Need)
}

// OutOfRangeError 工程值按分辨率换算后超出原始整数宽度
type OutOfRangeError struct {
	PF    byte
	Field string
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("PF 0x%02X 字段 %s 超出可编码范围", e.PF, e.Field)
}

// InvalidIdentifierError CAN ID 字段超出 J1939 位域范围
type InvalidIdentifierError struct {
	Field string
	Value int
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("无效的 CAN 标识符字段 %s=%d", e.Field, e.Value)
}

func truncated(pf byte, have, need int) error {
	return &TruncatedFrameError{PF: pf, Have: have, Need: need}
}
