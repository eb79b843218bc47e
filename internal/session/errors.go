package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected 会话尚未建立 (未收到任何 PCS 报文) 或已关闭
	ErrNotConnected = errors.New("session: not connected")
	// ErrBusy 同一 PF 已有在途请求
	ErrBusy = errors.New("session: request already in flight for this PF")
	// ErrCommandTimeout 命令在期限内未收到应答
	ErrCommandTimeout = errors.New("session: command timeout")
	// ErrModeChangeWhileRunning 模式切换要求设备处于停止状态
	ErrModeChangeWhileRunning = errors.New("session: mode change requires the PCS to be stopped")
	// ErrInvalidConfig 会话配置不合法
	ErrInvalidConfig = errors.New("session: invalid config")
)

// CommandRejectedError PCS 明确拒绝了命令 (NACK 或状态未达成)
type CommandRejectedError struct {
	Reason string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("session: command rejected: %s", e.Reason)
}
