package canbus

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// hardware 后端: CAN-以太网透传适配器的 TCP 客户端。
// 线缆帧格式固定 13 字节: [ID u32 大端, 最高位=扩展帧标志][DLC u8][数据 8]。

const (
	wireFrameSize  = 13
	dialTimeout    = 3 * time.Second
	sendDeadline   = 1 * time.Second
	defaultBackoff = 5 * time.Second
)

// TCPBus 实现 Bus 接口的 hardware 后端
type TCPBus struct {
	addr       string
	bitrate    int
	backoffCap time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	filters []Filter
	closed  bool
}

// NewTCP 创建 hardware 后端。channel 为适配器地址 "host:port"。
func NewTCP(channel string, bitrate int, backoffCap time.Duration, logger *zap.Logger) *TCPBus {
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}
	if backoffCap <= 0 {
		backoffCap = defaultBackoff
	}
	return &TCPBus{
		addr:       channel,
		bitrate:    bitrate,
		backoffCap: backoffCap,
		logger:     logger,
	}
}

func (b *TCPBus) Open() error {
	if b.bitrate != DefaultBitrate {
		b.logger.Warn("[CANBus] Non-standard bitrate configured",
			zap.Int("bitrate", b.bitrate), zap.Int("expected", DefaultBitrate))
	}
	conn, err := net.DialTimeout("tcp", b.addr, dialTimeout)
	if err != nil {
		return &TransientError{Err: err}
	}
	b.mu.Lock()
	b.conn = conn
	b.closed = false
	b.mu.Unlock()
	b.logger.Info("[CANBus] Connected", zap.String("addr", b.addr), zap.Int("bitrate", b.bitrate))
	return nil
}

func (b *TCPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.logger.Info("[CANBus] Disconnected", zap.String("addr", b.addr))
	return nil
}

func (b *TCPBus) current() (net.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.conn == nil {
		return nil, &TransientError{Err: errors.New("not connected")}
	}
	return b.conn, nil
}

// Send 写一帧。瞬时错误在内部重试一次后才浮出。
func (b *TCPBus) Send(id uint32, data []byte) error {
	err := b.sendOnce(id, data)
	var te *TransientError
	if errors.As(err, &te) {
		err = b.sendOnce(id, data)
	}
	return err
}

func (b *TCPBus) sendOnce(id uint32, data []byte) error {
	conn, err := b.current()
	if err != nil {
		return err
	}
	var buf [wireFrameSize]byte
	binary.BigEndian.PutUint32(buf[0:4], id&EFFMask|EFFFlag)
	n := len(data)
	if n > 8 {
		n = 8
	}
	buf[4] = byte(n)
	copy(buf[5:], data[:n])

	_ = conn.SetWriteDeadline(time.Now().Add(sendDeadline))
	if _, err := conn.Write(buf[:]); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrSendTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return &TransientError{Err: err}
	}
	return nil
}

// Recv 在期限内读一帧; 到期无帧返回 (nil, nil)。
// 不命中过滤器的帧在期限内继续读取。
func (b *TCPBus) Recv(timeout time.Duration) (*Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := b.current()
		if err != nil {
			return nil, err
		}
		_ = conn.SetReadDeadline(deadline)
		var buf [wireFrameSize]byte
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, nil
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, &TransientError{Err: err}
		}
		raw := binary.BigEndian.Uint32(buf[0:4])
		dlc := int(buf[4])
		if dlc > 8 {
			dlc = 8
		}
		frame := &Frame{
			ID:        raw & EFFMask,
			Data:      append([]byte(nil), buf[5:5+dlc]...),
			Extended:  raw&EFFFlag != 0,
			Timestamp: time.Now(),
		}
		b.mu.Lock()
		ok := matchFilters(b.filters, frame.ID)
		b.mu.Unlock()
		if ok {
			return frame, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// Reconnect 指数退避重连: 100ms, 200ms, ... 封顶 backoffCap,
// 无限尝试直到成功或 stop 关闭。
func (b *TCPBus) Reconnect(stop <-chan struct{}) error {
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()

	for attempt := 0; ; attempt++ {
		select {
		case <-stop:
			return ErrClosed
		default:
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return ErrClosed
		}

		err := b.Open()
		if err == nil {
			return nil
		}
		delay := backoffSchedule(attempt, b.backoffCap)
		b.logger.Warn("[CANBus] Reconnect failed",
			zap.Error(err), zap.Duration("retry_in", delay), zap.Int("attempt", attempt+1))
		select {
		case <-stop:
			return ErrClosed
		case <-time.After(delay):
		}
	}
}

// SetFilters hardware 适配器不支持下发硬件过滤, 在软件侧过滤
func (b *TCPBus) SetFilters(filters []Filter) {
	b.mu.Lock()
	b.filters = append([]Filter(nil), filters...)
	b.mu.Unlock()
}
