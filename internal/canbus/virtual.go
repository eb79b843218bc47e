package canbus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 进程内虚拟总线: 一个 hub 对应一条总线, 多个端点互为对端。
// 广播语义与物理 CAN 一致 (发送方不回环), 过滤在软件侧完成。

const endpointQueueSize = 512

var (
	hubsMu sync.Mutex
	hubs   = map[string]*Hub{}
)

// Hub 一条虚拟总线
type Hub struct {
	name      string
	mu        sync.Mutex
	endpoints map[*VirtualBus]struct{}
}

// OpenHub 获取或创建指定名称的虚拟总线
func OpenHub(name string) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	if h, ok := hubs[name]; ok {
		return h
	}
	h := &Hub{name: name, endpoints: map[*VirtualBus]struct{}{}}
	hubs[name] = h
	return h
}

func listHubs() []string {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	names := make([]string, 0, len(hubs))
	for name := range hubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) attach(ep *VirtualBus) {
	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) detach(ep *VirtualBus) {
	h.mu.Lock()
	delete(h.endpoints, ep)
	h.mu.Unlock()
}

// broadcast 投递给除发送方以外的所有端点
func (h *Hub) broadcast(from *VirtualBus, frame *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ep := range h.endpoints {
		if ep == from {
			continue
		}
		ep.deliver(frame)
	}
}

// VirtualBus 虚拟总线端点, 实现 Bus 接口
type VirtualBus struct {
	hub    *Hub
	logger *zap.Logger

	mu      sync.Mutex
	filters []Filter
	closed  bool
	dropped uint64

	rx chan *Frame
}

// NewVirtual 在指定 hub 上创建一个端点 (尚未附着, 需 Open)
func NewVirtual(channel string, logger *zap.Logger) *VirtualBus {
	return &VirtualBus{
		hub:    OpenHub(channel),
		logger: logger,
		rx:     make(chan *Frame, endpointQueueSize),
	}
}

func (b *VirtualBus) Open() error {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
	b.hub.attach(b)
	return nil
}

func (b *VirtualBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.hub.detach(b)
	return nil
}

func (b *VirtualBus) Send(id uint32, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	frame := &Frame{
		ID:        id & EFFMask,
		Data:      append([]byte(nil), data...),
		Extended:  true,
		Timestamp: time.Now(),
	}
	b.hub.broadcast(b, frame)
	return nil
}

func (b *VirtualBus) deliver(frame *Frame) {
	b.mu.Lock()
	if b.closed || !matchFilters(b.filters, frame.ID) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	select {
	case b.rx <- frame:
	default:
		// 队列满, 丢帧计数
		b.mu.Lock()
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		if b.logger != nil {
			b.logger.Warn("[VirtualBus] RX queue full, frame dropped",
				zap.String("hub", b.hub.name),
				zap.Uint64("dropped_total", dropped))
		}
	}
}

func (b *VirtualBus) Recv(timeout time.Duration) (*Frame, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-b.rx:
		return frame, nil
	case <-timer.C:
		return nil, nil
	}
}

// Reconnect 虚拟端点重连即重新附着 hub
func (b *VirtualBus) Reconnect(stop <-chan struct{}) error {
	select {
	case <-stop:
		return ErrClosed
	default:
	}
	return b.Open()
}

func (b *VirtualBus) SetFilters(filters []Filter) {
	b.mu.Lock()
	b.filters = append([]Filter(nil), filters...)
	b.mu.Unlock()
}
