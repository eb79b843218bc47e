package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"pcs-gateway/internal/infra/mq"
	"pcs-gateway/internal/protocol/ystech"
)

// 遥测分发器: 把接收泵解码出的记录经缓冲通道交给 worker 池,
// 由 worker 推送到消息队列。投递永远非阻塞, 队列满则丢弃计数,
// 不允许反压传导到接收泵。

// Payload 推送到 MQ 的遥测载荷
type Payload struct {
	PCSAddr byte        `json:"pcs_addr"`
	PF      string      `json:"pf"`
	Time    time.Time   `json:"time"`
	Data    interface{} `json:"data"`
}

// Dispatcher 遥测分发器
type Dispatcher struct {
	dataChan    chan Payload
	producer    mq.Producer
	topic       string
	logger      *zap.Logger
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// New 创建遥测分发器
func New(producer mq.Producer, topic string, workerCount int, logger *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		dataChan:    make(chan Payload, 10000), // 带缓冲, 防止阻塞接收泵
		producer:    producer,
		topic:       topic,
		workerCount: workerCount,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 启动 worker 协程池
func (d *Dispatcher) Start() {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("[Dispatcher] Started", zap.Int("workers", d.workerCount))
}

// Stop 停止分发器并等待所有 worker 退出
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("[Dispatcher] Stopped", zap.Uint64("dropped_total", d.Dropped()))
}

// Dispatch 非阻塞投递; 通道满则丢弃并计数
func (d *Dispatcher) Dispatch(p Payload) {
	select {
	case d.dataChan <- p:
	default:
		d.mu.Lock()
		d.dropped++
		dropped := d.dropped
		d.mu.Unlock()
		d.logger.Warn("[Dispatcher] Channel full, payload dropped",
			zap.String("pf", p.PF), zap.Uint64("dropped_total", dropped))
	}
}

// Dropped 因通道满被丢弃的载荷总数
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Hook 返回可直接挂到会话 Subscribe 的回调
func (d *Dispatcher) Hook(pcsAddr byte) func(pf byte, value interface{}) {
	return func(pf byte, value interface{}) {
		d.Dispatch(Payload{
			PCSAddr: pcsAddr,
			PF:      ystech.PFName(pf),
			Time:    time.Now(),
			Data:    value,
		})
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case p := <-d.dataChan:
			d.produce(p)
		}
	}
}

// produce 序列化在 worker 侧完成, broker 只拿路由字段和字节
func (d *Dispatcher) produce(p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		d.logger.Error("[Dispatcher] Marshal failed",
			zap.Error(err), zap.String("pf", p.PF))
		return
	}
	msg := mq.Message{
		Topic:   d.topic,
		PCSAddr: p.PCSAddr,
		PF:      p.PF,
		Body:    body,
	}
	if err := d.producer.Produce(d.ctx, msg); err != nil {
		d.logger.Error("[Dispatcher] Produce failed",
			zap.Error(err), zap.String("pf", p.PF))
	}
}
