package mq

import (
	"context"
)

// Message 一条待发布的遥测消息。路由信息 (PCS 地址 + 帧名) 由
// 各 broker 实现自行映射: Kafka 以 PCS 地址为分区键保证单设备
// 有序, RabbitMQ 将其展开成 topic 路由键。
type Message struct {
	Topic   string // 目标 topic; 为空用 broker 配置的默认值
	PCSAddr byte   // 来源 PCS 的 CAN 地址
	PF      string // 帧名 (DCData / Status / ...)
	Body    []byte // JSON 序列化后的载荷
}

// Producer 遥测生产者抽象, Kafka 与 RabbitMQ 各有实现
type Producer interface {
	Produce(ctx context.Context, msg Message) error
	Close()
}

// NoOpProducer 关闭 MQ 时使用的空实现
type NoOpProducer struct{}

func NewNoOpProducer() *NoOpProducer {
	return &NoOpProducer{}
}

func (p *NoOpProducer) Produce(ctx context.Context, msg Message) error {
	return nil
}

func (p *NoOpProducer) Close() {
}
