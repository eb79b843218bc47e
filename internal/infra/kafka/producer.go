package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"pcs-gateway/internal/config"
	"pcs-gateway/internal/infra/mq"
)

// KafkaProducer 把 PCS 遥测写入 Kafka。
// 分区键取 PCS 的 CAN 地址: 同一台设备的帧落在同一分区,
// 消费侧按到达顺序重建单设备时间线。
type KafkaProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
	topic  string
}

var _ mq.Producer = (*KafkaProducer)(nil)

func NewKafkaProducer(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	w := &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers...),
		Topic: cfg.Topic,
		// 按消息键哈希分区, 配合 PCS 地址键保证单设备有序
		Balancer:               &kafka.Hash{},
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true, // 异步写, 遥测流不等待确认
	}

	logger.Info("[Kafka] Producer initialized",
		zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))

	return &KafkaProducer{
		writer: w,
		logger: logger,
		topic:  cfg.Topic,
	}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, msg mq.Message) error {
	targetTopic := p.topic
	if msg.Topic != "" {
		targetTopic = msg.Topic
	}
	key := fmt.Sprintf("pcs-%02x", msg.PCSAddr)

	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic: targetTopic,
			Key:   []byte(key),
			Value: msg.Body,
			Headers: []kafka.Header{
				{Key: "pf", Value: []byte(msg.PF)},
			},
		},
	)
	if err != nil {
		p.logger.Error("[Kafka] Produce failed",
			zap.Error(err), zap.String("topic", targetTopic), zap.String("pf", msg.PF))
		return err
	}

	p.logger.Debug("[Kafka] Produced",
		zap.String("topic", targetTopic), zap.String("key", key), zap.String("pf", msg.PF))
	return nil
}

func (p *KafkaProducer) Close() {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("[Kafka] Close failed", zap.Error(err))
	}
}
