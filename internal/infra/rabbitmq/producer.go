package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"pcs-gateway/internal/config"
	"pcs-gateway/internal/infra/mq"
)

// RabbitMQProducer 把 PCS 遥测发布到 RabbitMQ topic exchange。
// 路由键按 "<前缀>.pcs<地址>.<帧名>" 展开, 消费侧可以只绑定
// 感兴趣的帧族 (如 "pcs.telemetry.*.status")。
// 连接懒加载: 初始连接失败不阻塞启动, Produce 触发后台重连。
type RabbitMQProducer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	cfg        config.RabbitMQConfig
	logger     *zap.Logger
	mu         sync.Mutex
	isClosed   bool
	reconnectC chan struct{}
}

var _ mq.Producer = (*RabbitMQProducer)(nil)

func NewRabbitMQProducer(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQProducer, error) {
	p := &RabbitMQProducer{
		cfg:        cfg,
		logger:     logger,
		reconnectC: make(chan struct{}, 1),
	}

	go func() {
		p.logger.Info("[RabbitMQ] Attempting initial connection")
		if err := p.connect(); err != nil {
			p.logger.Warn("[RabbitMQ] Initial connection failed (will retry on produce)", zap.Error(err))
			p.signalReconnect()
		}
	}()
	go p.handleReconnect()

	return p, nil
}

// connURL 把配置的 VirtualHost 并入连接 URL。
// vhost 以 "/" 开头时需要转义成 %2f 形式。
func (p *RabbitMQProducer) connURL() (string, error) {
	uri, err := amqp.ParseURI(p.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid RabbitMQ url: %w", err)
	}
	if p.cfg.VirtualHost != "" {
		uri.Vhost = p.cfg.VirtualHost
	}
	return uri.String(), nil
}

func (p *RabbitMQProducer) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	connURL, err := p.connURL()
	if err != nil {
		return err
	}

	// 日志里屏蔽口令
	masked := connURL
	if u, err := amqp.ParseURI(connURL); err == nil {
		u.Password = "******"
		masked = u.String()
	}
	p.logger.Debug("[RabbitMQ] Connecting", zap.String("url", masked))

	conn, err := amqp.Dial(connURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	// exchange 声明幂等
	err = ch.ExchangeDeclare(
		p.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if p.cfg.QueueName != "" {
		if _, err = ch.QueueDeclare(p.cfg.QueueName, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue: %w", err)
		}
		// 绑定用通配路由键, 队列收取该前缀下所有 PCS 的帧
		bindKey := p.cfg.RoutingKeyPrefix + ".#"
		if err = ch.QueueBind(p.cfg.QueueName, bindKey, p.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to bind queue: %w", err)
		}
	}

	p.conn = conn
	p.ch = ch
	p.isClosed = false

	// 监听连接断开
	go func() {
		<-conn.NotifyClose(make(chan *amqp.Error))
		p.signalReconnect()
	}()

	p.logger.Info("[RabbitMQ] Connected",
		zap.String("exchange", p.cfg.Exchange), zap.String("vhost", p.cfg.VirtualHost))
	return nil
}

func (p *RabbitMQProducer) signalReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isClosed {
		select {
		case p.reconnectC <- struct{}{}:
		default:
		}
	}
}

func (p *RabbitMQProducer) handleReconnect() {
	for range p.reconnectC {
		p.logger.Warn("[RabbitMQ] Connection lost, reconnecting")
		for {
			if err := p.connect(); err != nil {
				p.logger.Error("[RabbitMQ] Reconnect failed", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}
			break
		}
	}
}

// routingKey 帧的路由键: <前缀>.pcs<地址>.<帧名小写>
func (p *RabbitMQProducer) routingKey(msg mq.Message) string {
	return fmt.Sprintf("%s.pcs%02x.%s",
		p.cfg.RoutingKeyPrefix, msg.PCSAddr, strings.ToLower(msg.PF))
}

func (p *RabbitMQProducer) Produce(ctx context.Context, msg mq.Message) error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return fmt.Errorf("connection is closed")
	}
	if p.ch == nil || p.ch.IsClosed() {
		p.mu.Unlock()
		p.signalReconnect()
		return fmt.Errorf("RabbitMQ not connected")
	}
	ch := p.ch
	p.mu.Unlock()

	routingKey := p.routingKey(msg)
	err := ch.PublishWithContext(ctx,
		p.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Timestamp:   time.Now(),
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug("[RabbitMQ] Published",
		zap.String("exchange", p.cfg.Exchange), zap.String("routing_key", routingKey))
	return nil
}

func (p *RabbitMQProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isClosed = true
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
