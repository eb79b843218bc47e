package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Bus          BusConfig          `mapstructure:"bus"`
	Session      SessionConfig      `mapstructure:"session"`
	Log          LogConfig          `mapstructure:"log"`
	Record       RecordConfig       `mapstructure:"record"`
	Bridge       BridgeConfig       `mapstructure:"bridge"`
	MessageQueue MessageQueueConfig `mapstructure:"message_queue"`
}

// BusConfig 总线后端配置
type BusConfig struct {
	Kind    string         `mapstructure:"kind"`    // hardware / virtual
	Channel string         `mapstructure:"channel"` // hardware: "host:port"; virtual: hub 名称
	Bitrate int            `mapstructure:"bitrate"` // 默认 250000
	Filters []FilterConfig `mapstructure:"filters"` // 为空则全收
}

// FilterConfig 按 (PF, PS) 对过滤入站报文
type FilterConfig struct {
	PF uint8 `mapstructure:"pf"`
	PS uint8 `mapstructure:"ps"`
}

// SessionConfig 会话参数 (时长单位: 秒)
type SessionConfig struct {
	PCSAddr             uint8   `mapstructure:"pcs_addr"`
	RxTimeout           float64 `mapstructure:"rx_timeout"`
	CommandTimeout      float64 `mapstructure:"command_timeout"`
	HeartbeatPeriod     float64 `mapstructure:"heartbeat_period"`
	ReconnectBackoffCap float64 `mapstructure:"reconnect_backoff_cap"`
}

// RecordConfig 帧录制配置
type RecordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Format  string `mapstructure:"format"` // csv / jsonl
}

// BridgeConfig 帧中继服务配置
type BridgeConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type MessageQueueConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Type     string         `mapstructure:"type"` // kafka / rabbitmq
	Topic    string         `mapstructure:"topic"`
	Workers  int            `mapstructure:"workers"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RabbitMQConfig struct {
	URL              string `mapstructure:"url"`
	VirtualHost      string `mapstructure:"virtual_host"` // 为空沿用 URL 中的 vhost
	Exchange         string `mapstructure:"exchange"`
	RoutingKeyPrefix string `mapstructure:"routing_key_prefix"` // 路由键前缀, 实际键为 <前缀>.pcs<地址>.<帧名>
	QueueName        string `mapstructure:"queue_name"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	viper.SetDefault("bus.kind", "hardware")
	viper.SetDefault("bus.bitrate", 250000)
	viper.SetDefault("session.pcs_addr", 0xFA)
	viper.SetDefault("session.rx_timeout", 1.0)
	viper.SetDefault("session.command_timeout", 3.0)
	viper.SetDefault("session.heartbeat_period", 0.2)
	viper.SetDefault("session.reconnect_backoff_cap", 5.0)
	viper.SetDefault("record.format", "csv")
	viper.SetDefault("message_queue.workers", 4)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Session.RxTimeout <= 0 || c.Session.CommandTimeout <= 0 ||
		c.Session.HeartbeatPeriod <= 0 || c.Session.ReconnectBackoffCap <= 0 {
		return fmt.Errorf("session 时长参数必须为正数")
	}
	switch c.Bus.Kind {
	case "hardware", "virtual", "":
	default:
		return fmt.Errorf("未知的总线后端类型: %q", c.Bus.Kind)
	}
	return nil
}
