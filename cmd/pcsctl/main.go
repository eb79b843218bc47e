package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"pcs-gateway/internal/canbus"
	"pcs-gateway/internal/config"
	"pcs-gateway/internal/dispatch"
	"pcs-gateway/internal/infra/kafka"
	"pcs-gateway/internal/infra/mq"
	"pcs-gateway/internal/infra/rabbitmq"
	"pcs-gateway/internal/recorder"
	"pcs-gateway/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 配置加载
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	// 2. 日志初始化 (文件滚动 + 控制台)
	logger := newLogger(cfg.Log)
	defer logger.Sync()

	// 3. 总线
	filters := make([]canbus.Filter, 0, len(cfg.Bus.Filters))
	for _, f := range cfg.Bus.Filters {
		filters = append(filters, canbus.Filter{PF: f.PF, PS: f.PS})
	}
	bus, err := canbus.Open(canbus.Config{
		Kind:    cfg.Bus.Kind,
		Channel: cfg.Bus.Channel,
		Bitrate: cfg.Bus.Bitrate,
		Filters: filters,
	}, secs(cfg.Session.ReconnectBackoffCap), logger)
	if err != nil {
		logger.Fatal("Failed to open CAN bus", zap.Error(err))
	}

	// 4. 会话
	sess, err := session.New(bus, session.Config{
		PCSAddr:             cfg.Session.PCSAddr,
		RxTimeout:           secs(cfg.Session.RxTimeout),
		CommandTimeout:      secs(cfg.Session.CommandTimeout),
		HeartbeatPeriod:     secs(cfg.Session.HeartbeatPeriod),
		ReconnectBackoffCap: secs(cfg.Session.ReconnectBackoffCap),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create session", zap.Error(err))
	}

	// 5. 帧录制
	if cfg.Record.Enabled {
		rec, err := recorder.Open(cfg.Record.Path, cfg.Record.Format, logger)
		if err != nil {
			logger.Fatal("Failed to open frame recorder", zap.Error(err))
		}
		defer rec.Close()
		sess.AddFrameHook(rec)
	}

	// 6. 遥测分发 (Kafka / RabbitMQ)
	if cfg.MessageQueue.Enabled {
		producer := newProducer(cfg.MessageQueue, logger)
		defer producer.Close()
		dispatcher := dispatch.New(producer, cfg.MessageQueue.Topic, cfg.MessageQueue.Workers, logger)
		dispatcher.Start()
		defer dispatcher.Stop()
		sess.Subscribe(dispatcher.Hook(cfg.Session.PCSAddr))
	}

	sess.Start()
	go statusLoop(sess, logger)

	// 优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	_ = sess.Close()
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zap.InfoLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(os.Stderr),
			zap.NewAtomicLevelAt(level),
		),
	}
	if cfg.Filename != "" {
		writeSyncer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			writeSyncer,
			zap.NewAtomicLevelAt(level),
		))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func newProducer(cfg config.MessageQueueConfig, logger *zap.Logger) mq.Producer {
	switch cfg.Type {
	case "kafka":
		p, err := kafka.NewKafkaProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Error("Failed to initialize Kafka producer", zap.Error(err))
			return mq.NewNoOpProducer()
		}
		return p
	case "rabbitmq":
		p, err := rabbitmq.NewRabbitMQProducer(cfg.RabbitMQ, logger)
		if err != nil {
			logger.Error("Failed to initialize RabbitMQ producer", zap.Error(err))
			return mq.NewNoOpProducer()
		}
		return p
	default:
		logger.Warn("Unknown message queue type, telemetry publishing disabled",
			zap.String("type", cfg.Type))
		return mq.NewNoOpProducer()
	}
}

// statusLoop 周期输出设备状态摘要
func statusLoop(sess *session.Session, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if sess.State() == session.StateClosed {
			return
		}
		st, _, fresh := sess.Status()
		dc, _, _ := sess.DC()
		logger.Info("PCS status",
			zap.String("session", sess.State().String()),
			zap.String("running_state", st.RunningState.String()),
			zap.Uint16("fault_code", st.FaultCode),
			zap.Bool("fresh", fresh),
			zap.Float64("dc_voltage", dc.Voltage),
			zap.Float64("dc_current", dc.Current))
	}
}
