package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pcs-gateway/internal/canbus"
	"pcs-gateway/internal/sim"
)

// 独立模拟器进程: 通过帧中继服务 (canbridge) 或进程内虚拟总线
// 扮演 PCS 对端, 供联调与演示。

func main() {
	kind := flag.String("bus", "hardware", "总线后端: hardware / virtual")
	channel := flag.String("channel", "127.0.0.1:2323", "hardware: 中继地址; virtual: hub 名称")
	addr := flag.Uint("addr", 0xFA, "模拟 PCS 的 CAN 地址")
	tick := flag.Duration("tick", 200*time.Millisecond, "周期帧间隔")
	hbTimeout := flag.Duration("hb-timeout", 5*time.Second, "心跳饥饿阈值")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	bus, err := canbus.Open(canbus.Config{Kind: *kind, Channel: *channel}, 0, logger)
	if err != nil {
		logger.Fatal("Failed to open CAN bus", zap.Error(err))
	}

	pcs := sim.New(bus, sim.Config{
		PCSAddr:          byte(*addr),
		TickPeriod:       *tick,
		HeartbeatTimeout: *hbTimeout,
	}, logger)
	pcs.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down simulator...")
	pcs.Stop()
}
