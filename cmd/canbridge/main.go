package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pcs-gateway/internal/config"
	"pcs-gateway/internal/server"
)

// CAN 帧中继进程: 让 hardware 后端的多个端点 (控制器/模拟器/
// 透传适配器) 共享一条逻辑总线。

func main() {
	host := flag.String("host", "0.0.0.0", "监听地址")
	port := flag.Int("port", 2323, "监听端口")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	srv := server.NewBridgeServer(config.BridgeConfig{Host: *host, Port: *port}, logger)

	go func() {
		if err := srv.Start(context.Background()); err != nil {
			logger.Fatal("Bridge failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	_ = srv.Stop(context.Background())
}
