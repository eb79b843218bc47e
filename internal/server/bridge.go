package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"pcs-gateway/internal/config"
)

// CAN 帧中继服务: 在 TCP 端点之间转发固定 13 字节帧
// ([ID u32 大端, 最高位=扩展帧标志][DLC u8][数据 8])。
// 语义等同一条共享总线: 每个连接收到除自己以外所有端点的帧。
// CAN-以太网透传适配器和 hardware 后端都说这种格式。

const wireFrameSize = 13

// connContext 保存每个连接的粘包缓冲
type connContext struct {
	buffer []byte
	addr   string
}

// BridgeServer 帧中继服务
type BridgeServer struct {
	gnet.BuiltinEventEngine

	addr      string
	multicore bool
	logger    *zap.Logger

	mu    sync.Mutex
	conns map[gnet.Conn]struct{}
}

func NewBridgeServer(cfg config.BridgeConfig, logger *zap.Logger) *BridgeServer {
	return &BridgeServer{
		addr:      fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port),
		multicore: true,
		logger:    logger,
		conns:     map[gnet.Conn]struct{}{},
	}
}

func (s *BridgeServer) OnBoot(eng gnet.Engine) (action gnet.Action) {
	s.logger.Info("[Bridge] Booting", zap.String("address", s.addr))
	return
}

func (s *BridgeServer) OnOpen(c gnet.Conn) (out []byte, action gnet.Action) {
	c.SetContext(&connContext{
		buffer: make([]byte, 0, 1024),
		addr:   c.RemoteAddr().String(),
	})
	s.mu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	s.logger.Info("[Bridge] Endpoint attached",
		zap.String("remote_addr", c.RemoteAddr().String()), zap.Int("endpoints", total))
	return
}

func (s *BridgeServer) OnTraffic(c gnet.Conn) (action gnet.Action) {
	ctx := c.Context().(*connContext)

	buf, _ := c.Next(-1)
	if len(buf) == 0 {
		return
	}
	ctx.buffer = append(ctx.buffer, buf...)

	// 整帧转发, 余量留在缓冲区
	for len(ctx.buffer) >= wireFrameSize {
		frame := make([]byte, wireFrameSize)
		copy(frame, ctx.buffer[:wireFrameSize])
		ctx.buffer = ctx.buffer[wireFrameSize:]
		s.broadcast(c, frame)
	}
	return
}

// broadcast 发送方不回环
func (s *BridgeServer) broadcast(from gnet.Conn, frame []byte) {
	s.mu.Lock()
	peers := make([]gnet.Conn, 0, len(s.conns))
	for conn := range s.conns {
		if conn != from {
			peers = append(peers, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range peers {
		if err := conn.AsyncWrite(frame, nil); err != nil {
			s.logger.Warn("[Bridge] Relay write failed",
				zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
		}
	}
}

func (s *BridgeServer) OnClose(c gnet.Conn, err error) (action gnet.Action) {
	s.mu.Lock()
	delete(s.conns, c)
	total := len(s.conns)
	s.mu.Unlock()
	s.logger.Info("[Bridge] Endpoint detached",
		zap.String("remote", c.RemoteAddr().String()),
		zap.Int("endpoints", total), zap.Error(err))
	return
}

func (s *BridgeServer) OnShutdown(eng gnet.Engine) {
	s.logger.Info("[Bridge] Shutting down")
}

func (s *BridgeServer) Start(ctx context.Context) error {
	s.logger.Info("[Bridge] Starting", zap.String("addr", s.addr))
	return gnet.Run(s, s.addr,
		gnet.WithMulticore(s.multicore),
		gnet.WithLogger(s.logger.Sugar()),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	)
}

func (s *BridgeServer) Stop(ctx context.Context) error {
	s.logger.Info("[Bridge] Stopping...")
	return gnet.Stop(context.Background(), s.addr)
}
