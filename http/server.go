// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	log    *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        2 * time.Minute,
		AllowedOrigins: []string{"*"},
	}
}

// NewHandler 返回带中间件链的路由
func NewHandler(config ServerConfig, handlers *Handlers, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	handlers.Register(mux)

	// 创建中间件链
	chain := Chain(
		RecoveryMiddleware(log),               // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(log),                 // 2. 日志中间件
		SecurityHeadersMiddleware,             // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins), // 4. CORS中间件
		TimeoutMiddleware(config.Timeout),     // 5. 超时中间件
		RequestSizeMiddleware(maxQueryBytes),  // 6. 请求大小限制
	)
	return chain(mux)
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, handlers *Handlers, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	// 写超时需要覆盖完整的查询和推理
	writeTimeout := config.Timeout
	if writeTimeout > 0 {
		writeTimeout += 10 * time.Second
	}

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           NewHandler(config, handlers, log),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		log:    log,
	}
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve 在已有的监听器上提供服务
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("starting HTTP server",
		zap.String("addr", ln.Addr().String()),
		zap.String("websocket", "/api/ws"))

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.log.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
