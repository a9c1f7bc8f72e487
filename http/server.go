// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fittrack/auth"
	"fittrack/ml"
	"fittrack/monitoring"
	"fittrack/tracker"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// ModelStatus 模型状态
type ModelStatus interface {
	State() ml.State
}

// Deps 服务器依赖
type Deps struct {
	Service  *tracker.Service
	Model    ModelStatus
	Tokens   *auth.Manager
	Hub      *monitoring.LeaderboardHub
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewHandler 组装路由和中间件链
func NewHandler(config ServerConfig, deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	newHandlers(deps).register(mux)

	// 创建中间件链
	chain := Chain(
		RecoveryMiddleware(deps.Logger, deps.Metrics), // 1. 恢复中间件（最先执行，捕获panic）
		RequestIDMiddleware,                           // 2. 请求ID
		LoggerMiddleware(deps.Logger),                 // 3. 日志中间件
		SecurityHeadersMiddleware,                     // 4. 安全头中间件
		CORSMiddleware(config.AllowedOrigins),         // 5. CORS中间件
		RequestSizeMiddleware(config.MaxBodyBytes),    // 6. 请求大小限制
		MetricsMiddleware(deps.Metrics),               // 7. 指标（紧贴路由，读取匹配的路由模式）
	)

	return chain(mux)
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      NewHandler(config, deps),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
		config: config,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", s.server.Addr),
		zap.String("leaderboard_ws", fmt.Sprintf("ws://localhost%s/api/ws/leaderboard", s.server.Addr)))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
