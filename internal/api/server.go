package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"AgentDesk/internal/chat"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/internal/session"
	"AgentDesk/internal/stream"
	"AgentDesk/internal/task"
	"AgentDesk/pkg/logger"
)

const (
	defaultHeartbeat       = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxRequestBody         = 1 << 20
)

// ChatService 是 API 依赖的对话入口，由 chat.Service 实现。
type ChatService interface {
	Start(ctx context.Context, req chat.StartRequest) (chat.StartResult, error)
	Respond(ctx context.Context, sessionID, message string) (chat.RespondResult, error)
}

// SessionReader 提供会话只读视图。
type SessionReader interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	PeekPending(ctx context.Context, id string) (*session.PendingToolCall, error)
}

// TaskReader 提供循环任务查询。
type TaskReader interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

var (
	_ ChatService   = (*chat.Service)(nil)
	_ SessionReader = (*session.Manager)(nil)
	_ TaskReader    = (*task.Service)(nil)
)

// Option 定制 Server。
type Option func(*Server)

// WithHeartbeat 设置 SSE 心跳与 WebSocket ping 间隔。
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMetrics 挂载 Prometheus 中间件与指标端点。
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithTasks 启用任务查询接口。
func WithTasks(tasks TaskReader) Option {
	return func(s *Server) {
		s.tasks = tasks
	}
}

// Server 负责暴露 REST、SSE 与 WebSocket 接口。
type Server struct {
	addr     string
	chat     ChatService
	sessions SessionReader
	hub      *stream.Hub
	tasks    TaskReader

	metrics         *metrics.Metrics
	metricsPath     string
	heartbeat       time.Duration
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader
	log             *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, chatSvc ChatService, sessions SessionReader, hub *stream.Hub, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		chat:            chatSvc,
		sessions:        sessions,
		hub:             hub,
		metricsPath:     "/metrics",
		heartbeat:       defaultHeartbeat,
		shutdownTimeout: defaultShutdownTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Routes 构建完整的路由树。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", s.handleStartChat)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/messages", s.handleRespond)
			r.Get("/events", s.handleEvents)
			r.Delete("/events", s.handleUnsubscribe)
			r.Get("/ws", s.handleWebSocket)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/stats", s.handleTaskStats)
			r.Get("/{id}", s.handleTaskDetail)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// requestLogger 以结构化日志记录每个请求。
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("请求完成",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}
