package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"PluginRuntime/internal/auth"
	"PluginRuntime/internal/observability/metrics"
	"PluginRuntime/pkg/hook"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// PluginService 是管理接口依赖的运行时能力，*plugin.Runtime 满足该接口。
type PluginService interface {
	Scan(ctx context.Context) ([]plugin.Metadata, error)
	EnableAll(ctx context.Context, slugs []string) ([]plugin.Result, error)
	Enable(ctx context.Context, slug string) (bool, error)
	Disable(ctx context.Context, slug string) (bool, error)
	Uninstall(ctx context.Context, slug string) (bool, error)
	Grant(ctx context.Context, slug, permission string) error
	Revoke(ctx context.Context, slug, permission string) error
	Granted(ctx context.Context, slug string) []string
	Pending(ctx context.Context, slug string) []string
	Usage(ctx context.Context, slug, permission string) plugin.Usage
	Get(slug string) (plugin.Entry, bool)
	List() []plugin.Entry
	Menus(surface string) []plugin.MenuEntry
	Routes() []plugin.RouteInfo
	Hooks() *hook.Bus
}

var _ PluginService = (*plugin.Runtime)(nil)

// Config 描述 HTTP 服务参数。
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string
}

// Option 调整 Server 的可选依赖。
type Option func(*Server)

// WithAuth 为 /api/v1 启用令牌鉴权。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 启用请求指标与指标导出端点。
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Server) { s.metrics = reg }
}

// WithPluginRouter 将插件路由挂载到 /ext。
func WithPluginRouter(router *PluginRouter) Option {
	return func(s *Server) { s.plugins = router }
}

// WithLogger 指定访问日志使用的记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthCheck 追加健康检查，任一检查失败时 /healthz 返回 503。
func WithHealthCheck(name string, check func(context.Context) error) Option {
	return func(s *Server) {
		if check != nil {
			s.checks = append(s.checks, healthCheck{name: name, fn: check})
		}
	}
}

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

// Server 暴露插件管理接口以及插件贡献的路由。
type Server struct {
	cfg     Config
	runtime PluginService
	auth    *auth.Service
	metrics *metrics.Registry
	plugins *PluginRouter
	logger  *slog.Logger
	checks  []healthCheck

	handler http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, rt PluginService, opts ...Option) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{cfg: cfg, runtime: rt, logger: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由树，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions()}))
		}
		r.Get("/plugins", s.handleListPlugins)
		r.Post("/plugins/scan", s.handleScan)
		r.Post("/plugins/enable", s.handleEnableBatch)
		r.Route("/plugins/{slug}", func(r chi.Router) {
			r.Get("/", s.handleGetPlugin)
			r.Post("/enable", s.handleEnable)
			r.Post("/disable", s.handleDisable)
			r.Post("/uninstall", s.handleUninstall)
			r.Get("/permissions", s.handlePermissions)
			r.Post("/permissions/{permission}", s.handleGrant)
			r.Delete("/permissions/{permission}", s.handleRevoke)
		})
		r.Get("/menus/{surface}", s.handleMenus)
		r.Get("/routes", s.handleRoutes)
		r.Get("/hooks/stats", s.handleHookStats)
	})

	if s.plugins != nil {
		r.Mount("/ext", s.plugins)
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务启动", "address", s.cfg.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭超时", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
