package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PluginRuntime/examples/plugins/auditlog"
	"PluginRuntime/examples/plugins/hello"
	"PluginRuntime/internal/api"
	"PluginRuntime/internal/auth"
	"PluginRuntime/internal/config"
	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/internal/events"
	"PluginRuntime/internal/observability/alerting"
	"PluginRuntime/internal/observability/metrics"
	"PluginRuntime/internal/storage/file"
	"PluginRuntime/internal/storage/mysql"
	"PluginRuntime/internal/storage/redis"
	"PluginRuntime/pkg/hook"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// main 是插件宿主守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pluginhostd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("pluginhostd")

	options, closeOptions, err := openOptionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeOptions()

	counters := openCounterStore(ctx, cfg, lg)
	if closer, ok := counters.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	pluginCfg, err := pluginConfig(cfg)
	if err != nil {
		return err
	}

	registry := plugin.NewRegistry()
	registry.MustRegister(hello.Slug, hello.New)
	registry.MustRegister(auditlog.Slug, auditlog.New)

	bus := hook.New(hook.WithLogger(logger.Named("hooks")))
	router := api.NewPluginRouter()

	rtOpts := []plugin.Option{
		plugin.WithLoader(plugin.ChainLoader{registry, plugin.GoPluginLoader{}}),
		plugin.WithOptionStore(options),
		plugin.WithRouter(router),
		plugin.WithHooks(bus),
		plugin.WithLogger(logger.Named("plugins")),
		plugin.WithAuditLogger(logger.Audit()),
		plugin.WithEnvironment(cfg.Plugins.Environment),
		plugin.WithResource("logger", logger.Named("plugin")),
	}
	if counters != nil {
		rtOpts = append(rtOpts, plugin.WithCounterStore(counters))
	}
	rt, err := plugin.NewRuntime(pluginCfg, rtOpts...)
	if err != nil {
		return fmt.Errorf("创建插件运行时失败: %w", err)
	}

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
		reg.MustRegister(metrics.NewRuntimeCollector(rt))
		stopWatch := reg.WatchHooks(bus)
		defer stopWatch()
	}

	bridge, err := startEventBridge(ctx, cfg, bus, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			lg.Warn("关闭事件转发失败", "error", err)
		}
	}()

	if err := rt.SeedGrants(ctx); err != nil {
		return fmt.Errorf("写入初始授权失败: %w", err)
	}
	metas, err := rt.Scan(ctx)
	if err != nil {
		return fmt.Errorf("扫描插件目录失败: %w", err)
	}
	alerts := newAlerts(cfg)
	results, err := rt.LoadEnabled(ctx)
	if err != nil {
		// 依赖错误不阻止宿主启动，管理员可通过 API 修复后重新启用。
		lg.Error("加载已启用插件失败", "error", err)
		if alertErr := alerts.Notify(ctx, alerting.FromError("", "load_enabled", err, time.Now())); alertErr != nil {
			lg.Warn("发送告警失败", "error", alertErr)
		}
	}
	if err := alerting.ReportResults(ctx, alerts, results, time.Now()); err != nil {
		lg.Warn("发送告警失败", "error", err)
	}
	lg.Info("插件宿主就绪", "discovered", len(metas), "enabled", countEnabled(results))

	serverOpts := []api.Option{
		api.WithPluginRouter(router),
		api.WithLogger(logger.Named("api")),
		api.WithAuth(auth.NewService(auth.Config{AdminToken: cfg.AdminToken()}).WithAuditLogger(logger.Audit())),
	}
	if reg != nil {
		serverOpts = append(serverOpts, api.WithMetrics(reg))
	}
	if pinger, ok := options.(interface{ Ping(context.Context) error }); ok {
		serverOpts = append(serverOpts, api.WithHealthCheck("options", pinger.Ping))
	}
	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		MetricsPath:     cfg.Metrics.Path,
	}, rt, serverOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("插件宿主已退出")
	return nil
}

// pluginConfig 读取能力策略文件，并以宿主配置覆盖目录、菜单位置与键前缀。
func pluginConfig(cfg *config.Config) (plugin.Config, error) {
	var pc plugin.Config
	if cfg.Plugins.PolicyFile != "" {
		loaded, err := plugin.LoadConfig(cfg.Plugins.PolicyFile)
		if err != nil {
			return pc, err
		}
		pc = loaded
	}
	pc.PluginDir = cfg.Plugins.Dir
	if len(cfg.Plugins.Surfaces) > 0 {
		pc.Surfaces = cfg.Plugins.Surfaces
	}
	if cfg.Plugins.KeyPrefix != "" {
		pc.KeyPrefix = cfg.Plugins.KeyPrefix
	}
	return pc, nil
}

func openOptionStore(ctx context.Context, cfg *config.Config) (plugin.OptionStore, func(), error) {
	noop := func() {}
	switch cfg.Options.Driver {
	case "memory":
		return plugin.NewMemoryOptions(), noop, nil
	case "file":
		store, err := file.NewOptionStore(cfg.Options.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "mysql":
		store, err := mysql.NewOptionStore(ctx, mysql.Config{
			DSN:             cfg.Options.DSN,
			MaxOpenConns:    cfg.Options.MaxOpenConns,
			MaxIdleConns:    cfg.Options.MaxIdleConns,
			ConnMaxLifetime: cfg.Options.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: cfg.Options.ConnMaxIdleTime.Std(),
		})
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("未知的 options 驱动: %s", cfg.Options.Driver)
	}
}

// openCounterStore 连接 Redis 计数器，失败时退回进程内计数并告警。
func openCounterStore(ctx context.Context, cfg *config.Config, lg *slog.Logger) plugin.CounterStore {
	if cfg.Counters.Driver != "redis" {
		return nil
	}
	store, err := redis.NewCounterStore(ctx, redis.Config{
		Address:  cfg.Counters.Address,
		Password: cfg.Counters.Password,
		DB:       cfg.Counters.DB,
		Prefix:   cfg.Counters.Prefix,
	})
	if err != nil {
		lg.Warn("Redis 计数器不可用，改用进程内计数", "address", cfg.Counters.Address, "error", err)
		return nil
	}
	return store
}

func startEventBridge(ctx context.Context, cfg *config.Config, bus *hook.Bus, reg *metrics.Registry) (*events.Bridge, error) {
	var publisher events.Publisher = events.LogPublisher{Logger: logger.Named("events")}
	if cfg.Events.Enabled {
		rmq, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{URL: cfg.Events.URL, Exchange: cfg.Events.Exchange})
		if err != nil {
			return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
		}
		publisher = rmq
	}
	opts := []events.Option{events.WithSource(cfg.Events.Source), events.WithLogger(logger.Named("events"))}
	if reg != nil {
		opts = append(opts, events.WithObserver(func(evt events.Event, err error) {
			reg.ObserveDelivery(evt.Type, err)
		}))
	}
	bridge := events.NewBridge(bus, publisher, opts...)
	bridge.Start(ctx)
	return bridge, nil
}

// newAlerts 构造告警分发器，未启用时只保留日志渠道并提高阈值到 critical。
func newAlerts(cfg *config.Config) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if !cfg.Alerts.Enabled {
		return alerting.NewFanout(notifiers...).WithMinSeverity(xerrors.SeverityCritical)
	}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerts.WebhookURL})
	}
	return alerting.NewFanout(notifiers...).WithMinSeverity(xerrors.Severity(cfg.Alerts.MinSeverity))
}

func countEnabled(results []plugin.Result) int {
	n := 0
	for _, r := range results {
		if r.Enabled {
			n++
		}
	}
	return n
}
