package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/config"
	"github.com/verenigd-amsterdam/va-cache-router/internal/fetch"
	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
	"github.com/verenigd-amsterdam/va-cache-router/internal/metrics"
	"github.com/verenigd-amsterdam/va-cache-router/internal/proxy"
	"github.com/verenigd-amsterdam/va-cache-router/internal/server"
	"github.com/verenigd-amsterdam/va-cache-router/internal/server/routes"
	"github.com/verenigd-amsterdam/va-cache-router/internal/version"
	"github.com/verenigd-amsterdam/va-cache-router/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const configEnv = "VA_CACHE_ROUTER_CONFIG"

const shutdownTimeout = 10 * time.Second

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["site_origin"] = cfg.Global.SiteOrigin
		fields["cache_version"] = cfg.Global.CacheVersion
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存存储 → 上游 fetcher → worker 生命周期 → Fiber server，
	// 保证所有请求共享同一个 worker 与存储实例。
	storage, err := cache.NewStorage(ctx, cfg.Global.StorageBackend, cfg.Global.StoragePath, cfg.Global.MaxObjectBytes)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}

	fetcher, err := fetch.NewHTTPFetcher(fetch.NewUpstreamClient(cfg), cfg.Global.Origin)
	if err != nil {
		_ = storage.Close()
		fmt.Fprintf(stdErr, "初始化上游失败: %v\n", err)
		return 1
	}

	collector := metrics.New()
	w, err := newWorker(cfg, storage, fetcher, collector, logger)
	if err != nil {
		_ = storage.Close()
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.WithError(err).Warn("worker_close_failed")
		}
	}()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["site_origin"] = cfg.Global.SiteOrigin
	fields["cache_version"] = cfg.Global.CacheVersion
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "worker 安装失败: %v\n", err)
		return 1
	}

	app, err := buildApp(cfg, w, fetcher, collector, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}
	if err := serve(ctx, app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("va-cache-router", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func newWorker(cfg *config.Config, storage cache.Storage, fetcher *fetch.HTTPFetcher, collector *metrics.Metrics, logger *logrus.Logger) (*worker.Worker, error) {
	return worker.New(worker.Options{
		Storage:             storage,
		Fetcher:             fetcher,
		SiteOrigin:          cfg.Global.SiteOrigin,
		Rules:               cfg.RoutingRules(),
		Names:               cfg.CacheNames(),
		MaxAge:              cfg.MaxAges(),
		NetworkTimeout:      cfg.Global.NetworkTimeout.DurationValue(),
		OfflineURL:          cfg.OfflineURL(),
		Precache:            cfg.PrecacheURLs(),
		PrecacheConcurrency: cfg.Global.PrecacheConcurrency,
		DiscoverAssets:      cfg.Global.PrecacheDiscover,
		SkipWaiting:         cfg.Global.SkipWaiting,
		SyncTag:             cfg.Global.PeriodicSyncTag,
		SyncInterval:        cfg.Global.PeriodicSyncInterval.DurationValue(),
		Logger:              logger,
		Metrics:             collector,
	})
}

func buildApp(cfg *config.Config, w *worker.Worker, fetcher *fetch.HTTPFetcher, collector *metrics.Metrics, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(w, fetcher, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, w, logger)
	routes.RegisterMetricsRoute(app, collector.Handler())
	return app, nil
}

// serve 阻塞监听端口，收到中断信号后优雅关闭。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
