package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"fleetwatch/internal/aggregate"
	"fleetwatch/internal/config"
	"fleetwatch/internal/credential"
	"fleetwatch/internal/export"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/membership"
	"fleetwatch/internal/probe"
	"fleetwatch/internal/supervisor"
	"fleetwatch/internal/telemetry"
	"fleetwatch/internal/web"
	"fleetwatch/pkg/store"
)

func main() {
	logger := logging.New("fleetwatch")
	defer logger.Sync()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("shutdown with errors", "error", err)
		os.Exit(1)
	}
	logger.Infow("stopped")
}

// loadConfig reads the environment, then applies command line overrides.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("fleetwatch", pflag.ContinueOnError)
	fs.StringVar(&cfg.SubscriptionPath, "path", cfg.SubscriptionPath, "membership path to watch")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "facade listen address")
	fs.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints")
	fs.StringVar(&cfg.CredentialsFile, "config", cfg.CredentialsFile, "credentials YAML file")
	fs.IntVar(&cfg.GatherIntervalSeconds, "interval", cfg.GatherIntervalSeconds, "gather interval in seconds")
	fs.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "directory of static assets to serve")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.Changed("config") {
		secure, err := config.LoadSecure(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		cfg.Secure = secure
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) (err error) {
	// 1. 连接 Etcd
	etcd, err := store.NewEtcdManager(store.EtcdOptions{
		Endpoints:   cfg.EtcdEndpoints,
		Username:    cfg.EtcdUsername,
		Password:    cfg.EtcdPassword,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to etcd: %w", err)
	}
	defer func() { err = multierr.Append(err, etcd.Close()) }()
	logger.Infow("connected to etcd", "endpoints", cfg.EtcdEndpoints)

	// 2. 凭证: 没有 secure 配置时走 open 模式
	creds := credential.NewProvider(cfg.Secure, cfg.TicketExpiry, credential.NewHTTPIssuer(cfg.TicketURL, cfg.TicketTimeout))
	if cfg.Secure == nil {
		logger.Infow("no credential profile, running open")
	}

	// 3. 共享状态 + 各个组件 (依赖注入)
	snapshot := membership.NewSnapshot()
	pod := telemetry.NewPod()
	view := aggregate.NewView()

	tracker := membership.NewTracker(etcd, creds, snapshot, membership.Options{
		Path:           cfg.SubscriptionPath,
		QueueCapacity:  config.QueueCapacity,
		FetchTimeout:   cfg.DescriptorTimeout,
		MaxConcurrency: cfg.MaxConcurrentProbes,
	}, logger.Named("membership"))

	prober := probe.NewProber(probe.Options{
		Scheme:         cfg.AgentScheme,
		Port:           cfg.AgentPort,
		Timeout:        cfg.ProbeTimeout,
		MetricsTimeout: cfg.MetricsTimeout,
	})
	collector := telemetry.NewCollector(prober, creds, snapshot, pod, view, telemetry.Options{
		IntervalSeconds: cfg.GatherIntervalSeconds,
		Retention:       config.RetentionWindow,
		MaxConcurrency:  cfg.MaxConcurrentProbes,
	}, logger.Named("telemetry"))

	// 4. 每个循环都挂在 supervisor 下, 失败后清空自己的状态并退避重启
	sup := supervisor.New(logger.Named("supervisor"))
	facade := web.NewServer(snapshot, pod, view, sup, cfg.StaticDir, logger.Named("web"))

	loops := []supervisor.Loop{
		{
			Name:      "membership",
			Run:       tracker.Run,
			OnFailure: func(error) { snapshot.Clear() },
			Backoff:   cfg.Backoff,
		},
		{
			Name:      "telemetry",
			Run:       collector.Run,
			OnFailure: func(error) { collector.Clear() },
			Backoff:   cfg.Backoff,
		},
		{
			Name:    "web",
			Run:     func(ctx context.Context) error { return facade.ListenAndServe(ctx, cfg.ListenAddr) },
			Backoff: cfg.Backoff,
		},
	}

	// 5. (可选) 导出到 Redis
	if cfg.RedisAddr != "" {
		writer, werr := export.NewRedisWriter(ctx, export.RedisOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if werr != nil {
			return werr
		}
		defer func() { err = multierr.Append(err, writer.Close()) }()

		exporter := export.NewExporter(writer, export.Sources{
			Members:   snapshot.Map,
			Telemetry: pod.Snapshot,
			Apps:      view.Apps,
			Mismatch:  view.Mismatch,
		}, export.Options{
			Prefix:   cfg.ExportPrefix,
			Schedule: cfg.ExportSchedule,
			TTL:      cfg.ExportTTL,
		}, logger.Named("export"))
		loops = append(loops, supervisor.Loop{Name: "export", Run: exporter.Run, Backoff: cfg.Backoff})
	}

	// 6. 阻塞直到收到 SIGINT/SIGTERM
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Supervise(ctx, loop)
		}()
	}
	wg.Wait()
	return nil
}
