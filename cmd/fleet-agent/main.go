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

	"fleetwatch/internal/agent"
	"fleetwatch/internal/config"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/supervisor"
	"fleetwatch/internal/web"
	"fleetwatch/pkg/model"
	"fleetwatch/pkg/store"
)

func main() {
	logger := logging.New("fleet-agent")
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}

	fs := pflag.NewFlagSet("fleet-agent", pflag.ExitOnError)
	fs.StringVar(&cfg.AgentUUID, "uuid", cfg.AgentUUID, "node uuid (random when empty)")
	fs.StringVar(&cfg.AgentListen, "listen", cfg.AgentListen, "agent listen address")
	fs.StringSliceVar(&cfg.AgentEndpoints, "endpoint", cfg.AgentEndpoints, "advertised host:port endpoints")
	fs.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints")
	fs.StringVar(&cfg.SubscriptionPath, "path", cfg.SubscriptionPath, "membership path")
	noDocker := fs.Bool("no-docker", false, "do not count running containers")
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, !*noDocker, logger); err != nil {
		logger.Errorw("shutdown with errors", "error", err)
		os.Exit(1)
	}
	logger.Infow("stopped")
}

func run(ctx context.Context, cfg *config.Config, useDocker bool, logger *logging.Logger) (err error) {
	endpoints, err := agent.ParseEndpoints(cfg.AgentEndpoints)
	if err != nil {
		return err
	}

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

	// 2. 初始化 Docker 计数器 (统计每个 app 正在运行的容器)
	var counter agent.RuntimeCounter
	if useDocker {
		docker, derr := agent.NewDockerCounter()
		if derr != nil {
			return fmt.Errorf("connecting to docker: %w", derr)
		}
		defer func() { err = multierr.Append(err, docker.Close()) }()
		counter = docker
	}

	// 3. 初始化 Agent
	a := agent.NewAgent(etcd, counter, agent.Options{
		UUID:      cfg.AgentUUID,
		Hostname:  cfg.AgentHostname,
		Endpoints: endpoints,
		Resources: model.Resources{CPU: cfg.AgentCPU, Mem: cfg.AgentMem},
		Path:      cfg.SubscriptionPath,
		StatePath: cfg.StatePath,
		LeaseTTL:  cfg.AgentLeaseTTL,
	}, logger.Named("agent"))
	logger.Infow("agent starting", "uuid", a.UUID(), "listen", cfg.AgentListen)

	// 4. 注册 + HTTP 服务, 都交给 supervisor
	sup := supervisor.New(logger.Named("supervisor"))
	loops := []supervisor.Loop{
		{Name: "register", Run: a.Register, Backoff: cfg.Backoff},
		{
			Name: "http",
			Run: func(ctx context.Context) error {
				return web.Serve(ctx, cfg.AgentListen, a.Handler())
			},
			Backoff: cfg.Backoff,
		},
	}

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
