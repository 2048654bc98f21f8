// SPDX-License-Identifier: MIT

// Command daemon is the gridrun server. It ingests trigger events over
// HTTP, expands workflow matrices into jobs and executes them in isolated
// interpreter environments.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridrun/gridrun/internal/api"
	"github.com/gridrun/gridrun/internal/audit"
	"github.com/gridrun/gridrun/internal/cache"
	"github.com/gridrun/gridrun/internal/config"
	"github.com/gridrun/gridrun/internal/daemon"
	"github.com/gridrun/gridrun/internal/engine"
	"github.com/gridrun/gridrun/internal/envman"
	"github.com/gridrun/gridrun/internal/executor"
	"github.com/gridrun/gridrun/internal/health"
	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/notify"
	"github.com/gridrun/gridrun/internal/ratelimit"
	"github.com/gridrun/gridrun/internal/store"
	"github.com/gridrun/gridrun/internal/store/archive"
	"github.com/gridrun/gridrun/internal/telemetry"
	"github.com/gridrun/gridrun/internal/validation"
	"github.com/gridrun/gridrun/internal/version"
	"github.com/gridrun/gridrun/internal/workflow"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	return parsedURL.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "gridrun"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}
	log.SetLevel(cfg.Log.Level)

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("addr", cfg.Server.Listen).
		Str("data_dir", cfg.DataDir).
		Msg("starting gridrun")

	if cfg.Auth.Token == "" {
		logger.Warn().Msg("no API token configured; dispatch, reload and cancel endpoints will reject all requests")
	}

	if err := validation.PerformStartupChecks(ctx, &cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "gridrun",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	st, err := store.Open(store.Backend(cfg.Store.Backend), cfg.StorePath())
	if err != nil {
		logger.Fatal().Err(err).
			Str("backend", cfg.Store.Backend).
			Str("path", cfg.StorePath()).
			Msg("failed to open state store")
	}

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		arch, err = archive.Open(cfg.ArchivePath())
		if err != nil {
			logger.Fatal().Err(err).
				Str("path", cfg.ArchivePath()).
				Msg("failed to open run archive")
		}
	}

	reuseCache, err := cache.New(cache.Config{
		Backend:         cfg.Cache.Backend,
		Addr:            cfg.Cache.Addr,
		Password:        cfg.Cache.Password,
		DB:              cfg.Cache.DB,
		CleanupInterval: time.Minute,
	}, log.WithComponent("cache"))
	if err != nil {
		logger.Fatal().Err(err).
			Str("backend", cfg.Cache.Backend).
			Msg("failed to open environment reuse cache")
	}

	var mgr envman.Manager
	if cfg.Envman.Bin == "" {
		logger.Warn().Msg("running with the in-process fake environment manager")
		mgr = envman.NewFake()
	} else {
		cli, err := envman.NewCLI(envman.CLIConfig{
			Bin:            cfg.Envman.Bin,
			CacheDownloads: cfg.Envman.CacheDownloads,
			CreateTimeout:  cfg.Envman.CreateTimeout,
		})
		if err != nil {
			logger.Fatal().Err(err).
				Str("bin", cfg.Envman.Bin).
				Msg("failed to set up environment manager")
		}
		mgr = cli
	}

	exec := executor.New(mgr, reuseCache, executor.Config{
		WorkRoot:  cfg.WorkRoot(),
		EnvTTL:    cfg.Envman.EnvTTL,
		ReuseEnvs: cfg.Envman.ReuseEnvs,
		KeepEnvs:  cfg.Envman.KeepEnvs,
	}, log.WithComponent("executor"))

	registry, err := workflow.NewRegistry(cfg.WorkflowsDir())
	if err != nil {
		logger.Fatal().Err(err).
			Str("dir", cfg.WorkflowsDir()).
			Msg("failed to load workflow definitions")
	}
	if cfg.Workflows.Watch {
		if err := registry.StartWatcher(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start workflow watcher")
		}
	}

	var notifier engine.Notifier
	if cfg.Notify.Enabled {
		webhook, err := notify.NewWebhook(ctx, notify.Config{
			URL:     cfg.Notify.URL,
			Secret:  cfg.Notify.Secret,
			Timeout: cfg.Notify.Timeout,
			Policy: notify.OutboundPolicy{
				Enabled: true,
				Allow: notify.OutboundAllowlist{
					Hosts:   cfg.Notify.AllowHosts,
					CIDRs:   cfg.Notify.AllowCIDRs,
					Ports:   cfg.Notify.AllowPorts,
					Schemes: cfg.Notify.AllowSchemes,
				},
			},
		}, log.WithComponent("notify"))
		if err != nil {
			logger.Fatal().Err(err).
				Str("url", maskURL(cfg.Notify.URL)).
				Msg("failed to set up webhook notifier")
		}
		logger.Info().Str("url", maskURL(cfg.Notify.URL)).Msg("run-conclusion webhook enabled")
		notifier = webhook
	}

	eng := engine.New(engine.Config{
		MaxParallel:    cfg.Engine.MaxParallel,
		ArtifactRoot:   cfg.ArtifactRoot(),
		WorkRoot:       cfg.WorkRoot(),
		LeaseTTL:       cfg.Engine.LeaseTTL,
		HeartbeatEvery: cfg.Engine.HeartbeatEvery,
		IdempotencyTTL: cfg.Engine.IdempotencyTTL,
		Retention:      cfg.Engine.Retention,
		SweepInterval:  cfg.Engine.SweepInterval,
	}, st, registry, exec, arch, notifier, log.Base())
	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start run engine")
	}

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewWritableDirChecker("data_dir", cfg.DataDir))
	hm.RegisterChecker(health.NewWritableDirChecker("work_root", cfg.WorkRoot()))
	hm.RegisterChecker(health.NewWritableDirChecker("artifact_root", cfg.ArtifactRoot()))
	if cfg.Envman.Bin != "" {
		hm.RegisterChecker(health.NewBinaryChecker("envman", cfg.Envman.Bin))
	}
	hm.RegisterChecker(health.NewStoreChecker(func(ctx context.Context) error {
		_, err := store.ListRuns(ctx, st)
		return err
	}))
	hm.RegisterChecker(health.NewEngineChecker(func() (int, int) {
		snap := eng.Stats()
		return snap.ActiveRuns, snap.Waiting
	}))

	apiServer := api.New(api.Config{
		Token:        cfg.Auth.Token,
		RateLimitRPM: cfg.Server.RateLimitRPM,
		WorkRoot:     cfg.WorkRoot(),
		ArtifactRoot: cfg.ArtifactRoot(),
		Version:      version.Version,
	}, eng, registry, arch, hm, audit.NewLogger(), ratelimit.New(ratelimit.DefaultConfig()))

	metricsListen := ""
	if cfg.Metrics.Enabled {
		metricsListen = cfg.Metrics.Listen
	}

	dm, err := daemon.NewManager(daemon.Config{
		Listen:          cfg.Server.Listen,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsListen:   metricsListen,
	}, daemon.Deps{
		Logger:         logger,
		APIHandler:     apiServer.Handler(),
		MetricsHandler: promhttp.Handler(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create daemon manager")
	}

	// Hooks run LIFO: the engine drains before the stores close underneath it.
	dm.RegisterShutdownHook("tracing", tracer.Shutdown)
	dm.RegisterShutdownHook("state_store", func(context.Context) error { return st.Close() })
	if arch != nil {
		dm.RegisterShutdownHook("archive", func(context.Context) error { return arch.Close() })
	}
	if redisCache, ok := reuseCache.(*cache.RedisCache); ok {
		dm.RegisterShutdownHook("cache", func(context.Context) error { return redisCache.Close() })
	}
	dm.RegisterShutdownHook("workflow_watcher", func(context.Context) error {
		registry.Stop()
		return nil
	})
	dm.RegisterShutdownHook("engine", eng.Close)

	if err := dm.Start(ctx); err != nil {
		logger.Fatal().Err(err).
			Str("event", "daemon.failed").
			Msg("daemon terminated with error")
	}
	logger.Info().Msg("gridrun exiting")
}
