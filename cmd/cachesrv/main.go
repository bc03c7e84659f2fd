// Command cachesrv wires the cache core (RRsetStore, MessageStore,
// Synthesizer, DelegationBuilder) into a long-running process: config
// hot-reload, structured logging, and Prometheus-backed metrics, with no
// network listener of its own. It exists so the cache core can be
// exercised and profiled standalone, outside a full resolver.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"dnscache/pkg/cacheenv"
	"dnscache/pkg/config"
	"dnscache/pkg/logging"
	"dnscache/pkg/msgstore"
	"dnscache/pkg/rateguard"
	"dnscache/pkg/rrsetstore"
	"dnscache/pkg/telemetry"
)

var (
	configPath     = flag.String("config", "config.yml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")

	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dnscache cache core server\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	ctx := context.Background()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize config watcher: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	cfgWatcher, err = config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Error("Failed to reinitialize config watcher with logger", "error", err)
		os.Exit(1)
	}
	cfg = cfgWatcher.Config()

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go func() {
		if watcherErr := cfgWatcher.Start(watcherCtx); watcherErr != nil {
			logger.Error("Config watcher stopped", "error", watcherErr)
		}
	}()

	logger.Info("cache core starting", "version", version, "build_time", buildTime)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	envCfg, err := cacheEnvConfig(cfg)
	if err != nil {
		logger.Error("invalid cache.eviction_score expression", "error", err)
		os.Exit(1)
	}

	env, err := cacheenv.New(envCfg, metrics, logger)
	if err != nil {
		logger.Error("Failed to initialize cache env", "error", err)
		os.Exit(1)
	}
	defer env.Close()

	cfgWatcher.OnChange(func(newCfg *config.Config) {
		logger.Info("configuration reloaded", "shard_count", newCfg.Cache.ShardCount)

		newEnvCfg, err := cacheEnvConfig(newCfg)
		if err != nil {
			logger.Error("config reload: invalid cache.eviction_score expression, keeping previous generation", "error", err)
			return
		}
		if err := env.Reconfigure(newEnvCfg); err != nil {
			logger.Error("config reload: failed to rebuild cache generation", "error", err)
			return
		}
		logger.Info("cache generation rebuilt from reloaded config")
	})

	go diagnosticLoop(ctx, logger)

	logger.Info("cache core ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
}

// cacheEnvConfig translates the on-disk Config into the cacheenv.Config
// a generation is built from, compiling cfg.Cache.EvictionScore fresh
// each call so a reload picks up an edited expression.
func cacheEnvConfig(cfg *config.Config) (cacheenv.Config, error) {
	var scorer rrsetstore.Scorer
	if cfg.Cache.EvictionScore != "" {
		s, err := rrsetstore.NewExprScorer(cfg.Cache.EvictionScore)
		if err != nil {
			return cacheenv.Config{}, err
		}
		scorer = s
	}

	return cacheenv.Config{
		RRsetStore: rrsetstore.Config{
			ShardCount:     cfg.Cache.ShardCount,
			ShardCapacity:  cfg.Cache.RRsetCapacity / max1(cfg.Cache.ShardCount),
			SweepInterval:  cfg.Cache.SweepInterval,
			EvictionScorer: scorer,
		},
		MsgStore: msgstore.Config{
			ShardCount:    cfg.Cache.ShardCount,
			ShardCapacity: cfg.Cache.MessageCapacity / max1(cfg.Cache.ShardCount),
		},
		RateGuard: rateguard.Config{
			Enabled:          cfg.RateGuard.Enabled,
			InsertsPerSecond: cfg.RateGuard.InsertsPerSecond,
			Burst:            cfg.RateGuard.Burst,
		},
		MaxTTL: cfg.Cache.MaxTTL,
	}, nil
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// diagnosticLoop periodically logs this process's resident memory, a
// cheap signal for operators watching cache-capacity-driven RSS growth
// without needing a separate profiling endpoint.
func diagnosticLoop(ctx context.Context, logger *logging.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("diagnostic loop disabled", "error", err)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if mem, err := proc.MemoryInfo(); err == nil {
				logger.Debug("process memory", "rss_bytes", mem.RSS)
			}
		case <-ctx.Done():
			return
		}
	}
}
