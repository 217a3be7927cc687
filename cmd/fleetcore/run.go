package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/fleetcore/pkg/config"
	"github.com/cuemby/fleetcore/pkg/containerengine"
	"github.com/cuemby/fleetcore/pkg/coordination"
	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/leader"
	"github.com/cuemby/fleetcore/pkg/lifecycle"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/perrepo"
	"github.com/cuemby/fleetcore/pkg/provider"
	"github.com/cuemby/fleetcore/pkg/supervisor"
	"github.com/cuemby/fleetcore/pkg/tokenbroker"
	"github.com/cuemby/fleetcore/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the fleet orchestrator and block until terminated",
	Long: `run loads configuration from the environment, wires the ContainerEngine,
Provider, and coordination-store adapters, and starts the supervisor that
owns the per-repository controllers, the leader elector, and the lifecycle
reconciler. It blocks until interrupted, then shuts down in reverse order.`,
	RunE: runFleet,
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics and /status HTTP endpoints")
}

// runFleet wires every adapter named in the external-interfaces contract and
// hands them to the supervisor; a malformed repository slug or Provider
// setting is a ConfigInvalid-class failure (exit code 2), while an
// unreachable container engine or a failure inside Start is FatalInit (exit
// code 1).
func runFleet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogFormat == "json"})
	logger := log.WithComponent("main")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	repos := make([]types.Repository, 0, len(cfg.Repositories))
	for _, slug := range cfg.Repositories {
		owner, name, ok := strings.Cut(slug, "/")
		if !ok {
			fmt.Fprintf(os.Stderr, "config error: %q is not an owner/name repository slug\n", slug)
			os.Exit(2)
		}
		repos = append(repos, types.Repository{ID: slug, Owner: owner, Name: name})
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	store := coordination.NewRedisStore(redisClient)

	prov, err := provider.NewGitHubProvider(cfg.GitHubToken, cfg.GitHubBaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: constructing GitHub provider: %v\n", err)
		os.Exit(2)
	}

	engine, err := containerengine.NewContainerdEngine(cfg.ContainerdAddress, cfg.ContainerdNamespace, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal init: connecting to containerd: %v\n", err)
		os.Exit(1)
	}

	broker := events.NewBroker()
	tokens := tokenbroker.New(prov, broker, tokenbroker.Config{
		Skew:              cfg.TokenSkew(),
		RefreshInterval:   cfg.TokenRefreshInterval(),
		MaxAttempts:       cfg.TokenRefreshMaxAttempts,
		InitialRetryDelay: cfg.TokenRefreshInitialDelay(),
	})

	holderID := fmt.Sprintf("%s-%s", hostname(), uuid.New().String()[:8])
	electorCfg := leader.DefaultConfig()
	electorCfg.LeaseKey = cfg.LeaseKey
	electorCfg.HeartbeatTopic = cfg.LeaseKey + "/heartbeat"
	electorCfg.HolderID = holderID
	electorCfg.ElectionTimeout = cfg.ElectionTimeout()
	electorCfg.HeartbeatPeriod = cfg.HeartbeatInterval()
	electorCfg.LeaseTTL = cfg.LeaseTTL()
	elector := leader.New(store, broker, electorCfg)

	reconciler := lifecycle.New(engine, prov, broker, elector.IsLeader, lifecycle.Config{
		ManagedPrefix: cfg.ManagedPrefix,
		HealthPeriod:  cfg.HealthInterval(),
		SyncPeriod:    cfg.StateSyncInterval(),
		StopGrace:     cfg.ContainerStopGrace(),
		LogTailLines:  cfg.LogTailLines,
	})

	controllers := make(map[string]*perrepo.Controller, len(repos))
	for _, repo := range repos {
		controllers[repo.ID] = perrepo.New(repo, perrepo.Config{
			ManagedPrefix:    cfg.ManagedPrefix,
			MaxDynamic:       cfg.MaxDynamicFor(repo.ID),
			IdleTimeout:      cfg.IdleTimeout(),
			Image:            cfg.ImageFor(repo.ID),
			StopGrace:        cfg.ContainerStopGrace(),
			MemoryLimitBytes: cfg.WorkerMemoryLimitMB * 1024 * 1024,
			CPUQuotaMicros:   cfg.WorkerCPUQuotaMicros,
		}, engine, prov, tokens, broker, reconciler)
	}

	sup := supervisor.New(supervisor.Config{
		MonitorInterval: cfg.MonitorInterval(),
		CleanupInterval: cfg.CleanupInterval(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}, repos, engine, prov, tokens, broker, reconciler, elector, controllers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := sup.Status(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server exited")
		}
	}()

	if err := sup.Start(ctx); err != nil {
		if fatal, ok := err.(*supervisor.FatalInitError); ok {
			fmt.Fprintf(os.Stderr, "fatal init: %v\n", fatal.Cause)
			os.Exit(1)
		}
		return err
	}
	logger.Info().Str("holder_id", holderID).Int("repos", len(repos)).Str("metrics_addr", metricsAddr).Msg("fleetcore running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	sup.Stop()
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "fleetcore"
	}
	return h
}
