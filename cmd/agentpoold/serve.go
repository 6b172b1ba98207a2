package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/agentpool/pkg/broker"
	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/health"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/metrics"
	"github.com/cuemby/agentpool/pkg/pool"
	"github.com/cuemby/agentpool/pkg/registry"
	"github.com/cuemby/agentpool/pkg/runner"
	"github.com/cuemby/agentpool/pkg/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool manager and its HTTP metrics/health surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8090", "HTTP listen address for /metrics, /health, /ready")
	serveCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("agentpoold")

	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	listen, _ := cmd.Flags().GetString("listen")
	socket, _ := cmd.Flags().GetString("containerd-socket")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		logger.Warn().Msg("agentpool is disabled in configuration, exiting")
		return nil
	}

	reg, err := registry.Open(dataDir)
	if err != nil {
		return err
	}
	defer reg.Close()

	rt, err := runtime.NewContainerdRuntime(socket)
	if err != nil {
		return err
	}
	defer rt.Close()

	b, err := broker.New(cfg.Redis.URL, cfg.Redis.KeyPrefix)
	if err != nil {
		return err
	}
	defer b.Close()

	mgr := pool.New(cfg, reg, rt, b)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	r := runner.New(mgr, b)
	runner.SetDefault(r)
	defer runner.Teardown()

	monitor := health.NewMonitor(rt, b, poolCheckerAdapter{mgr}, 2*time.Second)
	stopHealthReporter := startHealthReporter(ctx, monitor)
	defer stopHealthReporter()

	server := &http.Server{Addr: listen, Handler: buildMux()}
	go func() {
		logger.Info().Str("addr", listen).Msg("serving /metrics, /health, /ready")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	mgr.Shutdown(shutdownCtx)

	return nil
}

// poolCheckerAdapter bridges pool.Manager's Snapshot type to
// health.PoolSnapshot so the pool manager can serve as a
// health.PoolChecker without either package depending on the other's
// concrete type.
type poolCheckerAdapter struct {
	mgr *pool.Manager
}

func (a poolCheckerAdapter) Running() bool { return a.mgr.Running() }

func (a poolCheckerAdapter) Snapshot() health.PoolSnapshot {
	s := a.mgr.Snapshot()
	return health.PoolSnapshot{Total: s.Total, Active: s.Active, Warm: s.Warm}
}

func buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/healthz", metrics.LivenessHandler())
	return mux
}

// startHealthReporter periodically runs the health monitor's composed
// check and mirrors its three sub-checks into the metrics package's
// component registry, so /health and /ready reflect live status.
func startHealthReporter(ctx context.Context, monitor *health.Monitor) func() {
	ticker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})

	report := func() {
		r := monitor.Check(ctx)
		metrics.UpdateComponent("runtime", r.RuntimeOK, "")
		metrics.UpdateComponent("broker", r.BrokerOK, "")
		metrics.UpdateComponent("pool", r.PoolRunning, "")

		metrics.PoolWarmTotal.Set(float64(r.Snapshot.Warm))
		metrics.PoolActiveTotal.Set(float64(r.Snapshot.Active))
		metrics.SessionsTotal.Set(float64(r.Snapshot.Active))
	}
	report()

	go func() {
		for {
			select {
			case <-ticker.C:
				report()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
