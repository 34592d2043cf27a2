// Command worker runs the Durable Queue consumer: it claims execute*/self-heal
// jobs and drives them through the Dispatcher, one sandbox bootstrap per Run
// (or per suite). Grounded on kilroy's cmd/kilroy main.go signal-handling
// idiom and server/registry wiring, retargeted at this platform's job kinds.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/deathcap/dapptest/internal/agent"
	"github.com/deathcap/dapptest/internal/blobstore"
	"github.com/deathcap/dapptest/internal/config"
	"github.com/deathcap/dapptest/internal/dispatch"
	"github.com/deathcap/dapptest/internal/generator"
	"github.com/deathcap/dapptest/internal/logging"
	"github.com/deathcap/dapptest/internal/metrics"
	"github.com/deathcap/dapptest/internal/queue"
	"github.com/deathcap/dapptest/internal/sandbox"
	"github.com/deathcap/dapptest/internal/store"
	"github.com/deathcap/dapptest/internal/telemetry"
)

var (
	configPath  string
	devLog      bool
	metricsAddr string
)

func main() {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the durable queue and execute dApp test runs",
		RunE:  run,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to an optional YAML config file")
	cmd.Flags().BoolVar(&devLog, "dev", false, "use a development (console) logger instead of JSON")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, sync, err := logging.New(devLog)
	if err != nil {
		return fmt.Errorf("worker: build logger: %w", err)
	}
	defer sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("worker: load config: %w", err)
	}

	shutdownTracing, err := telemetry.InitTraceProvider("dapptest-worker", "dev")
	if err != nil {
		return fmt.Errorf("worker: init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	go serveMetrics(log, metricsAddr, reg)

	ctx, cancel := signalCancelContext()
	defer cancel()

	st, err := store.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("worker: open store: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	q := queue.New(rdb)

	blobs := blobstore.NewFSStore(cfg.Artifacts.BasePath)

	ports := sandbox.NewPortPool(cfg.Streaming.VNCPortRange[0], cfg.Streaming.VNCPortRange[1])
	janitor := sandbox.NewJanitor(ports, time.Duration(cfg.Streaming.MaxAgeMinutes)*time.Minute, func(reclaimed []int) {
		log.Info("reclaimed stale streaming ports", "ports", reclaimed)
	})
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("worker: start port janitor: %w", err)
	}
	defer janitor.Stop()

	sup := sandbox.NewSupervisor(log, ports, func() sandbox.BrowserDriver {
		return sandbox.NewIPCDriver(cfg.Sandbox.DriverBinPath)
	})

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	planner := agent.NewAnthropicPlanner(apiKey)
	gen := generator.NewAnthropicGenerator(planner, cfg.SelfHeal.Model)

	d, err := dispatch.New(log, cfg, st, q, blobs, sup, planner, gen)
	if err != nil {
		return fmt.Errorf("worker: build dispatcher: %w", err)
	}

	kinds := []queue.Kind{
		queue.KindExecute, queue.KindExecuteHybrid, queue.KindExecuteAgent,
		queue.KindExecuteSuite, queue.KindSelfHeal,
	}
	log.Info("worker starting", "concurrency", cfg.Worker.Concurrency, "kinds", kinds)

	err = q.Consume(ctx, kinds, cfg.Worker.Concurrency, d.Handler())
	_ = shutdownTracing(context.Background())
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker: consume: %w", err)
	}
	log.Info("worker shut down")
	return nil
}

func serveMetrics(log logr.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error(err, "metrics server exited")
	}
}

// signalCancelContext cancels its returned context on SIGINT/SIGTERM,
// mirroring kilroy's cmd/kilroy signalCancelContext helper.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}
