// Command apiserver exposes the run-control HTTP API named in spec §6
// (start-run, cancel-run, get-status, list-artifacts, self-heal-run,
// start-stream, stop-stream) plus an SSE progress stream, backed directly by
// the Record Store and Durable Queue. Grounded on kilroy's
// internal/server/server.go route wiring, rebuilt against this platform's
// Run/SuiteRun model instead of pipeline state.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/deathcap/dapptest/internal/config"
	"github.com/deathcap/dapptest/internal/dispatch"
	"github.com/deathcap/dapptest/internal/logging"
	"github.com/deathcap/dapptest/internal/queue"
	"github.com/deathcap/dapptest/internal/store"
)

var (
	configPath string
	devLog     bool
	listenAddr string
)

func main() {
	cmd := &cobra.Command{
		Use:   "apiserver",
		Short: "Serve the run-control HTTP API (spec §6)",
		RunE:  run,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to an optional YAML config file")
	cmd.Flags().BoolVar(&devLog, "dev", false, "use a development (console) logger instead of JSON")
	cmd.Flags().StringVar(&listenAddr, "addr", ":8080", "address to listen on")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, sync, err := logging.New(devLog)
	if err != nil {
		return fmt.Errorf("apiserver: build logger: %w", err)
	}
	defer sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("apiserver: load config: %w", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("apiserver: open store: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	q := queue.New(rdb)

	broadcasters := dispatch.NewBroadcasterRegistry()
	api := &API{Log: log, Store: st, Queue: q, Broadcasters: broadcasters}

	log.Info("apiserver listening", "addr", listenAddr)
	return http.ListenAndServe(listenAddr, api.Routes())
}
