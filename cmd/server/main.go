package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/banditlabs/banditd/internal/accountant"
	"github.com/banditlabs/banditd/internal/api"
	"github.com/banditlabs/banditd/internal/config"
	"github.com/banditlabs/banditd/internal/experiment"
	"github.com/banditlabs/banditd/internal/metrics"
	"github.com/banditlabs/banditd/internal/repository"
	"github.com/banditlabs/banditd/internal/statestore"
	"github.com/banditlabs/banditd/pkg/otel"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "banditd",
		Short: "Multi-armed-bandit experimentation server",
		Long: `banditd serves live bandit experiments over HTTP: callers create an
experiment with a policy (EpsilonGreedy, UCB1 or ThompsonBeta), draw arms
and feed back rewards. State is checkpointed so experiments survive
restarts and crashes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the experiment server (configuration via environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg := config.FromEnv()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	met := metrics.New(prometheus.DefaultRegisterer)

	var acct accountant.Accountant = accountant.Noop{}
	var book *accountant.Logbook
	if cfg.AccountantEnabled {
		var sink accountant.Sink
		if cfg.AccountantBackend == "postgres" {
			sink, err = accountant.NewPostgresSink(cfg.PostgresConn)
			if err != nil {
				return fmt.Errorf("opening accountant sink: %w", err)
			}
		}
		book, err = accountant.NewLogbook(sink, met)
		if err != nil {
			return fmt.Errorf("starting accountant: %w", err)
		}
		acct = book
	}

	var tp *sdktrace.TracerProvider
	if cfg.OTELEnabled {
		otelCfg := otel.DefaultConfig("banditd")
		otelCfg.CollectorEndpoint = cfg.OTELEndpoint
		tp, err = otel.InitTracer(context.Background(), otelCfg)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
	}

	repo := repository.New(store, experiment.Config{
		CheckpointInterval: cfg.CheckpointInterval,
		MailboxCapacity:    cfg.MailboxCapacity,
		RestartMaxBurst:    cfg.RestartMaxBurst,
		RestartBackoff:     cfg.RestartBackoff,
	}, met)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repo.Startup(startupCtx); err != nil {
		cancel()
		return fmt.Errorf("reloading experiments: %w", err)
	}
	cancel()

	opts := []api.Option{
		api.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.TokenRate), cfg.TokenRate*2)),
		api.WithMetricsAuth(cfg.MetricsUser, cfg.MetricsPass),
	}
	if book != nil {
		opts = append(opts, api.WithLogbook(book))
	}
	server := api.NewServer(repo, acct, met, opts...)

	httpServer := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Final checkpoints for every experiment, then flush stores.
	repo.ShutdownAll(ctx)
	if err := store.Close(); err != nil {
		log.Printf("Error closing state store: %v", err)
	}
	if err := acct.Close(); err != nil {
		log.Printf("Error closing accountant: %v", err)
	}
	if tp != nil {
		if err := otel.Shutdown(ctx, tp); err != nil {
			log.Printf("Error flushing traces: %v", err)
		}
	}

	log.Println("Server stopped")
	return nil
}

func openStore(cfg config.Config) (statestore.Store, error) {
	switch cfg.StateBackend {
	case "file":
		return statestore.NewFileStore(cfg.StateDir)
	case "redis":
		return statestore.NewRedisStore(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	case "postgres":
		return statestore.NewPostgresStore(cfg.PostgresConn)
	default:
		return nil, fmt.Errorf("unknown STATE_BACKEND: %s", cfg.StateBackend)
	}
}
