package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/sheetagent/api"
	"github.com/malbeclabs/sheetagent/api/metrics"
	"github.com/malbeclabs/sheetagent/internal/app"
	"github.com/malbeclabs/sheetagent/pkg/config"
	"github.com/malbeclabs/sheetagent/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", "", "path to the YAML config file (or set SHEETAGENT_CONFIG env var)")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP server listen address (overrides server.listen_addr)")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (overrides server.metrics_addr)")
	allowedOriginsFlag := flag.String("allowed-origins", "", "comma separated CORS origins (overrides server.allowed_origins)")
	flag.Parse()

	if *configFlag == "" {
		*configFlag = os.Getenv("SHEETAGENT_CONFIG")
	}
	cfg := config.Default()
	if *configFlag != "" {
		var err error
		cfg, err = config.Load(*configFlag)
		if err != nil {
			return err
		}
	}
	if *listenAddrFlag != "" {
		cfg.Server.ListenAddr = *listenAddrFlag
	}
	if *metricsAddrFlag != "" {
		cfg.Server.MetricsAddr = *metricsAddrFlag
	}
	if *allowedOriginsFlag != "" {
		cfg.Server.AllowedOrigins = strings.Split(*allowedOriginsFlag, ",")
	}

	log := logger.New(*verboseFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{Logger: log, Config: cfg})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close app", "error", err)
		}
	}()

	server, err := api.NewServer(a,
		api.WithLogger(log),
		api.WithListenAddr(cfg.Server.ListenAddr),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	if cfg.Server.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Server.MetricsAddr)
		})
	}

	log.Info("sheetagent api started", "version", version, "tables", a.Registry.Len())
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
