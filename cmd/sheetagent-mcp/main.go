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

	"github.com/malbeclabs/sheetagent/internal/app"
	"github.com/malbeclabs/sheetagent/internal/mcp/metrics"
	"github.com/malbeclabs/sheetagent/internal/mcp/server"
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
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", "", "path to the YAML config file (or set SHEETAGENT_CONFIG env var)")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP server listen address (overrides mcp.listen_addr)")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (overrides server.metrics_addr)")
	tokensFlag := flag.String("allowed-tokens", "", "comma separated bearer tokens (or set MCP_ALLOWED_TOKENS env var)")
	flag.Parse()

	if *configFlag == "" {
		*configFlag = os.Getenv("SHEETAGENT_CONFIG")
	}
	if *tokensFlag == "" {
		*tokensFlag = os.Getenv("MCP_ALLOWED_TOKENS")
	}

	cfg := config.Default()
	if *configFlag != "" {
		var err error
		if cfg, err = config.Load(*configFlag); err != nil {
			return err
		}
	}
	if *listenAddrFlag != "" {
		cfg.MCP.ListenAddr = *listenAddrFlag
	}
	if *metricsAddrFlag != "" {
		cfg.Server.MetricsAddr = *metricsAddrFlag
	}

	var tokens []string
	if cfg.MCP.Token != "" {
		tokens = append(tokens, cfg.MCP.Token)
	}
	for _, t := range strings.Split(*tokensFlag, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}

	log := logger.New(*verboseFlag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	a, err := app.New(ctx, app.Options{Logger: log, Config: cfg})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close app", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Logger:        log,
		Tools:         a.Tools,
		Tables:        a.Registry,
		Asker:         a.Workflow,
		Version:       version,
		ListenAddr:    cfg.MCP.ListenAddr,
		AllowedTokens: tokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if cfg.Server.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		g.Go(func() error {
			listener, err := net.Listen("tcp", cfg.Server.MetricsAddr)
			if err != nil {
				return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			ms := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				_ = ms.Close()
			}()
			if err := ms.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
