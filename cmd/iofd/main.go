// Command iofd is the I/O node. It exports local directories or S3 buckets as
// projections and serves the operations forwarded by client nodes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iofwd/iof/internal/config"
	"github.com/iofwd/iof/internal/metrics"
	"github.com/iofwd/iof/internal/server"
	"github.com/iofwd/iof/internal/storage"
	"github.com/iofwd/iof/internal/storage/local"
	"github.com/iofwd/iof/internal/storage/s3"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/api"
	"github.com/iofwd/iof/pkg/profiling"
	"github.com/iofwd/iof/pkg/utils"
)

func main() {
	configFile := flag.String("config", "", "Path to the YAML configuration file")
	listen := flag.String("listen", "", "Address to serve clients on (overrides the configuration)")
	rank := flag.Int("rank", -1, "Rank of this I/O node (overrides the configuration)")
	logLevel := flag.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	flag.Parse()

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "iofd: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "iofd: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Transport.Listen = *listen
	}
	if *rank >= 0 {
		cfg.Global.Rank = *rank
	}
	if *logLevel != "" {
		cfg.Global.LogLevel = strings.ToUpper(*logLevel)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "iofd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Configuration) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := utils.NewLogger(utils.LogConfig{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		File:       cfg.Global.LogFile,
		MaxSizeMB:  cfg.Global.LogMaxSizeMB,
		MaxBackups: cfg.Global.LogMaxBackups,
		Compress:   cfg.Global.LogCompress,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exports, err := buildExports(ctx, cfg, logger)
	if err != nil {
		return err
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
	}, logger)
	if err != nil {
		closeExports(exports, logger)
		return err
	}

	srv, err := server.New(server.Config{
		Rank:         uint8(cfg.Global.Rank),
		GAHCapacity:  cfg.GAH.Capacity,
		GAHDelta:     cfg.GAH.Delta,
		PollInterval: uint32(cfg.Server.PollInterval / time.Millisecond),
		Transport:    transport.ServerConfig{MaxMessageSize: cfg.Transport.MaxMessageSize},
	}, exports, logger, transport.WithServerObserver(collector))
	if err != nil {
		closeExports(exports, logger)
		return err
	}
	collector.RegisterSource("ionss", fmt.Sprintf("rank%d", cfg.Global.Rank), srv.Snapshot)
	api.NewHandler("iofd", nil, func() any {
		return map[string]any{
			"rank":        cfg.Global.Rank,
			"projections": srv.Projections(),
			"counters":    srv.Snapshot(),
		}
	}, logger).Register(collector)
	collector.RegisterSource("runtime", "iofd", profiling.Snapshot)
	if cfg.Metrics.Pprof {
		profiling.Register(collector)
	}

	if err := collector.Start(ctx); err != nil {
		_ = srv.Stop()
		return err
	}

	lis, err := net.Listen("tcp", cfg.Transport.Listen)
	if err != nil {
		_ = srv.Stop()
		return fmt.Errorf("listen on %s: %w", cfg.Transport.Listen, err)
	}
	logger.Info("I/O node serving",
		"address", lis.Addr().String(),
		"rank", cfg.Global.Rank,
		"projections", len(exports))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	select {
	case err = <-serveErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.RPCTimeout)
	defer cancel()
	if stopErr := srv.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if stopErr := collector.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("Stopping metrics server failed", "error", stopErr)
	}
	return err
}

// buildExports opens the backend of every configured projection. Projections
// naming the same local path share one backend.
func buildExports(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) ([]server.Export, error) {
	var exports []server.Export
	locals := make(map[string]storage.Backend)

	for _, p := range cfg.Server.Projections {
		var backend storage.Backend
		switch p.Backend {
		case "", config.BackendLocal:
			if b, ok := locals[p.Path]; ok {
				backend = b
				break
			}
			b, err := local.New(p.Path, logger)
			if err != nil {
				closeExports(exports, logger)
				return nil, fmt.Errorf("projection %s: %w", p.Name, err)
			}
			locals[p.Path] = b
			backend = b
		case config.BackendS3:
			b, err := s3.NewBackend(ctx, cfg.S3For(p), logger)
			if err != nil {
				closeExports(exports, logger)
				return nil, fmt.Errorf("projection %s: %w", p.Name, err)
			}
			if err := b.HealthCheck(ctx); err != nil {
				logger.Warn("S3 bucket not reachable yet", "projection", p.Name, "error", err)
			}
			backend = b
		}

		exports = append(exports, server.Export{
			Name:        p.Name,
			Backend:     backend,
			Writeable:   p.Writeable,
			Failover:    p.Failover,
			MaxRead:     p.MaxRead,
			MaxWrite:    p.MaxWrite,
			ReaddirSize: p.ReaddirSize,
		})
	}
	return exports, nil
}

func closeExports(exports []server.Export, logger *slog.Logger) {
	seen := make(map[io.Closer]bool)
	for _, e := range exports {
		if seen[e.Backend] {
			continue
		}
		seen[e.Backend] = true
		if err := e.Backend.Close(); err != nil {
			logger.Warn("Closing backend failed", "projection", e.Name, "error", err)
		}
	}
}
