package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/coffer/internal/api"
	"github.com/benaskins/coffer/internal/channel"
	"github.com/benaskins/coffer/internal/config"
	"github.com/benaskins/coffer/internal/logbuf"
	"github.com/benaskins/coffer/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the store over JSON-RPC",
	Long:  "Serve write/read/readAll/delete/deleteAll/migrate as JSON-RPC 2.0 on a Unix socket (and optionally TCP).",
	RunE:  runServe,
}

var serveAPIAddr string

const auditTailSize = 500

func init() {
	serveCmd.Flags().StringVar(&serveAPIAddr, "api-addr", "", "Optional loopback TCP address for API (e.g. 127.0.0.1:9090)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	addr, err := tcpAddr(serveAPIAddr, cfg)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	tail := logbuf.New(auditTailSize)
	store, closeFn, err := openStore(cfg, "server", tail)
	if err != nil {
		return err
	}
	defer closeFn()

	m := metrics.New()
	handler := channel.NewHandler(store, channel.Config{
		Masked:        cfg.IsMasked(),
		LegacyService: cfg.LegacyService,
	}, m)

	srv := api.NewServer(handler, m)
	srv.SetRateLimit(cfg.RateLimit, cfg.RateBurst)
	srv.SetAuditTail(tail)

	socketPath := cfg.SocketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	slog.Info("coffer starting",
		"backend", cfg.BackendName(),
		"masked", cfg.IsMasked(),
		"socket", socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	if addr != "" {
		go func() {
			if err := srv.ListenTCP(addr); err != nil {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	// Masking, rate limits and log level follow the config file; backend
	// changes need a restart.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			handler.SetMasked(next.IsMasked())
			srv.SetRateLimit(next.RateLimit, next.RateBurst)
			level.Set(next.SlogLevel())
			if next.BackendName() != cfg.BackendName() {
				slog.Warn("backend change ignored until restart", "backend", next.BackendName())
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "error", err)
		}
	}()

	slog.Info("coffer ready")

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	os.Remove(socketPath)

	slog.Info("coffer stopped")
	return nil
}

// tcpAddr picks the optional TCP address, preferring the flag over the
// config file. Non-loopback addresses are refused.
func tcpAddr(flag string, cfg *config.Config) (string, error) {
	addr := flag
	if addr == "" {
		addr = cfg.APIAddr
	}
	if addr == "" {
		return "", nil
	}
	if err := config.ValidateAPIAddr(addr); err != nil {
		return "", fmt.Errorf("--api-addr: %w", err)
	}
	return addr, nil
}
