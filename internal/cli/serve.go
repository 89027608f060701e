package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/relaypool/internal/config"
	"github.com/ChuLiYu/relaypool/internal/coordinator"
	"github.com/ChuLiYu/relaypool/internal/ipc"
	"github.com/ChuLiYu/relaypool/internal/logging"
	"github.com/ChuLiYu/relaypool/internal/metrics"
	"github.com/ChuLiYu/relaypool/internal/server"
	"github.com/ChuLiYu/relaypool/internal/worker"
	"github.com/ChuLiYu/relaypool/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relaypool server",
		Long:  "Start a primary with a worker pool when cluster mode is enabled, otherwise a single HTTP process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Cluster.Enabled {
				logger := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format, "role", "primary")
				return runPrimary(ctx, cfg, logger)
			}
			logger := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format, "worker_id", os.Getpid())
			return runSingle(ctx, cfg, logger)
		},
	}
}

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a worker process (started by the primary)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			id := types.WorkerID(os.Getpid())
			logger := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format, "worker_id", id)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, cfg, id, os.Getenv(EnvIPCSocket), os.Getenv(EnvListenerFD), logger)
		},
	}
}

// ============================================================================
// primary
// ============================================================================

func runPrimary(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("listener is not a TCP listener")
	}
	// 只保留可繼承的 fd，worker 共用同一個 socket 接受連線
	listenerFile, err := tcpLn.File()
	ln.Close()
	if err != nil {
		return fmt.Errorf("failed to duplicate listener: %w", err)
	}
	defer listenerFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	socketPath := cfg.SocketPath(os.Getpid())
	spawner := &coordinator.ExecSpawner{
		Path: exe,
		Args: []string{"worker", "--config", configFile},
		Env: append(os.Environ(),
			EnvIPCSocket+"="+socketPath,
			EnvListenerFD+"="+strconv.Itoa(listenerFD),
		),
		ExtraFiles: []*os.File{listenerFile},
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}

	reg := prometheus.NewRegistry()
	coord := coordinator.New(coordinator.Config{
		WorkerCount:   cfg.Cluster.Workers,
		ShutdownGrace: cfg.HTTP.ShutdownGrace,
		SocketPath:    socketPath,
	}, spawner,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics.NewPoolCollector(reg)),
	)

	logger.Info("Primary is running",
		"pid", os.Getpid(),
		"workers", cfg.Cluster.Workers,
		"addr", cfg.Addr())

	if err := coord.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Port > 0 {
		metricsSrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), reg)
		go func() {
			logger.Info("Starting metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping workers")
		coord.Shutdown(syscall.SIGTERM)
	case <-coord.Done():
	}

	err = coord.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if err != nil {
		return err
	}
	logger.Info("Primary stopped")
	return nil
}

// ============================================================================
// worker / single process
// ============================================================================

func runWorker(ctx context.Context, cfg *config.Config, id types.WorkerID, socketPath, fd string, logger *slog.Logger) error {
	if socketPath == "" || fd == "" {
		return fmt.Errorf("worker must be started by the primary (%s and %s unset)", EnvIPCSocket, EnvListenerFD)
	}
	ln, err := inheritedListener(fd)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewWorkerCollector(reg)
	w := worker.New(worker.Config{ID: id, RingCapacity: cfg.Worker.RingCapacity},
		worker.WithLogger(logger),
		worker.WithMetrics(collector),
	)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := ipc.Dial(dialCtx, socketPath, id, w.HandleRelay)
	if err != nil {
		ln.Close()
		return err
	}
	defer client.Close()
	w.Attach(client)

	srv := server.New(server.Config{
		ClusterMode:   true,
		ShutdownGrace: cfg.HTTP.ShutdownGrace,
	}, w, server.WithLogger(logger), server.WithMetrics(collector, reg))

	logger.Info("Worker started", "addr", ln.Addr().String(), "cluster", true)
	return serveUntilDone(ctx, srv, ln, client.Done(), logger)
}

func runSingle(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewWorkerCollector(reg)
	w := worker.New(worker.Config{ID: types.WorkerID(os.Getpid()), RingCapacity: cfg.Worker.RingCapacity},
		worker.WithLogger(logger),
		worker.WithMetrics(collector),
	)
	srv := server.New(server.Config{
		ClusterMode:   false,
		ShutdownGrace: cfg.HTTP.ShutdownGrace,
	}, w, server.WithLogger(logger), server.WithMetrics(collector, reg))

	logger.Info("Server listening", "addr", ln.Addr().String(), "cluster", false)
	return serveUntilDone(ctx, srv, ln, nil, logger)
}

// serveUntilDone serves ln until ctx is cancelled or detached is closed,
// then shuts the server down within its grace window.
func serveUntilDone(ctx context.Context, srv *server.Server, ln net.Listener, detached <-chan struct{}, logger *slog.Logger) error {
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
		logger.Info("Received shutdown signal, closing HTTP server")
	case <-detached:
		logger.Info("IPC channel to primary closed, exiting")
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return err
	}
	if err := <-served; err != nil {
		return err
	}
	logger.Info("HTTP server closed")
	return nil
}

func inheritedListener(fd string) (net.Listener, error) {
	n, err := strconv.Atoi(fd)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid %s %q", EnvListenerFD, fd)
	}
	f := os.NewFile(uintptr(n), "relaypool-listener")
	if f == nil {
		return nil, fmt.Errorf("invalid listener fd %d", n)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to use inherited listener: %w", err)
	}
	return ln, nil
}
