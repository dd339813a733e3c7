// Command ic-server hosts a deterministic, replayable simulation-instance
// orchestrator behind an HTTP API.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	ic "github.com/SimulatedWorld/ic"
	"github.com/SimulatedWorld/ic/internal/logging"
	"github.com/SimulatedWorld/ic/internal/server"
	"github.com/SimulatedWorld/ic/replica"
)

// Config is the optional TOML configuration file.
type Config struct {
	IPAddr         string `toml:"ip_addr"`
	Port           uint16 `toml:"port"`
	SyncWaitMs     uint64 `toml:"sync_wait_ms"`
	ComputeWorkers int    `toml:"compute_workers"`
	LogLevel       string `toml:"log_level"`
	LogFile        string `toml:"log_file"`
}

func defaultConfig() Config {
	return Config{
		IPAddr:     "127.0.0.1",
		SyncWaitMs: uint64(ic.DefaultSyncWaitDuration.Milliseconds()),
		LogLevel:   "info",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("opening config file: %v", err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %v", path, err)
	}
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:  "ic-server",
		Usage: "deterministic replayable simulation-instance orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML configuration file"},
			&cli.StringFlag{Name: "ip-addr", Usage: "listen address", Value: "127.0.0.1"},
			&cli.UintFlag{Name: "port", Usage: "listen port (0 = OS chosen)"},
			&cli.Uint64Flag{Name: "sync-wait-ms", Usage: "synchronous wait time for updates in ms"},
			&cli.IntFlag{Name: "compute-workers", Usage: "size of the blocking compute pool"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-file", Usage: "log file path (rotated); stderr if empty"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	// Flags override the config file.
	if c.IsSet("ip-addr") {
		cfg.IPAddr = c.String("ip-addr")
	}
	if c.IsSet("port") {
		cfg.Port = uint16(c.Uint("port"))
	}
	if c.IsSet("sync-wait-ms") {
		cfg.SyncWaitMs = c.Uint64("sync-wait-ms")
	}
	if c.IsSet("compute-workers") {
		cfg.ComputeWorkers = c.Int("compute-workers")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		logConfig.Output = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	// Bind first so the orchestrator knows its real port; gateways that
	// forward to local instances need it.
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.IPAddr, cfg.Port))
	if err != nil {
		return fmt.Errorf("binding %s:%d: %v", cfg.IPAddr, cfg.Port, err)
	}
	port := uint16(listener.Addr().(*net.TCPAddr).Port)

	metrics := ic.NewMetrics()
	builder := ic.NewBuilder().
		WithPort(port).
		WithProgressOps(replica.StandardProgressOps{}).
		WithObserver(ic.NewMetricsObserver(metrics)).
		WithLogger(logger)
	if cfg.SyncWaitMs > 0 {
		builder = builder.WithSyncWaitTime(time.Duration(cfg.SyncWaitMs) * time.Millisecond)
	}
	if cfg.ComputeWorkers > 0 {
		builder = builder.WithComputeWorkers(cfg.ComputeWorkers)
	}
	orch := builder.Build()

	srv := &http.Server{Handler: server.New(orch, metrics, logger).Handler()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	logger.Info("server listening", "addr", listener.Addr().String())
	fmt.Printf("ic-server listening on %s\n", listener.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	// Stop accepting requests, then tear down gateways, drivers and
	// instances. Compute always runs to completion, so deletion may take a
	// moment for busy instances.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	orch.StopAllHTTPGateways()
	orch.DeleteAllInstances()
	metrics.Stop()

	logger.Info("server stopped")
	return nil
}
