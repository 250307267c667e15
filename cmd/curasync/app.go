package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/njoerd114/curasync/internal/catalog"
	"github.com/njoerd114/curasync/internal/config"
	"github.com/njoerd114/curasync/internal/network"
	"github.com/njoerd114/curasync/internal/remote"
	"github.com/njoerd114/curasync/internal/store"
	syncp "github.com/njoerd114/curasync/internal/sync"
	"github.com/njoerd114/curasync/internal/telemetry"
)

// probeTimeout bounds the reachability check of one-shot commands.
const probeTimeout = 3 * time.Second

// app holds the wired components shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	client  *remote.Client
	monitor *network.Monitor
	prober  network.DialProber
	engine  *syncp.Engine
	catalog *catalog.Service

	closers []func() error
}

type appOptions struct {
	cfgPath string
	verbose bool
	daemon  bool // log to log_file when configured, enable telemetry
	probe   bool // check reachability before returning
}

// newApp loads the configuration and wires store, remote client, monitor
// and engine. Call close when done.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", opts.cfgPath, err)
	}

	a := &app{cfg: cfg}

	// --- Telemetry (optional, daemon only) -----------------------------------

	telemetryOn := false
	if telCfg, ok := telemetry.FromConfig(cfg.Telemetry, version); ok && opts.daemon {
		shutdownTel, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			slog.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			telemetryOn = true
			a.closers = append(a.closers, func() error {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return shutdownTel(flushCtx)
			})
		}
	}

	// --- Logger --------------------------------------------------------------

	var out io.Writer = os.Stderr
	if opts.daemon && cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = lj
		a.closers = append(a.closers, lj.Close)
	}
	a.logger = newLogger(out, opts.verbose, telemetryOn)
	slog.SetDefault(a.logger)
	a.logger.Info("config loaded",
		"remote_url", cfg.RemoteURL,
		"sync_interval", cfg.SyncInterval,
		"batch_size", cfg.BatchSize,
	)
	if telemetryOn {
		a.logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	// --- Record store --------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = store.DefaultDBPath(); err != nil {
			a.close()
			return nil, err
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening record store at %q: %w", dbPath, err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	a.logger.Debug("record store opened", "path", dbPath)

	// --- Remote client & connectivity ----------------------------------------

	a.client, err = remote.New(cfg.RemoteURL, cfg.RemoteToken,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithLogger(a.logger),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialising remote client: %w", err)
	}
	a.prober = network.DialProber{Addr: a.client.Host(), Timeout: probeTimeout}

	online := false
	if opts.probe {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		online = a.prober.Probe(probeCtx) == nil
		cancel()
		if !online {
			a.logger.Warn("remote service unreachable, working offline", "host", a.client.Host())
		}
	}
	a.monitor = network.NewMonitor(a.logger, online)

	// --- Sync engine & catalog -----------------------------------------------

	a.engine, err = syncp.NewEngine(a.store, a.client, a.monitor, syncp.Config{
		BatchSize:       cfg.BatchSize,
		MaxPushAttempts: cfg.MaxPushAttempts,
		Interval:        cfg.SyncInterval,
		Logger:          a.logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.catalog = catalog.New(a.store, a.logger)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}
	a.closers = nil
}

func newLogger(w io.Writer, verbose, telemetryOn bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var h slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	if telemetryOn {
		h = telemetry.NewLogHandler(h, global.GetLoggerProvider(), "curasync")
	}
	return slog.New(h)
}
