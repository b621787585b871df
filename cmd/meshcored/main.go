// meshcored is the embedded peer-to-peer mesh node daemon.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meshcore/wishcore/internal/config"
	"github.com/meshcore/wishcore/internal/metrics"
	"github.com/meshcore/wishcore/internal/node"
	"github.com/meshcore/wishcore/internal/state"
	"github.com/meshcore/wishcore/internal/transport"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// beaconBufSize is the scratch buffer size for received LAN beacon
// datagrams (§6 "LAN beacon").
const beaconBufSize = 512

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	hostID, err := newHostID()
	if err != nil {
		logger.Error("failed to generate host id", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("meshcored starting",
		slog.String("version", node.Version),
		slog.String("core_addr", cfg.Net.CoreAddr),
		slog.Bool("app_server_enabled", cfg.Net.AppServerEnabled),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	blob := &state.FileBlobStore{}
	if err := blob.Open(cfg.Core.StatePath); err != nil {
		logger.Error("failed to open persisted state file", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := blob.Close(); err != nil {
			logger.Warn("failed to close state file", slog.String("error", err.Error()))
		}
	}()

	beacon, err := transport.NewBeaconSender(cfg.Net.BeaconPort)
	if err != nil {
		logger.Warn("failed to open LAN beacon sender, advertisements disabled",
			slog.String("error", err.Error()))
		beacon = nil
	}
	if beacon != nil {
		defer func() {
			if err := beacon.Close(); err != nil {
				logger.Warn("failed to close beacon sender", slog.String("error", err.Error()))
			}
		}()
	}

	n, err := node.New(cfg, hostID, blob, beaconSenderOrNil(beacon), collector, logger)
	if err != nil {
		logger.Error("failed to construct node", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, n, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("meshcored exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("meshcored stopped")
	return 0
}

// beaconSenderOrNil narrows a possibly-nil *transport.BeaconSender to the
// transport.DatagramSender interface without leaving a non-nil interface
// wrapping a nil pointer.
func beaconSenderOrNil(s *transport.BeaconSender) transport.DatagramSender {
	if s == nil {
		return nil
	}
	return s
}

// newHostID draws this process's stable host id (§3 "Host id ... stable
// across connections of one process lifetime"): since its scope is the
// process lifetime and not persisted state, a fresh random value each
// start is sufficient and avoids coupling host identity to the identity
// store's own uid derivation.
func newHostID() ([32]byte, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("read random host id: %w", err)
	}
	return id, nil
}

// runServers wires the core's listeners, event loop, and ambient HTTP
// server under one signal-aware errgroup, mirroring the reference
// daemon's runServers/startHTTPServers/startDaemonGoroutines split.
func runServers(
	cfg *config.Config,
	n *node.Node,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	coreLn, err := transport.ListenTCP(cfg.Net.CoreAddr, logger)
	if err != nil {
		return fmt.Errorf("listen core addr %s: %w", cfg.Net.CoreAddr, err)
	}
	defer closeListener(coreLn, "core", logger)

	g.Go(func() error {
		return acceptLoop(gCtx, coreLn, n.AcceptCoreConn, logger, "core")
	})

	var appLn *transport.TCPListener
	if cfg.Net.AppServerEnabled {
		appLn, err = transport.ListenTCP(cfg.Net.AppAddr, logger)
		if err != nil {
			return fmt.Errorf("listen app addr %s: %w", cfg.Net.AppAddr, err)
		}
		defer closeListener(appLn, "app", logger)

		g.Go(func() error {
			return acceptLoop(gCtx, appLn, n.AcceptAppConn, logger, "app")
		})
	}

	beaconRecv, err := transport.NewBeaconReceiver(cfg.Net.BeaconPort)
	if err != nil {
		logger.Warn("failed to open LAN beacon receiver, discovery disabled",
			slog.String("error", err.Error()))
	} else {
		defer func() {
			if err := beaconRecv.Close(); err != nil {
				logger.Warn("failed to close beacon receiver", slog.String("error", err.Error()))
			}
		}()
		g.Go(func() error {
			return runBeaconReceiver(gCtx, beaconRecv, n, logger)
		})
	}

	g.Go(func() error {
		n.Loop.Run(gCtx, n.Process)
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// acceptLoop accepts connections on ln until ctx is canceled, handing
// each one to bind (Node.AcceptCoreConn or Node.AcceptAppConn).
func acceptLoop(ctx context.Context, ln *transport.TCPListener, bind func(transport.Stream), logger *slog.Logger, kind string) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("accept failed", slog.String("listener", kind), slog.String("error", err.Error()))
			continue
		}
		bind(conn)
	}
}

// runBeaconReceiver drains inbound LAN beacon datagrams and inserts them
// into the discovery table until ctx is canceled (§4.C, §6 "LAN beacon").
func runBeaconReceiver(ctx context.Context, recv *transport.BeaconReceiver, n *node.Node, logger *slog.Logger) error {
	buf := make([]byte, beaconBufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		sz, _, err := recv.Recv(recvCtx, buf)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			logger.Warn("beacon receive failed", slog.String("error", err.Error()))
			continue
		}
		if sz == 0 {
			continue
		}
		payload, err := transport.DecodeBeacon(buf[:sz])
		if err != nil {
			logger.Debug("dropping malformed beacon datagram", slog.String("error", err.Error()))
			continue
		}
		if payload.RHID == n.HostID() {
			continue // ignore our own broadcast
		}
		addr, port := splitBeaconTransport(payload.Transport)
		n.Discovery().Insert(payload.Alias, payload.RUID, payload.RHID, payload.PubKey, addr, port)
	}
}

// splitBeaconTransport parses a "tcp://host:port" transport hint into
// its address and port parts, used by discovery.Table.Insert.
func splitBeaconTransport(hint string) (string, uint16) {
	hint = strings.TrimPrefix(hint, "tcp://")
	host, portStr, err := net.SplitHostPort(hint)
	if err != nil {
		return hint, 0
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return host, 0
	}
	return host, port
}

// closeListener closes ln, logging any error.
func closeListener(ln *transport.TCPListener, kind string, logger *slog.Logger) {
	if ln == nil {
		return
	}
	if err := ln.Close(); err != nil {
		logger.Warn("failed to close listener", slog.String("listener", kind), slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only
// -------------------------------------------------------------------------

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// handleSIGHUP reloads the dynamic log level from configPath on SIGHUP.
// Fixed-capacity knobs (ring sizes, pool sizes) are read once at startup
// and are not hot-reloadable — resizing them would require reallocating
// structures the event loop is actively touching mid-turn.
func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()))
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()))
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
