// Package main implements the tll daemon entry point: it loads a channel
// configuration, opens every configured channel against a shared protocol
// registry, and drives them with a Processor until told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/channel/file"
	"github.com/untoxa/tll/channel/nats"
	"github.com/untoxa/tll/channel/prefix"
	"github.com/untoxa/tll/channel/stream"
	"github.com/untoxa/tll/channel/tcp"
	"github.com/untoxa/tll/channel/ws"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/metric"
	"github.com/untoxa/tll/pkg/security"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semstreams"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	registryCtx := channel.NewContext(slog.Default())
	if err := registerProtocols(registryCtx); err != nil {
		return fmt.Errorf("register protocols: %w", err)
	}

	tick := parseTick(cfg)
	metricsRegistry := metric.NewMetricsRegistry()
	processor := channel.NewProcessor(tick, slog.Default(), metricsRegistry.CoreMetrics())

	channels, err := openChannels(registryCtx, cfg, processor)
	if err != nil {
		return fmt.Errorf("open channels: %w", err)
	}
	slog.Info("channels opened", "count", len(channels))

	var metricsServer *metric.Server
	if cliCfg.HealthPort != 0 {
		metricsServer = metric.NewServer(cliCfg.HealthPort, "/metrics", metricsRegistry, security.Config{})
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		slog.Info("metrics server listening", "address", metricsServer.Address())
	}

	var debugServer *http.Server
	if cliCfg.DebugPort != 0 {
		debugServer = newDebugServer(cliCfg.DebugPort)
		go func() {
			if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("debug server stopped", "error", err)
			}
		}()
		slog.Info("debug server listening", "port", cliCfg.DebugPort)
	}

	return runWithSignalHandling(processor, channels, metricsServer, debugServer, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting tll daemon", "version", Version, "build_time", BuildTime, "config_path", cliCfg.ConfigPath)
	return cliCfg, false, nil
}

// initializeConfiguration loads the channel configuration file.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	return loadConfig(cliCfg.ConfigPath)
}

// loadConfig reads a YAML configuration document into a fresh link tree.
func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := config.New()
	if err := cfg.Import(f); err != nil {
		return nil, fmt.Errorf("import config: %w", err)
	}
	return cfg, nil
}

// registerProtocols wires every channel implementation this daemon ships
// into a fresh Context: base transports and the composable prefixes.
func registerProtocols(ctx *channel.Context) error {
	registrars := []func(*channel.Context) error{
		file.Register,
		tcp.Register,
		nats.Register,
		ws.Register,
		stream.Register,
		prefix.Register,
		prefix.RegisterGenerator,
	}
	for _, register := range registrars {
		if err := register(ctx); err != nil {
			return err
		}
	}
	return nil
}

// policied is satisfied by every concrete channel; used to recover the
// ProcessPolicy the narrower Channel interface doesn't expose (mirrors
// channel.Processor's own protocolled helper).
type policied interface {
	ProcessPolicy() channel.ProcessPolicy
}

// openChannels builds and opens every channel named under the config
// tree's "channels" section, in the format:
//
//	channels:
//	  <name>:
//	    url: "<scheme>://<host>[?param=value[;param=value...]]"
//	    open:
//	      <param>: <value>   # forwarded to OnOpen as read-time overrides
//
// Channels are opened in name order so a config author can rely on
// dependency ordering by naming convention; the caller is responsible
// for closing the returned channels on shutdown.
func openChannels(ctx *channel.Context, cfg *config.Config, processor *channel.Processor) ([]channel.Channel, error) {
	root := cfg.Sub("channels", false)
	if root == nil {
		return nil, nil
	}

	names := map[string]struct{}{}
	if err := root.Browse("*.url", func(v config.Visit) error {
		names[strings.TrimSuffix(v.Path, ".url")] = struct{}{}
		return nil
	}); err != nil {
		return nil, err
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	opened := make([]channel.Channel, 0, len(sorted))
	for _, name := range sorted {
		ch, err := openOneChannel(ctx, root, name)
		if err != nil {
			for i := len(opened) - 1; i >= 0; i-- {
				_ = opened[i].Close(true)
			}
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}
		opened = append(opened, ch)

		policy := channel.Never
		if p, ok := ch.(policied); ok {
			policy = p.ProcessPolicy()
		}
		processor.Add(ch, policy)
	}
	return opened, nil
}

func openOneChannel(ctx *channel.Context, root *config.Config, name string) (channel.Channel, error) {
	rawURL, ok := root.Get(name + ".url")
	if !ok || rawURL == "" {
		return nil, fmt.Errorf("missing url")
	}

	ch, err := ctx.Channel(name, rawURL, nil)
	if err != nil {
		return nil, err
	}

	openParams := root.Sub(name+".open", false)
	if err := ch.Open(openParams); err != nil {
		return nil, tllerrors.Wrap(err, "main", "openOneChannel", "open "+name)
	}
	return ch, nil
}

// parseTick reads the top-level "tick" duration from the config tree,
// defaulting to Processor's own 10ms when absent or unparsable.
func parseTick(cfg *config.Config) time.Duration {
	s, ok := cfg.Get("tick")
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid tick duration, using default", "value", s, "error", err)
		return 0
	}
	return d
}

func newDebugServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}

// runWithSignalHandling drives the processor until SIGINT/SIGTERM, then
// closes every channel and stops the auxiliary servers within timeout.
func runWithSignalHandling(
	processor *channel.Processor,
	channels []channel.Channel,
	metricsServer *metric.Server,
	debugServer *http.Server,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	runErr := make(chan error, 1)
	go func() { runErr <- processor.Run(signalCtx) }()

	slog.Info("tll daemon started")

	select {
	case <-signalCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-runErr:
		if err != nil {
			slog.Error("processor stopped unexpectedly", "error", err)
		}
	}

	return shutdown(channels, metricsServer, debugServer, shutdownTimeout)
}

// shutdown closes every channel in reverse open order and stops the
// auxiliary HTTP servers, bounding the whole sequence by timeout.
func shutdown(channels []channel.Channel, metricsServer *metric.Server, debugServer *http.Server, timeout time.Duration) error {
	done := make(chan struct{})
	var firstErr error

	go func() {
		for i := len(channels) - 1; i >= 0; i-- {
			if err := channels[i].Close(false); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if debugServer != nil {
			if err := debugServer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("tll daemon shutdown complete")
		return firstErr
	case <-time.After(timeout):
		return fmt.Errorf("graceful shutdown timed out after %s", timeout)
	}
}

// printHelp prints help information.
func printHelp() {
	printDetailedHelp()
}
