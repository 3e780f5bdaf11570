// AEMOS is a telemetry and automation platform core for IoT fleets.
//
// It ingests device telemetry over MQTT, CoAP, and HTTP, evaluates
// rule chains against incoming events and cron schedules, and fans out
// state changes and notifications to devices and subscribers.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	aemos serve              Start the platform
//	aemos version            Print version and build information
//	aemos -o json version    Output version information as JSON
//
// Exit codes: 0 on clean shutdown, 1 for configuration errors, 2 when
// the database cannot be opened.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aemos-iot/aemos-core/internal/api"
	"github.com/aemos-iot/aemos-core/internal/buildinfo"
	"github.com/aemos-iot/aemos-core/internal/coap"
	"github.com/aemos-iot/aemos-core/internal/config"
	"github.com/aemos-iot/aemos-core/internal/engine"
	"github.com/aemos-iot/aemos-core/internal/metrics"
	"github.com/aemos-iot/aemos-core/internal/mqtt"
	"github.com/aemos-iot/aemos-core/internal/notify"
	"github.com/aemos-iot/aemos-core/internal/router"
	"github.com/aemos-iot/aemos-core/internal/schedule"
	"github.com/aemos-iot/aemos-core/internal/store"
	"github.com/aemos-iot/aemos-core/internal/tokencache"
	"github.com/aemos-iot/aemos-core/internal/webhook"
)

// Exit codes. Config problems and an unreachable database are
// distinguished so process supervisors can react differently.
const (
	exitConfigError = 1
	exitStoreError  = 2
)

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

type storeError struct{ err error }

func (e storeError) Error() string { return e.err.Error() }
func (e storeError) Unwrap() error { return e.err }

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		code := exitConfigError
		if errors.As(err, &storeError{}) {
			code = exitStoreError
		}
		os.Exit(code)
	}
}

// run is the real entry point for the aemos command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return configError{fmt.Errorf("unknown flag: %s", args[i])}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return configError{fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return configError{fmt.Errorf("unknown command: %s", command)}
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "AEMOS - IoT Telemetry and Automation Platform")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aemos [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the platform")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/aemos/config.yaml, /etc/aemos/config.yaml")
	return nil
}

// runServe handles the "aemos serve" subcommand. It is the primary
// operating mode: loads config, opens the database, wires the engine,
// schedule manager, notification dispatcher, and transports, starts the
// HTTP server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher announces "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Engine workers finish their current events
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting AEMOS",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return configError{err}
	}

	// Reconfigure the logger now that we know the desired level. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return configError{err}
		}
		logger = newLogger(stdout, level, "text")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"database", cfg.Database.Path,
		"production", cfg.Production,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return configError{fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)}
	}

	// --- Store ---
	// SQLite holds every entity: organizations, sensors, devices,
	// telemetry, state instances, tokens, and rule chains.
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return storeError{fmt.Errorf("open database %s: %w", cfg.Database.Path, err)}
	}
	defer st.Close()
	logger.Info("database opened", "path", cfg.Database.Path)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Metrics ---
	mtr := metrics.New()

	// --- Token cache ---
	// Serves repeat device authentications without a database round
	// trip. The sweep goroutine evicts expired entries.
	cache := tokencache.New(logger)
	go cache.Start(ctx)

	// --- MQTT publisher (egress) ---
	// Carries notifications, state echoes, and broadcasts back to the
	// broker. Started before the notification dispatcher so it can be
	// handed over as the outbound transport.
	var mqttPub *mqtt.Publisher
	var notifyPub notify.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return configError{fmt.Errorf("load mqtt instance id: %w", err)}
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.NewPublisher(mqtt.Config{
			Broker:     cfg.MQTT.Broker,
			Username:   router.InternalPublisherUser,
			Password:   cfg.MQTT.PublisherSecret,
			InstanceID: instanceID,
		}, logger)
		if err := mqttPub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
		notifyPub = mqttPub
	} else {
		logger.Info("mqtt disabled, notifications reach bus subscribers only")
	}

	// --- Notification dispatcher ---
	bus := notify.NewBus()
	notifier := notify.NewService(bus, notifyPub, logger)
	notifier.SetBatching(
		time.Duration(cfg.Notify.FlushIntervalMs)*time.Millisecond,
		cfg.Notify.MaxBuffer,
	)

	// --- Rule engine ---
	eng := engine.NewManager(st, st, notifier, mtr, engine.Config{
		Workers:         cfg.Engine.Workers,
		QueueCapacity:   cfg.Engine.QueueCapacity,
		WarningDepth:    cfg.Engine.WarningDepth,
		CriticalDepth:   cfg.Engine.CriticalDepth,
		EventDeadline:   time.Duration(cfg.Engine.EventDeadlineMs) * time.Millisecond,
		CollectTimeout:  time.Duration(cfg.Engine.CollectTimeoutMs) * time.Millisecond,
		HighPriorityMin: cfg.Engine.HighPriorityMin,
		HighPriorityMax: cfg.Engine.HighPriorityMax,
	}, logger)
	eng.SetWebhookSender(webhook.NewSender(logger))
	if err := eng.Start(ctx); err != nil {
		return storeError{fmt.Errorf("start rule engine: %w", err)}
	}
	defer eng.Stop()

	// --- Schedule manager ---
	// Fires cron-scheduled chains into the engine and reconciles its
	// registry against the database on every sync interval.
	sched := schedule.New(st, eng,
		time.Duration(cfg.Schedule.SyncIntervalSec)*time.Second, logger)
	if err := sched.Start(ctx); err != nil {
		return storeError{fmt.Errorf("start schedule manager: %w", err)}
	}
	eng.SetScheduleSink(sched)

	// --- Message router ---
	rtr := router.New(st, cache, eng, notifier, router.Config{
		Production:              cfg.Production,
		InternalPublisherSecret: cfg.MQTT.PublisherSecret,
	}, logger)

	// --- MQTT subscriber (ingress) ---
	var mqttSub *mqtt.Subscriber
	if cfg.MQTT.Enabled {
		instanceID, _ := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		mqttSub = mqtt.NewSubscriber(mqtt.Config{
			Broker:     cfg.MQTT.Broker,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			InstanceID: instanceID,
			RateLimit:  cfg.MQTT.RateLimit,
		}, rtr, logger)
		if err := mqttSub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt subscriber: %w", err)
		}
		logger.Info("mqtt ingress enabled", "broker", cfg.MQTT.Broker)
	}

	// --- CoAP ingress ---
	var coapSrv *coap.Server
	if cfg.CoAP.Enabled {
		coapSrv = coap.NewServer(cfg.CoAP.Address, rtr, st, logger)
		coapSrv.SetNotificationBus(bus)
		if err := coapSrv.Start(ctx); err != nil {
			return fmt.Errorf("start coap server: %w", err)
		}
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, st, rtr, eng, sched, logger)
	server.SetMetricsHandler(mtr.Handler())
	server.SetWebSocketHandler(notify.NewWSHub(bus, logger))

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt publisher shutdown failed", "error", err)
			}
		}
		if mqttSub != nil {
			if err := mqttSub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt subscriber shutdown failed", "error", err)
			}
		}
		if coapSrv != nil {
			coapSrv.Stop()
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the HTTP server. This blocks until the server is shut down
	// via context cancellation or fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("AEMOS stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
