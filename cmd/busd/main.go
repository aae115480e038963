// Command busd runs the in-memory, topic-partitioned message plane:
// an ingest listener, an RPC router, and a best-effort publish
// fan-out, all sharing one busstore.State. Flag/env/TOML layering and
// signal-driven graceful shutdown follow cmd/bd/main.go's init()/
// rootCtx pattern (signal.NotifyContext wrapping the process lifetime,
// config.Initialize before any flag is read).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wislap/busd/internal/busconfig"
	"github.com/wislap/busd/internal/busrpc"
	"github.com/wislap/busd/internal/busstore"
	"github.com/wislap/busd/internal/fanout"
	"github.com/wislap/busd/internal/ingest"
	"github.com/wislap/busd/internal/observability"
)

var (
	configPath   string
	natsURL      string
	otlpEndpoint string
	logLevel     string
	serviceName  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := busconfig.Defaults()

	cmd := &cobra.Command{
		Use:   "busd",
		Short: "in-memory topic-partitioned message plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "optional static TOML config file, lowest precedence")
	cmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS URL for the publish fan-out (empty disables fan-out)")
	cmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP collector endpoint for traces (empty logs to stdout)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.PersistentFlags().StringVar(&serviceName, "service-name", "busd", "service name reported to tracing/metrics")

	busconfig.BindFlags(cmd, &cfg)

	return cmd
}

func run(ctx context.Context, cfg *busconfig.Config) error {
	// TOML file is the lowest precedence layer: load it before flags
	// are parsed isn't possible with cobra's single-pass flag binding,
	// so env overrides are applied first and any field the TOML file
	// sets is then only honored when neither a flag nor an env var has
	// moved it off its default, matching ApplyEnvOverrides's own
	// "only if still default" rule.
	busconfig.ApplyEnvOverrides(cfg)
	if configPath != "" {
		fileCfg, err := busconfig.LoadTOMLFile(configPath)
		if err != nil {
			return fmt.Errorf("busd: load config file: %w", err)
		}
		mergeDefaults(cfg, fileCfg)
	}
	busconfig.ExportToEnv(cfg)

	log := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, observability.Config{
		ServiceName:  serviceName,
		OTLPEndpoint: otlpEndpoint,
	}, log)
	if err != nil {
		return fmt.Errorf("busd: init observability: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	state := busstore.NewState(cfg.StoreMaxlen, cfg.TopicMax)

	pub := fanout.Connect(natsURL, log)
	defer pub.Close()

	rpcListener, err := busrpc.Listen(stripScheme(cfg.RPCEndpoint))
	if err != nil {
		return fmt.Errorf("busd: bind rpc endpoint %s: %w", cfg.RPCEndpoint, err)
	}
	ingestListener, err := ingest.Listen(stripScheme(cfg.IngestEndpoint))
	if err != nil {
		return fmt.Errorf("busd: bind ingest endpoint %s: %w", cfg.IngestEndpoint, err)
	}

	server := busrpc.NewServer(*cfg, state, pub, log)
	ingester := ingest.NewIngester(*cfg, state, pub, log)

	log.Info("busd starting",
		"rpc_endpoint", cfg.RPCEndpoint,
		"ingest_endpoint", cfg.IngestEndpoint,
		"pub_enabled", cfg.PubEnabled,
		"validate_mode", cfg.ValidateMode,
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Serve(gctx, rpcListener) })
	group.Go(func() error { return ingester.Serve(gctx, ingestListener) })

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	log.Info("busd stopped")
	return nil
}

// mergeDefaults copies every field of src into dst that still equals
// its own zero-config default on dst, the same "only overwrite an
// unset field" rule ApplyEnvOverrides applies one layer up.
func mergeDefaults(dst *busconfig.Config, src busconfig.Config) {
	def := busconfig.Defaults()
	if dst.RPCEndpoint == def.RPCEndpoint {
		dst.RPCEndpoint = src.RPCEndpoint
	}
	if dst.IngestEndpoint == def.IngestEndpoint {
		dst.IngestEndpoint = src.IngestEndpoint
	}
	if dst.PubEndpoint == def.PubEndpoint {
		dst.PubEndpoint = src.PubEndpoint
	}
	if dst.StoreMaxlen == def.StoreMaxlen {
		dst.StoreMaxlen = src.StoreMaxlen
	}
	if dst.TopicMax == def.TopicMax {
		dst.TopicMax = src.TopicMax
	}
	if dst.TopicNameMaxLen == def.TopicNameMaxLen {
		dst.TopicNameMaxLen = src.TopicNameMaxLen
	}
	if dst.PayloadMaxBytes == def.PayloadMaxBytes {
		dst.PayloadMaxBytes = src.PayloadMaxBytes
	}
	if dst.ValidateMode == def.ValidateMode {
		dst.ValidateMode = src.ValidateMode
	}
	if dst.ValidatePayloadBytes == def.ValidatePayloadBytes {
		dst.ValidatePayloadBytes = src.ValidatePayloadBytes
	}
	if dst.PubEnabled == def.PubEnabled {
		dst.PubEnabled = src.PubEnabled
	}
	if dst.GetRecentMaxLimit == def.GetRecentMaxLimit {
		dst.GetRecentMaxLimit = src.GetRecentMaxLimit
	}
	if dst.Workers == def.Workers {
		dst.Workers = src.Workers
	}
}

// stripScheme drops a "tcp://" prefix from an endpoint string so it
// can be handed to net.Listen, which wants "host:port" rather than the
// ZMQ-style URL the reference's Cli fields use.
func stripScheme(endpoint string) string {
	return strings.TrimPrefix(endpoint, "tcp://")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
