package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ggoodman/airtable-mcp-server/airtable"
	"github.com/ggoodman/airtable-mcp-server/broker"
	memorybus "github.com/ggoodman/airtable-mcp-server/broker/memory"
	redisbus "github.com/ggoodman/airtable-mcp-server/broker/redis"
	"github.com/ggoodman/airtable-mcp-server/internal/config"
	"github.com/ggoodman/airtable-mcp-server/internal/engine"
	"github.com/ggoodman/airtable-mcp-server/internal/logctx"
	"github.com/ggoodman/airtable-mcp-server/lifecycle"
	"github.com/ggoodman/airtable-mcp-server/mcp"
	"github.com/ggoodman/airtable-mcp-server/sessions"
	memorystore "github.com/ggoodman/airtable-mcp-server/sessions/memory"
	redisstore "github.com/ggoodman/airtable-mcp-server/sessions/redis"
	"github.com/ggoodman/airtable-mcp-server/stdio"
	"github.com/ggoodman/airtable-mcp-server/streaminghttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const instructions = `Tools for reading and writing Airtable bases.
Start with list_bases, then list_tables or describe_table to learn a base's schema before reading or writing records.
Long listings report progress per page and can be cancelled.`

const shutdownGrace = 10 * time.Second

func rootCmd() *cobra.Command {
	var (
		transport  string
		listenAddr string
		readOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "airtable-mcp",
		Short: "Serve the Airtable API as MCP tools.",
		Long: `airtable-mcp exposes Airtable bases, tables and records as MCP tools.

Configuration is read from the environment (AIRTABLE_API_KEY is required).
Flags override the matching environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(func(cfg *config.Config) {
				if cmd.Flags().Changed("transport") {
					cfg.Transport = transport
				}
				if cmd.Flags().Changed("listen") {
					cfg.HTTP.ListenAddr = listenAddr
				}
				if cmd.Flags().Changed("read-only") {
					cfg.Airtable.ReadOnly = readOnly
				}
			})
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, os.Stdin, os.Stdout, os.Stderr)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", config.TransportStdio, "transport to serve: stdio or http")
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8080", "HTTP listen address (http transport)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "only expose operations that do not modify data")

	cmd.AddCommand(
		transportCmd(config.TransportStdio, "Serve MCP over stdin/stdout."),
		transportCmd(config.TransportHTTP, "Serve MCP over streamable HTTP."),
		versionCmd(),
	)
	return cmd
}

// resolveConfig decodes the environment, applies the flags the user set and
// validates the result once, so a flag can correct a bad variable.
func resolveConfig(override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// transportCmd is shorthand for the root command with --transport set.
func transportCmd(name, short string) *cobra.Command {
	var (
		listenAddr string
		readOnly   bool
	)
	cmd := &cobra.Command{
		Use:          name,
		Short:        short,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(func(cfg *config.Config) {
				cfg.Transport = name
				if cmd.Flags().Changed("listen") {
					cfg.HTTP.ListenAddr = listenAddr
				}
				if cmd.Flags().Changed("read-only") {
					cfg.Airtable.ReadOnly = readOnly
				}
			})
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, os.Stdin, os.Stdout, os.Stderr)
		},
	}
	if name == config.TransportHTTP {
		cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8080", "HTTP listen address")
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "only expose operations that do not modify data")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// newLogger builds the process logger. Records carry request, session and
// call attributes from the context.
func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, *slog.LevelVar, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(lvl)

	opts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	switch cfg.Format {
	case config.LogFormatText:
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), levelVar, nil
}

// run wires every component explicitly, then serves the configured
// transport until ctx is done.
func run(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer) error {
	log, levelVar, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := lifecycle.NewMetrics(reg)

	client, err := airtable.NewClient(cfg.Airtable.APIKey,
		airtable.WithBaseURL(cfg.Airtable.BaseURL),
		airtable.WithRateLimit(cfg.Airtable.RateLimit),
		airtable.WithClientLogger(log),
	)
	if err != nil {
		return fmt.Errorf("airtable client: %w", err)
	}
	catalog := airtable.NewCatalog(client, airtable.WithReadOnly(cfg.Airtable.ReadOnly))

	eng := engine.NewEngine(catalog,
		engine.WithLogger(log),
		engine.WithLevelVar(levelVar),
		engine.WithMetrics(metrics),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "airtable-mcp-server", Version: version}),
		engine.WithInstructions(instructions),
	)

	log.InfoContext(ctx, "server.start",
		slog.String("transport", cfg.Transport),
		slog.Int("tools", len(catalog.Tools())),
		slog.Bool("read_only", cfg.Airtable.ReadOnly),
		slog.String("version", version),
	)

	switch cfg.Transport {
	case config.TransportHTTP:
		return serveHTTP(ctx, cfg, eng, reg, log)
	default:
		h := stdio.NewHandler(eng, stdio.WithIO(stdin, stdout), stdio.WithLogger(log))
		err := h.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, eng *engine.Engine, reg *prometheus.Registry, log *slog.Logger) error {
	store, bus, closeBackends, err := newBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackends()

	h, err := streaminghttp.New(eng, store, bus,
		streaminghttp.WithLogger(log),
		streaminghttp.WithEndpoint(cfg.HTTP.Endpoint),
		streaminghttp.WithMetricsRegistry(reg),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := h.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.HTTP.ListenAddr), slog.String("endpoint", cfg.HTTP.Endpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.InfoContext(ctx, "server.stop")
	return err
}

// newBackends returns the shared Redis store and bus when REDIS_ADDR is set
// and in-process ones otherwise.
func newBackends(ctx context.Context, cfg *config.Config) (sessions.Store, broker.Bus, func(), error) {
	if !cfg.RedisEnabled() {
		return memorystore.New(cfg.HTTP.SessionTTL), memorybus.New(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	store := redisstore.New(redisstore.Config{
		Client:    client,
		KeyPrefix: cfg.Redis.KeyPrefix + "sessions:",
		TTL:       cfg.HTTP.SessionTTL,
	})
	bus := redisbus.New(redisbus.Config{
		Client:    client,
		KeyPrefix: cfg.Redis.KeyPrefix + "bus:",
	})
	return store, bus, func() { _ = client.Close() }, nil
}
