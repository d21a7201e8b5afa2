// Package gateway assembles the guard from configuration and serves it over
// HTTP and MCP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Easy-Infra-Ltd/easy-guard/src/audit"
	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
	"github.com/Easy-Infra-Ltd/easy-guard/src/guard"
	"github.com/Easy-Infra-Ltd/easy-guard/src/httpapi"
	"github.com/Easy-Infra-Ltd/easy-guard/src/registry"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
	"github.com/Easy-Infra-Ltd/easy-guard/src/telemetry"
	"github.com/Easy-Infra-Ltd/easy-guard/src/transport"
	"github.com/Easy-Infra-Ltd/easy-guard/src/vault"
)

const closeTimeout = 10 * time.Second

// Gateway owns every long-lived dependency of the guard: detector sessions,
// the vault backend, the audit store and telemetry.
type Gateway struct {
	cfg      config.Config
	scanners config.ScannersConfig
	logger   *slog.Logger

	// transportFactory is injected for testing; nil uses the default.
	transportFactory transport.TransportFactory

	guard     *guard.Service
	input     *sanitizer.Pipeline
	output    *sanitizer.Pipeline
	telemetry *telemetry.Provider
	checks    map[string]httpapi.HealthCheck
	closers   []func(context.Context) error
}

func New(cfg config.Config, scanners config.ScannersConfig, logger *slog.Logger) *Gateway {
	return &Gateway{cfg: cfg, scanners: scanners, logger: logger}
}

// NewWithTransportFactory creates a Gateway that dials detector servers
// through factory.
func NewWithTransportFactory(cfg config.Config, scanners config.ScannersConfig, logger *slog.Logger, factory transport.TransportFactory) *Gateway {
	return &Gateway{cfg: cfg, scanners: scanners, logger: logger, transportFactory: factory}
}

// Build connects backends and constructs both pipelines. Scanner
// configuration errors surface here, before anything is served. On error,
// whatever was opened is closed again.
func (g *Gateway) Build(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			g.Close(ctx)
		}
	}()
	g.checks = make(map[string]httpapi.HealthCheck)

	tp, err := telemetry.Setup(ctx, g.cfg.Observability)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if tp != nil {
		g.telemetry = tp
		g.closers = append(g.closers, tp.Shutdown)
	}

	var pool *transport.Pool
	if len(g.cfg.DetectorServers) > 0 {
		pool = transport.NewPool(ctx, g.cfg.DetectorServers, g.logger, g.transportFactory)
		g.closers = append(g.closers, func(context.Context) error { pool.Close(); return nil })
		for _, srv := range g.cfg.DetectorServers {
			name := srv.Name
			g.checks["detector_server:"+name] = func(context.Context) error {
				if pool.Session(name) == nil {
					return fmt.Errorf("%w: %s not connected", detector.ErrUnavailable, name)
				}
				return nil
			}
		}
	}

	detectors, err := buildDetectors(g.cfg.Detectors, pool)
	if err != nil {
		return err
	}

	vaults, err := g.buildVaults(ctx)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	recorder, err := g.buildRecorder(ctx)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	deps := registry.Deps{Detectors: detectors, Logger: g.logger}
	in, err := registry.Build(sanitizer.DirectionInput, g.scanners.Input, deps)
	if err != nil {
		return err
	}
	out, err := registry.Build(sanitizer.DirectionOutput, g.scanners.Output, deps)
	if err != nil {
		return err
	}

	opts := []sanitizer.Option{
		sanitizer.WithLogger(g.logger),
		sanitizer.WithTimeout(g.cfg.Pipeline.ScannerTimeout),
		sanitizer.WithParallelism(g.cfg.Pipeline.MaxParallel),
		sanitizer.WithSpeculation(g.cfg.Pipeline.Speculative),
	}
	if g.telemetry != nil {
		opts = append(opts, sanitizer.WithObserver(g.telemetry), sanitizer.WithTracer(g.telemetry.Tracer()))
	}
	g.input = sanitizer.NewPipeline(sanitizer.DirectionInput, in, opts...)
	g.output = sanitizer.NewPipeline(sanitizer.DirectionOutput, out, opts...)

	g.guard = guard.New(g.input, g.output, guard.Options{
		Vaults:             vaults,
		Recorder:           recorder,
		PersistAcrossTurns: g.cfg.Vault.PersistAcrossTurns,
		Logger:             g.logger,
	})

	g.logger.Info("guard ready",
		"input_scanners", g.input.Scanners(),
		"output_scanners", g.output.Scanners(),
		"vault", g.cfg.Vault.Backend,
		"audit", g.cfg.Audit.Backend,
	)
	return nil
}

// Guard returns the service built by Build, or nil before it.
func (g *Gateway) Guard() *guard.Service { return g.guard }

// Pipelines returns the input and output pipelines built by Build.
func (g *Gateway) Pipelines() (*sanitizer.Pipeline, *sanitizer.Pipeline) {
	return g.input, g.output
}

// Run builds the guard if needed and serves the enabled front ends until
// SIGINT/SIGTERM or ctx cancellation.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.cfg.Server.Enabled && !g.cfg.MCP.Enabled {
		return errors.New("neither the http api nor the mcp server is enabled")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if g.guard == nil {
		if err := g.Build(ctx); err != nil {
			return err
		}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		g.Close(closeCtx)
	}()

	eg, egCtx := errgroup.WithContext(ctx)

	if g.cfg.Server.Enabled {
		srv, err := httpapi.New(httpapi.Options{
			Config:    g.cfg.Server,
			Guard:     g.guard,
			Telemetry: g.telemetry,
			Checks:    g.checks,
			Logger:    g.logger,
		})
		if err != nil {
			return fmt.Errorf("http api: %w", err)
		}
		eg.Go(func() error { return srv.Listen(egCtx) })
	}

	if g.cfg.MCP.Enabled {
		srv := transport.NewServer(g.cfg.MCP, g.logger)
		RegisterTools(srv.MCP, g.guard, g.logger)
		eg.Go(func() error { return srv.Run(egCtx) })
	}

	g.logger.Info("starting easy-guard", "http", g.cfg.Server.Enabled, "mcp", g.cfg.MCP.Enabled)
	return eg.Wait()
}

// Close releases backends in reverse order of acquisition. Errors are
// logged.
func (g *Gateway) Close(ctx context.Context) {
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](ctx); err != nil {
			g.logger.Warn("closing dependency", "err", err)
		}
	}
	g.closers = nil
}

func buildDetectors(cfgs map[string]config.DetectorConfig, pool *transport.Pool) (map[string]detector.Detector, error) {
	out := make(map[string]detector.Detector, len(cfgs))
	for name, dc := range cfgs {
		d, err := buildDetector(dc, pool)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", name, err)
		}
		out[name] = d
	}
	return out, nil
}

func buildDetector(dc config.DetectorConfig, pool *transport.Pool) (detector.Detector, error) {
	switch dc.Kind {
	case config.DetectorHTTP:
		return detector.NewHTTP(detector.HTTPConfig{
			URL:        dc.URL,
			AuthHeader: dc.AuthHeader,
			AuthValue:  dc.AuthValue,
			Timeout:    dc.Timeout,
		})
	case config.DetectorMCP:
		if pool == nil {
			return nil, errors.New("no detector servers configured")
		}
		return detector.NewMCPTool(pool, dc.Server, dc.Tool)
	case config.DetectorOpenAI:
		return detector.NewOpenAIModeration(detector.OpenAIConfig{
			APIKey:  dc.APIKey,
			BaseURL: dc.BaseURL,
			Model:   dc.Model,
		})
	case config.DetectorLexicon, "":
		lex := detector.DefaultLexicon()
		for label, phrases := range dc.Terms {
			var err error
			if lex, err = lex.With(label, phrases, customTermWeight); err != nil {
				return nil, err
			}
		}
		return lex, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", dc.Kind)
	}
}

// customTermWeight is the weight of configured lexicon phrases; one match
// is enough to cross the default 0.5 threshold.
const customTermWeight = 0.8

func (g *Gateway) buildVaults(ctx context.Context) (vault.Provider, error) {
	switch g.cfg.Vault.Backend {
	case config.VaultRedis:
		opts, err := redis.ParseURL(g.cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		if g.cfg.Redis.DB != 0 {
			opts.DB = g.cfg.Redis.DB
		}
		if g.cfg.Redis.PoolSize > 0 {
			opts.PoolSize = g.cfg.Redis.PoolSize
		}
		client := redis.NewClient(opts)
		g.closers = append(g.closers, func(context.Context) error { return client.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		g.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return vault.NewRedisProvider(client, g.cfg.Vault.TTL), nil
	default:
		if g.cfg.Vault.PersistAcrossTurns {
			g.logger.Warn("vaults persist across turns in memory; they are lost on restart")
		}
		return vault.NewMemoryProvider(g.cfg.Vault.TTL), nil
	}
}

func (g *Gateway) buildRecorder(ctx context.Context) (audit.Recorder, error) {
	switch g.cfg.Audit.Backend {
	case config.AuditNone:
		return audit.Nop{}, nil
	case config.AuditPostgres:
		if g.cfg.Audit.RunMigrations {
			if err := audit.Migrate(ctx, g.cfg.Audit.DatabaseURL); err != nil {
				return nil, err
			}
		}
		pg, err := audit.Connect(ctx, g.cfg.Audit.DatabaseURL, g.cfg.Audit.MaxConns)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, func(context.Context) error { pg.Close(); return nil })
		return pg, nil
	default:
		return audit.NewLogRecorder(g.logger), nil
	}
}
