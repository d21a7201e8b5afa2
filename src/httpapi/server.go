// Package httpapi serves the guard over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
	"github.com/Easy-Infra-Ltd/easy-guard/src/guard"
	"github.com/Easy-Infra-Ltd/easy-guard/src/telemetry"
)

// HealthCheck probes a dependency for /health.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Config    config.ServerConfig
	Guard     *guard.Service
	Telemetry *telemetry.Provider
	Checks    map[string]HealthCheck
	Logger    *slog.Logger
	// AccessLog receives one line per request. Defaults to stderr so it
	// never interleaves with an MCP stdio stream.
	AccessLog io.Writer
}

// Server wraps the fiber app.
type Server struct {
	app    *fiber.App
	cfg    config.ServerConfig
	logger *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Guard == nil {
		return nil, errors.New("guard service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.AccessLog == nil {
		opts.AccessLog = os.Stderr
	}
	cfg := opts.Config

	bodyLimit := cfg.BodyLimitMB * 1024 * 1024
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "easy-guard",
		BodyLimit:             bodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          errorHandler,
	})

	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{Output: opts.AccessLog}))
	app.Use(recover.New())

	if opts.Telemetry != nil {
		app.Use(metricsMiddleware(opts.Telemetry))
		app.Use(tracingMiddleware(opts.Telemetry))
		if h := opts.Telemetry.Handler(); h != nil {
			app.Get("/metrics", adaptor.HTTPHandler(h))
		}
	}

	h := &handler{guard: opts.Guard, logger: opts.Logger.With("area", "http")}
	app.Get("/health", healthHandler(opts.Checks))
	v1 := app.Group("/v1/analyze")
	v1.Post("/prompt", h.analyzePrompt)
	v1.Post("/output", h.analyzeOutput)
	app.Post("/input", h.legacyInput)
	app.Post("/output", h.legacyOutput)

	return &Server{app: app, cfg: cfg, logger: opts.Logger.With("area", "http")}, nil
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks until ctx is cancelled or the listener fails.
func (s *Server) Listen(ctx context.Context) error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = config.DefaultListenAddr
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(addr) }()
	s.logger.Info("serving http", "addr", addr)

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.app.ShutdownWithContext(shutdownCtx)
		if err == nil {
			err = <-errCh
		}
		return err
	case err := <-errCh:
		return err
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	return writeError(c, status, err.Error())
}

func writeError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = fiber.ErrInternalServerError.Message
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func routeOf(c *fiber.Ctx) string {
	if r := c.Route(); r != nil && r.Path != "" {
		return r.Path
	}
	return c.Path()
}

func metricsMiddleware(p *telemetry.Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		p.RecordHTTPRequest(c.Method(), routeOf(c), c.Response().StatusCode(), time.Since(start))
		return err
	}
}

func tracingMiddleware(p *telemetry.Provider) fiber.Handler {
	tracer := p.Tracer()
	return func(c *fiber.Ctx) error {
		ctx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path())
		defer span.End()
		c.SetUserContext(ctx)

		err := c.Next()
		status := c.Response().StatusCode()
		span.SetAttributes(
			attribute.String("http.method", c.Method()),
			attribute.String("http.route", routeOf(c)),
			attribute.Int("http.status_code", status),
		)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= 500:
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		default:
			span.SetStatus(codes.Ok, "OK")
		}
		return err
	}
}

func healthHandler(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		overall := "ok"
		results := make(map[string]fiber.Map, len(checks))
		for name, check := range checks {
			start := time.Now()
			err := check(ctx)
			res := fiber.Map{"status": "ok", "latency_ms": time.Since(start).Milliseconds()}
			if err != nil {
				res["status"] = "error"
				res["error"] = err.Error()
				overall = "degraded"
			}
			results[name] = res
		}
		return c.JSON(fiber.Map{"status": overall, "checks": results})
	}
}
