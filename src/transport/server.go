package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
)

const shutdownGrace = 5 * time.Second

// Server exposes the guard tools to MCP clients. Tools are added to MCP
// before Run.
type Server struct {
	MCP    *mcp.Server
	cfg    config.MCPConfig
	logger *slog.Logger
}

func NewServer(cfg config.MCPConfig, logger *slog.Logger) *Server {
	srv := mcp.NewServer(
		&mcp.Implementation{Name: "easy-guard", Version: Version},
		&mcp.ServerOptions{
			Logger:       logger,
			Instructions: "Screen prompts with scan_prompt before calling a model and responses with scan_output afterwards.",
		},
	)
	return &Server{MCP: srv, cfg: cfg, logger: logger.With("area", "mcp")}
}

// Run serves on the configured transport until ctx is cancelled or the
// transport closes.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Transport {
	case config.TransportStdio:
		s.logger.Info("serving mcp over stdio")
		return s.MCP.Run(ctx, &mcp.StdioTransport{})
	case config.TransportHTTP:
		return s.serveHTTP(ctx)
	default:
		return fmt.Errorf("unsupported mcp transport: %s", s.cfg.Transport)
	}
}

// Handler returns the streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.MCP },
		&mcp.StreamableHTTPOptions{Logger: s.logger},
	)
}

func (s *Server) serveHTTP(ctx context.Context) error {
	path := s.cfg.Path
	if path == "" {
		path = config.DefaultMCPPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, s.Handler())

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("serving mcp over http", "addr", ln.Addr(), "path", path)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
