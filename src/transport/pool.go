// Package transport carries MCP traffic in both directions: the server that
// exposes the guard tools, and the client pool that reaches detector servers.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
)

// TransportFactory creates the client transport for a detector server. Tests
// inject in-memory transports through it.
type TransportFactory func(config.DetectorServerConfig) (mcp.Transport, error)

const (
	healthCheckInterval = 30 * time.Second
	pingTimeout         = 5 * time.Second
)

// Pool keeps client sessions to detector servers alive. A server that is down
// at startup or drops later is retried by the health check; until then its
// detectors report themselves unavailable.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*mcp.ClientSession
	servers  map[string]config.DetectorServerConfig
	factory  TransportFactory
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool dials every configured server. Failures are logged, not returned.
func NewPool(ctx context.Context, servers []config.DetectorServerConfig, logger *slog.Logger, factory TransportFactory) *Pool {
	if factory == nil {
		factory = newTransport
	}
	p := &Pool{
		sessions: make(map[string]*mcp.ClientSession, len(servers)),
		servers:  make(map[string]config.DetectorServerConfig, len(servers)),
		factory:  factory,
		logger:   logger.With("area", "detector_pool"),
		done:     make(chan struct{}),
	}
	for _, srv := range servers {
		p.servers[srv.Name] = srv
		session, err := p.connect(ctx, srv)
		if err != nil {
			p.logger.Error("failed to connect", "server", srv.Name, "err", err)
			continue
		}
		p.sessions[srv.Name] = session
		p.logger.Info("connected", "server", srv.Name, "transport", srv.Transport)
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	if len(servers) == 0 {
		close(p.done)
		return p
	}
	go p.healthLoop(hctx)
	return p
}

// Session returns the live session for a server, or nil.
func (p *Pool) Session(name string) *mcp.ClientSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[name]
}

// Connected lists the servers with a live session.
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.sessions))
	for name := range p.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close stops the health check and closes every session.
func (p *Pool) Close() {
	p.cancel()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, session := range p.sessions {
		if err := session.Close(); err != nil {
			p.logger.Warn("closing session", "server", name, "err", err)
		}
	}
	clear(p.sessions)
}

func (p *Pool) connect(ctx context.Context, srv config.DetectorServerConfig) (*mcp.ClientSession, error) {
	client := mcp.NewClient(
		&mcp.Implementation{Name: "easy-guard", Version: Version},
		&mcp.ClientOptions{Logger: p.logger},
	)
	t, err := p.factory(srv)
	if err != nil {
		return nil, fmt.Errorf("creating transport for %s: %w", srv.Name, err)
	}
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", srv.Name, err)
	}
	return session, nil
}

func newTransport(srv config.DetectorServerConfig) (mcp.Transport, error) {
	switch srv.Transport {
	case config.TransportStdio:
		if len(srv.Command) == 0 {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return &mcp.CommandTransport{Command: exec.Command(srv.Command[0], srv.Command[1:]...)}, nil
	case config.TransportHTTP:
		if srv.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		return &mcp.StreamableClientTransport{Endpoint: srv.URL}, nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", srv.Transport)
	}
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

// check pings live sessions and redials the rest.
func (p *Pool) check(ctx context.Context) {
	for name, srv := range p.servers {
		if ctx.Err() != nil {
			return
		}
		if session := p.Session(name); session != nil {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := session.Ping(pingCtx, &mcp.PingParams{})
			cancel()
			if err == nil {
				continue
			}
			p.logger.Warn("health check failed, reconnecting", "server", name, "err", err)
			_ = session.Close()
		}

		session, err := p.connect(ctx, srv)
		p.mu.Lock()
		if err != nil {
			delete(p.sessions, name)
		} else {
			p.sessions[name] = session
		}
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("reconnect failed", "server", name, "err", err)
			continue
		}
		p.logger.Info("reconnected", "server", name)
	}
}
