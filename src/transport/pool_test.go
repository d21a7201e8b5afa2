package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
)

// detectorServer starts an in-memory MCP server with a "classify" tool that
// answers with a fixed score, and returns the client-side transport.
func detectorServer(t *testing.T, ctx context.Context) mcp.Transport {
	t.Helper()
	srv := mcp.NewServer(&mcp.Implementation{Name: "detectors", Version: "0.0.1"}, nil)
	srv.AddTool(&mcp.Tool{
		Name:        "classify",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: `{"score": 0.8, "label": "violence"}`}},
		}, nil
	})

	srvTransport, clientTransport := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, srvTransport) }()
	return clientTransport
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func stdioServer(name string) config.DetectorServerConfig {
	return config.DetectorServerConfig{Name: name, Transport: config.TransportStdio, Command: []string{"dummy"}}
}

func TestNewPool_connects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(ctx, []config.DetectorServerConfig{stdioServer("ml")}, testLogger(),
		singleTransportFactory(detectorServer(t, ctx)))
	defer p.Close()

	if p.Session("ml") == nil {
		t.Fatal("expected session for ml")
	}
	if got := p.Connected(); len(got) != 1 || got[0] != "ml" {
		t.Errorf("unexpected connected list %v", got)
	}
}

func TestNewPool_multipleServers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := namedTransportFactory(map[string]mcp.Transport{
		"a": detectorServer(t, ctx),
		"b": detectorServer(t, ctx),
	})
	p := NewPool(ctx, []config.DetectorServerConfig{stdioServer("a"), stdioServer("b")}, testLogger(), factory)
	defer p.Close()

	got := p.Connected()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestNewPool_failuresDoNotAbortStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good := detectorServer(t, ctx)
	factory := func(srv config.DetectorServerConfig) (mcp.Transport, error) {
		if srv.Name == "bad" {
			return nil, errTestConnect
		}
		return good, nil
	}
	p := NewPool(ctx, []config.DetectorServerConfig{stdioServer("good"), stdioServer("bad")}, testLogger(), factory)
	defer p.Close()

	if p.Session("good") == nil {
		t.Error("expected session for good")
	}
	if p.Session("bad") != nil {
		t.Error("expected nil session for bad")
	}
}

func TestNewPool_empty(t *testing.T) {
	p := NewPool(context.Background(), nil, testLogger(), nil)
	if len(p.Connected()) != 0 {
		t.Error("expected no sessions")
	}
	p.Close()
	p.Close()
}

func TestPool_closeClearsSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(ctx, []config.DetectorServerConfig{stdioServer("s")}, testLogger(),
		singleTransportFactory(detectorServer(t, ctx)))
	p.Close()
	if len(p.Connected()) != 0 {
		t.Error("expected no sessions after Close")
	}
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name    string
		srv     config.DetectorServerConfig
		want    string
		wantErr bool
	}{
		{name: "stdio", srv: config.DetectorServerConfig{Transport: config.TransportStdio, Command: []string{"echo", "hi"}}, want: "*mcp.CommandTransport"},
		{name: "http", srv: config.DetectorServerConfig{Transport: config.TransportHTTP, URL: "http://localhost:9999/mcp"}, want: "*mcp.StreamableClientTransport"},
		{name: "stdio without command", srv: config.DetectorServerConfig{Transport: config.TransportStdio}, wantErr: true},
		{name: "http without url", srv: config.DetectorServerConfig{Transport: config.TransportHTTP}, wantErr: true},
		{name: "unsupported", srv: config.DetectorServerConfig{Transport: "grpc"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := newTransport(tt.srv)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newTransport: %v", err)
			}
			if got := fmt.Sprintf("%T", tr); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPool_checkReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	factory := func(config.DetectorServerConfig) (mcp.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return detectorServer(t, ctx), nil
	}
	p := NewPool(ctx, []config.DetectorServerConfig{stdioServer("s")}, testLogger(), factory)
	defer p.Close()

	first := p.Session("s")
	if first == nil {
		t.Fatal("expected initial session")
	}
	_ = first.Close()

	p.check(ctx)

	second := p.Session("s")
	if second == nil {
		t.Fatal("expected reconnected session")
	}
	if second == first {
		t.Error("expected a new session after reconnect")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 dials, got %d", calls)
	}
}

func TestPool_checkRecoversServerDownAtStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	up := false
	factory := func(config.DetectorServerConfig) (mcp.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if !up {
			return nil, errTestConnect
		}
		return detectorServer(t, ctx), nil
	}
	p := NewPool(ctx, []config.DetectorServerConfig{stdioServer("late")}, testLogger(), factory)
	defer p.Close()

	if p.Session("late") != nil {
		t.Fatal("expected no session while server is down")
	}
	mu.Lock()
	up = true
	mu.Unlock()

	p.check(ctx)
	if p.Session("late") == nil {
		t.Fatal("expected session after recovery")
	}
}

func TestPool_backsMCPDetector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(ctx, []config.DetectorServerConfig{stdioServer("ml")}, testLogger(),
		singleTransportFactory(detectorServer(t, ctx)))
	defer p.Close()

	d, err := detector.NewMCPTool(p, "ml", "classify")
	if err != nil {
		t.Fatal(err)
	}
	score, err := d.Detect(ctx, detector.Request{Task: detector.TaskTopic, Text: "x", Labels: []string{"violence"}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if score.Value != 0.8 || score.Label != "violence" {
		t.Errorf("unexpected score %+v", score)
	}

	missing, err := detector.NewMCPTool(p, "absent", "classify")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := missing.Detect(ctx, detector.Request{Task: detector.TaskTopic, Text: "x"}); !errors.Is(err, detector.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

// --- helpers ---

var errTestConnect = fmt.Errorf("test connect error")

func singleTransportFactory(t mcp.Transport) TransportFactory {
	return func(config.DetectorServerConfig) (mcp.Transport, error) {
		return t, nil
	}
}

func namedTransportFactory(m map[string]mcp.Transport) TransportFactory {
	return func(srv config.DetectorServerConfig) (mcp.Transport, error) {
		t, ok := m[srv.Name]
		if !ok {
			return nil, fmt.Errorf("no transport for %s", srv.Name)
		}
		return t, nil
	}
}
