package transport

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
)

func TestNewServer_createsServer(t *testing.T) {
	s := NewServer(config.MCPConfig{Transport: config.TransportStdio}, testLogger())
	if s.MCP == nil {
		t.Fatal("expected non-nil server")
	}
	if s.Handler() == nil {
		t.Fatal("expected http handler")
	}
}

func TestServer_runUnsupported(t *testing.T) {
	s := NewServer(config.MCPConfig{Transport: "grpc"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}

func TestServer_runHTTPStopsOnCancel(t *testing.T) {
	s := NewServer(config.MCPConfig{Transport: config.TransportHTTP, Addr: "127.0.0.1:0"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestServer_toolRoundTrip(t *testing.T) {
	s := NewServer(config.MCPConfig{Transport: config.TransportStdio}, testLogger())
	s.MCP.AddTool(&mcp.Tool{
		Name:        "scan_prompt",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvTransport, clientTransport := mcp.NewInMemoryTransports()
	go func() { _ = s.MCP.Run(ctx, srvTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	if got := session.InitializeResult().ServerInfo.Name; got != "easy-guard" {
		t.Errorf("expected server name easy-guard, got %q", got)
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "scan_prompt"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok || tc.Text != "ok" {
		t.Errorf("unexpected content %#v", res.Content)
	}
}
