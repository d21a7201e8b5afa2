package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionSource resolves the live client session of a downstream MCP server.
// It is looked up per call so reconnected sessions are picked up.
type SessionSource interface {
	Session(name string) *mcp.ClientSession
}

// MCPTool delegates detection to a tool on a downstream MCP server. The tool
// receives the Request fields as arguments and answers with a Score (or, for
// recognition, {"entities": [...]}) as structured content or JSON text.
type MCPTool struct {
	sessions SessionSource
	server   string
	tool     string
}

func NewMCPTool(sessions SessionSource, server, tool string) (*MCPTool, error) {
	if sessions == nil {
		return nil, errors.New("mcp detector requires downstream sessions")
	}
	if server == "" || tool == "" {
		return nil, errors.New("mcp detector requires server and tool")
	}
	return &MCPTool{sessions: sessions, server: server, tool: tool}, nil
}

func (m *MCPTool) Detect(ctx context.Context, req Request) (Score, error) {
	args := map[string]any{
		"task": string(req.Task),
		"text": req.Text,
	}
	if req.Prompt != "" {
		args["prompt"] = req.Prompt
	}
	if len(req.Labels) > 0 {
		args["labels"] = req.Labels
	}
	var out Score
	if err := m.call(ctx, args, &out); err != nil {
		return Score{}, err
	}
	out.Value = clamp(out.Value)
	return out, nil
}

func (m *MCPTool) Recognize(ctx context.Context, text string) ([]Entity, error) {
	var out recognizeResponse
	if err := m.call(ctx, map[string]any{"text": text}, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (m *MCPTool) call(ctx context.Context, args map[string]any, into any) error {
	session := m.sessions.Session(m.server)
	if session == nil {
		return fmt.Errorf("%w: downstream %s not connected", ErrUnavailable, m.server)
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: m.tool, Arguments: args})
	if err != nil {
		return fmt.Errorf("call %s/%s: %w", m.server, m.tool, err)
	}
	if res.IsError {
		return fmt.Errorf("tool %s/%s failed: %s", m.server, m.tool, textOf(res))
	}
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, into)
	}
	if err := json.Unmarshal([]byte(textOf(res)), into); err != nil {
		return fmt.Errorf("decode %s/%s result: %w", m.server, m.tool, err)
	}
	return nil
}

func textOf(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
