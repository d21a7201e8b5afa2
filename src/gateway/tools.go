package gateway

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/easy-guard/src/guard"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
)

const (
	ToolScanPrompt = "scan_prompt"
	ToolScanOutput = "scan_output"
)

type ScanPromptArgs struct {
	Prompt     string `json:"prompt" jsonschema:"the user prompt to screen before it reaches the model"`
	ExchangeID string `json:"exchange_id,omitempty" jsonschema:"resume an existing exchange; a new one is created when empty"`
}

type ScanOutputArgs struct {
	Prompt     string `json:"prompt" jsonschema:"the prompt the model answered, as returned by scan_prompt"`
	Output     string `json:"output" jsonschema:"the model response to screen"`
	ExchangeID string `json:"exchange_id,omitempty" jsonschema:"the exchange_id returned by scan_prompt"`
}

// ScanResult is the structured result of both tools.
type ScanResult struct {
	ExchangeID    string             `json:"exchange_id,omitempty"`
	SanitizedText string             `json:"sanitized_text"`
	IsValid       bool               `json:"is_valid"`
	EarlyExit     bool               `json:"early_exit"`
	Scanners      map[string]float64 `json:"scanners"`
	Threats       []string           `json:"threats,omitempty"`
}

func newScanResult(id string, v sanitizer.Verdict) ScanResult {
	return ScanResult{
		ExchangeID:    id,
		SanitizedText: v.Text,
		IsValid:       v.Valid,
		EarlyExit:     v.EarlyExit,
		Scanners:      v.Scores(),
		Threats:       v.Threats(),
	}
}

// RegisterTools exposes svc as the scan_prompt and scan_output tools. A
// rejection is a normal result with is_valid false; only unusable input
// produces a tool error.
func RegisterTools(srv *mcp.Server, svc *guard.Service, logger *slog.Logger) {
	logger = logger.With("area", "tools")

	mcp.AddTool(srv, &mcp.Tool{
		Name:        ToolScanPrompt,
		Description: "Screen a user prompt. Returns the sanitized prompt to send to the model and an exchange_id to pass to scan_output.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args ScanPromptArgs) (*mcp.CallToolResult, ScanResult, error) {
		v, id, err := svc.EvaluateInput(ctx, args.ExchangeID, args.Prompt)
		if err != nil {
			return nil, ScanResult{}, err
		}
		if !v.Valid {
			logger.Info("prompt rejected", "exchange_id", id, "threats", v.Threats())
			id = ""
		}
		return nil, newScanResult(id, v), nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        ToolScanOutput,
		Description: "Screen a model response. Restores placeholders created by scan_prompt in the same exchange and ends the exchange.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args ScanOutputArgs) (*mcp.CallToolResult, ScanResult, error) {
		v, err := svc.EvaluateOutput(ctx, args.ExchangeID, args.Prompt, args.Output)
		if err != nil {
			return nil, ScanResult{}, err
		}
		if !v.Valid {
			logger.Info("output rejected", "exchange_id", args.ExchangeID, "threats", v.Threats())
		}
		return nil, newScanResult(args.ExchangeID, v), nil
	})
}
