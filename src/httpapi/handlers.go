package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Easy-Infra-Ltd/easy-guard/src/guard"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
)

type handler struct {
	guard  *guard.Service
	logger *slog.Logger
}

type promptRequest struct {
	Prompt     string `json:"prompt"`
	ExchangeID string `json:"exchange_id"`
}

type outputRequest struct {
	Prompt     string `json:"prompt"`
	Output     string `json:"output"`
	ExchangeID string `json:"exchange_id"`
}

type analyzeResponse struct {
	ExchangeID      string              `json:"exchange_id,omitempty"`
	SanitizedPrompt *string             `json:"sanitized_prompt,omitempty"`
	SanitizedOutput *string             `json:"sanitized_output,omitempty"`
	IsValid         bool                `json:"is_valid"`
	EarlyExit       bool                `json:"early_exit"`
	Scanners        map[string]float64  `json:"scanners"`
	Threats         []string            `json:"threats,omitempty"`
	Findings        []sanitizer.Finding `json:"findings"`
}

type legacyResponse struct {
	Status          string   `json:"status"`
	SanitizedPrompt string   `json:"sanitized_prompt"`
	Failed          []string `json:"failed"`
	ExchangeID      string   `json:"exchange_id,omitempty"`
	Details         string   `json:"details,omitempty"`
}

func newAnalyzeResponse(id string, v sanitizer.Verdict) analyzeResponse {
	return analyzeResponse{
		ExchangeID: id,
		IsValid:    v.Valid,
		EarlyExit:  v.EarlyExit,
		Scanners:   v.Scores(),
		Threats:    v.Threats(),
		Findings:   v.Findings,
	}
}

func (h *handler) analyzePrompt(c *fiber.Ctx) error {
	var req promptRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}
	v, id, err := h.guard.EvaluateInput(c.UserContext(), req.ExchangeID, req.Prompt)
	if err != nil {
		return h.fail(c, err)
	}
	h.logVerdict(id, v)
	resp := newAnalyzeResponse(id, v)
	resp.SanitizedPrompt = &v.Text
	return c.JSON(resp)
}

func (h *handler) analyzeOutput(c *fiber.Ctx) error {
	var req outputRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}
	v, err := h.guard.EvaluateOutput(c.UserContext(), req.ExchangeID, req.Prompt, req.Output)
	if err != nil {
		return h.fail(c, err)
	}
	h.logVerdict(req.ExchangeID, v)
	resp := newAnalyzeResponse(req.ExchangeID, v)
	resp.SanitizedOutput = &v.Text
	return c.JSON(resp)
}

// legacyInput answers in the {status, sanitized_prompt, failed} shape. A
// gating rejection yields status "failed" and no sanitized prompt.
func (h *handler) legacyInput(c *fiber.Ctx) error {
	var req promptRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}
	v, id, err := h.guard.EvaluateInput(c.UserContext(), req.ExchangeID, req.Prompt)
	if err != nil {
		return h.legacyFail(c, err)
	}
	h.logVerdict(id, v)

	resp := legacyResponse{Status: "success", SanitizedPrompt: v.Text, Failed: failedList(v)}
	if v.Valid {
		resp.ExchangeID = id
	}
	if v.EarlyExit {
		resp.Status = "failed"
		resp.SanitizedPrompt = ""
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *handler) legacyOutput(c *fiber.Ctx) error {
	var req outputRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}
	v, err := h.guard.EvaluateOutput(c.UserContext(), req.ExchangeID, req.Prompt, req.Output)
	if err != nil {
		return h.legacyFail(c, err)
	}
	h.logVerdict(req.ExchangeID, v)

	resp := legacyResponse{Status: "success", SanitizedPrompt: v.Text, Failed: failedList(v)}
	if v.EarlyExit {
		resp.Status = "failed"
		resp.SanitizedPrompt = ""
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// failedList names blocking findings: gating rejections as
// "<scanner> detected", the rest as "<scanner> <score>".
func failedList(v sanitizer.Verdict) []string {
	out := []string{}
	for _, f := range v.Findings {
		if !f.Blocking() {
			continue
		}
		name := strings.ReplaceAll(f.Scanner, "_", " ")
		switch {
		case f.Failed:
			out = append(out, name+" unavailable")
		case f.Gating:
			out = append(out, name+" detected")
		default:
			out = append(out, name+" "+strconv.FormatFloat(f.Score, 'f', 2, 64))
		}
	}
	return out
}

func (h *handler) logVerdict(id string, v sanitizer.Verdict) {
	if v.Valid {
		h.logger.Debug("verdict", "direction", v.Direction, "exchange_id", id, "valid", true)
		return
	}
	h.logger.Info("rejected", "direction", v.Direction, "exchange_id", id, "threats", v.Threats(), "early_exit", v.EarlyExit)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sanitizer.ErrEmptyText):
		return fiber.StatusBadRequest
	case errors.Is(err, guard.ErrInputRejected), errors.Is(err, guard.ErrExchangeClosed):
		return fiber.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *handler) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("evaluation failed", "path", c.Path(), "err", err)
	}
	return writeError(c, status, err.Error())
}

func (h *handler) legacyFail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("evaluation failed", "path", c.Path(), "err", err)
		return c.Status(fiber.StatusAccepted).JSON(legacyResponse{
			Status:  "exception",
			Failed:  []string{},
			Details: err.Error(),
		})
	}
	return writeError(c, status, err.Error())
}
