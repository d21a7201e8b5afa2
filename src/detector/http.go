package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures a model sidecar reached over HTTP.
type HTTPConfig struct {
	URL        string
	AuthHeader string
	AuthValue  string
	Timeout    time.Duration
}

// HTTP calls a sidecar exposing POST {url}/detect and POST {url}/recognize.
type HTTP struct {
	url        string
	authHeader string
	authValue  string
	client     *http.Client
}

// NewHTTP validates the config and returns a client.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, errors.New("http detector requires a url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		url:        url,
		authHeader: strings.TrimSpace(cfg.AuthHeader),
		authValue:  strings.TrimSpace(cfg.AuthValue),
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTP) Detect(ctx context.Context, req Request) (Score, error) {
	var resp Score
	if err := h.post(ctx, "/detect", req, &resp); err != nil {
		return Score{}, err
	}
	resp.Value = clamp(resp.Value)
	return resp, nil
}

type recognizeRequest struct {
	Text string `json:"text"`
}

type recognizeResponse struct {
	Entities []Entity `json:"entities"`
}

func (h *HTTP) Recognize(ctx context.Context, text string) ([]Entity, error) {
	var resp recognizeResponse
	if err := h.post(ctx, "/recognize", recognizeRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	out := resp.Entities[:0]
	for _, e := range resp.Entities {
		if e.Start < 0 || e.End > len(text) || e.Start >= e.End {
			continue
		}
		e.Score = clamp(e.Score)
		out = append(out, e)
	}
	return out, nil
}

func (h *HTTP) post(ctx context.Context, path string, payload, into any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.authHeader != "" && h.authValue != "" {
		req.Header.Set(h.authHeader, h.authValue)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("detector %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode detector response: %w", err)
	}
	return nil
}
