// Package detector provides the classifiers scanners delegate to: scoring
// detectors that rate text for a task (toxicity, topics, refusals, ...) and
// recognizers that locate sensitive entities. Local implementations need no
// network; remote ones call an HTTP sidecar, an MCP tool or the OpenAI
// moderation endpoint.
package detector

import (
	"context"
	"errors"
)

// Task names what a detector is asked to rate.
type Task string

const (
	TaskInjection Task = "prompt_injection"
	TaskToxicity  Task = "toxicity"
	TaskTopic     Task = "topic"
	TaskSentiment Task = "sentiment"
	TaskRefusal   Task = "refusal"
)

// Request is a single scoring call. Labels narrows the categories of
// interest; the detector reports the highest scoring one.
type Request struct {
	Task   Task     `json:"task"`
	Text   string   `json:"text"`
	Prompt string   `json:"prompt,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Score is a detector's answer. Value lies in [0, 1].
type Score struct {
	Value float64 `json:"score"`
	Label string  `json:"label,omitempty"`
}

// Detector rates text for a task.
type Detector interface {
	Detect(ctx context.Context, req Request) (Score, error)
}

// Entity is a recognized span, in byte offsets into the scanned text.
type Entity struct {
	Type  string  `json:"entity_type"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// Recognizer locates sensitive entities.
type Recognizer interface {
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

// ErrUnavailable is returned by remote detectors that cannot be reached.
var ErrUnavailable = errors.New("detector unavailable")

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
