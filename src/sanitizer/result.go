package sanitizer

import (
	"fmt"
	"strings"
)

// Comparison fixes which side of a Threshold fails.
type Comparison int

const (
	// FailAbove marks text invalid when its score exceeds the limit.
	FailAbove Comparison = iota
	// FailBelow marks text invalid when its score is under the limit
	// (similarity style scores such as relevance).
	FailBelow
)

func (c Comparison) String() string {
	if c == FailBelow {
		return "fail_below"
	}
	return "fail_above"
}

// Threshold turns a score into a validity decision.
type Threshold struct {
	Limit float64
	Fail  Comparison
}

// Above returns a FailAbove threshold.
func Above(limit float64) Threshold { return Threshold{Limit: limit, Fail: FailAbove} }

// Below returns a FailBelow threshold.
func Below(limit float64) Threshold { return Threshold{Limit: limit, Fail: FailBelow} }

// Valid reports whether score passes. A score equal to the limit passes.
func (t Threshold) Valid(score float64) bool {
	if t.Fail == FailBelow {
		return score >= t.Limit
	}
	return score <= t.Limit
}

// Result builds a ScanResult for text scored against t.
func (t Threshold) Result(text string, score float64, threats ...string) ScanResult {
	score = clampScore(score)
	valid := t.Valid(score)
	if valid {
		threats = nil
	}
	return ScanResult{Text: text, Valid: valid, Score: score, Threats: threats}
}

// Breach describes a score on the failing side of t.
func (t Threshold) Breach(what string, score float64) string {
	if t.Fail == FailBelow {
		return fmt.Sprintf("%s score %.2f falls below threshold %.2f", what, score, t.Limit)
	}
	return fmt.Sprintf("%s score %.2f exceeds threshold %.2f", what, score, t.Limit)
}

// ScanResult is the outcome of a single Scanner.
type ScanResult struct {
	// Text is the sanitized text, identical to the input when nothing changed.
	Text  string
	Valid bool
	// Score is the risk (or, for FailBelow scanners, the similarity) in [0, 1].
	Score float64
	// Threats are human-readable reasons, set when Valid is false.
	Threats []string
	// Informational marks a soft outcome (for example a vault miss) worth
	// reporting that does not affect validity.
	Informational bool
}

// Finding is one scanner's entry in a Verdict.
type Finding struct {
	Scanner string  `json:"scanner"`
	Score   float64 `json:"score"`
	Passed  bool    `json:"passed"`
	Detail  string  `json:"detail,omitempty"`
	// Failed is set when the scanner errored or timed out instead of
	// producing a judgement.
	Failed        bool  `json:"failed,omitempty"`
	Informational bool  `json:"informational,omitempty"`
	Mandatory     bool  `json:"mandatory,omitempty"`
	Gating        bool  `json:"gating,omitempty"`
	DurationMS    int64 `json:"duration_ms"`
}

// Blocking reports whether the finding invalidates the verdict.
func (f Finding) Blocking() bool {
	if f.Failed {
		return f.Mandatory
	}
	return !f.Passed
}

// Direction tells which side of the model a pipeline guards.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Verdict aggregates one pipeline run.
type Verdict struct {
	Direction Direction `json:"direction"`
	// Text is the input after every executed scanner's sanitization.
	Text  string `json:"sanitized_text"`
	Valid bool   `json:"is_valid"`
	// Findings hold one entry per executed scanner in configured order.
	Findings []Finding `json:"findings"`
	// EarlyExit is set when a gating scanner stopped the run.
	EarlyExit bool `json:"early_exit"`
}

// NoScore is reported by Scores for scanners that failed to run.
const NoScore = -1.0

// Scores maps scanner names to scores.
func (v Verdict) Scores() map[string]float64 {
	out := make(map[string]float64, len(v.Findings))
	for _, f := range v.Findings {
		if f.Failed {
			out[f.Scanner] = NoScore
			continue
		}
		out[f.Scanner] = f.Score
	}
	return out
}

// Threats lists "<scanner>: <detail>" for every blocking finding.
func (v Verdict) Threats() []string {
	var out []string
	for _, f := range v.Findings {
		if !f.Blocking() {
			continue
		}
		if f.Detail == "" {
			out = append(out, f.Scanner)
			continue
		}
		out = append(out, f.Scanner+": "+f.Detail)
	}
	return out
}

// Rejected lists the names of scanners whose findings invalidated the verdict.
func (v Verdict) Rejected() []string {
	var out []string
	for _, f := range v.Findings {
		if f.Blocking() {
			out = append(out, f.Scanner)
		}
	}
	return out
}

// Finding returns the finding for a scanner name.
func (v Verdict) Finding(name string) (Finding, bool) {
	for _, f := range v.Findings {
		if f.Scanner == name {
			return f, true
		}
	}
	return Finding{}, false
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func joinThreats(threats []string) string {
	return strings.Join(threats, "; ")
}
