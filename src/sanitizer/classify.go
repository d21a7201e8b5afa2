package sanitizer

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
)

// ClassifierScanner scores text with a detector and applies a threshold.
// It backs the topic, toxicity, sentiment and refusal scanners, which differ
// only in task, labels and threshold.
type ClassifierScanner struct {
	name      string
	task      detector.Task
	labels    []string
	detector  detector.Detector
	threshold Threshold
	// withPrompt forwards the originating prompt to the detector.
	withPrompt bool
}

// ClassifierOptions configures a ClassifierScanner.
type ClassifierOptions struct {
	Name       string
	Task       detector.Task
	Labels     []string
	Detector   detector.Detector
	Threshold  Threshold
	WithPrompt bool
}

func NewClassifierScanner(opts ClassifierOptions) (*ClassifierScanner, error) {
	if opts.Detector == nil {
		return nil, fmt.Errorf("%s: no detector", opts.Name)
	}
	if opts.Task == detector.TaskTopic && len(opts.Labels) == 0 {
		return nil, fmt.Errorf("%s: at least one topic is required", opts.Name)
	}
	return &ClassifierScanner{
		name:       opts.Name,
		task:       opts.Task,
		labels:     opts.Labels,
		detector:   opts.Detector,
		threshold:  opts.Threshold,
		withPrompt: opts.WithPrompt,
	}, nil
}

func (s *ClassifierScanner) Name() string   { return s.name }
func (s *ClassifierScanner) ReadOnly() bool { return true }

func (s *ClassifierScanner) Scan(ctx context.Context, in Input) (ScanResult, error) {
	req := detector.Request{Task: s.task, Text: in.Text, Labels: s.labels}
	if s.withPrompt {
		req.Prompt = in.Prompt
	}
	score, err := s.detector.Detect(ctx, req)
	if err != nil {
		return ScanResult{}, Failure(s.name, "detector", err)
	}
	label := score.Label
	if label == "" {
		label = string(s.task)
	}
	return s.threshold.Result(in.Text, score.Value, s.threshold.Breach(label, score.Value)), nil
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// RelevanceScanner measures how related a response is to its prompt as the
// cosine similarity of their word frequency vectors. Low similarity fails.
type RelevanceScanner struct {
	threshold Threshold
}

func NewRelevanceScanner(threshold Threshold) *RelevanceScanner {
	return &RelevanceScanner{threshold: threshold}
}

func (s *RelevanceScanner) Name() string   { return "relevance" }
func (s *RelevanceScanner) ReadOnly() bool { return true }

func (s *RelevanceScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return ScanResult{}, Failure(s.Name(), "prompt is required to judge relevance", nil)
	}
	sim := cosine(termFrequencies(in.Prompt), termFrequencies(in.Text))
	return s.threshold.Result(in.Text, sim,
		fmt.Sprintf("response similarity %.2f below %.2f", sim, s.threshold.Limit)), nil
}

func termFrequencies(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if stopWords[w] {
			continue
		}
		tf[w]++
	}
	return tf
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		dot += v * b[k]
	}
	for _, v := range b {
		nb += v * v
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "is": true, "are": true, "was": true, "it": true, "this": true,
	"that": true, "for": true, "with": true, "as": true, "be": true, "by": true, "at": true,
	"i": true, "you": true, "me": true, "my": true, "your": true, "what": true, "how": true,
	"can": true, "do": true, "does": true, "please": true,
}
