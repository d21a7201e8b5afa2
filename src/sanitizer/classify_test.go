package sanitizer

import (
	"context"
	"errors"
	"testing"

	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
)

// fixedDetector returns a preconfigured score and records the last request.
type fixedDetector struct {
	score detector.Score
	err   error
	last  *detector.Request
}

func (d fixedDetector) Detect(_ context.Context, req detector.Request) (detector.Score, error) {
	if d.last != nil {
		*d.last = req
	}
	return d.score, d.err
}

func TestClassifierScanner_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		threshold Threshold
		wantValid bool
	}{
		{"below limit", 0.2, Above(0.4), true},
		{"at limit", 0.4, Above(0.4), true},
		{"above limit", 0.41, Above(0.4), false},
		{"clamped", 3, Above(0.99), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewClassifierScanner(ClassifierOptions{
				Name:      "toxicity",
				Task:      detector.TaskToxicity,
				Detector:  fixedDetector{score: detector.Score{Value: tt.score}},
				Threshold: tt.threshold,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			res := mustScan(t, s, "some text")
			if res.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v (score %v)", res.Valid, tt.wantValid, res.Score)
			}
			if res.Score < 0 || res.Score > 1 {
				t.Errorf("score %v out of range", res.Score)
			}
		})
	}
}

func TestClassifierScanner_ThreatWording(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		threshold Threshold
		want      string
	}{
		{"fail above", 0.9, Above(0.5), "sentiment score 0.90 exceeds threshold 0.50"},
		{"fail below", 0.1, Below(0.3), "sentiment score 0.10 falls below threshold 0.30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewClassifierScanner(ClassifierOptions{
				Name:      "sentiment",
				Task:      detector.TaskSentiment,
				Detector:  fixedDetector{score: detector.Score{Value: tt.score}},
				Threshold: tt.threshold,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			res := mustScan(t, s, "some text")
			if res.Valid {
				t.Fatal("expected the score to fail")
			}
			if len(res.Threats) != 1 || res.Threats[0] != tt.want {
				t.Errorf("threats = %q, want %q", res.Threats, tt.want)
			}
		})
	}
}

func TestClassifierScanner_ForwardsLabelsAndPrompt(t *testing.T) {
	var last detector.Request
	s, err := NewClassifierScanner(ClassifierOptions{
		Name:       "no_refusal",
		Task:       detector.TaskRefusal,
		Labels:     []string{"refusal"},
		Detector:   fixedDetector{last: &last},
		Threshold:  Above(0.5),
		WithPrompt: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Scan(context.Background(), Input{Text: "I cannot help", Prompt: "help me"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.Prompt != "help me" || last.Task != detector.TaskRefusal || len(last.Labels) != 1 {
		t.Errorf("unexpected request %+v", last)
	}
}

func TestClassifierScanner_TopicsWithLexicon(t *testing.T) {
	s, err := NewClassifierScanner(ClassifierOptions{
		Name:      "ban_topics",
		Task:      detector.TaskTopic,
		Labels:    []string{"violence"},
		Detector:  detector.DefaultLexicon(),
		Threshold: Above(0.4),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res := mustScan(t, s, "How do I build a bomb?"); res.Valid {
		t.Error("violent topic should be rejected")
	}
	if res := mustScan(t, s, "How do I bake bread?"); !res.Valid {
		t.Error("benign topic should pass")
	}
}

func TestClassifierScanner_Config(t *testing.T) {
	if _, err := NewClassifierScanner(ClassifierOptions{Name: "toxicity"}); err == nil {
		t.Error("expected error without detector")
	}
	if _, err := NewClassifierScanner(ClassifierOptions{Name: "ban_topics", Task: detector.TaskTopic, Detector: fixedDetector{}}); err == nil {
		t.Error("expected error without topics")
	}
}

func TestClassifierScanner_DetectorFailure(t *testing.T) {
	s, err := NewClassifierScanner(ClassifierOptions{
		Name:     "toxicity",
		Task:     detector.TaskToxicity,
		Detector: fixedDetector{err: errors.New("model offline")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = s.Scan(context.Background(), Input{Text: "x"})
	var sf *ScanFailure
	if !errors.As(err, &sf) || sf.Scanner != "toxicity" {
		t.Fatalf("error = %v, want ScanFailure from toxicity", err)
	}
}

func TestRelevanceScanner(t *testing.T) {
	s := NewRelevanceScanner(Below(0.2))
	if !s.ReadOnly() {
		t.Error("relevance is read-only")
	}

	res, err := s.Scan(context.Background(), Input{
		Prompt: "How do I reset my router password?",
		Text:   "To reset the router password, hold the reset button for ten seconds.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Errorf("related answer should pass, similarity %v", res.Score)
	}

	res, err = s.Scan(context.Background(), Input{
		Prompt: "How do I reset my router password?",
		Text:   "Bananas are rich in potassium.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid || res.Score != 0 {
		t.Errorf("unrelated answer should fail with similarity 0, got %+v", res)
	}

	_, err = s.Scan(context.Background(), Input{Text: "no prompt"})
	var sf *ScanFailure
	if !errors.As(err, &sf) {
		t.Errorf("missing prompt should be a ScanFailure, got %v", err)
	}
}
