package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseScanners_ListForm(t *testing.T) {
	data := `
input_scanners:
  - name: prompt_injection
    threshold: 0.7
    gating: true
    mandatory: true
    timeout: 2s
  - name: banned_words
    type: ban_substrings
    params:
      substrings: [foo, bar]
      match_type: word
  - secrets
output_scanners:
  - name: relevance
    threshold: 0.3
`
	got, err := ParseScanners([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Input) != 3 || len(got.Output) != 1 {
		t.Fatalf("counts = %d/%d, want 3/1", len(got.Input), len(got.Output))
	}

	pi := got.Input[0]
	if pi.Name != "prompt_injection" || pi.Type != "prompt_injection" {
		t.Errorf("entry = %+v", pi)
	}
	if pi.Threshold == nil || *pi.Threshold != 0.7 {
		t.Errorf("threshold = %v", pi.Threshold)
	}
	if pi.Gating == nil || !*pi.Gating || !pi.Mandatory || pi.Timeout != 2*time.Second {
		t.Errorf("policy = %+v", pi)
	}

	bw := got.Input[1]
	if bw.Name != "banned_words" || bw.Type != "ban_substrings" {
		t.Errorf("entry = %+v", bw)
	}
	if bw.Params["match_type"] != "word" {
		t.Errorf("params = %v", bw.Params)
	}

	if got.Input[2].Name != "secrets" || got.Input[2].Threshold != nil {
		t.Errorf("bare name entry = %+v", got.Input[2])
	}
}

func TestParseScanners_MappingFormKeepsOrder(t *testing.T) {
	data := `
input_scanners:
  PromptInjection:
    threshold: 0.5
  Toxicity:
  BanSubstrings:
    substrings: [secret]
    redact: true
  Anonymize: {}
output_scanners:
  MaliciousURLs: {}
  NoRefusal: {threshold: 0.6}
`
	got, err := ParseScanners([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	for _, sc := range got.Input {
		names = append(names, sc.Name)
	}
	if strings.Join(names, ",") != "prompt_injection,toxicity,ban_substrings,anonymize" {
		t.Errorf("input order = %v", names)
	}
	if got.Input[2].Params["redact"] != true {
		t.Errorf("extra keys should become params: %v", got.Input[2].Params)
	}
	if got.Output[0].Type != "malicious_urls" || got.Output[1].Type != "no_refusal" {
		t.Errorf("output = %+v", got.Output)
	}
}

func TestParseScanners_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"duplicate", "input_scanners:\n  - toxicity\n  - toxicity\n", "duplicate"},
		{"threshold range", "input_scanners:\n  - name: toxicity\n    threshold: 1.5\n", "outside"},
		{"missing name", "input_scanners:\n  - threshold: 0.5\n", "name is required"},
		{"bad timeout", "input_scanners:\n  - name: toxicity\n    timeout: soon\n", "input_scanners[0]"},
		{"param twice", "input_scanners:\n  - name: regex\n    patterns: [a]\n    params: {patterns: [b]}\n", "given twice"},
		{"scalar section", "input_scanners: toxicity\n", "expected a list or mapping"},
		{"invalid yaml", "input_scanners: [\n", "parsing scanners"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScanners([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadScanners_File(t *testing.T) {
	path := writeTemp(t, "scanners.yaml", "output_scanners:\n  - deanonymize\n")
	got, err := LoadScanners(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Input) != 0 || len(got.Output) != 1 {
		t.Errorf("got %+v", got)
	}
	if _, err := LoadScanners(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"PromptInjection": "prompt_injection",
		"MaliciousURLs":   "malicious_urls",
		"NoRefusal":       "no_refusal",
		"ban-substrings":  "ban_substrings",
		"token_limit":     "token_limit",
		"Sentiment":       "sentiment",
		"ReadingTime":     "reading_time",
		"InvisibleText":   "invisible_text",
	}
	for in, want := range tests {
		if got := SnakeCase(in); got != want {
			t.Errorf("SnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultScanners(t *testing.T) {
	d := DefaultScanners()
	if len(d.Input) == 0 || d.Input[0].Name != "prompt_injection" || d.Input[0].Gating == nil || !*d.Input[0].Gating {
		t.Errorf("input defaults = %+v", d.Input)
	}
	if len(d.Output) == 0 || d.Output[0].Name != "deanonymize" {
		t.Errorf("output defaults = %+v", d.Output)
	}
}
