package sanitizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
)

// builtInInjectionPatterns are regex patterns matching common prompt
// injection phrases. All are compiled with case-insensitive flag.
var builtInInjectionPatterns = []string{
	`ignore\s+(all\s+)?(the\s+)?(previous|prior|above)\s+(instructions?|prompts?|context)`,
	`disregard\s+(all\s+)?(previous|prior|above)`,
	`forget\s+(everything|all|your)\s+(instructions?|rules|guidelines|training)`,
	`forget\s+everything`,
	`you\s+are\s+now\s+(a|an|the)\s+`,
	`new\s+instructions?\s*:`,
	`from\s+now\s+on,?\s+you\s+(are|will|must|should)`,
	`<\|?im_start\|?>`,
	`<\|?system\|?>`,
	`###\s*(System|Instructions?|Rules)\s*\n`,
	`\[INST\]`,
	`\[/INST\]`,
	`<<SYS>>`,
	`<</SYS>>`,
	`IMPORTANT:\s*ignore`,
	`CRITICAL:\s*override`,
	`(reveal|print|show)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions)`,
}

// InjectionScanner rates prompt injection risk. A pattern match scores 1;
// otherwise the optional detector's score is used.
type InjectionScanner struct {
	patterns  []*regexp.Regexp
	detector  detector.Detector
	threshold Threshold
}

// NewInjectionScanner builds a scanner from the given configuration.
// If disableBuiltIn is false, built-in patterns are included.
// customPatterns are always appended. d may be nil.
func NewInjectionScanner(disableBuiltIn bool, customPatterns []string, d detector.Detector, threshold Threshold) (*InjectionScanner, error) {
	var sources []string

	if !disableBuiltIn {
		sources = append(sources, builtInInjectionPatterns...)
	}
	sources = append(sources, customPatterns...)

	compiled, err := compileInsensitive(sources)
	if err != nil {
		return nil, fmt.Errorf("injection pattern: %w", err)
	}

	return &InjectionScanner{patterns: compiled, detector: d, threshold: threshold}, nil
}

func (s *InjectionScanner) Name() string   { return "prompt_injection" }
func (s *InjectionScanner) ReadOnly() bool { return true }

func (s *InjectionScanner) Scan(ctx context.Context, in Input) (ScanResult, error) {
	for _, re := range s.patterns {
		if re.MatchString(in.Text) {
			return s.threshold.Result(in.Text, 1.0,
				fmt.Sprintf("prompt injection detected: matched pattern %q", re.String())), nil
		}
	}

	if s.detector == nil {
		return s.threshold.Result(in.Text, 0), nil
	}
	score, err := s.detector.Detect(ctx, detector.Request{Task: detector.TaskInjection, Text: in.Text})
	if err != nil {
		return ScanResult{}, Failure(s.Name(), "detector", err)
	}
	return s.threshold.Result(in.Text, score.Value,
		fmt.Sprintf("prompt injection detected: score %.2f", score.Value)), nil
}

// compileInsensitive prepends the case-insensitive flag where missing.
func compileInsensitive(sources []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(sources))
	for _, p := range sources {
		if !strings.HasPrefix(p, "(?i)") {
			p = "(?i)" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
