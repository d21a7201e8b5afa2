package sanitizer

import (
	"context"
	"fmt"
	"regexp"
)

// jailbreakPatterns detect attempts to reassign the model's role or persona
// or to switch off its rules.
var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)you\s+are\s+(now\s+)?acting\s+as`),
	regexp.MustCompile(`(?i)(roleplay|role-play|role\s+play)\s+as`),
	regexp.MustCompile(`(?i)your\s+(new\s+)?(role|persona|identity)\s+(is|:)`),
	regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)switch\s+to\s+.*(mode|persona|role)`),
	regexp.MustCompile(`(?i)\b(DAN|do\s+anything\s+now)\b`),
	regexp.MustCompile(`(?i)(developer|god)\s+mode\s+(enabled|on)`),
	regexp.MustCompile(`(?i)without\s+(any\s+)?(restrictions|filters|censorship)`),
}

// JailbreakScanner flags persona override attempts. Each match raises the
// score; a single match already scores 1 unless weight is lowered.
type JailbreakScanner struct {
	threshold Threshold
	weight    float64
}

func NewJailbreakScanner(threshold Threshold, weight float64) *JailbreakScanner {
	if weight <= 0 {
		weight = 1
	}
	return &JailbreakScanner{threshold: threshold, weight: weight}
}

func (s *JailbreakScanner) Name() string   { return "jailbreak" }
func (s *JailbreakScanner) ReadOnly() bool { return true }

func (s *JailbreakScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	var threats []string
	score := 0.0
	for _, re := range jailbreakPatterns {
		if re.MatchString(in.Text) {
			threats = append(threats, fmt.Sprintf("role override detected: matched %q", re.String()))
			score += s.weight
		}
	}
	return s.threshold.Result(in.Text, score, threats...), nil
}
