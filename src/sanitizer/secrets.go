package sanitizer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type secretRule struct {
	kind string
	re   *regexp.Regexp
}

var secretRules = []secretRule{
	{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}\b`)},
	{"openai_key", regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}\b`)},
	{"stripe_key", regexp.MustCompile(`\b[rs]k_live_[A-Za-z0-9]{20,}\b`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\b`)},
	{"generic_secret", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|password|passwd|token)\s*[:=]\s*["']?([^\s"']{8,})`)},
}

// RedactMode selects how detected secrets are rewritten.
type RedactMode string

const (
	RedactNone    RedactMode = "none"
	RedactAll     RedactMode = "all"
	RedactPartial RedactMode = "partial"
)

// SecretsScanner detects credentials in prompts.
type SecretsScanner struct {
	mode RedactMode
}

func NewSecretsScanner(mode RedactMode) *SecretsScanner {
	if mode == "" {
		mode = RedactAll
	}
	return &SecretsScanner{mode: mode}
}

func (s *SecretsScanner) Name() string   { return "secrets" }
func (s *SecretsScanner) ReadOnly() bool { return s.mode == RedactNone }

type secretSpan struct {
	start, end int
	kind       string
}

func (s *SecretsScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	var spans []secretSpan
	for _, rule := range secretRules {
		for _, m := range rule.re.FindAllStringSubmatchIndex(in.Text, -1) {
			start, end := m[0], m[1]
			// Keep the key name of assignments, redact only the value.
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			spans = append(spans, secretSpan{start: start, end: end, kind: rule.kind})
		}
	}
	if len(spans) == 0 {
		return ScanResult{Text: in.Text, Valid: true}, nil
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	kept := spans[:0]
	lastEnd := -1
	kinds := map[string]bool{}
	for _, sp := range spans {
		if sp.start < lastEnd {
			continue
		}
		kept = append(kept, sp)
		lastEnd = sp.end
		kinds[sp.kind] = true
	}

	text := in.Text
	if s.mode != RedactNone {
		var b strings.Builder
		prev := 0
		for _, sp := range kept {
			b.WriteString(text[prev:sp.start])
			b.WriteString(s.mask(text[sp.start:sp.end]))
			prev = sp.end
		}
		b.WriteString(text[prev:])
		text = b.String()
	}

	found := make([]string, 0, len(kinds))
	for k := range kinds {
		found = append(found, k)
	}
	sort.Strings(found)
	return ScanResult{
		Text:    text,
		Valid:   false,
		Score:   1.0,
		Threats: []string{fmt.Sprintf("secrets detected: %s", strings.Join(found, ", "))},
	}, nil
}

func (s *SecretsScanner) mask(secret string) string {
	if r := []rune(secret); s.mode == RedactPartial && len(r) > 8 {
		return string(r[:2]) + strings.Repeat("*", 6) + string(r[len(r)-2:])
	}
	return "******"
}
