package sanitizer

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// InvisibleTextScanner normalizes text to NFKC and removes invisible and
// control characters. Text that needed stripping scores 1.
type InvisibleTextScanner struct {
	threshold Threshold
}

func NewInvisibleTextScanner(threshold Threshold) *InvisibleTextScanner {
	return &InvisibleTextScanner{threshold: threshold}
}

func (s *InvisibleTextScanner) Name() string { return "invisible_text" }

func (s *InvisibleTextScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	normalized := norm.NFKC.String(in.Text)

	var b strings.Builder
	b.Grow(len(normalized))

	removed := 0
	for _, r := range normalized {
		if shouldRemove(r) {
			removed++
			continue
		}
		b.WriteRune(r)
	}

	if removed == 0 {
		return s.threshold.Result(normalized, 0), nil
	}
	return s.threshold.Result(b.String(), 1.0,
		fmt.Sprintf("%d invisible/control characters removed", removed)), nil
}

// shouldRemove returns true for characters that should be stripped:
// Unicode categories Cf (format), Co (private use) and Cc (control), except
// for common whitespace.
func shouldRemove(r rune) bool {
	if r == '\n' || r == '\t' || r == '\r' || r == ' ' {
		return false
	}
	return unicode.In(r, unicode.Cf, unicode.Co, unicode.Cc)
}
