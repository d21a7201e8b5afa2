package sanitizer

import (
	"context"
	"fmt"
	"regexp"
)

// BoundaryScanner wraps the prompt in XML-style delimiters so the model can
// tell user-supplied text from its own instructions. Delimiter look-alikes
// inside the text are neutralized so the text cannot close the block early.
type BoundaryScanner struct {
	tag    string
	escape *regexp.Regexp
}

// NewBoundaryScanner creates a BoundaryScanner using tag as the element name.
func NewBoundaryScanner(tag string) *BoundaryScanner {
	if tag == "" {
		tag = "user_input"
	}
	return &BoundaryScanner{
		tag:    tag,
		escape: regexp.MustCompile(`(?i)</?\s*` + regexp.QuoteMeta(tag) + `[^>]*>`),
	}
}

func (s *BoundaryScanner) Name() string { return "boundary" }

func (s *BoundaryScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	var threats []string
	body := s.escape.ReplaceAllStringFunc(in.Text, func(m string) string {
		threats = append(threats, fmt.Sprintf("delimiter %q neutralized", m))
		return "[" + m[1:len(m)-1] + "]"
	})
	wrapped := fmt.Sprintf("<%s>\n%s\n</%s>", s.tag, body, s.tag)
	return ScanResult{Text: wrapped, Valid: true, Threats: threats}, nil
}
