package sanitizer

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// charsPerToken approximates tokenizer output for English text.
const charsPerToken = 4

// TokenLimitScanner truncates text whose approximate token count exceeds a
// limit. Truncated text is reported invalid.
type TokenLimitScanner struct {
	limit int
}

func NewTokenLimitScanner(limit int) *TokenLimitScanner {
	return &TokenLimitScanner{limit: limit}
}

func (s *TokenLimitScanner) Name() string { return "token_limit" }

func (s *TokenLimitScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	runes := []rune(in.Text)
	tokens := approxTokens(runes)
	if tokens <= s.limit {
		return ScanResult{Text: in.Text, Valid: true}, nil
	}

	truncated := string(runes[:s.limit*charsPerToken]) + "\n[truncated]"
	return ScanResult{
		Text:    truncated,
		Valid:   false,
		Score:   1.0,
		Threats: []string{fmt.Sprintf("approximately %d tokens exceeds limit of %d", tokens, s.limit)},
	}, nil
}

// ReadingTimeScanner rejects output that takes longer than maxMinutes to
// read at wordsPerMinute, optionally truncating it to fit.
type ReadingTimeScanner struct {
	maxMinutes     float64
	wordsPerMinute int
	truncate       bool
}

func NewReadingTimeScanner(maxMinutes float64, wordsPerMinute int, truncate bool) *ReadingTimeScanner {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 200
	}
	return &ReadingTimeScanner{maxMinutes: maxMinutes, wordsPerMinute: wordsPerMinute, truncate: truncate}
}

func (s *ReadingTimeScanner) Name() string   { return "reading_time" }
func (s *ReadingTimeScanner) ReadOnly() bool { return !s.truncate }

func (s *ReadingTimeScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	words := strings.Fields(in.Text)
	minutes := float64(len(words)) / float64(s.wordsPerMinute)
	if minutes <= s.maxMinutes {
		return ScanResult{Text: in.Text, Valid: true}, nil
	}

	text := in.Text
	if s.truncate {
		keep := int(math.Floor(s.maxMinutes * float64(s.wordsPerMinute)))
		text = strings.Join(words[:keep], " ")
	}
	return ScanResult{
		Text:    text,
		Valid:   false,
		Score:   1.0,
		Threats: []string{fmt.Sprintf("reading time %.1f min exceeds %.1f min", minutes, s.maxMinutes)},
	}, nil
}

func approxTokens(runes []rune) int {
	return (len(runes) + charsPerToken - 1) / charsPerToken
}
