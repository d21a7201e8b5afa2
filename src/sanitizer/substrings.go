package sanitizer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Easy-Infra-Ltd/easy-guard/src/vault"
)

// Redaction is the replacement for redacted spans that do not go through a
// Vault.
const Redaction = "[REDACTED]"

// MatchType selects how BanSubstringsScanner compares.
type MatchType string

const (
	MatchString MatchType = "str"
	MatchWord   MatchType = "word"
)

// BanSubstringsScanner rejects text containing banned substrings.
type BanSubstringsScanner struct {
	name        string
	patterns    []*regexp.Regexp
	literals    []string
	redactor    *regexp.Regexp
	redact      bool
	containsAll bool
}

// SubstringOptions configures BanSubstringsScanner.
type SubstringOptions struct {
	Substrings    []string
	Match         MatchType
	CaseSensitive bool
	Redact        bool
	// ContainsAll rejects only when every substring is present.
	ContainsAll bool
}

func NewBanSubstringsScanner(opts SubstringOptions) (*BanSubstringsScanner, error) {
	return newSubstringScanner("ban_substrings", opts)
}

// NewBanCompetitorsScanner rejects (and by default redacts) mentions of
// competitor names, matched as whole words regardless of case.
func NewBanCompetitorsScanner(competitors []string, redact bool) (*BanSubstringsScanner, error) {
	return newSubstringScanner("ban_competitors", SubstringOptions{
		Substrings: competitors,
		Match:      MatchWord,
		Redact:     redact,
	})
}

func newSubstringScanner(name string, opts SubstringOptions) (*BanSubstringsScanner, error) {
	s := &BanSubstringsScanner{name: name, redact: opts.Redact, containsAll: opts.ContainsAll}
	var exprs []string
	for _, sub := range opts.Substrings {
		if strings.TrimSpace(sub) == "" {
			continue
		}
		expr := regexp.QuoteMeta(sub)
		if opts.Match == MatchWord {
			expr = `\b` + expr + `\b`
		}
		if !opts.CaseSensitive {
			expr = `(?i:` + expr + `)`
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		s.patterns = append(s.patterns, re)
		s.literals = append(s.literals, sub)
		exprs = append(exprs, expr)
	}
	if len(s.patterns) == 0 {
		return nil, fmt.Errorf("%s: no substrings configured", name)
	}
	// Longer substrings first, so "secretive" is not redacted as "secret".
	sort.SliceStable(exprs, func(i, j int) bool { return len(exprs[i]) > len(exprs[j]) })
	re, err := newRedactor(exprs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	s.redactor = re
	return s, nil
}

func (s *BanSubstringsScanner) Name() string   { return s.name }
func (s *BanSubstringsScanner) ReadOnly() bool { return !s.redact }

func (s *BanSubstringsScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	var matched []*regexp.Regexp
	var found []string
	for i, re := range s.patterns {
		if re.MatchString(in.Text) {
			matched = append(matched, re)
			found = append(found, s.literals[i])
		}
	}

	detected := len(matched) > 0
	if s.containsAll {
		detected = len(matched) == len(s.patterns)
	}
	if !detected {
		return ScanResult{Text: in.Text, Valid: true}, nil
	}

	text := in.Text
	if s.redact {
		text = redactAll(s.redactor, text)
	}
	return ScanResult{
		Text:    text,
		Valid:   false,
		Score:   1.0,
		Threats: []string{fmt.Sprintf("banned substrings found: %s", strings.Join(found, ", "))},
	}, nil
}

// RegexScanner checks text against patterns. With blocked patterns a match
// rejects the text; with allowed patterns the text must match at least one.
type RegexScanner struct {
	patterns []*regexp.Regexp
	redactor *regexp.Regexp
	blocked  bool
	redact   bool
}

func NewRegexScanner(patterns []string, blocked, redact bool) (*RegexScanner, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("regex: no patterns configured")
	}
	s := &RegexScanner{blocked: blocked, redact: redact && blocked}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("regex: compiling %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	re, err := newRedactor(patterns)
	if err != nil {
		return nil, fmt.Errorf("regex: %w", err)
	}
	s.redactor = re
	return s, nil
}

func (s *RegexScanner) Name() string   { return "regex" }
func (s *RegexScanner) ReadOnly() bool { return !s.redact }

func (s *RegexScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	var hit *regexp.Regexp
	for _, re := range s.patterns {
		if re.MatchString(in.Text) {
			hit = re
			break
		}
	}

	switch {
	case s.blocked && hit != nil:
		text := in.Text
		if s.redact {
			text = redactAll(s.redactor, text)
		}
		return ScanResult{
			Text:    text,
			Valid:   false,
			Score:   1.0,
			Threats: []string{fmt.Sprintf("matched blocked pattern %q", hit.String())},
		}, nil
	case !s.blocked && hit == nil:
		return ScanResult{
			Text:    in.Text,
			Valid:   false,
			Score:   1.0,
			Threats: []string{"no allowed pattern matched"},
		}, nil
	default:
		return ScanResult{Text: in.Text, Valid: true}, nil
	}
}

// newRedactor joins exprs into one alternation led by the markers earlier
// redaction leaves behind. Matching every pattern in a single pass keeps one
// pattern from rewriting the marker another produced.
func newRedactor(exprs []string) (*regexp.Regexp, error) {
	alts := []string{regexp.QuoteMeta(Redaction), vault.TokenPattern.String()}
	for _, e := range exprs {
		alts = append(alts, "(?:"+e+")")
	}
	return regexp.Compile(strings.Join(alts, "|"))
}

func redactAll(re *regexp.Regexp, text string) string {
	return re.ReplaceAllStringFunc(text, func(m string) string {
		if m == Redaction || vault.TokenPattern.FindString(m) == m {
			return m
		}
		return Redaction
	})
}
