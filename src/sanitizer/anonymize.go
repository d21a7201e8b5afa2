package sanitizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
	"github.com/Easy-Infra-Ltd/easy-guard/src/vault"
)

// AnonymizeOptions configures AnonymizeScanner.
type AnonymizeOptions struct {
	Recognizers []detector.Recognizer
	// EntityTypes limits redaction to these types; empty means all.
	EntityTypes []string
	// AllowedNames are never redacted.
	AllowedNames []string
	// HiddenNames are always redacted as CUSTOM entities.
	HiddenNames []string
	// Threshold.Limit is the minimum recognizer confidence that triggers
	// redaction.
	Threshold Threshold
	// BlockOnDetection reports the prompt invalid whenever something was
	// redacted. Otherwise redaction counts as sanitization and the score is
	// the highest confidence left unredacted.
	BlockOnDetection bool
}

// AnonymizeScanner replaces sensitive entities with vault placeholders.
type AnonymizeScanner struct {
	recognizers []detector.Recognizer
	types       map[string]bool
	allowed     map[string]bool
	threshold   Threshold
	block       bool
}

func NewAnonymizeScanner(opts AnonymizeOptions) (*AnonymizeScanner, error) {
	if len(opts.Recognizers) == 0 && len(opts.HiddenNames) == 0 {
		return nil, errors.New("anonymize: no recognizers configured")
	}
	s := &AnonymizeScanner{
		recognizers: opts.Recognizers,
		allowed:     make(map[string]bool, len(opts.AllowedNames)),
		threshold:   opts.Threshold,
		block:       opts.BlockOnDetection,
	}
	if hidden := detector.NewLiteral(detector.EntityCustom, opts.HiddenNames); hidden != nil {
		s.recognizers = append(s.recognizers, hidden)
	}
	if len(opts.EntityTypes) > 0 {
		s.types = make(map[string]bool, len(opts.EntityTypes)+1)
		for _, t := range opts.EntityTypes {
			s.types[vault.NormalizeType(t)] = true
		}
		s.types[detector.EntityCustom] = true
	}
	for _, n := range opts.AllowedNames {
		s.allowed[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return s, nil
}

func (s *AnonymizeScanner) Name() string { return "anonymize" }

func (s *AnonymizeScanner) Scan(ctx context.Context, in Input) (ScanResult, error) {
	if in.Vault == nil {
		return ScanResult{}, Failure(s.Name(), "", ErrNoVault)
	}

	var candidates []detector.Entity
	for _, r := range s.recognizers {
		found, err := r.Recognize(ctx, in.Text)
		if err != nil {
			return ScanResult{}, Failure(s.Name(), "recognizer", err)
		}
		candidates = append(candidates, found...)
	}

	var redact []detector.Entity
	residual := 0.0
	for _, e := range candidates {
		if !validSpan(in.Text, e) {
			continue
		}
		e.Type = vault.NormalizeType(e.Type)
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		if s.allowed[strings.ToLower(in.Text[e.Start:e.End])] {
			continue
		}
		if e.Score < s.threshold.Limit {
			residual = max(residual, e.Score)
			continue
		}
		redact = append(redact, e)
	}
	redact = nonOverlapping(redact)

	if len(redact) == 0 {
		return s.threshold.Result(in.Text, residual), nil
	}

	var b strings.Builder
	prev := 0
	top := 0.0
	types := map[string]bool{}
	for _, e := range redact {
		tok, err := in.Vault.Put(ctx, e.Type, in.Text[e.Start:e.End])
		if err != nil {
			return ScanResult{}, Failure(s.Name(), "vault", err)
		}
		b.WriteString(in.Text[prev:e.Start])
		b.WriteString(tok)
		prev = e.End
		top = max(top, e.Score)
		types[e.Type] = true
	}
	b.WriteString(in.Text[prev:])
	text := b.String()

	detail := fmt.Sprintf("redacted %d entities: %s", len(redact), strings.Join(sortedKeys(types), ", "))
	if s.block {
		return ScanResult{Text: text, Valid: false, Score: clampScore(top), Threats: []string{detail}}, nil
	}
	res := s.threshold.Result(text, residual)
	res.Threats = []string{detail}
	return res, nil
}

// DeanonymizeScanner restores vault placeholders in model output. A
// placeholder missing from the vault is left as is and reported as an
// informational finding.
type DeanonymizeScanner struct {
	logger *slog.Logger
}

func NewDeanonymizeScanner(logger *slog.Logger) *DeanonymizeScanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeanonymizeScanner{logger: logger.With("scanner", "deanonymize")}
}

func (s *DeanonymizeScanner) Name() string { return "deanonymize" }

func (s *DeanonymizeScanner) Scan(ctx context.Context, in Input) (ScanResult, error) {
	tokens := vault.TokenPattern.FindAllString(in.Text, -1)
	if len(tokens) == 0 {
		return ScanResult{Text: in.Text, Valid: true}, nil
	}

	seen := make(map[string]bool, len(tokens))
	var pairs, misses []string
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if in.Vault == nil {
			misses = append(misses, tok)
			continue
		}
		e, err := in.Vault.Get(ctx, tok)
		if errors.Is(err, vault.ErrNotFound) {
			misses = append(misses, tok)
			continue
		}
		if err != nil {
			return ScanResult{}, Failure(s.Name(), "vault", err)
		}
		pairs = append(pairs, tok, e.Value)
	}

	text := in.Text
	if len(pairs) > 0 {
		text = strings.NewReplacer(pairs...).Replace(text)
	}
	if len(misses) == 0 {
		return ScanResult{Text: text, Valid: true}, nil
	}

	s.logger.Warn("vault miss", "tokens", misses)
	return ScanResult{
		Text:          text,
		Valid:         true,
		Informational: true,
		Threats:       []string{fmt.Sprintf("vault miss: %s", strings.Join(misses, ", "))},
	}, nil
}

// SensitiveScanner detects PII in model output and optionally replaces it
// with a fixed redaction marker. The score is the highest entity confidence.
// Values held by the exchange vault came from the user's own prompt and were
// put back by deanonymize, so they are never flagged.
type SensitiveScanner struct {
	recognizers []detector.Recognizer
	types       map[string]bool
	threshold   Threshold
	redact      bool
}

func NewSensitiveScanner(recognizers []detector.Recognizer, entityTypes []string, threshold Threshold, redact bool) (*SensitiveScanner, error) {
	if len(recognizers) == 0 {
		return nil, errors.New("sensitive: no recognizers configured")
	}
	s := &SensitiveScanner{recognizers: recognizers, threshold: threshold, redact: redact}
	if len(entityTypes) > 0 {
		s.types = make(map[string]bool, len(entityTypes))
		for _, t := range entityTypes {
			s.types[vault.NormalizeType(t)] = true
		}
	}
	return s, nil
}

func (s *SensitiveScanner) Name() string   { return "sensitive" }
func (s *SensitiveScanner) ReadOnly() bool { return !s.redact }

func (s *SensitiveScanner) Scan(ctx context.Context, in Input) (ScanResult, error) {
	restored, err := vaultValues(ctx, in.Vault)
	if err != nil {
		return ScanResult{}, Failure(s.Name(), "vault", err)
	}

	var flagged []detector.Entity
	top := 0.0
	for _, r := range s.recognizers {
		found, err := r.Recognize(ctx, in.Text)
		if err != nil {
			return ScanResult{}, Failure(s.Name(), "recognizer", err)
		}
		for _, e := range found {
			if !validSpan(in.Text, e) {
				continue
			}
			if s.types != nil && !s.types[vault.NormalizeType(e.Type)] {
				continue
			}
			if restored[in.Text[e.Start:e.End]] {
				continue
			}
			top = max(top, e.Score)
			if !s.threshold.Valid(e.Score) {
				flagged = append(flagged, e)
			}
		}
	}

	text := in.Text
	if s.redact && len(flagged) > 0 {
		var b strings.Builder
		prev := 0
		for _, e := range nonOverlapping(flagged) {
			b.WriteString(text[prev:e.Start])
			b.WriteString(Redaction)
			prev = e.End
		}
		b.WriteString(text[prev:])
		text = b.String()
	}

	types := map[string]bool{}
	for _, e := range flagged {
		types[vault.NormalizeType(e.Type)] = true
	}
	return s.threshold.Result(text, top,
		fmt.Sprintf("sensitive data found: %s", strings.Join(sortedKeys(types), ", "))), nil
}

func vaultValues(ctx context.Context, v vault.Vault) (map[string]bool, error) {
	if v == nil {
		return nil, nil
	}
	entries, err := v.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.Value] = true
	}
	return out, nil
}

func validSpan(text string, e detector.Entity) bool {
	if e.Start < 0 || e.End > len(text) || e.Start >= e.End {
		return false
	}
	if !utf8.RuneStart(text[e.Start]) {
		return false
	}
	return e.End == len(text) || utf8.RuneStart(text[e.End])
}

// nonOverlapping keeps, among overlapping spans, the earliest and then the
// longest, and returns the survivors in text order.
func nonOverlapping(ents []detector.Entity) []detector.Entity {
	sort.SliceStable(ents, func(i, j int) bool {
		if ents[i].Start != ents[j].Start {
			return ents[i].Start < ents[j].Start
		}
		return ents[i].End-ents[i].Start > ents[j].End-ents[j].Start
	})
	out := ents[:0]
	lastEnd := -1
	for _, e := range ents {
		if e.Start < lastEnd {
			continue
		}
		out = append(out, e)
		lastEnd = e.End
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
