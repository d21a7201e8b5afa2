package detector

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
)

// Entity types recognized by Patterns.
const (
	EntityEmail      = "EMAIL_ADDRESS"
	EntitySSN        = "US_SSN"
	EntityPhone      = "PHONE_NUMBER"
	EntityCreditCard = "CREDIT_CARD"
	EntityIP         = "IP_ADDRESS"
	EntityIBAN       = "IBAN_CODE"
	EntityUUID       = "UUID"
	EntityCrypto     = "CRYPTO"
	EntityURL        = "URL"
	EntityCustom     = "CUSTOM"
)

type patternRule struct {
	entity string
	re     *regexp.Regexp
	score  float64
	valid  func(string) bool
}

// Rules are ordered: on overlapping spans the earlier rule wins, which keeps
// a dashed SSN from being read as a phone number.
var builtInRules = []patternRule{
	{entity: EntityEmail, re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), score: 1.0},
	{entity: EntityURL, re: regexp.MustCompile(`https?://[^\s<>"']+`), score: 0.6},
	{entity: EntitySSN, re: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), score: 0.85, valid: validSSN},
	{entity: EntityCreditCard, re: regexp.MustCompile(`\b(?:[0-9][ \-]?){12,18}[0-9]\b`), score: 1.0, valid: luhn},
	{entity: EntityIBAN, re: regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}(?:[ ]?[A-Z0-9]{4}){2,7}(?:[ ]?[A-Z0-9]{1,3})?\b`), score: 0.8},
	{entity: EntityUUID, re: regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), score: 0.9},
	{entity: EntityIP, re: regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`), score: 0.9, valid: validIP},
	{entity: EntityCrypto, re: regexp.MustCompile(`\b(?:bc1|[13])[a-zA-HJ-NP-Z0-9]{25,39}\b`), score: 0.7},
	{entity: EntityPhone, re: regexp.MustCompile(`(?:\+?1[ .\-]?)?(?:\([0-9]{3}\)|\b[0-9]{3})[ .\-]?[0-9]{3}[ .\-][0-9]{4}\b`), score: 0.75},
}

// Patterns is a regex-based Recognizer for common PII.
type Patterns struct {
	rules []patternRule
}

// NewPatterns returns a recognizer limited to the given entity types, or all
// built-in types when none are given.
func NewPatterns(entityTypes ...string) (*Patterns, error) {
	if len(entityTypes) == 0 {
		return &Patterns{rules: builtInRules}, nil
	}
	want := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		want[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	p := &Patterns{}
	for _, r := range builtInRules {
		if want[r.entity] {
			p.rules = append(p.rules, r)
			delete(want, r.entity)
		}
	}
	for t := range want {
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
	return p, nil
}

// EntityTypes lists every type the built-in rules can produce.
func EntityTypes() []string {
	out := make([]string, 0, len(builtInRules))
	for _, r := range builtInRules {
		out = append(out, r.entity)
	}
	return out
}

func (p *Patterns) Recognize(_ context.Context, text string) ([]Entity, error) {
	var found []Entity
	for _, r := range p.rules {
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			if r.valid != nil && !r.valid(text[loc[0]:loc[1]]) {
				continue
			}
			candidate := Entity{Type: r.entity, Start: loc[0], End: loc[1], Score: r.score}
			if overlapsAny(found, candidate) {
				continue
			}
			found = append(found, candidate)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	return found, nil
}

// Literal recognizes a fixed list of names case-insensitively on word
// boundaries.
type Literal struct {
	entity string
	re     *regexp.Regexp
}

// NewLiteral returns nil when names is empty.
func NewLiteral(entity string, names []string) *Literal {
	alts := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(n))
	}
	if len(alts) == 0 {
		return nil
	}
	// Longest first so "John Doe" wins over "John".
	sort.Slice(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	return &Literal{
		entity: entity,
		re:     regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`),
	}
}

func (l *Literal) Recognize(_ context.Context, text string) ([]Entity, error) {
	if l == nil {
		return nil, nil
	}
	var out []Entity
	for _, loc := range l.re.FindAllStringIndex(text, -1) {
		out = append(out, Entity{Type: l.entity, Start: loc[0], End: loc[1], Score: 1.0})
	}
	return out, nil
}

func overlapsAny(found []Entity, e Entity) bool {
	for _, f := range found {
		if e.Start < f.End && f.Start < e.End {
			return true
		}
	}
	return false
}

func validSSN(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	return parts[0] != "000" && parts[0] != "666" && parts[0][0] != '9' && parts[1] != "00" && parts[2] != "0000"
}

func validIP(s string) bool {
	return net.ParseIP(s) != nil
}

func luhn(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
