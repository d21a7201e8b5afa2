// Package vault maps anonymization placeholders back to the values they
// replaced. One Vault belongs to one exchange (or, when persisted, one
// conversation) and is shared by the anonymizing and de-anonymizing scanners
// of that exchange.
package vault

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNotFound is returned by Get when no entry exists for a token.
var ErrNotFound = errors.New("vault: token not found")

// Entry is one stored mapping.
type Entry struct {
	Token      string `json:"token"`
	Value      string `json:"value"`
	EntityType string `json:"entity_type"`
}

// Vault stores placeholder mappings.
//
// Put is idempotent per (entity type, value): repeating the same pair
// returns the token issued the first time, so one original is always
// represented by a single placeholder within a Vault. Tokens are unique for
// the lifetime of a Vault and are never reissued for a different value.
type Vault interface {
	Put(ctx context.Context, entityType, value string) (string, error)
	Get(ctx context.Context, token string) (Entry, error)
	// Entries lists mappings in allocation order.
	Entries(ctx context.Context) ([]Entry, error)
}

// TokenPattern matches placeholders issued by any Vault implementation.
var TokenPattern = regexp.MustCompile(`\[REDACTED_[A-Z0-9_]+_[0-9]+\]`)

// FormatToken renders the placeholder for the n-th value of an entity type.
func FormatToken(entityType string, n int64) string {
	return fmt.Sprintf("[REDACTED_%s_%d]", NormalizeType(entityType), n)
}

// NormalizeType upper-cases an entity type and replaces anything outside
// [A-Z0-9] with an underscore so the token stays matchable by TokenPattern.
func NormalizeType(entityType string) string {
	t := strings.ToUpper(strings.TrimSpace(entityType))
	if t == "" {
		return "ENTITY"
	}
	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}
