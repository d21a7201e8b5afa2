// Package sanitizer screens text exchanged with a language model. A Scanner
// inspects (and may rewrite) one text; a Pipeline runs an ordered set of
// scanners in two phases and aggregates their results into a Verdict.
package sanitizer

import (
	"context"

	"github.com/Easy-Infra-Ltd/easy-guard/src/vault"
)

// Scanner inspects and optionally transforms text.
// Implementations must be safe for concurrent use and must not retain the
// Input beyond the call.
type Scanner interface {
	// Name returns the identifier findings are reported under.
	Name() string

	// Scan rates in.Text. An error means the scanner could not produce a
	// judgement; it is never used to signal that the text is unsafe.
	Scan(ctx context.Context, in Input) (ScanResult, error)
}

// Input is what a scanner receives.
type Input struct {
	// Text is the current text, already rewritten by earlier scanners.
	Text string
	// Prompt is the originating prompt when scanning a model response.
	Prompt string
	// Vault is the exchange's placeholder store. It may be nil when no
	// scanner in the pipeline needs one.
	Vault vault.Vault
}

// WithText returns a copy of in carrying text.
func (in Input) WithText(text string) Input {
	in.Text = text
	return in
}

// ReadOnly is implemented by scanners that never rewrite text. The pipeline
// may run consecutive read-only advisory scanners concurrently.
type ReadOnly interface {
	ReadOnly() bool
}

func isReadOnly(s Scanner) bool {
	ro, ok := s.(ReadOnly)
	return ok && ro.ReadOnly()
}

// Named returns s reporting its findings under name. Read-only scanners
// stay read-only.
func Named(s Scanner, name string) Scanner {
	if name == "" || s.Name() == name {
		return s
	}
	return named{Scanner: s, name: name}
}

type named struct {
	Scanner
	name string
}

func (n named) Name() string   { return n.name }
func (n named) ReadOnly() bool { return isReadOnly(n.Scanner) }
