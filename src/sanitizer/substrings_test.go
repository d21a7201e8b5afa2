package sanitizer

import (
	"strings"
	"testing"
)

func TestBanSubstringsScanner(t *testing.T) {
	tests := []struct {
		name      string
		opts      SubstringOptions
		input     string
		wantValid bool
		wantText  string
	}{
		{
			name:      "substring match",
			opts:      SubstringOptions{Substrings: []string{"pass"}},
			input:     "my Password is long",
			wantValid: false,
			wantText:  "my Password is long",
		},
		{
			name:      "case sensitive miss",
			opts:      SubstringOptions{Substrings: []string{"pass"}, CaseSensitive: true},
			input:     "my Password is long",
			wantValid: true,
			wantText:  "my Password is long",
		},
		{
			name:      "word match ignores substrings",
			opts:      SubstringOptions{Substrings: []string{"pass"}, Match: MatchWord},
			input:     "my password is long",
			wantValid: true,
			wantText:  "my password is long",
		},
		{
			name:      "redact",
			opts:      SubstringOptions{Substrings: []string{"acme"}, Redact: true},
			input:     "ACME and acme",
			wantValid: false,
			wantText:  "[REDACTED] and [REDACTED]",
		},
		{
			name:      "contains all requires every substring",
			opts:      SubstringOptions{Substrings: []string{"alpha", "beta"}, ContainsAll: true},
			input:     "only alpha here",
			wantValid: true,
			wantText:  "only alpha here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewBanSubstringsScanner(tt.opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			res := mustScan(t, s, tt.input)
			if res.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", res.Valid, tt.wantValid)
			}
			if res.Text != tt.wantText {
				t.Errorf("text = %q, want %q", res.Text, tt.wantText)
			}
		})
	}
}

func TestBanSubstringsScanner_RedactsInOnePass(t *testing.T) {
	tests := []struct {
		name       string
		substrings []string
		input      string
		want       string
	}{
		{"later substring inside marker", []string{"secret", "act"}, "the secret act", "the [REDACTED] [REDACTED]"},
		{"overlapping substrings", []string{"secret", "secretive"}, "a secretive plan", "a [REDACTED] plan"},
		{"vault token kept", []string{"us"}, "call [REDACTED_US_SSN_1] to us", "call [REDACTED_US_SSN_1] to [REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewBanSubstringsScanner(SubstringOptions{Substrings: tt.substrings, Redact: true})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			res := mustScan(t, s, tt.input)
			if res.Valid {
				t.Error("expected invalid")
			}
			if res.Text != tt.want {
				t.Errorf("text = %q, want %q", res.Text, tt.want)
			}
		})
	}
}

func TestBanSubstringsScanner_RequiresSubstrings(t *testing.T) {
	if _, err := NewBanSubstringsScanner(SubstringOptions{Substrings: []string{" "}}); err == nil {
		t.Fatal("expected error for empty substring list")
	}
}

func TestBanCompetitorsScanner(t *testing.T) {
	s, err := NewBanCompetitorsScanner([]string{"Globex", "Initech"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "ban_competitors" {
		t.Errorf("name = %q", s.Name())
	}
	res := mustScan(t, s, "Compared to globex, we ship faster.")
	if res.Valid {
		t.Error("expected invalid")
	}
	if strings.Contains(strings.ToLower(res.Text), "globex") {
		t.Errorf("competitor should be redacted: %q", res.Text)
	}
	if res.Score != 1 {
		t.Errorf("score = %v, want 1", res.Score)
	}
}

func TestRegexScanner(t *testing.T) {
	blocked, err := NewRegexScanner([]string{`Bearer [A-Za-z0-9]+`}, true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := mustScan(t, blocked, "use Bearer abc123 to call")
	if res.Valid || res.Text != "use [REDACTED] to call" {
		t.Errorf("got %+v", res)
	}
	if blocked.ReadOnly() {
		t.Error("redacting scanner must not be read-only")
	}

	allowed, err := NewRegexScanner([]string{`^\{.*\}$`}, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed.ReadOnly() {
		t.Error("allow-list scanner never redacts")
	}
	if res := mustScan(t, allowed, `{"ok": true}`); !res.Valid {
		t.Error("matching allowed pattern should pass")
	}
	if res := mustScan(t, allowed, "plain text"); res.Valid {
		t.Error("text matching no allowed pattern should fail")
	}

	if _, err := NewRegexScanner([]string{`(`}, true, false); err == nil {
		t.Error("expected compile error")
	}
}

func TestRegexScanner_RedactsInOnePass(t *testing.T) {
	s, err := NewRegexScanner([]string{`secret`, `ACT`}, true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := mustScan(t, s, "secret ACT, see [REDACTED_PERSON_1]")
	if res.Valid {
		t.Error("expected invalid")
	}
	if want := "[REDACTED] [REDACTED], see [REDACTED_PERSON_1]"; res.Text != want {
		t.Errorf("text = %q, want %q", res.Text, want)
	}
}
