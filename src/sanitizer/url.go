package sanitizer

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// urlExtractor matches http/https URLs in text.
	urlExtractor = regexp.MustCompile(`https?://[^\s<>"{}|\\^\x60\[\]]+`)

	// dangerousSchemes matches javascript: and data:text/html URIs.
	dangerousSchemes = regexp.MustCompile(`(?i)(javascript\s*:|data\s*:\s*text/html|vbscript\s*:)`)

	// exfilPatterns matches URL query params that look like data exfiltration.
	exfilPatterns = regexp.MustCompile(`(?i)[?&](secret|token|key|password|api_key|credential|auth|session_id|private_key)=`)
)

// MaliciousURLScanner flags dangerous URI schemes, exfiltration-shaped
// links and links to blocked domains in model output.
type MaliciousURLScanner struct {
	threshold      Threshold
	blockedDomains []string
}

func NewMaliciousURLScanner(threshold Threshold, blockedDomains []string) *MaliciousURLScanner {
	domains := make([]string, 0, len(blockedDomains))
	for _, d := range blockedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	return &MaliciousURLScanner{threshold: threshold, blockedDomains: domains}
}

func (s *MaliciousURLScanner) Name() string   { return "malicious_urls" }
func (s *MaliciousURLScanner) ReadOnly() bool { return true }

func (s *MaliciousURLScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	var threats []string

	if match := dangerousSchemes.FindString(in.Text); match != "" {
		threats = append(threats, fmt.Sprintf("dangerous URI scheme detected: %q", strings.TrimSpace(match)))
	}

	for _, u := range urlExtractor.FindAllString(in.Text, -1) {
		if exfilPatterns.MatchString(u) {
			threats = append(threats, fmt.Sprintf("possible data exfiltration URL: %q", u))
			continue
		}
		if s.blocked(u) {
			threats = append(threats, fmt.Sprintf("blocked domain: %q", u))
		}
	}

	score := 0.0
	if len(threats) > 0 {
		score = 1.0
	}
	return s.threshold.Result(in.Text, score, threats...), nil
}

func (s *MaliciousURLScanner) blocked(raw string) bool {
	if len(s.blockedDomains) == 0 {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range s.blockedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
