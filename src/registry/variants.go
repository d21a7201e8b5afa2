package registry

import (
	"fmt"

	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
)

// Parameter structs hold scalar defaults only: mapstructure reuses the
// backing array of a non-nil default slice.

type injectionParams struct {
	Detector       string   `mapstructure:"detector"`
	DisableBuiltIn bool     `mapstructure:"disable_builtin_patterns"`
	Patterns       []string `mapstructure:"patterns"`
}

type jailbreakParams struct {
	Weight float64 `mapstructure:"weight"`
}

type tokenLimitParams struct {
	Limit int `mapstructure:"limit"`
}

type substringParams struct {
	Substrings    []string `mapstructure:"substrings"`
	MatchType     string   `mapstructure:"match_type"`
	CaseSensitive bool     `mapstructure:"case_sensitive"`
	Redact        bool     `mapstructure:"redact"`
	ContainsAll   bool     `mapstructure:"contains_all"`
}

type competitorParams struct {
	Competitors []string `mapstructure:"competitors"`
	Redact      bool     `mapstructure:"redact"`
}

type topicParams struct {
	Topics   []string `mapstructure:"topics"`
	Detector string   `mapstructure:"detector"`
}

type detectorParams struct {
	Detector string `mapstructure:"detector"`
}

type secretsParams struct {
	RedactMode string `mapstructure:"redact_mode"`
}

type anonymizeParams struct {
	Recognizers      []string `mapstructure:"recognizers"`
	EntityTypes      []string `mapstructure:"entity_types"`
	AllowedNames     []string `mapstructure:"allowed_names"`
	HiddenNames      []string `mapstructure:"hidden_names"`
	BlockOnDetection bool     `mapstructure:"block_on_detection"`
}

type sensitiveParams struct {
	Recognizers []string `mapstructure:"recognizers"`
	EntityTypes []string `mapstructure:"entity_types"`
	Redact      bool     `mapstructure:"redact"`
}

type urlParams struct {
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

type readingTimeParams struct {
	MaxMinutes     float64 `mapstructure:"max_time"`
	WordsPerMinute int     `mapstructure:"words_per_minute"`
	Truncate       bool    `mapstructure:"truncate"`
}

type regexParams struct {
	Patterns  []string `mapstructure:"patterns"`
	IsBlocked bool     `mapstructure:"is_blocked"`
	Redact    bool     `mapstructure:"redact"`
}

type boundaryParams struct {
	Tag string `mapstructure:"tag"`
}

type noParams struct{}

var variants = map[string]variant{
	"prompt_injection": define(input, sanitizer.Above(0.5), true, injectionParams{},
		func(b builder, p injectionParams) (sanitizer.Scanner, error) {
			d, err := b.detector(p.Detector)
			if err != nil {
				return nil, err
			}
			return sanitizer.NewInjectionScanner(p.DisableBuiltIn, p.Patterns, d, b.threshold)
		}),

	"jailbreak": define(input, sanitizer.Above(0.5), true, jailbreakParams{Weight: 1},
		func(b builder, p jailbreakParams) (sanitizer.Scanner, error) {
			return sanitizer.NewJailbreakScanner(b.threshold, p.Weight), nil
		}),

	"invisible_text": define(both, sanitizer.Above(0.5), false, noParams{},
		func(b builder, _ noParams) (sanitizer.Scanner, error) {
			return sanitizer.NewInvisibleTextScanner(b.threshold), nil
		}),

	"token_limit": unscored(define(input, sanitizer.Above(0.5), false, tokenLimitParams{Limit: 4096},
		func(_ builder, p tokenLimitParams) (sanitizer.Scanner, error) {
			if p.Limit <= 0 {
				return nil, fmt.Errorf("limit must be positive, got %d", p.Limit)
			}
			return sanitizer.NewTokenLimitScanner(p.Limit), nil
		})),

	"ban_substrings": unscored(define(both, sanitizer.Above(0.5), false, substringParams{MatchType: string(sanitizer.MatchString)},
		func(_ builder, p substringParams) (sanitizer.Scanner, error) {
			match := sanitizer.MatchType(p.MatchType)
			if match != sanitizer.MatchString && match != sanitizer.MatchWord {
				return nil, fmt.Errorf("match_type must be %q or %q, got %q", sanitizer.MatchString, sanitizer.MatchWord, p.MatchType)
			}
			return sanitizer.NewBanSubstringsScanner(sanitizer.SubstringOptions{
				Substrings:    p.Substrings,
				Match:         match,
				CaseSensitive: p.CaseSensitive,
				Redact:        p.Redact,
				ContainsAll:   p.ContainsAll,
			})
		})),

	"ban_competitors": unscored(define(both, sanitizer.Above(0.5), false, competitorParams{Redact: true},
		func(_ builder, p competitorParams) (sanitizer.Scanner, error) {
			return sanitizer.NewBanCompetitorsScanner(p.Competitors, p.Redact)
		})),

	"ban_topics": define(both, sanitizer.Above(0.5), false, topicParams{},
		func(b builder, p topicParams) (sanitizer.Scanner, error) {
			d, err := b.detector(p.Detector)
			if err != nil {
				return nil, err
			}
			return sanitizer.NewClassifierScanner(sanitizer.ClassifierOptions{
				Name:      "ban_topics",
				Task:      detector.TaskTopic,
				Labels:    p.Topics,
				Detector:  d,
				Threshold: b.threshold,
			})
		}),

	"toxicity":   classifier("toxicity", detector.TaskToxicity, false),
	"sentiment":  classifier("sentiment", detector.TaskSentiment, false),
	"no_refusal": classifierFor(output, "no_refusal", detector.TaskRefusal, true),

	"secrets": unscored(define(input, sanitizer.Above(0.5), false, secretsParams{RedactMode: string(sanitizer.RedactAll)},
		func(_ builder, p secretsParams) (sanitizer.Scanner, error) {
			mode := sanitizer.RedactMode(p.RedactMode)
			switch mode {
			case sanitizer.RedactNone, sanitizer.RedactAll, sanitizer.RedactPartial:
			default:
				return nil, fmt.Errorf("redact_mode must be none, all or partial, got %q", p.RedactMode)
			}
			return sanitizer.NewSecretsScanner(mode), nil
		})),

	"anonymize": define(input, sanitizer.Above(0.5), false, anonymizeParams{},
		func(b builder, p anonymizeParams) (sanitizer.Scanner, error) {
			recs, err := b.recognizers(p.Recognizers)
			if err != nil {
				return nil, err
			}
			return sanitizer.NewAnonymizeScanner(sanitizer.AnonymizeOptions{
				Recognizers:      recs,
				EntityTypes:      p.EntityTypes,
				AllowedNames:     p.AllowedNames,
				HiddenNames:      p.HiddenNames,
				Threshold:        b.threshold,
				BlockOnDetection: p.BlockOnDetection,
			})
		}),

	"deanonymize": unscored(define(output, sanitizer.Above(0.5), false, noParams{},
		func(b builder, _ noParams) (sanitizer.Scanner, error) {
			return sanitizer.NewDeanonymizeScanner(b.deps.Logger), nil
		})),

	"malicious_urls": define(output, sanitizer.Above(0.5), false, urlParams{},
		func(b builder, p urlParams) (sanitizer.Scanner, error) {
			return sanitizer.NewMaliciousURLScanner(b.threshold, p.BlockedDomains), nil
		}),

	"relevance": define(output, sanitizer.Below(0.2), false, noParams{},
		func(b builder, _ noParams) (sanitizer.Scanner, error) {
			return sanitizer.NewRelevanceScanner(b.threshold), nil
		}),

	"sensitive": define(output, sanitizer.Above(0.5), false, sensitiveParams{Redact: true},
		func(b builder, p sensitiveParams) (sanitizer.Scanner, error) {
			recs, err := b.recognizers(p.Recognizers)
			if err != nil {
				return nil, err
			}
			return sanitizer.NewSensitiveScanner(recs, p.EntityTypes, b.threshold, p.Redact)
		}),

	"reading_time": unscored(define(output, sanitizer.Above(0.5), false, readingTimeParams{MaxMinutes: 5, WordsPerMinute: 200},
		func(_ builder, p readingTimeParams) (sanitizer.Scanner, error) {
			if p.MaxMinutes <= 0 {
				return nil, fmt.Errorf("max_time must be positive")
			}
			return sanitizer.NewReadingTimeScanner(p.MaxMinutes, p.WordsPerMinute, p.Truncate), nil
		})),

	"regex": unscored(define(both, sanitizer.Above(0.5), false, regexParams{IsBlocked: true},
		func(_ builder, p regexParams) (sanitizer.Scanner, error) {
			return sanitizer.NewRegexScanner(p.Patterns, p.IsBlocked, p.Redact)
		})),

	"boundary": unscored(define(input, sanitizer.Above(0.5), false, boundaryParams{},
		func(_ builder, p boundaryParams) (sanitizer.Scanner, error) {
			return sanitizer.NewBoundaryScanner(p.Tag), nil
		})),
}

func classifier(name string, task detector.Task, withPrompt bool) variant {
	return classifierFor(both, name, task, withPrompt)
}

func classifierFor(d dirs, name string, task detector.Task, withPrompt bool) variant {
	return define(d, sanitizer.Above(0.5), false, detectorParams{},
		func(b builder, p detectorParams) (sanitizer.Scanner, error) {
			det, err := b.detector(p.Detector)
			if err != nil {
				return nil, err
			}
			return sanitizer.NewClassifierScanner(sanitizer.ClassifierOptions{
				Name:       name,
				Task:       task,
				Detector:   det,
				Threshold:  b.threshold,
				WithPrompt: withPrompt,
			})
		})
}
