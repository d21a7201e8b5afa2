package detector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Term is a weighted phrase. Weight is the probability that text containing
// the phrase belongs to the term's label.
type Term struct {
	Phrase string
	Weight float64
}

type compiledTerm struct {
	re     *regexp.Regexp
	weight float64
}

// Lexicon is a local Detector. A label's score is the noisy-or of the
// weights of its distinct matching terms, so independent evidence
// accumulates without exceeding 1.
type Lexicon struct {
	labels map[string][]compiledTerm
}

var defaultTerms = map[string][]Term{
	"toxicity": {
		{"idiot", 0.7}, {"stupid", 0.6}, {"moron", 0.7}, {"dumb", 0.5}, {"loser", 0.5},
		{"worthless", 0.6}, {"shut up", 0.6}, {"hate you", 0.7}, {"kill yourself", 0.95},
		{"piece of trash", 0.8}, {"pathetic", 0.5}, {"disgusting", 0.5},
	},
	"violence": {
		{"bomb", 0.6}, {"explosive", 0.6}, {"kill", 0.5}, {"murder", 0.7}, {"shoot", 0.5},
		{"stab", 0.6}, {"weapon", 0.5}, {"gun", 0.4}, {"attack", 0.4}, {"massacre", 0.8},
		{"torture", 0.7},
	},
	"weapons": {
		{"gun", 0.6}, {"rifle", 0.6}, {"ammunition", 0.6}, {"bomb", 0.6}, {"grenade", 0.7},
		{"explosive", 0.6},
	},
	"drugs": {
		{"cocaine", 0.8}, {"heroin", 0.8}, {"meth", 0.7}, {"methamphetamine", 0.8},
		{"fentanyl", 0.7}, {"overdose", 0.5},
	},
	"self_harm": {
		{"suicide", 0.7}, {"self harm", 0.8}, {"cut myself", 0.8}, {"end my life", 0.9},
	},
	"politics": {
		{"election", 0.5}, {"president", 0.4}, {"senate", 0.5}, {"political party", 0.6},
		{"democrat", 0.6}, {"republican", 0.6},
	},
	"religion": {
		{"church", 0.4}, {"mosque", 0.5}, {"bible", 0.5}, {"quran", 0.5}, {"religion", 0.6},
	},
	"refusal": {
		{"i'm sorry", 0.5}, {"i am sorry", 0.5}, {"i cannot", 0.6}, {"i can't", 0.6},
		{"i can not", 0.6}, {"i am unable", 0.7}, {"i'm unable", 0.7}, {"as an ai", 0.6},
		{"i won't be able", 0.7}, {"not able to provide", 0.7}, {"against my guidelines", 0.8},
		{"i must decline", 0.8},
	},
	"negative": {
		{"terrible", 0.6}, {"awful", 0.6}, {"horrible", 0.6}, {"hate", 0.5}, {"worst", 0.6},
		{"useless", 0.5}, {"disappointed", 0.5}, {"angry", 0.4}, {"bad", 0.3}, {"sad", 0.3},
		{"annoying", 0.4}, {"broken", 0.3},
	},
	"prompt_injection": {
		{"ignore previous instructions", 0.9}, {"ignore all previous", 0.9},
		{"developer mode", 0.6}, {"jailbreak", 0.6}, {"do anything now", 0.7},
		{"system prompt", 0.4}, {"reveal your instructions", 0.7},
	},
}

// taskLabels are used when a Request carries no labels.
var taskLabels = map[Task][]string{
	TaskToxicity:  {"toxicity"},
	TaskRefusal:   {"refusal"},
	TaskSentiment: {"negative"},
	TaskInjection: {"prompt_injection"},
}

// NewLexicon compiles the given labels.
func NewLexicon(labels map[string][]Term) (*Lexicon, error) {
	l := &Lexicon{labels: make(map[string][]compiledTerm, len(labels))}
	for label, terms := range labels {
		if err := l.add(label, terms); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// DefaultLexicon returns the built-in vocabulary.
func DefaultLexicon() *Lexicon {
	l, err := NewLexicon(defaultTerms)
	if err != nil {
		panic(err)
	}
	return l
}

// With returns a copy of l with extra phrases for label at the given weight.
func (l *Lexicon) With(label string, phrases []string, weight float64) (*Lexicon, error) {
	out := &Lexicon{labels: make(map[string][]compiledTerm, len(l.labels)+1)}
	for k, v := range l.labels {
		out.labels[k] = append([]compiledTerm(nil), v...)
	}
	terms := make([]Term, 0, len(phrases))
	for _, p := range phrases {
		terms = append(terms, Term{Phrase: p, Weight: weight})
	}
	if err := out.add(label, terms); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Lexicon) add(label string, terms []Term) error {
	label = normalizeLabel(label)
	for _, t := range terms {
		phrase := strings.TrimSpace(t.Phrase)
		if phrase == "" {
			continue
		}
		words := strings.Fields(phrase)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		re, err := regexp.Compile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
		if err != nil {
			return fmt.Errorf("lexicon term %q: %w", t.Phrase, err)
		}
		l.labels[label] = append(l.labels[label], compiledTerm{re: re, weight: clamp(t.Weight)})
	}
	return nil
}

// Labels lists the known labels in sorted order.
func (l *Lexicon) Labels() []string {
	out := make([]string, 0, len(l.labels))
	for k := range l.labels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (l *Lexicon) Detect(_ context.Context, req Request) (Score, error) {
	labels := req.Labels
	if len(labels) == 0 {
		labels = taskLabels[req.Task]
	}
	var best Score
	for _, label := range labels {
		label = normalizeLabel(label)
		v := l.score(label, req.Text)
		if v > best.Value || best.Label == "" {
			best = Score{Value: v, Label: label}
		}
	}
	return best, nil
}

func (l *Lexicon) score(label, text string) float64 {
	miss := 1.0
	for _, t := range l.labels[label] {
		if t.re.MatchString(text) {
			miss *= 1 - t.weight
		}
	}
	return clamp(1 - miss)
}

func normalizeLabel(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}
