// Package registry turns scanner configuration into pipeline stages. The set
// of scanner types is closed: each type declares the directions it may be
// used in, its default threshold and role, and a typed parameter struct.
// Anything that does not fit is reported as a ConfigurationError at load
// time rather than at scan time.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
	"github.com/Easy-Infra-Ltd/easy-guard/src/detector"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
)

// PatternsRecognizer is the name of the built-in regex recognizer.
const PatternsRecognizer = "patterns"

// ErrUnknownScanner is wrapped by ConfigurationErrors for unregistered
// scanner types.
var ErrUnknownScanner = errors.New("unknown scanner type")

// ErrThresholdUnsupported is wrapped by ConfigurationErrors for a threshold
// set on a scanner type whose verdict does not come from a score.
var ErrThresholdUnsupported = errors.New("scanner type takes no threshold")

// ConfigurationError reports an invalid scanner entry.
type ConfigurationError struct {
	Direction sanitizer.Direction
	Scanner   string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s scanner %q: %v", e.Direction, e.Scanner, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Deps are the shared backends scanners may refer to by name.
type Deps struct {
	// Detectors are named scoring backends. Those that also implement
	// detector.Recognizer can be used as recognizers.
	Detectors map[string]detector.Detector
	Logger    *slog.Logger
}

// Build validates cfgs for direction and returns the stages in configured
// order.
func Build(direction sanitizer.Direction, cfgs []config.ScannerConfig, deps Deps) ([]sanitizer.Stage, error) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	stages := make([]sanitizer.Stage, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, sc := range cfgs {
		fail := func(err error) error {
			return &ConfigurationError{Direction: direction, Scanner: sc.Name, Err: err}
		}
		if _, dup := seen[sc.Name]; dup {
			return nil, fail(errors.New("duplicate scanner name"))
		}
		seen[sc.Name] = struct{}{}

		typ := sc.Type
		if typ == "" {
			typ = config.SnakeCase(sc.Name)
		}
		v, ok := variants[typ]
		if !ok {
			return nil, fail(fmt.Errorf("%w %q", ErrUnknownScanner, typ))
		}
		if !v.allows(direction) {
			return nil, fail(fmt.Errorf("%s is not available for %s scanning", typ, direction))
		}

		threshold := v.threshold
		if sc.Threshold != nil {
			if v.unscored {
				return nil, fail(fmt.Errorf("%w: %s", ErrThresholdUnsupported, typ))
			}
			threshold.Limit = *sc.Threshold
		}
		b := builder{direction: direction, threshold: threshold, deps: deps}
		s, err := v.make(b, sc.Params)
		if err != nil {
			return nil, fail(err)
		}

		role := sanitizer.RoleAdvisory
		gating := v.gating
		if sc.Gating != nil {
			gating = *sc.Gating
		}
		if gating {
			role = sanitizer.RoleGating
		}
		stages = append(stages, sanitizer.Stage{
			Scanner:   sanitizer.Named(s, sc.Name),
			Role:      role,
			Mandatory: sc.Mandatory,
			Timeout:   sc.Timeout,
		})
	}
	return stages, nil
}

// Types lists the registered scanner types available for direction.
func Types(direction sanitizer.Direction) []string {
	var out []string
	for name, v := range variants {
		if v.allows(direction) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type dirs uint8

const (
	input dirs = 1 << iota
	output
	both = input | output
)

type variant struct {
	directions dirs
	threshold  sanitizer.Threshold
	gating     bool
	unscored   bool
	make       func(b builder, raw map[string]any) (sanitizer.Scanner, error)
}

// unscored marks a variant whose verdict is fixed by its parameters rather
// than by comparing a score against a threshold.
func unscored(v variant) variant {
	v.unscored = true
	v.threshold = sanitizer.Threshold{}
	return v
}

func (v variant) allows(d sanitizer.Direction) bool {
	switch d {
	case sanitizer.DirectionInput:
		return v.directions&input != 0
	case sanitizer.DirectionOutput:
		return v.directions&output != 0
	}
	return false
}

// define registers a variant whose parameters decode into P, starting from
// defaults. Unknown parameter names are rejected.
func define[P any](d dirs, threshold sanitizer.Threshold, gating bool, defaults P,
	build func(b builder, p P) (sanitizer.Scanner, error)) variant {
	return variant{
		directions: d,
		threshold:  threshold,
		gating:     gating,
		make: func(b builder, raw map[string]any) (sanitizer.Scanner, error) {
			p := defaults
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return build(b, p)
		},
	}
}

func decodeParams(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// builder resolves shared dependencies for one scanner entry.
type builder struct {
	direction sanitizer.Direction
	threshold sanitizer.Threshold
	deps      Deps
}

// detector returns the named detector, or the built-in lexicon for an
// empty name.
func (b builder) detector(name string) (detector.Detector, error) {
	if name == "" {
		return detector.DefaultLexicon(), nil
	}
	d, ok := b.deps.Detectors[name]
	if !ok {
		return nil, fmt.Errorf("unknown detector %q", name)
	}
	return d, nil
}

// recognizers resolves recognizer names, defaulting to the built-in
// patterns.
func (b builder) recognizers(names []string) ([]detector.Recognizer, error) {
	if len(names) == 0 {
		names = []string{PatternsRecognizer}
	}
	out := make([]detector.Recognizer, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == PatternsRecognizer {
			p, err := detector.NewPatterns()
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}
		d, ok := b.deps.Detectors[n]
		if !ok {
			return nil, fmt.Errorf("unknown recognizer %q", n)
		}
		r, ok := d.(detector.Recognizer)
		if !ok {
			return nil, fmt.Errorf("detector %q cannot recognize entities", n)
		}
		out = append(out, r)
	}
	return out, nil
}
