package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ScannerConfig is one entry of a direction's scanner list.
type ScannerConfig struct {
	// Name identifies the scanner in findings. It must be unique within a
	// direction.
	Name string
	// Type selects the registry variant. It defaults to Name.
	Type string
	// Threshold overrides the variant's default limit.
	Threshold *float64
	// Gating overrides the variant's default role.
	Gating    *bool
	Mandatory bool
	Timeout   time.Duration
	// Params are variant specific and validated by the registry.
	Params map[string]any
}

// ScannersConfig holds the ordered scanner lists of both directions.
type ScannersConfig struct {
	Input  []ScannerConfig
	Output []ScannerConfig
}

type scannersFile struct {
	Input  yaml.Node `yaml:"input_scanners"`
	Output yaml.Node `yaml:"output_scanners"`
}

type scannerEntry struct {
	Name      string         `mapstructure:"name"`
	Type      string         `mapstructure:"type"`
	Threshold *float64       `mapstructure:"threshold"`
	Gating    *bool          `mapstructure:"gating"`
	Mandatory bool           `mapstructure:"mandatory"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	Params    map[string]any `mapstructure:"params"`
	Extra     map[string]any `mapstructure:",remain"`
}

// LoadScanners reads a YAML scanner file.
func LoadScanners(path string) (ScannersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScannersConfig{}, fmt.Errorf("reading scanners %s: %w", path, err)
	}
	return ParseScanners(data)
}

// ParseScanners decodes input_scanners and output_scanners. Each may be a
// list of entries or a mapping from scanner name to its settings; both
// forms keep file order. Keys other than name, type, threshold, gating,
// mandatory, timeout and params are treated as params.
func ParseScanners(data []byte) (ScannersConfig, error) {
	var f scannersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ScannersConfig{}, fmt.Errorf("parsing scanners: %w", err)
	}

	in, err := decodeScanners("input_scanners", &f.Input)
	if err != nil {
		return ScannersConfig{}, err
	}
	out, err := decodeScanners("output_scanners", &f.Output)
	if err != nil {
		return ScannersConfig{}, err
	}
	return ScannersConfig{Input: in, Output: out}, nil
}

func decodeScanners(section string, node *yaml.Node) ([]ScannerConfig, error) {
	var out []ScannerConfig
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: expected a list or mapping, got %q", section, node.Value)
	case yaml.SequenceNode:
		for i, item := range node.Content {
			var raw map[string]any
			switch item.Kind {
			case yaml.ScalarNode:
				raw = map[string]any{"name": item.Value}
			case yaml.MappingNode:
				if err := item.Decode(&raw); err != nil {
					return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
				}
			default:
				return nil, fmt.Errorf("%s[%d]: expected a name or mapping", section, i)
			}
			sc, err := decodeEntry(raw)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
			}
			out = append(out, sc)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			raw := map[string]any{}
			if val.Kind == yaml.MappingNode {
				if err := val.Decode(&raw); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", section, key.Value, err)
				}
			} else if val.Tag != "!!null" {
				return nil, fmt.Errorf("%s.%s: expected a mapping of settings", section, key.Value)
			}
			raw["name"] = SnakeCase(key.Value)
			sc, err := decodeEntry(raw)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", section, key.Value, err)
			}
			out = append(out, sc)
		}
	default:
		return nil, fmt.Errorf("%s: expected a list or mapping", section)
	}

	seen := make(map[string]struct{}, len(out))
	for _, sc := range out {
		if _, dup := seen[sc.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate scanner name %q", section, sc.Name)
		}
		seen[sc.Name] = struct{}{}
	}
	return out, nil
}

func decodeEntry(raw map[string]any) (ScannerConfig, error) {
	var e scannerEntry
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       durationHook(),
		WeaklyTypedInput: true,
		Result:           &e,
	})
	if err != nil {
		return ScannerConfig{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return ScannerConfig{}, err
	}

	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return ScannerConfig{}, fmt.Errorf("name is required")
	}
	typ := e.Type
	if typ == "" {
		typ = e.Name
	}

	params := e.Params
	if len(e.Extra) > 0 {
		if params == nil {
			params = make(map[string]any, len(e.Extra))
		}
		for k, v := range e.Extra {
			if _, dup := params[k]; dup {
				return ScannerConfig{}, fmt.Errorf("parameter %q given twice", k)
			}
			params[k] = v
		}
	}

	if e.Threshold != nil && (*e.Threshold < 0 || *e.Threshold > 1) {
		return ScannerConfig{}, fmt.Errorf("threshold %v outside [0, 1]", *e.Threshold)
	}
	if e.Timeout < 0 {
		return ScannerConfig{}, fmt.Errorf("timeout must not be negative")
	}

	return ScannerConfig{
		Name:      e.Name,
		Type:      SnakeCase(typ),
		Threshold: e.Threshold,
		Gating:    e.Gating,
		Mandatory: e.Mandatory,
		Timeout:   e.Timeout,
		Params:    params,
	}, nil
}

// SnakeCase converts scanner names such as "PromptInjection" or
// "MaliciousURLs" to "prompt_injection" and "malicious_urls".
func SnakeCase(s string) string {
	var b strings.Builder
	var prev rune
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

// DefaultScanners mirrors the reference deployment: injection screening
// first, then topic, toxicity and anonymization on prompts; restoration,
// PII and refusal checks on responses.
func DefaultScanners() ScannersConfig {
	gating := true
	return ScannersConfig{
		Input: []ScannerConfig{
			{Name: "prompt_injection", Type: "prompt_injection", Gating: &gating},
			{Name: "ban_topics", Type: "ban_topics", Params: map[string]any{"topics": []any{"violence"}}},
			{Name: "toxicity", Type: "toxicity"},
			{Name: "anonymize", Type: "anonymize", Params: map[string]any{
				"allowed_names": []any{"Jane Doe", "John Doe", "J Doe"},
				"hidden_names":  []any{"EXAMPLE LLC"},
			}},
		},
		Output: []ScannerConfig{
			{Name: "deanonymize", Type: "deanonymize"},
			{Name: "sensitive", Type: "sensitive", Params: map[string]any{
				"entity_types": []any{"PERSON", "EMAIL_ADDRESS"},
			}},
			{Name: "no_refusal", Type: "no_refusal"},
		},
	}
}
