package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// OpenAIConfig configures the hosted moderation detector.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIModeration scores text with the OpenAI moderation endpoint. With no
// labels the highest category score is reported; labels select categories
// by name ("violence", "harassment/threatening", ...).
type OpenAIModeration struct {
	client *openai.Client
	model  string
}

func NewOpenAIModeration(cfg OpenAIConfig, extra ...option.RequestOption) (*OpenAIModeration, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai detector requires an api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = "omni-moderation-latest"
	}
	return &OpenAIModeration{client: &client, model: model}, nil
}

func (o *OpenAIModeration) Detect(ctx context.Context, req Request) (Score, error) {
	resp, err := o.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: param.NewOpt(req.Text)},
		Model: openai.ModerationModel(o.model),
	})
	if err != nil {
		return Score{}, fmt.Errorf("openai moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return Score{}, errors.New("openai moderation returned no results")
	}

	var scores map[string]float64
	if err := json.Unmarshal([]byte(resp.Results[0].CategoryScores.RawJSON()), &scores); err != nil {
		return Score{}, fmt.Errorf("decode category scores: %w", err)
	}
	return pickCategory(scores, req.Labels), nil
}

func pickCategory(scores map[string]float64, labels []string) Score {
	var best Score
	consider := func(name string, v float64) {
		if v > best.Value || best.Label == "" {
			best = Score{Value: clamp(v), Label: name}
		}
	}
	if len(labels) == 0 {
		for name, v := range scores {
			consider(name, v)
		}
		return best
	}
	for _, label := range labels {
		label = strings.ToLower(strings.TrimSpace(label))
		for name, v := range scores {
			if name == label || strings.HasPrefix(name, label+"/") {
				consider(name, v)
			}
		}
	}
	return best
}
