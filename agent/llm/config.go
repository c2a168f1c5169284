package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/finagent/finagent/agent/contract"
	openrouterx "github.com/finagent/finagent/pkg/openrouter"
)

// ModelRole names the two LLM steps the loop makes.
type ModelRole string

const (
	RoleDecider    ModelRole = "decider"
	RoleSummarizer ModelRole = "summarizer"
)

// Config selects models per role, falling back to the default model. The
// decider wants a low temperature: its output must parse into a tagged
// decision, not prose.
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.3"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`

	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" split_words:"true" default:"text-embedding-3-small"`

	DeciderModel          string  `envconfig:"DECIDER_MODEL" split_words:"true"`
	SummarizerModel       string  `envconfig:"SUMMARIZER_MODEL" split_words:"true"`
	DeciderTemperature    float32 `envconfig:"DECIDER_TEMPERATURE" split_words:"true" default:"-1"`
	SummarizerTemperature float32 `envconfig:"SUMMARIZER_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: model api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

// OpenRouterFor resolves the transport config for one role.
func (c Config) OpenRouterFor(role ModelRole) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	switch role {
	case RoleDecider:
		if v := strings.TrimSpace(c.DeciderModel); v != "" {
			modelName = v
		}
		if c.DeciderTemperature >= 0 {
			temp = c.DeciderTemperature
		}
	case RoleSummarizer:
		if v := strings.TrimSpace(c.SummarizerModel); v != "" {
			modelName = v
		}
		if c.SummarizerTemperature >= 0 {
			temp = c.SummarizerTemperature
		}
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
	}
}
