package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"restaurant-agent/internal/domain"
)

const tokenParameter = "/open-ai-token"

// Config configures the chat completion client. When APIKey is empty the key
// is read from SSM at <ParamPrefix>/open-ai-token.
type Config struct {
	BaseURL     string        `envconfig:"BASE_URL" default:"https://api.openai.com/v1"`
	APIKey      string        `envconfig:"API_KEY"`
	ParamPrefix string        `envconfig:"PARAM_PREFIX" split_words:"true"`
	Model       string        `envconfig:"MODEL" default:"gpt-4o-mini"`
	Temperature float64       `envconfig:"TEMPERATURE" default:"0.3"`
	MaxTokens   int           `envconfig:"MAX_TOKENS" split_words:"true" default:"600"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"20s"`
	MaxRetries  int           `envconfig:"MAX_RETRIES" split_words:"true" default:"0"`
}

// ModelParams returns the generation parameters configured for the engine.
func (c Config) ModelParams() domain.ModelParams {
	return domain.ModelParams{Model: c.Model, Temperature: c.Temperature, MaxTokens: c.MaxTokens}
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client runs chat completions through the OpenAI SDK. The SDK client is
// built on first use, once the API key is known, and reused for the
// lifetime of the process. A failed key lookup is retried on the next call.
type Client struct {
	cfg     Config
	getter  Getter
	reqOpts []option.RequestOption

	mu  sync.Mutex
	sdk *openai.Client
}

// NewClient creates a Client. Extra request options are applied after the
// ones derived from cfg, so tests can swap the HTTP client.
func NewClient(cfg Config, ps Getter, opts ...option.RequestOption) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.APIKey == "" {
		if ps == nil {
			return nil, errors.New("openai: paramstore getter must not be nil without an API key")
		}
		if cfg.ParamPrefix == "" {
			return nil, errors.New("openai: parameter prefix must not be empty without an API key")
		}
	}
	return &Client{cfg: cfg, getter: ps, reqOpts: opts}, nil
}

func (c *Client) client(ctx context.Context) (*openai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sdk != nil {
		return c.sdk, nil
	}

	key := c.cfg.APIKey
	if key == "" {
		var err error
		key, err = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
		if err != nil {
			return nil, err
		}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(max(c.cfg.MaxRetries, 0)),
	}
	if base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	if c.cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.cfg.Timeout))
	}
	sdk := openai.NewClient(append(opts, c.reqOpts...)...)
	c.sdk = &sdk
	return c.sdk, nil
}

func (c *Client) tokenParameterName() string {
	return c.cfg.ParamPrefix + tokenParameter
}

// Complete sends the ordered messages and returns the first choice's text.
// params.Model falls back to the configured model; a zero temperature or
// token budget leaves the provider default in place.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage, params domain.ModelParams) (string, error) {
	model := strings.TrimSpace(params.Model)
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	msgs, err := toMessageParams(messages)
	if err != nil {
		return "", err
	}

	sdk, err := c.client(ctx)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if params.Temperature > 0 {
		req.Temperature = openai.Float(params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}

	resp, err := sdk.Chat.Completions.New(ctx, req)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai: unexpected status %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func toMessageParams(messages []domain.ChatMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	if len(messages) == 0 {
		return nil, errors.New("openai: messages must not be empty")
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: message %d: unsupported role %q", i, m.Role)
		}
	}
	return out, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
