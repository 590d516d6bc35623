package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"restaurant-agent/internal/domain"
)

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func() // optional; called on each GetParameter invocation
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

const completionBody = `{
	"id": "chatcmpl-123",
	"object": "chat.completion",
	"created": 1670000000,
	"model": "gpt-mock",
	"choices": [{
		"index": 0,
		"finish_reason": "stop",
		"message": {"role": "assistant", "content": "Which size would you like?"}
	}]
}`

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		ParamPrefix: "/restaurant-agent",
		Model:       "gpt-mock",
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		testConfig(srv.URL+"/v1"),
		&fakeGetter{val: `{"token":"sk-test"}`},
		option.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func testMessages() []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "You are a restaurant assistant."},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "Hello!"},
		{Role: domain.RoleUser, Content: "I want a pizza"},
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_NilGetter(t *testing.T) {
	_, err := NewClient(Config{ParamPrefix: "/restaurant-agent"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestNewClient_EmptyPrefix(t *testing.T) {
	_, err := NewClient(Config{ParamPrefix: " / "}, &fakeGetter{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "prefix")
}

func TestNewClient_StaticKeyNeedsNoGetter(t *testing.T) {
	c, err := NewClient(Config{APIKey: " sk-local "}, nil)
	require.NoError(t, err)
	require.Equal(t, "sk-local", c.cfg.APIKey)
}

func TestConfig_ModelParams(t *testing.T) {
	cfg := Config{Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 600}
	require.Equal(t, domain.ModelParams{Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 600}, cfg.ModelParams())
}

// ---------------------------------------------------------------------------
// fetchAPIKeyFromParamStore
// ---------------------------------------------------------------------------

func TestFetchAPIKey_JSONToken(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-json"}`}
	key, err := fetchAPIKeyFromParamStore(context.Background(), g, "/restaurant-agent/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", key)
}

func TestFetchAPIKey_Errors(t *testing.T) {
	cases := []struct {
		name   string
		getter Getter
		param  string
		want   string
	}{
		{"missing token field", &fakeGetter{val: `{"other":"value"}`}, "/p/open-ai-token", "API token is empty"},
		{"malformed json", &fakeGetter{val: `{"broken`}, "/p/open-ai-token", "unmarshal"},
		{"getter error", &fakeGetter{err: errors.New("ssm unavailable")}, "/p/open-ai-token", "ssm unavailable"},
		{"nil getter", nil, "/p/open-ai-token", "nil"},
		{"empty name", &fakeGetter{val: `{"token":"x"}`}, " ", "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fetchAPIKeyFromParamStore(context.Background(), tc.getter, tc.param)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

// ---------------------------------------------------------------------------
// Client.Complete
// ---------------------------------------------------------------------------

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model               string  `json:"model"`
			Temperature         float64 `json:"temperature"`
			MaxCompletionTokens int     `json:"max_completion_tokens"`
			Messages            []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o-mini", body.Model)
		require.InDelta(t, 0.3, body.Temperature, 1e-9)
		require.Equal(t, 400, body.MaxCompletionTokens)
		require.Len(t, body.Messages, 4)
		require.Equal(t, "system", body.Messages[0].Role)
		require.Equal(t, "assistant", body.Messages[2].Role)
		require.Equal(t, "I want a pizza", body.Messages[3].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), testMessages(), domain.ModelParams{Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 400})
	require.NoError(t, err)
	require.Equal(t, "Which size would you like?", resp)
}

func TestClient_Complete_FallsBackToConfiguredModel(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		model, _ = body["model"].(string)
		_, hasTemp := body["temperature"]
		require.False(t, hasTemp, "zero temperature must be omitted")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), testMessages(), domain.ModelParams{})
	require.NoError(t, err)
	require.Equal(t, "gpt-mock", model)
}

func TestClient_Complete_KeyFetchedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	calls := 0
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	g.onCall = func() { calls++ }
	c, err := NewClient(testConfig(srv.URL+"/v1"), g)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), testMessages(), domain.ModelParams{})
		require.NoError(t, err)
	}
	require.Equal(t, 1, calls, "SSM must only be called once per process lifetime")
}

func TestClient_Complete_KeyLookupRetriedAfterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	g := &fakeGetter{err: errors.New("temporary ssm failure")}
	c, err := NewClient(testConfig(srv.URL+"/v1"), g)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testMessages(), domain.ModelParams{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "temporary ssm failure")

	g.err = nil
	g.val = `{"token":"sk-test"}`
	resp, err := c.Complete(context.Background(), testMessages(), domain.ModelParams{})
	require.NoError(t, err)
	require.Equal(t, "Which size would you like?", resp)
}

func TestClient_Complete_StatusErrors(t *testing.T) {
	for _, status := range []int{400, 429, 500} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream failure","type":"server_error"}}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.Complete(context.Background(), testMessages(), domain.ModelParams{})
			require.Error(t, err)
			require.Contains(t, err.Error(), "unexpected status")
			require.Contains(t, err.Error(), strconv.Itoa(status))
		})
	}
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"gpt-mock","choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), testMessages(), domain.ModelParams{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_Complete_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, testMessages(), domain.ModelParams{})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Complete_InvalidInput(t *testing.T) {
	c, err := NewClient(Config{APIKey: "sk"}, nil)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testMessages(), domain.ModelParams{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")

	c.cfg.Model = "gpt-mock"
	_, err = c.Complete(context.Background(), nil, domain.ModelParams{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "messages")

	_, err = c.Complete(context.Background(), []domain.ChatMessage{{Role: "tool", Content: "x"}}, domain.ModelParams{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported role")
}
