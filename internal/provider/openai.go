package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/xiaot623/chatrelay/internal/domain"
)

// OpenAI drives the Assistants v2 API. Threads and messages go through the
// go-openai client; runs are streamed over SSE directly since the client
// library does not expose run streaming.
type OpenAI struct {
	client      *openai.Client
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	assistantID string
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	AssistantID string
	HTTPClient  *http.Client
}

// NewOpenAI creates an assistants provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.HTTPClient == nil {
		// No client timeout: runs stream for as long as the provider keeps them open.
		cfg.HTTPClient = &http.Client{}
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	clientCfg.HTTPClient = cfg.HTTPClient

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		httpClient:  cfg.HTTPClient,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		assistantID: cfg.AssistantID,
	}
}

var _ Provider = (*OpenAI)(nil)

// CreateThread creates an empty provider thread.
func (o *OpenAI) CreateThread(ctx context.Context) (string, error) {
	thread, err := o.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", domain.ProviderError("create_thread", errors.Wrap(err, "create thread"))
	}
	return thread.ID, nil
}

// AddMessage appends a user turn to the thread.
func (o *OpenAI) AddMessage(ctx context.Context, threadID, text string) error {
	_, err := o.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	if err != nil {
		return domain.ProviderError("create_message", errors.Wrapf(err, "add message to thread %s", threadID))
	}
	return nil
}

// StreamRun starts a run of the configured assistant and streams its events.
func (o *OpenAI) StreamRun(ctx context.Context, threadID string) (EventStream, error) {
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	return o.stream(ctx, path, map[string]any{
		"assistant_id": o.assistantID,
		"stream":       true,
	})
}

// SubmitToolOutputs resumes a run that requires action.
func (o *OpenAI) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (EventStream, error) {
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	return o.stream(ctx, path, map[string]any{
		"tool_outputs": outputs,
		"stream":       true,
	})
}

func (o *OpenAI) stream(ctx context.Context, path string, payload any) (EventStream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, domain.ProviderError("transport", errors.Wrap(err, "open run stream"))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.ProviderError("http_status", errors.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	return &sseStream{reader: newSSEReader(resp.Body)}, nil
}
