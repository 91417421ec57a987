package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/botlab/internal/httpkit"
)

const (
	anthropicDefaultURL     = "https://api.anthropic.com"
	anthropicDefaultVersion = "2023-06-01"
	anthropicPingModel      = "claude-3-5-haiku-latest"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// uses the public API endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicDefaultURL
	}
	// Long prompts can take a while before headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: anthropicDefaultVersion,
		logger:     logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Streams are bounded by ctx, not a client timeout.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// SetAPIVersion overrides the anthropic-version header, as declared by
// an agent definition's service element.
func (c *AnthropicClient) SetAPIVersion(v string) {
	if v != "" {
		c.apiVersion = v
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string             `json:"type"`
	Delta   *anthropicDelta    `json:"delta,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Chat sends a non-streaming completion request.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a completion request, streaming tokens to callback
// when it is non-nil.
func (c *AnthropicClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil
	start := time.Now()

	msgs, system := convertToAnthropic(req.System, req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temp := req.Temperature

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"temperature", temp,
		"stream", stream,
		"system_len", len(system),
	)

	body := anthropicRequest{
		Model:       req.Model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: &temp,
		Stream:      stream,
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out *ChatResponse
	if stream {
		out, err = c.handleStreaming(ctx, resp.Body, callback)
	} else {
		out, err = c.handleNonStreaming(ctx, resp.Body)
	}
	if err != nil {
		return nil, err
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}
	return resp, nil
}

// Ping sends a one-token request to verify the key and endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	one := 0.0
	resp, err := c.post(ctx, anthropicRequest{
		Model:       anthropicPingModel,
		Messages:    []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens:   1,
		Temperature: &one,
	})
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

func (c *AnthropicClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertFromAnthropic(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"stop_reason", result.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Content)

	return result, nil
}

func (c *AnthropicClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		content    strings.Builder
		stopReason string
		usage      anthropicUsage
		model      string
	)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE: "event: <type>" lines are redundant with the JSON type.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				model = event.Message.Model
				usage = event.Message.Usage
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				content.WriteString(event.Delta.Text)
				if callback != nil {
					callback(event.Delta.Text)
				}
			}
		case "message_delta":
			if event.Delta != nil {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("anthropic stream error %s: %s", event.Error.Type, event.Error.Message)
			}
			return nil, fmt.Errorf("anthropic stream error")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	resp := &ChatResponse{
		Model:        model,
		Content:      content.String(),
		StopReason:   stopReason,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Content),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Content)

	return resp, nil
}

// convertToAnthropic folds system-role messages into the system prompt,
// since the Messages API takes it as a top-level field.
func convertToAnthropic(system string, messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	if strings.TrimSpace(system) != "" {
		systemParts = append(systemParts, system)
	}

	var result []anthropicMessage
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "assistant", "user":
			result = append(result, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return result, strings.Join(systemParts, "\n\n")
}

func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		Model:        resp.Model,
		Content:      content.String(),
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
