// Package telegram connects the pipeline to the Telegram Bot API: a
// small JSON client over net/http, markdown-to-HTML rendering for
// replies, and a Bridge that long-polls for updates and delivers
// answers.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/botlab/internal/httpkit"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

const maxResponseBody = 4 << 20

// Client calls Bot API methods for one bot token.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets one suited to long
// polling: no overall timeout and no response header deadline, with
// each call bounded by its context instead.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 0
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
	}
}

// call POSTs a JSON body to a Bot API method and decodes its result.
func call[T any](ctx context.Context, c *Client, method string, body any) (T, error) {
	var zero T

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("encode %s: %w", method, err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, payload)
	if err != nil {
		return zero, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("telegram %s: %w", method, redact(err, c.token))
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	var out response[T]
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return zero, fmt.Errorf("telegram %s: http %d: decode: %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return zero, &APIError{Method: method, Code: out.ErrorCode, Description: out.Description}
	}
	return out.Result, nil
}

// redact removes the bot token from errors that quote the request URL.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	u, err := call[User](ctx, c, "getMe", nil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Ping checks the token against getMe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetMe(ctx)
	return err
}

// GetUpdates long-polls for updates at or after offset, waiting up to
// timeout for one to arrive.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	secs := int(timeout.Seconds())
	if secs < 0 {
		secs = 0
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	body := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		body["offset"] = offset
	}
	return call[[]Update](ctx, c, "getUpdates", body)
}

// SendMessage sends a message and returns it as delivered.
func (c *Client) SendMessage(ctx context.Context, p SendParams) (*Message, error) {
	m, err := call[Message](ctx, c, "sendMessage", p)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SendChatAction shows a chat action such as "typing" for about five
// seconds.
func (c *Client) SendChatAction(ctx context.Context, chatID, threadID int64, action string) error {
	_, err := call[bool](ctx, c, "sendChatAction", chatActionParams{ChatID: chatID, ThreadID: threadID, Action: action})
	return err
}

// SendReply sends text rendered as HTML, retrying as plain text when
// Telegram rejects the markup.
func (c *Client) SendReply(ctx context.Context, chatID, threadID, replyTo int64, text string) (*Message, error) {
	p := SendParams{
		ChatID:           chatID,
		ThreadID:         threadID,
		Text:             RenderHTML(text),
		ParseMode:        "HTML",
		ReplyToMessageID: replyTo,
		DisablePreview:   true,
	}
	m, err := c.SendMessage(ctx, p)
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		return m, err
	}

	c.logger.Debug("HTML reply rejected, sending plain text",
		"chat_id", chatID,
		"error", apiErr.Description)
	p.Text = text
	p.ParseMode = ""
	return c.SendMessage(ctx, p)
}

func topicKey(chatID, threadID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(threadID, 10)
}
