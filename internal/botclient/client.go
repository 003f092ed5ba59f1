// Package botclient posts routed requests to the responder service.
package botclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"wabridge/internal/domain"
	"wabridge/internal/message"
)

const (
	defaultTimeout  = 60 * time.Second
	maxResponseBody = 20 << 20

	// FailureText is sent to the chat when the responder cannot be reached.
	FailureText = "could not contact bot."
)

var (
	// ErrTransport wraps network failures talking to the responder.
	ErrTransport = errors.New("responder unreachable")
	// ErrStatus wraps unexpected HTTP statuses and unreadable replies.
	ErrStatus = errors.New("responder returned an error")
)

// Config configures the responder client.
type Config struct {
	URL         string
	CallbackURL string
	Timeout     time.Duration
	Logger      *slog.Logger
	HTTPClient  *http.Client // optional
}

// Client talks to the responder over HTTP.
type Client struct {
	url         string
	callbackURL string
	http        *http.Client
	logger      *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:         cfg.URL,
		callbackURL: cfg.CallbackURL,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger,
	}
}

// Result is the outcome of one responder call.
type Result struct {
	RequestID string
	// Response is nil when the responder accepted the request without a
	// synchronous reply; it may still answer through the callback endpoint.
	Response *domain.BotResponse
	Latency  time.Duration
}

// Post sends req and waits for the responder's answer. A 200 reply is parsed
// as a BotResponse whose chat defaults to the request's chat; 202, 204 and
// an empty 200 body mean the reply will come later through the callback.
func (c *Client) Post(ctx context.Context, req domain.BotRequest) (*Result, error) {
	req.CallbackURL = c.callbackURL
	res := &Result{RequestID: uuid.NewString()}

	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Info("sending to bot", "request_id", res.RequestID, "chat", req.Chat.ID, "payload", message.Inspect(req))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", res.RequestID)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	res.Latency = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return res, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		c.logger.Info("bot accepted request, reply expected via callback", "request_id", res.RequestID, "status", resp.StatusCode)
		return res, nil
	default:
		return res, fmt.Errorf("%w: HTTP %d: %s", ErrStatus, resp.StatusCode, truncate(string(data), 200))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return res, nil
	}

	var reply domain.BotResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return res, fmt.Errorf("%w: decode reply: %v", ErrStatus, err)
	}
	if reply.Chat.ID == "" {
		reply.Chat.ID = req.Chat.ID
	}
	c.logger.Info("received back", "request_id", res.RequestID, "latency", res.Latency, "payload", message.Inspect(reply))
	res.Response = &reply
	return res, nil
}

// FailureResponse is the locally generated reply for a failed call.
func FailureResponse(chatID string) domain.BotResponse {
	return domain.BotResponse{Text: FailureText, Error: true, Chat: domain.Chat{ID: chatID}}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
