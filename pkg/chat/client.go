package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client talks to the conversation backend: it opens generation streams and
// wraps the CRUD and side-call collaborators the engine depends on.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

var _ StreamOpener = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base:   base,
		http:   &http.Client{},
		logger: log.With().Str("component", "chat_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendBody struct {
	Text                  string   `json:"text"`
	RewriteMode           bool     `json:"rewrite_mode"`
	TempID                string   `json:"temp_id"`
	PluginDirective       string   `json:"plugin_directive,omitempty"`
	ExtraConfigurationIDs []string `json:"extra_configuration_ids,omitempty"`
}

type regenerateBody struct {
	ParentMessageID string `json:"parent_message_id"`
	RewriteMode     bool   `json:"rewrite_mode"`
}

// OpenSend starts a turn and returns the framed byte stream. Non-success
// responses become a *StreamError with category and optional retry hint.
func (c *Client) OpenSend(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/messages/stream", c.base, req.ConversationID)
	body := sendBody{
		Text:                  req.Text,
		RewriteMode:           req.RewriteMode,
		TempID:                req.TempID,
		PluginDirective:       req.PluginDirective,
		ExtraConfigurationIDs: req.ExtraConfigurationIDs,
	}
	return c.openStream(ctx, url, body)
}

// OpenRegenerate starts a regeneration stream for one message.
func (c *Client) OpenRegenerate(ctx context.Context, req RegenerateRequest) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/messages/%s/regenerate", c.base, req.ConversationID, req.MessageID)
	body := regenerateBody{ParentMessageID: req.ParentMessageID, RewriteMode: req.RewriteMode}
	return c.openStream(ctx, url, body)
}

func (c *Client) openStream(ctx context.Context, url string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal stream request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build stream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StreamError{Category: ErrorCategoryNetwork, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, streamErrorFromResponse(resp)
	}
	return resp.Body, nil
}

func streamErrorFromResponse(resp *http.Response) *StreamError {
	se := &StreamError{Category: ErrorCategoryServer}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	limited := io.LimitReader(resp.Body, 8*1024)
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if b, err := io.ReadAll(limited); err == nil {
		_ = json.Unmarshal(b, &payload)
	}
	se.Message = payload.Error
	if se.Message == "" {
		se.Message = payload.Message
	}
	if se.Message == "" {
		se.Message = resp.Status
	}
	return se
}

// MessagePage is one page of fetched history, oldest first.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

type wirePage struct {
	Messages []WireMessage `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// FetchMessages loads a page of messages older than the given id (all
// messages when before is empty). Transient failures are retried with
// exponential backoff; client errors are permanent.
func (c *Client) FetchMessages(ctx context.Context, convID, before string, limit int) (MessagePage, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/messages?limit=%d", c.base, convID, limit)
	if before != "" {
		url += "&before=" + before
	}

	var page wirePage
	op := func() error {
		return c.getJSON(ctx, url, &page)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return MessagePage{}, errors.Wrap(err, "fetch messages")
	}

	out := MessagePage{HasMore: page.HasMore, Messages: make([]Message, 0, len(page.Messages))}
	for i := range page.Messages {
		out.Messages = append(out.Messages, page.Messages[i].toMessage(convID))
	}
	return out, nil
}

// ConversationInfo is the cached conversation metadata.
type ConversationInfo struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	ModelConfigurationID string    `json:"model_configuration_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

func (c *Client) FetchConversation(ctx context.Context, convID string) (ConversationInfo, error) {
	var info ConversationInfo
	url := fmt.Sprintf("%s/api/conversations/%s", c.base, convID)
	if err := c.getJSON(ctx, url, &info); err != nil {
		return ConversationInfo{}, errors.Wrap(err, "fetch conversation")
	}
	return info, nil
}

// RenameConversation asks the side-call service to rename a conversation.
// Backends without the service configured answer 501; that is reported as
// ErrNotConfigured, which callers downgrade to a warning. Whether a rename
// is eligible (conversation not fresh, or a summary just ran) is the
// caller's policy; the client only carries the call.
func (c *Client) RenameConversation(ctx context.Context, convID, title string) error {
	url := fmt.Sprintf("%s/api/conversations/%s/rename", c.base, convID)
	return c.postSideCall(ctx, url, map[string]string{"title": title}, nil)
}

// SummarizeConversation asks the side-call service for a summary, with the
// same "not configured" softening as RenameConversation.
func (c *Client) SummarizeConversation(ctx context.Context, convID string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	url := fmt.Sprintf("%s/api/conversations/%s/summarize", c.base, convID)
	if err := c.postSideCall(ctx, url, nil, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

func (c *Client) postSideCall(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal side-call request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build side-call request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "side-call request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotImplemented {
		return ErrNotConfigured
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("side-call failed: %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode side-call response")
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "build request"))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errors.Wrap(err, "request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return errors.Errorf("server error: %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backoff.Permanent(errors.Errorf("request failed: %s", resp.Status))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(errors.Wrap(err, "decode response"))
	}
	return nil
}
