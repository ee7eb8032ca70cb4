// Package client talks to the chat server: plain REST calls plus the
// streaming send endpoint, and a Session that keeps a local view of the
// conversations a user is looking at.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/sse"
)

// APIError is a non-2xx answer carrying the server's JSON envelope.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d, code %d)", e.Message, e.Status, e.Code)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ConversationDetail is a conversation with its full message list.
type ConversationDetail struct {
	chat.Conversation
	Messages []chat.Message `json:"messages"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the server at baseURL. A nil httpClient means
// http.DefaultClient; streaming responses must not be cut by a client
// timeout, so callers should leave Timeout unset.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode/100 != 2 || env.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, in chat.CreateConversationInput) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*ConversationDetail, error) {
	var out ConversationDetail
	if err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateConversation(ctx context.Context, id string, in chat.UpdateConversationInput) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPut, "/conversations/"+id, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+id, nil, nil)
}

func (c *Client) ListActiveModels(ctx context.Context) ([]chat.Model, error) {
	var out []chat.Model
	if err := c.do(ctx, http.MethodGet, "/models/active", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamResponse is an open send-stream response.
type StreamResponse struct {
	*sse.Reader
	body io.ReadCloser
}

func (s *StreamResponse) Close() error { return s.body.Close() }

// OpenStream posts a message and returns the frame reader once the server
// has accepted it. Rejections before streaming starts come back as *APIError.
func (c *Client) OpenStream(ctx context.Context, in chat.SendRequest) (*StreamResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/send-stream", in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var env envelope
		if json.Unmarshal(raw, &env) != nil || env.Message == "" {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return &StreamResponse{Reader: sse.NewReader(resp.Body), body: resp.Body}, nil
}
