package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIStreamChat_DeltasAndUsage(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"1","object":"chat.completion.chunk","model":"deepseek-chat","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","model":"deepseek-chat","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","model":"deepseek-chat","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"1","object":"chat.completion.chunk","model":"deepseek-chat","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "deepseek-chat", srv.Client())
	s, err := p.StreamChat(context.Background(), Request{
		Messages:    []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hi"}},
		Temperature: 0.7,
		TopP:        1,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	var text string
	for _, c := range chunks {
		text += c.Delta
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "stop", chunks[2].FinishReason)
	require.NotNil(t, chunks[3].Usage)
	assert.Equal(t, 2, chunks[3].Usage.CompletionTokens)
	assert.Equal(t, "deepseek-chat", chunks[0].Model)

	assert.Equal(t, true, body["stream"])
	assert.Equal(t, "deepseek-chat", body["model"])
	assert.EqualValues(t, 256, body["max_tokens"])
	opts, ok := body["stream_options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, opts["include_usage"])
}

func TestOpenAIStreamChat_ZeroTemperatureIsSent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s, err := NewOpenAIProvider(srv.URL, "k", "m", srv.Client()).StreamChat(context.Background(), Request{TopP: 1})
	require.NoError(t, err)
	_, _ = drain(t, s)
	require.NoError(t, s.Close())

	_, present := body["temperature"]
	assert.True(t, present)
}

func TestOpenAIStreamChat_ZeroTopPIsSent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s, err := NewOpenAIProvider(srv.URL, "k", "m", srv.Client()).StreamChat(context.Background(), Request{Temperature: 0.5, TopP: 0})
	require.NoError(t, err)
	_, _ = drain(t, s)
	require.NoError(t, s.Close())

	v, present := body["top_p"]
	require.True(t, present)
	assert.Less(t, v.(float64), 1e-6)
	assert.InDelta(t, 0.5, body["temperature"], 1e-6)
}

func TestOpenAIStreamChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key sk-secret","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "k", "m", srv.Client()).StreamChat(context.Background(), Request{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "openai", se.Provider)
}
