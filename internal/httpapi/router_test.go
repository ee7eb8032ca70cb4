package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/ai/aitest"
	"github.com/suPer8Hu/gopherchat/internal/auth"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/config"
	"github.com/suPer8Hu/gopherchat/internal/db/dbtest"
	"github.com/suPer8Hu/gopherchat/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testSecret        = "test-secret"
	testUser   uint64 = 1
)

type testEnv struct {
	router *gin.Engine
	svc    *chat.Service
	prov   *aitest.Provider
	token  string
	conv   *chat.Conversation
}

func newTestEnv(t *testing.T, prov *aitest.Provider, heartbeat time.Duration) *testEnv {
	t.Helper()
	gdb := dbtest.Open(t)

	reg := ai.NewRegistry()
	reg.Register("fake", func(_ context.Context, _ string) (ai.Provider, error) { return prov, nil })
	svc := chat.NewService(chat.NewRepo(gdb), reg, chat.Options{})

	ctx := context.Background()
	require.NoError(t, svc.SyncModels(ctx, []chat.Model{{Name: "fake-model", Provider: "fake", IsActive: true}}))
	conv, err := svc.CreateConversation(ctx, testUser, chat.CreateConversationInput{})
	require.NoError(t, err)

	token, err := auth.SignJWT(testSecret, testUser, time.Hour)
	require.NoError(t, err)

	cfg := config.Config{JWTSecret: testSecret, StreamHeartbeat: heartbeat}
	return &testEnv{
		router: NewRouter(cfg, svc, logrus.NewEntry(logging.Discard())),
		svc:    svc,
		prov:   prov,
		token:  token,
		conv:   conv,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestSendStream_FramesAndCommit(t *testing.T) {
	e := newTestEnv(t, &aitest.Provider{Steps: aitest.Deltas("Hel", "lo")}, time.Hour)

	w := e.do(t, http.MethodPost, "/chat/send-stream", gin.H{"conversation_id": e.conv.ID, "content": "Hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t,
		"data: {\"content\":\"Hel\"}\n\ndata: {\"content\":\"lo\"}\n\ndata: [DONE]\n\n",
		w.Body.String())

	conv, msgs, err := e.svc.GetConversationWithMessages(context.Background(), testUser, e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)
	assert.Equal(t, "Hi", conv.Title)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
}

func TestSendStream_PreStreamErrors(t *testing.T) {
	e := newTestEnv(t, &aitest.Provider{}, time.Hour)

	cases := []struct {
		name   string
		body   any
		status int
		code   int
	}{
		{"empty content", gin.H{"conversation_id": e.conv.ID, "content": "  "}, http.StatusBadRequest, 40001},
		{"unknown conversation", gin.H{"conversation_id": "nope", "content": "hi"}, http.StatusNotFound, 40401},
		{"bad json", "not an object", http.StatusBadRequest, 10001},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/chat/send-stream", tc.body)
			assert.Equal(t, tc.status, w.Code)
			env := decodeEnvelope(t, w)
			assert.Equal(t, tc.code, env.Code)
			assert.NotEmpty(t, env.Message)
			assert.Equal(t, "null", string(env.Data))
		})
	}
}

func TestSendStream_UpstreamOpenFailureIs500(t *testing.T) {
	e := newTestEnv(t, &aitest.Provider{OpenErr: errors.New("dial tcp 10.0.0.1:443: connection refused")}, time.Hour)

	w := e.do(t, http.MethodPost, "/chat/send-stream", gin.H{"conversation_id": e.conv.ID, "content": "hi"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "AI response failed: upstream error", env.Message)
	assert.NotContains(t, w.Body.String(), "10.0.0.1")
}

func TestSendStream_MidStreamFailureIsInBand(t *testing.T) {
	prov := &aitest.Provider{Steps: []aitest.Step{{Delta: "par"}, {Err: &ai.StatusError{Provider: "fake", StatusCode: 502}}}}
	e := newTestEnv(t, prov, time.Hour)

	w := e.do(t, http.MethodPost, "/chat/send-stream", gin.H{"conversation_id": e.conv.ID, "content": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t,
		"data: {\"content\":\"par\"}\n\ndata: {\"error\":\"AI response failed: upstream returned status 502\"}\n\n",
		w.Body.String())
}

func TestSendStream_ConcurrentRequestIsConflict(t *testing.T) {
	gate := make(chan struct{})
	prov := &aitest.Provider{Steps: aitest.Deltas("ok"), Gate: gate}
	e := newTestEnv(t, prov, time.Hour)

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = e.do(t, http.MethodPost, "/chat/send-stream", gin.H{"conversation_id": e.conv.ID, "content": "one"})
	}()

	require.Eventually(t, func() bool { return len(prov.Requests()) == 1 }, 5*time.Second, 5*time.Millisecond)

	w := e.do(t, http.MethodPost, "/chat/send-stream", gin.H{"conversation_id": e.conv.ID, "content": "two"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40901, decodeEnvelope(t, w).Code)

	close(gate)
	wg.Wait()
	assert.True(t, strings.HasSuffix(first.Body.String(), "data: [DONE]\n\n"))
}

func TestSendStream_Heartbeat(t *testing.T) {
	prov := &aitest.Provider{Steps: []aitest.Step{{Delta: "slow", Delay: 80 * time.Millisecond}}}
	e := newTestEnv(t, prov, 10*time.Millisecond)

	w := e.do(t, http.MethodPost, "/chat/send-stream", gin.H{"conversation_id": e.conv.ID, "content": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, ": ping\n\n"), body)
	assert.True(t, strings.HasSuffix(body, "data: {\"content\":\"slow\"}\n\ndata: [DONE]\n\n"), body)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t, &aitest.Provider{}, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConversationEndpoints(t *testing.T) {
	e := newTestEnv(t, &aitest.Provider{Steps: aitest.Deltas("answer")}, time.Hour)

	w := e.do(t, http.MethodPost, "/conversations", gin.H{
		"title":  "Recipes",
		"config": gin.H{"temperature": 0.2, "seed": 7},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created struct {
		ID     string         `json:"id"`
		Title  string         `json:"title"`
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &created))
	assert.Equal(t, "Recipes", created.Title)
	assert.InDelta(t, 0.2, created.Config["temperature"], 1e-6)
	assert.Equal(t, float64(7), created.Config["seed"])

	// empty body uses defaults
	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w = e.do(t, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &list))
	assert.Len(t, list, 3)

	w = e.do(t, http.MethodPost, "/chat/send-stream", gin.H{"conversation_id": created.ID, "content": "pasta?"})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/conversations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		ID           string `json:"id"`
		MessageCount int    `json:"message_count"`
		Messages     []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &detail))
	assert.Equal(t, created.ID, detail.ID)
	assert.Equal(t, 2, detail.MessageCount)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "answer", detail.Messages[1].Content)

	w = e.do(t, http.MethodGet, "/conversations/"+created.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPut, "/conversations/"+created.ID, gin.H{"is_pinned": true, "title": "Pasta"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated struct {
		Title    string `json:"title"`
		IsPinned bool   `json:"is_pinned"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &updated))
	assert.Equal(t, "Pasta", updated.Title)
	assert.True(t, updated.IsPinned)

	w = e.do(t, http.MethodDelete, "/conversations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodGet, "/conversations/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActiveModels(t *testing.T) {
	e := newTestEnv(t, &aitest.Provider{}, time.Hour)
	w := e.do(t, http.MethodGet, "/models/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ms []struct {
		Name     string `json:"name"`
		IsActive bool   `json:"is_active"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &ms))
	require.Len(t, ms, 1)
	assert.Equal(t, "fake-model", ms[0].Name)
}

func TestNoRoute(t *testing.T) {
	e := newTestEnv(t, &aitest.Provider{}, time.Hour)
	w := e.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, decodeEnvelope(t, w).Code)
}
