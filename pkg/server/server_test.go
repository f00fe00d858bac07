package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ted-keystonepartners/tevor/pkg/cache/memory"
	"github.com/ted-keystonepartners/tevor/pkg/chat"
	"github.com/ted-keystonepartners/tevor/pkg/config"
	"github.com/ted-keystonepartners/tevor/pkg/llm"
	"github.com/ted-keystonepartners/tevor/pkg/models"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

type stubCompleter struct {
	calls int
}

func (s *stubCompleter) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	s.calls++
	return llm.CompletionResult{Content: "석고보드 취부 후 퍼티 작업을 진행하세요.", Model: req.Model}, nil
}

type testEnv struct {
	srv       *Server
	store     *store.SQLiteStore
	cache     *memory.Cache
	completer *stubCompleter
}

func setupServer(t *testing.T, withCache bool) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "tevor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{store: st, completer: &stubCompleter{}}

	var chatOpts []chat.Option
	var srvOpts []Option
	if withCache {
		env.cache, err = memory.New(memory.DefaultCapacity, memory.DefaultTTL)
		require.NoError(t, err)
		chatOpts = append(chatOpts, chat.WithCache(env.cache))
		srvOpts = append(srvOpts, WithCache(env.cache))
	}

	svc := chat.New(st, env.completer, config.Default().Chat, chatOpts...)
	env.srv = New(":0", st, svc, srvOpts...)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) createProject(t *testing.T, id string) {
	t.Helper()
	_, err := e.store.CreateProject(context.Background(), models.Project{ProjectID: id, Name: "project " + id})
	require.NoError(t, err)
}

func TestChatMessage(t *testing.T) {
	env := setupServer(t, true)
	env.createProject(t, "p1")

	w := env.do(t, http.MethodPost, "/api/v2/chat/message", `{"project_id":"p1","message":"도배 전에 뭘 해야 하나요?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[models.Reply](t, w)
	assert.Equal(t, models.SourceLLM, first.Source)
	assert.False(t, first.FromCache)

	w = env.do(t, http.MethodPost, "/api/v2/chat/message", `{"project_id":"p1","message":"도배 전에 뭘 해야 하나요?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[models.Reply](t, w)
	assert.Equal(t, models.SourceCache, second.Source)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Response, second.Response)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, 1, env.completer.calls)

	w = env.do(t, http.MethodGet, "/api/projects/p1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[[]models.MessageRecord](t, w)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SourceLLM, msgs[0].Source)
	assert.Equal(t, models.SourceCache, msgs[1].Source)
}

func TestChatMessageErrors(t *testing.T) {
	env := setupServer(t, true)
	env.createProject(t, "p1")

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing project", `{"message":"hi"}`, http.StatusBadRequest},
		{"empty message", `{"project_id":"p1","message":"  "}`, http.StatusBadRequest},
		{"unknown project", `{"project_id":"nope","message":"hello"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v2/chat/message", tt.body)
			assert.Equal(t, tt.code, w.Code)

			var body struct {
				Error struct {
					Type string `json:"type"`
					Code int    `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "tevor_error", body.Error.Type)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestChatMessageMethodNotAllowed(t *testing.T) {
	env := setupServer(t, false)

	w := env.do(t, http.MethodGet, "/api/v2/chat/message", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestProjects(t *testing.T) {
	env := setupServer(t, false)

	w := env.do(t, http.MethodGet, "/api/projects", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/projects", `{"name":"한남동 빌라","project_type":"빌라","expected_spaces":["거실"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Project](t, w)
	assert.True(t, strings.HasPrefix(created.ProjectID, "proj_"))

	w = env.do(t, http.MethodGet, "/api/projects/"+created.ProjectID, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Project](t, w)
	assert.Equal(t, "한남동 빌라", got.Name)
	assert.Equal(t, []string{"거실"}, got.ExpectedSpaces)

	w = env.do(t, http.MethodGet, "/api/projects", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Project](t, w), 1)

	w = env.do(t, http.MethodPost, "/api/projects", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/projects/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/projects/missing/messages", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectMessagesLimit(t *testing.T) {
	env := setupServer(t, false)
	env.createProject(t, "p1")
	ctx := context.Background()

	for _, id := range []string{"msg_a", "msg_b", "msg_c"} {
		_, err := env.store.RecordMessage(ctx, models.MessageRecord{
			MessageID: id, ProjectID: "p1", UserMessage: "q", AIResponse: "a", CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodGet, "/api/projects/p1/messages?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[[]models.MessageRecord](t, w)
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg_b", msgs[0].MessageID)
	assert.Equal(t, "msg_c", msgs[1].MessageID)

	w = env.do(t, http.MethodGet, "/api/projects/p1/messages?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheStatsAndClear(t *testing.T) {
	env := setupServer(t, true)
	env.createProject(t, "p1")

	for _, msg := range []string{"방수 작업 순서", "방수 작업 순서", "전기 배선 점검 방법"} {
		w := env.do(t, http.MethodPost, "/api/v2/chat/message", `{"project_id":"p1","message":"`+msg+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(t, http.MethodGet, "/cache-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[CacheStatsResponse](t, w)
	assert.True(t, stats.Enabled)
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, memory.DefaultCapacity, stats.Capacity)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, int64(1800), stats.TTLSeconds)
	assert.Equal(t, []string{"전기 배선 점검 방법", "방수 작업 순서"}, stats.PopularQueries)

	w = env.do(t, http.MethodPost, "/cache/clear", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/cache-stats?limit=1", "")
	stats = decode[CacheStatsResponse](t, w)
	assert.Zero(t, stats.Size)
	assert.Zero(t, stats.Hits)
	assert.Empty(t, stats.PopularQueries)
}

func TestCacheDisabled(t *testing.T) {
	env := setupServer(t, false)

	w := env.do(t, http.MethodGet, "/cache-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[CacheStatsResponse](t, w)
	assert.False(t, stats.Enabled)

	w = env.do(t, http.MethodPost, "/cache/clear", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealth(t *testing.T) {
	env := setupServer(t, false)

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListenAndServeShutsDown(t *testing.T) {
	env := setupServer(t, false)
	env.srv.listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func readEvents(t *testing.T, w *httptest.ResponseRecorder) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	for _, line := range strings.Split(w.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var evt models.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &evt), data)
		events = append(events, evt)
	}
	return events
}

func TestChatStream(t *testing.T) {
	env := setupServer(t, true)
	env.createProject(t, "p1")

	w := env.do(t, http.MethodPost, "/api/v2/chat/stream", `{"project_id":"p1","message":"도배 전에 뭘 해야 하나요?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := readEvents(t, w)
	require.Len(t, events, 3)
	assert.Equal(t, models.StreamStart, events[0].Type)
	assert.Equal(t, models.SourceLLM, events[0].Source)
	assert.Equal(t, "석고보드 취부 후 퍼티 작업을 진행하세요.", events[1].Text)
	assert.Equal(t, models.StreamEnd, events[2].Type)
	assert.NotEmpty(t, events[2].MessageID)

	w = env.do(t, http.MethodGet, "/api/projects/p1/messages", "")
	msgs := decode[[]models.MessageRecord](t, w)
	require.Len(t, msgs, 1)
	assert.Equal(t, events[2].MessageID, msgs[0].MessageID)
	assert.Equal(t, 1, env.cache.Len())
}

func TestChatStreamErrors(t *testing.T) {
	env := setupServer(t, true)
	env.createProject(t, "p1")

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing project", `{"message":"hi"}`, http.StatusBadRequest},
		{"empty message", `{"project_id":"p1","message":"  "}`, http.StatusBadRequest},
		{"unknown project", `{"project_id":"nope","message":"도배 순서"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v2/chat/stream", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

type replyOnly struct{}

func (replyOnly) Reply(context.Context, string, string) (models.Reply, error) {
	return models.Reply{}, nil
}

func TestChatStreamUnsupported(t *testing.T) {
	env := setupServer(t, false)
	srv := New(":0", env.store, replyOnly{})

	req := httptest.NewRequest(http.MethodPost, "/api/v2/chat/stream", strings.NewReader(`{"project_id":"p1","message":"x"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestDeleteProject(t *testing.T) {
	env := setupServer(t, true)
	env.createProject(t, "p1")

	w := env.do(t, http.MethodPost, "/api/v2/chat/message", `{"project_id":"p1","message":"도배 전에 뭘 해야 하나요?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/projects/p1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["deleted"])
	assert.Equal(t, "p1", body["project_id"])

	w = env.do(t, http.MethodGet, "/api/projects/p1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/projects/p1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestBodyTooLarge(t *testing.T) {
	env := setupServer(t, true)
	env.createProject(t, "p1")
	huge := `{"project_id":"p1","message":"` + strings.Repeat("a", maxBodyBytes) + `"}`

	for _, path := range []string{"/api/v2/chat/message", "/api/v2/chat/stream", "/api/projects"} {
		w := env.do(t, http.MethodPost, path, huge)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, path)
	}
	assert.Zero(t, env.completer.calls)
}
