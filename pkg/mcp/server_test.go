package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ted-keystonepartners/tevor/pkg/cache/memory"
	"github.com/ted-keystonepartners/tevor/pkg/models"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

type fakeReplier struct {
	st store.Store
}

func (f *fakeReplier) Reply(ctx context.Context, projectID, message string) (models.Reply, error) {
	if _, err := f.st.GetProject(ctx, projectID); err != nil {
		return models.Reply{}, err
	}
	return models.Reply{
		MessageID: "msg_0000abcd",
		Response:  "답변: " + message,
		Source:    models.SourceCache,
		FromCache: true,
		CacheAge:  12,
	}, nil
}

func newTestServer(t *testing.T, cache CacheStatter) (*Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, &fakeReplier{st: st}, cache, "test", zerolog.Nop()), st
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name string, args any) ToolCallResult {
	t.Helper()
	rawArgs, _ := json.Marshal(args)
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: rawArgs})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(result.Content))
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	_ = json.Unmarshal(data, &result)

	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "tevor" || result.ServerInfo.Version != "test" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
}

func TestToolsList(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/list"})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	_ = json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Fatalf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var out bytes.Buffer
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7}}` + "\n")
	if err := srv.Run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %s", out.String())
	}
}

func TestParseErrorAndUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var out bytes.Buffer
	in := strings.NewReader("{not json\n" + `{"jsonrpc":"2.0","id":3,"method":"resources/list"}` + "\n")
	if err := srv.Run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %s", len(lines), out.String())
	}
	for i, want := range []int{CodeParseError, CodeMethodNotFound} {
		var resp Response
		if err := json.Unmarshal([]byte(lines[i]), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Error == nil || resp.Error.Code != want {
			t.Errorf("response %d: expected code %d, got %+v", i, want, resp.Error)
		}
	}
}

func TestAskTool(t *testing.T) {
	srv, st := newTestServer(t, nil)
	if _, err := st.CreateProject(context.Background(), models.Project{ProjectID: "p1", Name: "one"}); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, srv, "tevor_ask", askArgs{ProjectID: "p1", Message: "실리콘 마감"})
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Content[0].Text)
	}
	text := res.Content[0].Text
	for _, want := range []string{"답변: 실리콘 마감", "source: cache", "cached 12s ago", "msg_0000abcd"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in %q", want, text)
		}
	}

	res = callTool(t, srv, "tevor_ask", askArgs{ProjectID: "nope", Message: "x"})
	if !res.IsError || !strings.Contains(res.Content[0].Text, "Project not found") {
		t.Errorf("expected project not found error, got %+v", res)
	}

	res = callTool(t, srv, "tevor_ask", askArgs{ProjectID: "p1"})
	if !res.IsError {
		t.Error("expected error for missing message")
	}
}

func TestProjectsAndHistoryTools(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	res := callTool(t, srv, "tevor_projects", struct{}{})
	if res.Content[0].Text != "No projects found." {
		t.Errorf("unexpected empty listing: %q", res.Content[0].Text)
	}

	if _, err := st.CreateProject(ctx, models.Project{ProjectID: "p1", Name: "잠실", ProjectType: "아파트"}); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		_, err := st.RecordMessage(ctx, models.MessageRecord{
			MessageID: fmt.Sprintf("msg_%d", i), ProjectID: "p1",
			UserMessage: fmt.Sprintf("질문 %d", i), AIResponse: fmt.Sprintf("답 %d", i), Source: models.SourceLLM,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	res = callTool(t, srv, "tevor_projects", struct{}{})
	if !strings.Contains(res.Content[0].Text, "잠실") {
		t.Errorf("expected project in listing: %q", res.Content[0].Text)
	}

	res = callTool(t, srv, "tevor_history", historyArgs{ProjectID: "p1", Limit: 2})
	text := res.Content[0].Text
	if strings.Contains(text, "질문 0") || !strings.Contains(text, "질문 1") || !strings.Contains(text, "질문 2") {
		t.Errorf("expected last two messages, got %q", text)
	}
	if strings.Index(text, "질문 1") > strings.Index(text, "질문 2") {
		t.Error("expected oldest first")
	}

	res = callTool(t, srv, "tevor_history", historyArgs{ProjectID: "missing"})
	if !res.IsError {
		t.Error("expected error for unknown project")
	}
}

func TestCacheStatsTool(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	res := callTool(t, srv, "tevor_cache_stats", struct{}{})
	if res.Content[0].Text != "Response cache is disabled." {
		t.Errorf("unexpected text: %q", res.Content[0].Text)
	}

	cache, err := memory.New(3, memory.DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	cache.Set("몰딩 시공", map[string]any{"response": "a"}, nil)
	cache.Get("몰딩 시공", nil)
	cache.Get("완전히 다른 질문입니다", nil)

	srv, _ = newTestServer(t, cache)
	res = callTool(t, srv, "tevor_cache_stats", cacheStatsArgs{Limit: 5})
	text := res.Content[0].Text
	for _, want := range []string{"Entries:  1/3", "Hits:     1", "Misses:   1", "Hit Rate: 50.0%", "TTL:      30m0s", "1. 몰딩 시공"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in %q", want, text)
		}
	}
}

func TestUnknownTool(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	res := callTool(t, srv, "tevor_unknown", struct{}{})
	if !res.IsError {
		t.Error("expected error result for unknown tool")
	}
}
