package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cumulus/app/core/agent"
	"cumulus/app/core/approval"
	"cumulus/app/core/conversation"
	"cumulus/app/core/interaction/http/httpstate"
	"cumulus/app/core/queue"
	"cumulus/app/core/storage/db"
	"cumulus/app/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	broadcaster := approval.NewMemoryBroadcaster()
	approvals := approval.NewStore(database, broadcaster)
	waiter := approval.NewWaiter(broadcaster)
	t.Cleanup(waiter.Close)

	executor := agent.NewExecutor(agent.HeuristicPlanner{}, approvals, waiter, conversation.NewStore(database))

	jobs := queue.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	if err := jobs.Start(ctx, 2); err != nil {
		t.Fatalf("start queue failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = jobs.Stop(2 * time.Second)
	})

	return NewServer(0, httpstate.NewHub(64), executor, approvals, jobs)
}

func submitTask(t *testing.T, server *Server, body string) submitTaskResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/agent/tasks", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	server.handleTasks(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected submit status: %d body=%s", rr.Code, rr.Body.String())
	}
	var resp submitTaskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return resp
}

func TestSubmitTaskAndStream(t *testing.T) {
	server := newTestServer(t)

	resp := submitTask(t, server, `{"prompt":"read the notes.txt file","user_id":"u-1"}`)
	if resp.TaskID == "" {
		t.Fatal("missing task id")
	}
	if resp.StreamURL != "/api/agent/tasks/"+resp.TaskID+"/stream" {
		t.Fatalf("unexpected stream url: %s", resp.StreamURL)
	}

	streamReq := httptest.NewRequest(http.MethodGet, resp.StreamURL, nil)
	streamRR := httptest.NewRecorder()
	server.handleTasks(streamRR, streamReq)

	if streamRR.Code != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamRR.Code)
	}
	if got := streamRR.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("unexpected content type: %s", got)
	}

	var kinds []string
	scanner := bufio.NewScanner(streamRR.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev types.TaskEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode stream line %q: %v", line, err)
		}
		kinds = append(kinds, ev.Type)
	}
	if len(kinds) == 0 {
		t.Fatal("empty stream")
	}
	if kinds[0] != types.EventRouteDecision {
		t.Fatalf("stream must open with route_decision, got %s", kinds[0])
	}
	if kinds[len(kinds)-1] != types.EventDone {
		t.Fatalf("stream must end with done, got %s", kinds[len(kinds)-1])
	}

	// The registration is gone once the stream was drained.
	if server.hub.Len() != 0 {
		t.Fatalf("stream registration leaked: %d", server.hub.Len())
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	server := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing prompt", `{"user_id":"u-1"}`},
		{"missing user", `{"prompt":"read notes"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/agent/tasks", bytes.NewBufferString(tc.body))
		rr := httptest.NewRecorder()
		server.handleTasks(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/agent/tasks", nil)
	rr := httptest.NewRecorder()
	server.handleTasks(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on submit path, got %d", rr.Code)
	}
}

func TestStreamUnknownTask(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/agent/tasks/ghost/stream", nil)
	rr := httptest.NewRecorder()
	server.handleTasks(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestApprovalListAndResolve(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	rec := approval.Record{
		ID:         "ap-1",
		UserID:     "u-1",
		ToolName:   "delete_file",
		Args:       json.RawMessage(`{"target":"/docs/old.txt"}`),
		Reason:     "delete old.txt",
		TTLSeconds: 300,
	}
	if err := server.approvals.Put(ctx, rec); err != nil {
		t.Fatalf("put approval failed: %v", err)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/approvals", nil)
	listReq.Header.Set("X-User-ID", "u-1")
	listRR := httptest.NewRecorder()
	server.handleApprovals(listRR, listReq)
	if listRR.Code != http.StatusOK {
		t.Fatalf("unexpected list status: %d", listRR.Code)
	}
	var listResp approvalListResponse
	if err := json.Unmarshal(listRR.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listResp.Approvals) != 1 || listResp.Approvals[0].ID != "ap-1" {
		t.Fatalf("unexpected approvals: %+v", listResp.Approvals)
	}

	otherReq := httptest.NewRequest(http.MethodGet, "/api/approvals?user_id=u-2", nil)
	otherRR := httptest.NewRecorder()
	server.handleApprovals(otherRR, otherReq)
	var otherResp approvalListResponse
	if err := json.Unmarshal(otherRR.Body.Bytes(), &otherResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(otherResp.Approvals) != 0 {
		t.Fatalf("leaked another user's approvals: %+v", otherResp.Approvals)
	}

	resolveBody := `{"user_id":"u-1","approved":true,"modified_args":{"target":"/docs/archive.txt"}}`
	resolveReq := httptest.NewRequest(http.MethodPost, "/api/approvals/ap-1/resolve", bytes.NewBufferString(resolveBody))
	resolveRR := httptest.NewRecorder()
	server.handleApprovals(resolveRR, resolveReq)
	if resolveRR.Code != http.StatusOK {
		t.Fatalf("unexpected resolve status: %d body=%s", resolveRR.Code, resolveRR.Body.String())
	}
	var resolved approval.Record
	if err := json.Unmarshal(resolveRR.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode resolve response: %v", err)
	}
	if resolved.Status != approval.StatusApproved {
		t.Fatalf("expected approved record, got %s", resolved.Status)
	}

	// Second resolve is a not-found no-op.
	againReq := httptest.NewRequest(http.MethodPost, "/api/approvals/ap-1/resolve", bytes.NewBufferString(resolveBody))
	againRR := httptest.NewRecorder()
	server.handleApprovals(againRR, againReq)
	if againRR.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second resolve, got %d", againRR.Code)
	}
}

func TestResolveUnknownApproval(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/approvals/ghost/resolve",
		bytes.NewBufferString(`{"user_id":"u-1","approved":true}`))
	rr := httptest.NewRecorder()
	server.handleApprovals(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleStatusReturnsJSONSnapshot(t *testing.T) {
	server := newTestServer(t)
	server.startedUnix.Store(time.Now().Add(-5 * time.Second).Unix())
	server.hub.Open("t-1", "u-1")
	server.SetStatusProvider(func(context.Context) map[string]interface{} {
		return map[string]interface{}{"ok": true}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	server.handleStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rr.Code)
	}
	var payload statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if payload.ChannelID != "http" {
		t.Fatalf("unexpected channel id: %s", payload.ChannelID)
	}
	if len(payload.TaskStreams) != 1 {
		t.Fatalf("unexpected task streams: %+v", payload.TaskStreams)
	}
	if payload.UptimeSec <= 0 {
		t.Fatalf("expected positive uptime, got %d", payload.UptimeSec)
	}
	if ok, found := payload.Runtime["ok"].(bool); !found || !ok {
		t.Fatalf("unexpected runtime payload: %+v", payload.Runtime)
	}
}

func TestHandleStatusRejectsNonGet(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rr := httptest.NewRecorder()
	server.handleStatus(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for non-GET, got %d", rr.Code)
	}
}

func TestSetShutdownTimeout(t *testing.T) {
	server := newTestServer(t)
	if server.shutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected default shutdown timeout: %s", server.shutdownTimeout)
	}

	server.SetShutdownTimeout(12 * time.Second)
	if server.shutdownTimeout != 12*time.Second {
		t.Fatalf("unexpected shutdown timeout after set: %s", server.shutdownTimeout)
	}

	server.SetShutdownTimeout(0)
	if server.shutdownTimeout != 12*time.Second {
		t.Fatalf("zero timeout should be ignored, got: %s", server.shutdownTimeout)
	}
}

func TestApprovalTTLBounds(t *testing.T) {
	server := newTestServer(t)
	server.SetApprovalTTLBounds(60, 120)
	if server.defaultTTLSec != 60 || server.maxTTLSec != 120 {
		t.Fatalf("bounds not applied: default=%d max=%d", server.defaultTTLSec, server.maxTTLSec)
	}

	// A max below the default is ignored.
	server.SetApprovalTTLBounds(600, 120)
	if server.maxTTLSec != 120 {
		t.Fatalf("undersized max should be ignored, got %d", server.maxTTLSec)
	}
}

func TestParsePaths(t *testing.T) {
	if id, action, ok := parseTaskPath("/api/agent/tasks/t-1/stream"); !ok || id != "t-1" || action != "stream" {
		t.Fatalf("unexpected parse: %s %s %v", id, action, ok)
	}
	if _, _, ok := parseTaskPath("/api/agent/tasks/"); ok {
		t.Fatal("empty tail must not parse")
	}
	if _, _, ok := parseTaskPath("/api/agent/tasks/a/b/c"); ok {
		t.Fatal("deep path must not parse")
	}
	if id, action, ok := parseApprovalPath("/api/approvals/ap-1/resolve"); !ok || id != "ap-1" || action != "resolve" {
		t.Fatalf("unexpected parse: %s %s %v", id, action, ok)
	}
}
