package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "refund.json", `{"keywords":["refund"],"reply":"Your refund is on its way."}`)
	writeFixture(t, dir, "default.json", `{"reply":"How can I help?"}`)

	topics, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	for _, tp := range topics {
		if len(tp.replies) != 1 {
			t.Errorf("topic %q: expected 1 reply, got %d", tp.name, len(tp.replies))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "refund.1.json", `{"keywords":["refund"],"reply":"Can I have your order number?"}`)
	writeFixture(t, dir, "refund.2.json", `{"reply":"Thanks, the refund was issued."}`)
	writeFixture(t, dir, "refund.json", `{"reply":"Anything else?"}`)

	topics, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(topics) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(topics))
	}

	tp := topics[0]
	if len(tp.replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(tp.replies))
	}
	if !strings.Contains(tp.replies[0], "order number") {
		t.Errorf("reply[0] should ask for the order number, got: %s", tp.replies[0])
	}
	if !strings.Contains(tp.replies[2], "Anything else") {
		t.Errorf("reply[2] should be the base reply, got: %s", tp.replies[2])
	}
	// keywords come from the numbered file when the base has none
	if len(tp.keywords) != 1 || tp.keywords[0] != "refund" {
		t.Errorf("expected keywords [refund], got %v", tp.keywords)
	}
}

func TestLoadFixtures_Errors(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}

	dir := t.TempDir()
	writeFixture(t, dir, "bad.json", `{"keywords":["x"]}`)
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for fixture without reply")
	}

	dir = t.TempDir()
	writeFixture(t, dir, "bad.json", `not json`)
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestChat_RoutingAndSequence(t *testing.T) {
	s := newTestServer([]topic{
		{name: "refund", keywords: []string{"refund"}, replies: []string{"first refund reply", "second refund reply"}},
		{name: "shipping", keywords: []string{"order", "ship"}, replies: []string{"It shipped yesterday."}},
		{name: defaultTopic, replies: []string{"How can I help?"}},
	})

	if got := doChat(t, s, "I want a REFUND"); got.Reply != "first refund reply" || got.Topic != "refund" {
		t.Errorf("call 1: got %+v", got)
	}
	if got := doChat(t, s, "refund please"); got.Reply != "second refund reply" {
		t.Errorf("call 2: got %+v", got)
	}
	// beyond the sequence the last reply repeats
	if got := doChat(t, s, "still no refund"); got.Reply != "second refund reply" {
		t.Errorf("call 3: got %+v", got)
	}
	if got := doChat(t, s, "Where is my order?"); got.Topic != "shipping" {
		t.Errorf("expected shipping topic, got %+v", got)
	}
	if got := doChat(t, s, "hello"); got.Topic != defaultTopic {
		t.Errorf("expected default topic, got %+v", got)
	}
}

func TestChat_NoMatch(t *testing.T) {
	s := newTestServer([]topic{{name: "refund", keywords: []string{"refund"}, replies: []string{"ok"}}})

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hello"}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCompletions(t *testing.T) {
	s := newTestServer([]topic{
		{name: "refund", keywords: []string{"refund"}, replies: []string{"The refund was issued."}},
	})

	body := `{"model": "mock-assistant", "messages": [
		{"role": "system", "content": "You are a support agent."},
		{"role": "user", "content": "Where is my refund?"}
	]}`
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body: %s", w.Code, w.Body.String())
	}

	var resp completionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "The refund was issued." {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" || resp.Model != "mock-assistant" {
		t.Errorf("unexpected envelope %+v", resp)
	}

	w = httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages": [{"role": "user", "content": "hello"}]}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a matching topic, got %d", w.Code)
	}
}

func TestStatsRequestsAndReset(t *testing.T) {
	s := newTestServer([]topic{
		{name: "refund", keywords: []string{"refund"}, replies: []string{"ok"}},
		{name: defaultTopic, replies: []string{"hi"}},
	})

	doChat(t, s, "refund")
	doChat(t, s, "refund again")
	doChat(t, s, "hello")

	var stats struct {
		TotalCalls   int64          `json:"total_calls"`
		CallsByTopic map[string]int `json:"calls_by_topic"`
	}
	getJSON(t, s, "/stats", &stats)
	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByTopic["refund"] != 2 {
		t.Errorf("refund calls: expected 2, got %d", stats.CallsByTopic["refund"])
	}

	var captured struct {
		RequestsByTopic map[string][]capturedRequest `json:"requests_by_topic"`
	}
	getJSON(t, s, "/requests?topic=refund&call=2", &captured)
	reqs := captured.RequestsByTopic["refund"]
	if len(reqs) != 1 || reqs[0].Message != "refund again" {
		t.Fatalf("expected second refund message, got %+v", reqs)
	}
	if reqs[0].Authorization != "Bearer test" {
		t.Errorf("expected captured authorization, got %q", reqs[0].Authorization)
	}
	if len(captured.RequestsByTopic) != 1 {
		t.Errorf("expected only refund topic, got %d topics", len(captured.RequestsByTopic))
	}

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reset", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("reset: expected 204, got %d", w.Code)
	}
	var cleared struct {
		TotalCalls   int64          `json:"total_calls"`
		CallsByTopic map[string]int `json:"calls_by_topic"`
	}
	getJSON(t, s, "/stats", &cleared)
	if cleared.TotalCalls != 0 || len(cleared.CallsByTopic) != 0 {
		t.Errorf("expected cleared stats, got %+v", cleared)
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		filename string
		wantBase string
		wantNum  string
		match    bool
	}{
		{"refund.1.json", "refund", "1", true},
		{"refund.10.json", "refund", "10", true},
		{"order-status.2.json", "order-status", "2", true},
		{"refund.json", "", "", false},
	}

	for _, tt := range tests {
		matches := numberedFileRe.FindStringSubmatch(tt.filename)
		if !tt.match {
			if matches != nil {
				t.Errorf("%s: expected no match, got %v", tt.filename, matches)
			}
			continue
		}
		if matches == nil {
			t.Errorf("%s: expected match, got nil", tt.filename)
			continue
		}
		if matches[1] != tt.wantBase || matches[2] != tt.wantNum {
			t.Errorf("%s: got base=%q num=%q", tt.filename, matches[1], matches[2])
		}
	}
}

// --- helpers ---

func newTestServer(topics []topic) *server {
	return newServer(topics, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doChat(t *testing.T, s *server, message string) chatResponse {
	t.Helper()
	body, _ := json.Marshal(chatRequest{Message: message})
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer test")
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("message %q: status %d, body: %s", message, w.Code, w.Body.String())
	}
	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, s *server, path string, v any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}
