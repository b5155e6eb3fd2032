// Package main implements a mock chat assistant for exercising convotest
// suites without a real assistant. It serves the http_chat contract
// (POST /chat with {"message", "transcript"} answered by {"reply"}) and an
// OpenAI-compatible /v1/chat/completions endpoint for the openai_chat
// channel, both from JSON fixture files.
//
// Usage:
//
//	mock-chat -fixtures /path/to/fixtures -port 8081
//
// Each fixture file names a topic ("refund.json" is topic "refund") and holds
// {"keywords": [...], "reply": "..."}. A message is routed to the first topic,
// in name order, with a keyword contained in the message (case-insensitive).
// Messages that match nothing go to the "default" topic, or get a 404 when
// there is none.
//
// Sequential fixtures: numbered files ("refund.1.json", "refund.2.json")
// answer the Nth message routed to that topic. The base file repeats once
// the numbered ones are exhausted, so a suite can script a multi-turn
// exchange on a single topic.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultTopic = "default"

// --- http_chat types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message    string        `json:"message"`
	Transcript []chatMessage `json:"transcript"`
	Persona    string        `json:"persona,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	Topic string `json:"topic"`
}

// --- OpenAI-compatible types ---

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// fixture is one scripted reply.
type fixture struct {
	Keywords []string `json:"keywords"`
	Reply    string   `json:"reply"`
}

// topic is the reply sequence for one fixture name.
type topic struct {
	name     string
	keywords []string
	replies  []string
}

// --- Server ---

// capturedRequest stores an incoming message for test verification.
type capturedRequest struct {
	Topic         string `json:"topic"`
	Message       string `json:"message"`
	TranscriptLen int    `json:"transcript_len"`
	Authorization string `json:"authorization,omitempty"`
	CallIndex     int    `json:"call_index"` // 1-indexed per-topic call number
	Timestamp     int64  `json:"timestamp"`
}

type server struct {
	topics []topic // sorted by name
	calls  atomic.Int64
	logger *slog.Logger

	mu            sync.Mutex
	topicCalls    map[string]int
	topicRequests map[string][]capturedRequest
}

func newServer(topics []topic, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].name < topics[j].name })
	return &server{
		topics:        topics,
		logger:        logger,
		topicCalls:    make(map[string]int),
		topicRequests: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture reply files")
	port := flag.Int("port", 8081, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if envDir := os.Getenv("MOCK_CHAT_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	topics, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded fixtures", "topics", len(topics), "dir", *fixtureDir)
	for _, t := range topics {
		logger.Info("Topic", "name", t.name, "keywords", t.keywords, "replies", len(t.replies))
	}

	s := newServer(topics, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("Mock chat server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	mux.HandleFunc("POST /reset", s.handleReset)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	name, reply, ok := s.answer(req.Message, len(req.Transcript), r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "no fixture matches message", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply, Topic: name})
}

// handleCompletions answers the last user message of an OpenAI-style
// request.
func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var message string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			message = req.Messages[i].Content
			break
		}
	}
	_, reply, ok := s.answer(message, max(0, len(req.Messages)-1), r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "no fixture matches message", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []completionChoice{{
			Message:      chatMessage{Role: "assistant", Content: reply},
			FinishReason: "stop",
		}},
		Usage: completionUsage{
			PromptTokens:     len(message) / 4,
			CompletionTokens: len(reply) / 4,
			TotalTokens:      (len(message) + len(reply)) / 4,
		},
	})
}

// answer routes message to a topic, records the call and returns the next
// reply in the topic's sequence.
func (s *server) answer(message string, transcriptLen int, authorization string) (string, string, bool) {
	callNum := s.calls.Add(1)
	t := s.route(message)
	if t == nil {
		s.logger.Warn("No topic matches message", "call", callNum, "message", message)
		return "", "", false
	}

	s.mu.Lock()
	callIndex := s.topicCalls[t.name]
	s.topicCalls[t.name]++
	s.topicRequests[t.name] = append(s.topicRequests[t.name], capturedRequest{
		Topic:         t.name,
		Message:       message,
		TranscriptLen: transcriptLen,
		Authorization: authorization,
		CallIndex:     callIndex + 1,
		Timestamp:     time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	s.logger.Debug("Replying", "call", callNum, "topic", t.name, "call_index", callIndex+1, "of", len(t.replies))
	return t.name, t.replies[min(callIndex, len(t.replies)-1)], true
}

// route returns the first topic with a keyword in message, falling back to
// the default topic.
func (s *server) route(message string) *topic {
	msg := strings.ToLower(message)
	var fallback *topic
	for i := range s.topics {
		t := &s.topics[i]
		if t.name == defaultTopic {
			fallback = t
		}
		for _, kw := range t.keywords {
			if kw != "" && strings.Contains(msg, strings.ToLower(kw)) {
				return t
			}
		}
	}
	return fallback
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byTopic := make(map[string]int, len(s.topicCalls))
	for name, n := range s.topicCalls {
		byTopic[name] = n
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_topic": byTopic,
	})
}

// handleRequests returns captured messages.
// Query params:
//   - topic: filter by topic name (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	topicFilter := r.URL.Query().Get("topic")
	callFilter, callErr := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for name, reqs := range s.topicRequests {
		if topicFilter != "" && name != topicFilter {
			continue
		}
		for _, req := range reqs {
			if callErr == nil && req.CallIndex != callFilter {
				continue
			}
			result[name] = append(result[name], req)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"requests_by_topic": result})
}

// handleReset clears counters so sequences restart between suite runs.
func (s *server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.topicCalls = make(map[string]int)
	s.topicRequests = make(map[string][]capturedRequest)
	s.mu.Unlock()
	s.calls.Store(0)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// numberedFileRe matches files like "refund.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads the fixture files in dir into topics. Numbered replies
// come first in numeric order, then the base reply. Keywords come from the
// base file, or from the first numbered file that has any.
func loadFixtures(dir string) ([]topic, error) {
	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var f fixture
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("invalid fixture %s: %w", path, err)
		}
		if strings.TrimSpace(f.Reply) == "" {
			return fmt.Errorf("fixture %s has no reply", path)
		}

		if m := numberedFileRe.FindStringSubmatch(d.Name()); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]fixture)
			}
			numbered[m[1]][idx] = f
			return nil
		}
		base[strings.TrimSuffix(d.Name(), ".json")] = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for n := range base {
		names[n] = true
	}
	for n := range numbered {
		names[n] = true
	}

	var topics []topic
	for name := range names {
		t := topic{name: name}
		if seq, ok := numbered[name]; ok {
			indices := make([]int, 0, len(seq))
			for idx := range seq {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				f := seq[idx]
				t.replies = append(t.replies, f.Reply)
				if t.keywords == nil {
					t.keywords = f.Keywords
				}
			}
		}
		if f, ok := base[name]; ok {
			t.replies = append(t.replies, f.Reply)
			if len(f.Keywords) > 0 {
				t.keywords = f.Keywords
			}
		}
		topics = append(topics, t)
	}

	if len(topics) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return topics, nil
}
