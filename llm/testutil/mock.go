// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/convotest/llm"
)

// MockLLMClient is a thread-safe llm.Completer that returns canned
// responses in order.
//
// Usage:
//
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{
//	        {Content: `{"pass": true, "score": 0.9}`},
//	    },
//	}
//
//	// Error response
//	mock := &MockLLMClient{Err: errors.New("connection failed")}
type MockLLMClient struct {
	mu            sync.Mutex
	Responses     []*llm.Response // returned in sequence
	Err           error           // takes precedence over Responses
	requests      []llm.Request
	responseIndex int
}

// Complete implements llm.Completer. Once Responses is exhausted it returns
// an empty response.
func (m *MockLLMClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// GetCallCount returns the number of times Complete was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request, or the zero value.
func (m *MockLLMClient) LastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return llm.Request{}
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears recorded calls and rewinds Responses.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseIndex = 0
}
