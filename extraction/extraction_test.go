package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/llm/testutil"
)

func TestHeuristic(t *testing.T) {
	tests := []struct {
		name        string
		description string
		text        string
		wantOK      bool
		wantValue   any
		wantReason  string
	}{
		{"order id", "the order ID", "Your order is ABC12345 and ships soon", true, "ABC12345", reasonIDMatch},
		{"numeric code", "confirmation code", "Code: 48213", true, "48213", reasonIDMatch},
		{"amount", "account balance", "Hello, your balance is $1,200.50 today", true, 1200.5, reasonAmtMatch},
		{"total", "order total", "Total due: 35", true, 35.0, reasonAmtMatch},
		{"date", "renewal date", "It renews on 2024-03-15.", true, "2024-03-15", reasonDateMatch},
		{"us date", "due date", "Pay by 3/15/2025 please", true, "3/15/2025", reasonDateMatch},
		{"no match", "the customer's mood", "They seem happy", false, nil, reasonNoMatch},
		{"amount without digits", "price", "It is free", false, nil, reasonNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Heuristic(tt.description, tt.text)
			assert.Equal(t, tt.wantOK, res.Success)
			assert.Equal(t, tt.wantValue, res.Value)
			assert.Equal(t, tt.wantReason, res.Reasoning)
			if !tt.wantOK {
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestExtract_NoContent(t *testing.T) {
	svc := New(nil)

	res := svc.Extract(context.Background(), Request{VariableName: "x", Description: "id", Scope: "last", LastAssistant: "  "})
	assert.False(t, res.Success)
	assert.Equal(t, ErrNoContent, res.Error)

	res = svc.Extract(context.Background(), Request{VariableName: "x", Description: "id", Scope: "transcript"})
	assert.Equal(t, ErrNoContent, res.Error)
}

func TestExtract_HeuristicWithoutModel(t *testing.T) {
	res := New(nil).Extract(context.Background(), Request{
		VariableName:  "ticket",
		Description:   "ticket number",
		LastAssistant: "Your ref is 884213.",
	})
	require.True(t, res.Success)
	assert.Equal(t, "884213", res.Value)
}

func TestExtract_WithModel(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```json\n{\"success\": true, \"value\": 42, \"reasoning\": \"stated balance\"}\n```"},
	}}
	svc := New(mock)

	res := svc.Extract(context.Background(), Request{
		VariableName: "balance",
		Description:  "the balance",
		Scope:        "transcript",
		Transcript: []llm.Message{
			{Role: "user", Content: "What is my balance?"},
			{Role: "assistant", Content: "It is 42 dollars."},
		},
	})
	require.True(t, res.Success)
	assert.Equal(t, 42.0, res.Value)
	assert.Equal(t, "stated balance", res.Reasoning)
	assert.Empty(t, res.Error)

	req := mock.LastRequest()
	assert.Equal(t, "extract", req.Capability)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.1, *req.Temperature)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(req.Messages[1].Content), &payload))
	assert.Equal(t, "balance", payload["variableName"])
	assert.Equal(t, "the balance", payload["extractionDescription"])
	assert.Equal(t, "transcript", payload["scope"])
	assert.Contains(t, payload["content"], "It is 42 dollars.")
}

func TestExtract_ModelFailures(t *testing.T) {
	tests := []struct {
		name      string
		mock      *testutil.MockLLMClient
		wantError string
	}{
		{"transport", &testutil.MockLLMClient{Err: errors.New("timeout")}, "extraction_error: timeout"},
		{"not json", &testutil.MockLLMClient{Responses: []*llm.Response{{Content: "no idea"}}}, ErrParseFailed},
		{"success not bool", &testutil.MockLLMClient{Responses: []*llm.Response{{Content: `{"success": "yes"}`}}}, ErrParseFailed},
		{"not found", &testutil.MockLLMClient{Responses: []*llm.Response{{Content: `{"success": false, "value": "junk", "reasoning": "absent"}`}}}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(tt.mock, WithTemperature(0.2)).Extract(context.Background(), Request{
				VariableName:  "v",
				Description:   "anything",
				LastAssistant: "some reply",
			})
			assert.False(t, res.Success)
			assert.Nil(t, res.Value)
			assert.Equal(t, tt.wantError, res.Error)
		})
	}
}
