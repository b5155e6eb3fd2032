package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/convotest/interpolation"
)

func TestDecodeStep(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Step
	}{
		{
			name: "message defaults",
			raw:  `{"type":"message","content":"Hi ${var.name}"}`,
			want: MessageStep{Content: "Hi ${var.name}"},
		},
		{
			name: "type is case-insensitive",
			raw:  `{"type":"Message","role":"system","content":"ctx"}`,
			want: MessageStep{Role: "system", Content: "ctx"},
		},
		{
			name: "request with saveAs",
			raw:  `{"type":"request","id":"s1","requestId":"orders.get","input":{"id":"1"},"saveAs":"order"}`,
			want: RequestStep{ID: "s1", RequestID: "orders.get", Input: map[string]any{"id": "1"}, SaveAs: "order"},
		},
		{
			name: "legacy assign and inputMappings",
			raw:  `{"type":"request","requestId":"orders.get","input":{"a":"x"},"inputMappings":{"b":"y"},"assign":"order"}`,
			want: RequestStep{RequestID: "orders.get", Input: map[string]any{"b": "y"}, SaveAs: "order"},
		},
		{
			name: "assistant check",
			raw:  `{"type":"assistant_check","name":"c","rubric":"r","threshold":0.6,"scope":"transcript","severity":"info"}`,
			want: AssistantCheckStep{Name: "c", Rubric: "r", Threshold: floatp(0.6), Scope: "transcript", Severity: "info"},
		},
		{
			name: "extract",
			raw:  `{"type":"extract","id":"x","variableName":"ticket","description":"ticket id"}`,
			want: ExtractStep{ID: "x", VariableName: "ticket", Description: "ticket id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeStep(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeStep_Unknown(t *testing.T) {
	for _, raw := range []string{
		`{"type":"wait","ms":100}`,
		`{"type":"request"}`,
		`{"content":"no type"}`,
	} {
		got, err := DecodeStep(json.RawMessage(raw))
		require.NoError(t, err)
		unknown, ok := got.(UnknownStep)
		require.True(t, ok, raw)

		data, err := json.Marshal(unknown)
		require.NoError(t, err)
		assert.JSONEq(t, raw, string(data))
	}

	_, err := DecodeStep(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestStepMarshalAddsType(t *testing.T) {
	data, err := json.Marshal(Steps{
		MessageStep{Content: "hi"},
		RequestStep{RequestID: "r", SaveAs: "v"},
		ExtractStep{VariableName: "n", Description: "d"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"type":"message","content":"hi"},
		{"type":"request","requestId":"r","saveAs":"v"},
		{"type":"extract","variableName":"n","description":"d"}
	]`, string(data))

	var back Steps
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, KindRequest, back[1].Kind())
}

func TestTestDefinition_Decode(t *testing.T) {
	raw := `{
		"id": "t1",
		"script": "messages:\n  - role: user\n    content: Hello\n  - role: assistant\n    content: ignored\n",
		"steps": [{"type":"message","content":"Hi"}],
		"iterate": false,
		"minTurns": 0,
		"judgeConfig": {"rubric": "greets", "threshold": 0.5}
	}`
	var def TestDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))

	assert.Equal(t, []string{"Hello"}, def.Script.ByRole("user"))
	require.Len(t, def.Steps, 1)
	assert.Equal(t, MessageStep{Content: "Hi"}, def.Steps[0])
	assert.False(t, def.ShouldIterate())
	assert.Equal(t, DefaultMaxTurns, def.EffectiveMaxTurns())
	assert.Equal(t, 1, def.EffectiveMinTurns())

	rubric, threshold := def.SemanticRubric()
	assert.Equal(t, "greets", rubric)
	require.NotNil(t, threshold)
	assert.Equal(t, 0.5, *threshold)
}

func TestScript_ObjectForm(t *testing.T) {
	var s Script
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[{"role":"USER","content":"a"},{"role":"user","content":"b"}]}`), &s))
	assert.Equal(t, []string{"a", "b"}, s.ByRole("user"))

	assert.Error(t, json.Unmarshal([]byte(`"messages: [unclosed"`), &s))
}

func TestVariableBag_View(t *testing.T) {
	bag := NewVariableBag()
	bag.SetVar("user", map[string]any{"addresses": []any{map[string]any{"city": "NYC"}}})
	bag.SetStepOutput("s1", "out", map[string]any{"status": 201})
	bag.Append(TranscriptMessage{Role: "user", Content: "hi"}, TranscriptMessage{Role: "assistant", Content: "hello"})
	bag.SetLastTurn("hi", "hello")
	bag.SetLastRequest(map[string]any{"ok": true})

	view := bag.View()
	tests := []struct {
		path string
		want any
	}{
		{"var.user.addresses[0].city", "NYC"},
		{"steps.s1.output", "out"},
		{"steps.s1.status", 201},
		{"last.assistant", "hello"},
		{"last.request.ok", true},
		{"transcript[1].content", "hello"},
		{"lastUser", "hi"},
		{"lastAssistant", "hello"},
	}
	for _, tt := range tests {
		got, ok := interpolation.GetAtPath(view, tt.path)
		require.True(t, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}

	_, ok := interpolation.GetAtPath(view, "var.user.addresses[5]")
	assert.False(t, ok)
	_, ok = interpolation.GetAtPath(view, "unknown")
	assert.False(t, ok)

	assert.Equal(t, "Hello hi, NYC", interpolation.Expand("Hello ${lastUser}, ${var.user.addresses[0].city}", view))
}

func TestVariableBag_VarOrderAndCopy(t *testing.T) {
	bag := NewVariableBag()
	bag.SetVar("b", 1)
	bag.SetVar("a", 2)
	bag.SetVar("b", 3)

	data, err := json.Marshal(bag.vars)
	require.NoError(t, err)
	assert.Equal(t, `{"b":3,"a":2}`, string(data))

	bag.Append(TranscriptMessage{Role: "user", Content: "x"})
	tr := bag.Transcript()
	tr[0].Content = "changed"
	assert.Equal(t, "x", bag.Transcript()[0].Content)
}

func TestComputeLatency(t *testing.T) {
	stats := ComputeLatency([]int64{300, 100, 200, 1000})
	assert.Equal(t, []int64{300, 100, 200, 1000}, stats.PerTurnMs)
	assert.Equal(t, int64(400), *stats.AvgMs)
	assert.Equal(t, int64(200), *stats.P50Ms)
	assert.Equal(t, int64(300), *stats.P95Ms)
	assert.Equal(t, int64(1000), *stats.MaxMs)
	assert.Equal(t, "Assistant Response Time", stats.Label)

	single := ComputeLatency([]int64{7})
	assert.Equal(t, int64(7), *single.P95Ms)

	empty := ComputeLatency(nil)
	assert.Nil(t, empty.AvgMs)
	assert.Empty(t, empty.PerTurnMs)
}
