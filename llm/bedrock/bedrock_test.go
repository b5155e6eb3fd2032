package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/convotest/llm"
)

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func textOutput(parts ...string) *bedrockruntime.ConverseOutput {
	blocks := make([]types.ContentBlock, 0, len(parts))
	for _, p := range parts {
		blocks = append(blocks, &types.ContentBlockMemberText{Value: p})
	}
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{Role: types.ConversationRoleAssistant, Content: blocks},
		},
		StopReason: types.StopReasonEndTurn,
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(4),
			TotalTokens:  aws.Int32(16),
		},
	}
}

func TestComplete_BuildsConverseInput(t *testing.T) {
	fake := &fakeConverse{out: textOutput("Hello", " there")}
	c := NewWithAPI(fake, Config{ModelID: "anthropic.test", MaxTokens: 256})

	temp := 0.1
	resp, err := c.Complete(context.Background(), llm.Request{
		Capability: "chat",
		Messages: []llm.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "system", Content: "Persona: student"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "help"},
		},
		Temperature: &temp,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, "anthropic.test", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)

	in := fake.input
	require.NotNil(t, in)
	assert.Equal(t, "anthropic.test", aws.ToString(in.ModelId))
	require.Len(t, in.Messages, 3)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, in.Messages[1].Role)

	require.Len(t, in.System, 1)
	sys, ok := in.System[0].(*types.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "You are terse.\n\nPersona: student", sys.Value)

	assert.Equal(t, int32(256), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.1, aws.ToFloat32(in.InferenceConfig.Temperature), 0.0001)
}

func TestComplete_DefaultTemperature(t *testing.T) {
	fake := &fakeConverse{out: textOutput("ok")}
	c := NewWithAPI(fake, Config{ModelID: "m"})

	_, err := c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, aws.ToFloat32(fake.input.InferenceConfig.Temperature), 0.0001)
	assert.Equal(t, int32(1024), aws.ToInt32(fake.input.InferenceConfig.MaxTokens))
	assert.Empty(t, fake.input.System)
}

func TestComplete_ErrorIsTransient(t *testing.T) {
	fake := &fakeConverse{err: errors.New("throttled")}
	c := NewWithAPI(fake, Config{ModelID: "m"})

	_, err := c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "throttled")
}

func TestComplete_RequiresMessages(t *testing.T) {
	c := NewWithAPI(&fakeConverse{}, Config{ModelID: "m"})
	_, err := c.Complete(context.Background(), llm.Request{})
	assert.Error(t, err)
}

func TestModelIDFromEnvironment(t *testing.T) {
	t.Setenv("BEDROCK_CHAT_MODEL_ID", "")
	t.Setenv("BEDROCK_MODEL_ID", "env-model")
	c := NewWithAPI(&fakeConverse{}, Config{})
	assert.Equal(t, "env-model", c.ModelID())

	t.Setenv("BEDROCK_MODEL_ID", "")
	c = NewWithAPI(&fakeConverse{}, Config{})
	assert.Equal(t, DefaultModelID, c.ModelID())
}

func TestOutputText_NonMessageOutput(t *testing.T) {
	assert.Equal(t, "", outputText(&bedrockruntime.ConverseOutput{}))
}
