// Package bedrock implements llm.Completer on top of the AWS Bedrock
// Converse API.
package bedrock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/c360studio/convotest/llm"
)

const (
	// DefaultModelID is used when neither the config nor the environment
	// names a model.
	DefaultModelID = "anthropic.claude-3-haiku-20240307-v1:0"

	defaultRegion      = "us-east-1"
	defaultMaxTokens   = 1024
	defaultTemperature = 0.3

	// maxSystemChars bounds the joined system prompt.
	maxSystemChars = 4000
)

// ConverseAPI is the subset of the bedrockruntime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Config selects the region, credentials and model.
type Config struct {
	Region    string
	AccessKey string
	SecretKey string
	ModelID   string
	MaxTokens int
	// Temperature applies when a request does not set one.
	Temperature *float64
}

// Completer answers llm.Request values through Converse.
type Completer struct {
	api    ConverseAPI
	cfg    Config
	logger *slog.Logger
}

// Option configures a Completer.
type Option func(*Completer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Completer) { c.logger = l }
}

// WithAPI replaces the Converse client.
func WithAPI(api ConverseAPI) Option {
	return func(c *Completer) { c.api = api }
}

// New loads AWS configuration and builds a Completer. Static credentials
// are used when both keys are set, otherwise the default credential chain.
func New(ctx context.Context, cfg Config, opts ...Option) (*Completer, error) {
	c := newCompleter(cfg, opts...)
	if c.api != nil {
		return c, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c.api = bedrockruntime.NewFromConfig(awsCfg)
	return c, nil
}

// NewWithAPI builds a Completer over an existing Converse client.
func NewWithAPI(api ConverseAPI, cfg Config, opts ...Option) *Completer {
	return newCompleter(cfg, append(opts, WithAPI(api))...)
}

func newCompleter(cfg Config, opts ...Option) *Completer {
	if cfg.Region == "" {
		cfg.Region = firstNonEmpty(os.Getenv("AWS_REGION"), defaultRegion)
	}
	if cfg.ModelID == "" {
		cfg.ModelID = firstNonEmpty(os.Getenv("BEDROCK_CHAT_MODEL_ID"), os.Getenv("BEDROCK_MODEL_ID"), DefaultModelID)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	c := &Completer{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ModelID returns the model requests are sent to.
func (c *Completer) ModelID() string {
	return c.cfg.ModelID
}

// Complete implements llm.Completer.
func (c *Completer) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	input := c.buildInput(req)
	out, err := c.api.Converse(ctx, input)
	if err != nil {
		c.logger.Warn("Bedrock converse failed", "model", c.cfg.ModelID, "error", err)
		return nil, llm.NewTransientError(fmt.Errorf("bedrock converse: %w", err))
	}

	resp := &llm.Response{
		RequestID:    uuid.New().String(),
		Content:      outputText(out),
		Model:        c.cfg.ModelID,
		FinishReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.Usage = llm.TokenUsage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func (c *Completer) buildInput(req llm.Request) *bedrockruntime.ConverseInput {
	var systemParts []string
	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				systemParts = append(systemParts, m.Content)
			}
		case "user", "assistant":
			messages = append(messages, types.Message{
				Role: types.ConversationRole(m.Role),
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: m.Content},
				},
			})
		}
	}

	maxTokens := c.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := defaultTemperature
	if c.cfg.Temperature != nil {
		temperature = *c.cfg.Temperature
	}
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.cfg.ModelID),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(maxTokens)),
			Temperature: aws.Float32(float32(temperature)),
		},
	}
	if system := strings.Join(systemParts, "\n\n"); system != "" {
		if len(system) > maxSystemChars {
			system = system[:maxSystemChars]
		}
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	return input
}

func outputText(out *bedrockruntime.ConverseOutput) string {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
