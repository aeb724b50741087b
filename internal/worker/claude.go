package worker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/gafferd/gaffer/pkg/models"
)

const claudeSystemPrompt = `You are a task executor in a coordinated worker fleet.
Execute exactly the subtask described. Produce the deliverable itself, not a
plan or commentary. If acceptance criteria are listed, your output must
satisfy every one of them.`

// ClaudeConfig contains configuration for creating a Claude-backed runner.
type ClaudeConfig struct {
	// Model is a model alias ("sonnet", "haiku", "opus") or a full model name.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock instead of the direct API.
	UseBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens caps the response size. Zero uses a sensible default.
	MaxTokens int64
}

// ClaudeRunner executes subtasks by prompting Claude. Each Run is a single
// text-in/text-out exchange; the response body becomes the output payload.
type ClaudeRunner struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClaudeRunner creates a Claude-backed runner.
func NewClaudeRunner(cfg ClaudeConfig) (*ClaudeRunner, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := resolveModel(cfg.Model)
	if cfg.UseBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &ClaudeRunner{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Model returns the configured model name.
func (r *ClaudeRunner) Model() anthropic.Model {
	return r.model
}

// Run prompts Claude with the subtask and returns the text response as the
// output payload.
func (r *ClaudeRunner) Run(ctx context.Context, st *models.Subtask) (*Result, error) {
	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: claudeSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(st))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude call: %w", err)
	}

	var payload strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			payload.WriteString(variant.Text)
		}
	}

	if payload.Len() == 0 {
		return nil, NewExecError(models.SeverityLow, "claude returned an empty response")
	}

	return &Result{Payload: payload.String()}, nil
}

// buildPrompt renders the subtask into the user message.
func buildPrompt(st *models.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subtask %s", st.ID)
	if st.Description != "" {
		fmt.Fprintf(&b, ": %s", st.Description)
	}
	b.WriteString("\n")
	if len(st.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range st.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

// resolveModel maps config aliases to model identifiers. Unrecognized
// values pass through as-is so full model names keep working.
func resolveModel(alias string) anthropic.Model {
	switch strings.ToLower(strings.TrimSpace(alias)) {
	case "", "sonnet":
		return anthropic.ModelClaudeSonnet4_20250514
	case "haiku":
		return anthropic.ModelClaude3_5Haiku20241022
	case "opus":
		return anthropic.ModelClaudeOpus4_1_20250805
	default:
		return anthropic.Model(alias)
	}
}

// translateModelForBedrock converts standard model names to Bedrock
// cross-region inference profile format: us.anthropic.{model}-v1:0.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:  "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:  "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219: "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}

	// Not in the map: assume it is already Bedrock format or a custom model.
	return model
}
