// Package anthropic adapts the Anthropic Messages API to the model.Client
// contract, grounded on the teacher repo's features/model/anthropic adapter.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/brightfunnel/reachctl/internal/model"
)

// Client wraps the official Anthropic SDK client.
type Client struct {
	sdk   anthropic.Client
	model anthropic.Model
}

// New constructs a model.Client backed by the Anthropic Messages API.
// modelName selects the Claude model (e.g., "claude-sonnet-4-5"); apiKey is
// read from the environment by the SDK when empty.
func New(apiKey string, modelName anthropic.Model) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: modelName}
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case model.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens(req.MaxTokens)),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: t.InputSchema},
			},
		})
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic: complete: %w", err)
	}

	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			payload, _ := json.Marshal(variant.Input)
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:    variant.Name,
				Payload: payload,
				ID:      variant.ID,
			})
		}
	}
	return out, nil
}

func maxTokens(requested int) int {
	if requested <= 0 {
		return 4096
	}
	return requested
}
