package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parleyhq/parley/pkg/models"
)

const (
	providerAnthropic     = "anthropic"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// AnthropicOptions configures the Anthropic Messages adapter.
type AnthropicOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// AnthropicClient generates turns via the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic builds an Anthropic-backed client.
func NewAnthropic(opts AnthropicOptions) *AnthropicClient {
	if opts.Model == "" {
		opts.Model = defaultAnthropicModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		opts:   opts,
	}
}

func (c *AnthropicClient) Name() string {
	return providerAnthropic
}

// Generate sends the conversation to the Messages API and normalizes
// the reply. Failures come back as a classified *Error.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	msg, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, c.wrapError(err)
	}
	return convertAnthropicResponse(msg), nil
}

func (c *AnthropicClient) buildParams(req *Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.opts.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicTurns(req.Turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params
}

func convertAnthropicTurns(turns []models.Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for i := 0; i < len(turns); i++ {
		turn := turns[i]
		switch turn.Role {
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case models.RoleAssistant:
			if len(turn.ToolCalls) == 0 {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
				continue
			}
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.ToolCalls)+1)
			if turn.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: tc.Input,
					},
				})
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			// Results for one batch of tool calls must travel in a
			// single user message.
			blocks := []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(turn.ToolCallID, turn.Content, turn.IsError),
			}
			for i+1 < len(turns) && turns[i+1].Role == models.RoleTool {
				i++
				next := turns[i]
				blocks = append(blocks, anthropic.NewToolResultBlock(next.ToolCallID, next.Content, next.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func convertAnthropicTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropicInputSchema(t.Parameters),
			},
		})
	}
	return out
}

func anthropicInputSchema(params json.RawMessage) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{Type: "object"}
	if len(params) == 0 {
		return schema
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return schema
	}
	if props, ok := m["properties"]; ok {
		schema.Properties = props
	}
	if rawReq, ok := m["required"].([]any); ok {
		required := make([]string, 0, len(rawReq))
		for _, r := range rawReq {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
		schema.Required = required
	}
	return schema
}

func convertAnthropicResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		Model:      string(msg.Model),
		StopReason: convertAnthropicStop(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += b.Text
		case anthropic.ToolUseBlock:
			input, err := b.Input.MarshalJSON()
			if err != nil {
				input = []byte("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		}
	}
	return resp
}

func convertAnthropicStop(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *AnthropicClient) wrapError(err error) error {
	perr := NewError(providerAnthropic, c.opts.Model, err)
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return perr
	}
	perr = perr.WithStatus(apiErr.StatusCode)
	if apiErr.RequestID != "" {
		perr = perr.WithRequestID(apiErr.RequestID)
	}
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Type != "" {
			perr = perr.WithCode(payload.Error.Type)
		}
		if payload.Error.Message != "" {
			perr = perr.WithMessage(payload.Error.Message)
		}
		if perr.RequestID == "" && payload.RequestID != "" {
			perr = perr.WithRequestID(payload.RequestID)
		}
	}
	return perr
}
