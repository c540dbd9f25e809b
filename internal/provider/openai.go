package provider

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

const (
	providerOpenAI     = "openai"
	defaultOpenAIModel = "gpt-4o"
)

// OpenAIOptions configures the OpenAI chat-completions adapter.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// OpenAIClient generates turns via the OpenAI chat completions API.
// It also serves OpenAI-compatible endpoints when BaseURL points at one.
type OpenAIClient struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAI builds an OpenAI-backed client.
func NewOpenAI(opts OpenAIOptions) *OpenAIClient {
	if opts.Model == "" {
		opts.Model = defaultOpenAIModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
	}
}

func (c *OpenAIClient) Name() string {
	return providerOpenAI
}

// Generate sends the conversation to the chat completions API and
// normalizes the reply. Failures come back as a classified *Error.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(providerOpenAI, c.opts.Model, errors.New("empty response: no choices"))
	}
	return convertOpenAIResponse(&resp), nil
}

func (c *OpenAIClient) buildRequest(req *Request) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	out := openai.ChatCompletionRequest{
		Model:     c.opts.Model,
		Messages:  convertOpenAIMessages(req.System, req.Turns),
		MaxTokens: maxTokens,
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		out.Temperature = float32(temp)
	}
	if len(req.Tools) > 0 {
		out.Tools = convertOpenAITools(req.Tools)
	}
	return out
}

func convertOpenAIMessages(system string, turns []models.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range turns {
		switch turn.Role {
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.Content,
			})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Content,
			}
			if len(turn.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ToolCall, len(turn.ToolCalls))
				for i, tc := range turn.ToolCalls {
					msg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			out = append(out, msg)
		case models.RoleTool:
			// One message per result, linked by ToolCallID.
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    turn.Content,
				ToolCallID: turn.ToolCallID,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil || schemaMap == nil {
			// A bad schema degrades to an empty object so the other
			// tools keep working.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return out
}

func convertOpenAIResponse(resp *openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0]
	out := &Response{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		StopReason: convertOpenAIFinish(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func convertOpenAIFinish(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonToolCalls:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func (c *OpenAIClient) wrapError(err error) error {
	perr := NewError(providerOpenAI, c.opts.Model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		}
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		return perr
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr = perr.WithStatus(reqErr.HTTPStatusCode)
	}
	return perr
}
