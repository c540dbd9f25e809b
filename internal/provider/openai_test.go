package provider

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

func TestConvertOpenAIMessages(t *testing.T) {
	got := convertOpenAIMessages("You are helpful.", []models.Turn{
		{Role: models.RoleUser, Content: "Hello!"},
		{
			Role:    models.RoleAssistant,
			Content: "Checking.",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"London"}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "Sunny"},
	})

	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 3 turns)", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "You are helpful." {
		t.Error("system prompt should be injected as the first message")
	}
	if got[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("message 1 role = %q, want user", got[1].Role)
	}

	asst := got[2]
	if asst.Role != openai.ChatMessageRoleAssistant {
		t.Errorf("message 2 role = %q, want assistant", asst.Role)
	}
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(asst.ToolCalls))
	}
	tc := asst.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != openai.ToolTypeFunction {
		t.Errorf("tool call = %s/%s", tc.ID, tc.Type)
	}
	if tc.Function.Name != "get_weather" || tc.Function.Arguments != `{"city":"London"}` {
		t.Errorf("function = %s(%s)", tc.Function.Name, tc.Function.Arguments)
	}

	result := got[3]
	if result.Role != openai.ChatMessageRoleTool {
		t.Errorf("message 3 role = %q, want tool", result.Role)
	}
	if result.ToolCallID != "call_1" || result.Content != "Sunny" {
		t.Errorf("tool result = %s/%s", result.ToolCallID, result.Content)
	}
}

func TestConvertOpenAIMessagesNoSystem(t *testing.T) {
	got := convertOpenAIMessages("", []models.Turn{
		{Role: models.RoleUser, Content: "hi"},
	})
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("role = %q, want user", got[0].Role)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	got := convertOpenAITools([]ToolSchema{
		{
			Name:        "get_weather",
			Description: "Current weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
		{
			Name:       "broken",
			Parameters: json.RawMessage(`not json`),
		},
	})
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].Type != openai.ToolTypeFunction || got[0].Function.Name != "get_weather" {
		t.Errorf("tool 0 = %s/%s", got[0].Type, got[0].Function.Name)
	}

	// Bad schema degrades to an empty object instead of sinking the batch.
	params, ok := got[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("broken tool parameters type = %T, want map", got[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("degraded schema type = %v, want object", params["type"])
	}
}

func TestConvertOpenAIResponse(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		Model: "gpt-4o",
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: "On it.",
					ToolCalls: []openai.ToolCall{
						{
							ID:   "call_9",
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      "search",
								Arguments: `{"query":"news"}`,
							},
						},
					},
				},
				FinishReason: openai.FinishReasonToolCalls,
			},
		},
		Usage: openai.Usage{PromptTokens: 30, CompletionTokens: 12},
	}

	got := convertOpenAIResponse(resp)

	if got.Text != "On it." {
		t.Errorf("Text = %q, want %q", got.Text, "On it.")
	}
	if got.StopReason != StopToolUse {
		t.Errorf("StopReason = %v, want %v", got.StopReason, StopToolUse)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "search" || string(tc.Input) != `{"query":"news"}` {
		t.Errorf("tool call = %s/%s/%s", tc.ID, tc.Name, tc.Input)
	}
	if got.Usage.InputTokens != 30 || got.Usage.OutputTokens != 12 {
		t.Errorf("usage = %+v, want 30/12", got.Usage)
	}
}

func TestConvertOpenAIFinish(t *testing.T) {
	tests := []struct {
		in   openai.FinishReason
		want StopReason
	}{
		{openai.FinishReasonStop, StopEndTurn},
		{openai.FinishReasonToolCalls, StopToolUse},
		{openai.FinishReasonLength, StopMaxTokens},
		{"", StopEndTurn},
	}

	for _, tt := range tests {
		if got := convertOpenAIFinish(tt.in); got != tt.want {
			t.Errorf("convertOpenAIFinish(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWrapOpenAIError(t *testing.T) {
	c := NewOpenAI(OpenAIOptions{APIKey: "test-key", Model: "gpt-4o"})

	apiErr := &openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
		Code:           "rate_limit_exceeded",
	}
	wrapped := c.wrapError(apiErr)
	perr, ok := AsError(wrapped)
	if !ok {
		t.Fatalf("expected *Error, got %T", wrapped)
	}
	if perr.Status != 429 {
		t.Errorf("Status = %d, want 429", perr.Status)
	}
	if perr.Reason != ReasonRateLimit {
		t.Errorf("Reason = %v, want %v", perr.Reason, ReasonRateLimit)
	}
	if perr.Code != "rate_limit_exceeded" {
		t.Errorf("Code = %q, want rate_limit_exceeded", perr.Code)
	}
	if perr.Message != "rate limit exceeded" {
		t.Errorf("Message = %q", perr.Message)
	}
}

func TestWrapOpenAIRequestError(t *testing.T) {
	c := NewOpenAI(OpenAIOptions{APIKey: "test-key", Model: "gpt-4o"})

	reqErr := &openai.RequestError{
		HTTPStatusCode: 503,
		Err:            errors.New("upstream unavailable"),
	}
	wrapped := c.wrapError(reqErr)
	perr, ok := AsError(wrapped)
	if !ok {
		t.Fatalf("expected *Error, got %T", wrapped)
	}
	if perr.Status != 503 {
		t.Errorf("Status = %d, want 503", perr.Status)
	}
	if perr.Reason != ReasonServerError {
		t.Errorf("Reason = %v, want %v", perr.Reason, ReasonServerError)
	}
}

func TestWrapOpenAIErrorNested(t *testing.T) {
	c := NewOpenAI(OpenAIOptions{APIKey: "test-key", Model: "gpt-4o"})

	inner := &openai.APIError{
		HTTPStatusCode: 400,
		Message:        "invalid model",
		Code:           "invalid_model",
	}
	reqErr := &openai.RequestError{HTTPStatusCode: 400, Err: inner}

	wrapped := c.wrapError(reqErr)
	perr, ok := AsError(wrapped)
	if !ok {
		t.Fatal("expected *Error")
	}
	if perr.Message != "invalid model" {
		t.Errorf("Message = %q, want inner message", perr.Message)
	}
	if perr.Code != "invalid_model" {
		t.Errorf("Code = %q, want invalid_model", perr.Code)
	}
	if perr.Status != 400 {
		t.Errorf("Status = %d, want 400", perr.Status)
	}
}

func TestWrapOpenAIPlainError(t *testing.T) {
	c := NewOpenAI(OpenAIOptions{APIKey: "test-key", Model: "gpt-4o"})

	wrapped := c.wrapError(errors.New("connection refused"))
	perr, ok := AsError(wrapped)
	if !ok {
		t.Fatal("expected *Error")
	}
	if perr.Reason != ReasonServerError {
		t.Errorf("Reason = %v, want %v from text classification", perr.Reason, ReasonServerError)
	}
	if perr.Status != 0 {
		t.Errorf("Status = %d, want 0", perr.Status)
	}
}
