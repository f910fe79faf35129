// Package providers holds the minimal message and usage shapes shared
// between a model-invocation gateway and its callers. It intentionally
// does not implement any provider client: the subagent core only needs
// these shapes to read back usage/content from a finished run.
package providers

import "encoding/json"

// Message is one turn of a conversation, provider-agnostic.
type Message struct {
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	RawAPIMessage  json.RawMessage `json:"-"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UsageInfo reports token accounting for one model invocation.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the normalized result of one model call.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// ModelCost expresses per-million-token USD pricing, matching
// pkg/config/models.go's ModelInfo.InputCost/OutputCost fields.
type ModelCost struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// EstimateCostUSD computes the estimated dollar cost of a run from its
// token usage and a model's per-million-token pricing.
func EstimateCostUSD(usage UsageInfo, cost ModelCost) float64 {
	return (float64(usage.PromptTokens)*cost.InputPerMillion +
		float64(usage.CompletionTokens)*cost.OutputPerMillion) / 1_000_000
}
