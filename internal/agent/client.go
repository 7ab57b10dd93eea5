// Package agent spawns and supervises the AI agent subprocess and exposes
// an RPC client over its stdin/stdout NDJSON stream.
package agent

import (
	"context"
	"encoding/json"
)

// PromptSource tags who authored a prompt.
type PromptSource string

const (
	PromptSourceUser   PromptSource = "user"
	PromptSourceSystem PromptSource = "system"
)

// Session update kinds carried on the stream.
const (
	UpdateMessageChunk   = "agent_message_chunk"
	UpdateToolCall       = "tool_call"
	UpdateToolCallUpdate = "tool_call_update"
)

// ContentBlock is one piece of prompt or response content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewSessionParams configures a fresh agent session.
type NewSessionParams struct {
	WorkDir string            `json:"workDir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// PromptInput is one prompt request against an open session.
type PromptInput struct {
	SessionID    string         `json:"sessionId"`
	Prompt       []ContentBlock `json:"prompt"`
	PromptSource PromptSource   `json:"promptSource"`
}

// PromptResult is the terminal response to a prompt.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// Update is one streamed record from the agent while a prompt runs.
// SessionUpdate is one of the Update* kinds above.
type Update struct {
	SessionID     string          `json:"sessionId,omitempty"`
	SessionUpdate string          `json:"sessionUpdate"`
	Content       string          `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Status        string          `json:"status,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// UsageReport is the agent's answer to a context-usage probe.
type UsageReport struct {
	UsedTokens int `json:"usedTokens"`
	MaxTokens  int `json:"maxTokens"`
}

// Client is the RPC surface the orchestrator talks to. Subscribe channels
// stay open across process restarts; they close only on Unsubscribe or
// manager shutdown.
type Client interface {
	NewSession(ctx context.Context, params NewSessionParams) (string, error)
	Prompt(ctx context.Context, in PromptInput) (*PromptResult, error)
	ContextUsage(ctx context.Context, sessionID string) (float64, error)
	Subscribe() chan Update
	Unsubscribe(ch chan Update)
}
