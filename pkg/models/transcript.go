package models

import (
	"encoding/json"
	"time"
)

// Transcript message types persisted by the parser. Only user and
// assistant lines in the source JSONL produce message rows.
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// TranscriptMessage is one parsed user or assistant turn. Ordinal is
// strictly monotonic and contiguous per session, derived from line order
// in the transcript blob.
type TranscriptMessage struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	LineNumber       int       `json:"line_number"`
	Ordinal          int       `json:"ordinal"`
	MessageType      string    `json:"message_type"`
	Role             string    `json:"role"`
	Model            string    `json:"model,omitempty"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CompactSequence  int       `json:"compact_sequence"`
	IsCompacted      bool      `json:"is_compacted"`
	HasText          bool      `json:"has_text"`
	HasThinking      bool      `json:"has_thinking"`
	HasToolUse       bool      `json:"has_tool_use"`
	HasToolResult    bool      `json:"has_tool_result"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// ContentBlock is one semantic block inside a transcript message. Large
// tool results are offloaded to the object store and referenced by
// ResultS3Key; small ones stay inline in ResultText.
type ContentBlock struct {
	ID           string          `json:"id"`
	MessageID    string          `json:"message_id"`
	SessionID    string          `json:"session_id"`
	BlockOrder   int             `json:"block_order"`
	BlockType    string          `json:"block_type"`
	ContentText  string          `json:"content_text,omitempty"`
	ThinkingText string          `json:"thinking_text,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ResultText   string          `json:"result_text,omitempty"`
	ResultS3Key  string          `json:"result_s3_key,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
}
