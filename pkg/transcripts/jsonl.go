package transcripts

import "encoding/json"

// Line type discriminators found in raw transcript JSONL. Only user and
// assistant lines produce message rows; summary lines carry session
// metadata; the rest are skipped.
const (
	lineTypeUser                = "user"
	lineTypeAssistant           = "assistant"
	lineTypeSystem              = "system"
	lineTypeSummary             = "summary"
	lineTypeProgress            = "progress"
	lineTypeFileHistorySnapshot = "file-history-snapshot"
	lineTypeQueueOperation      = "queue-operation"
)

// lineEnvelope holds the fields shared across line types plus the
// discriminators needed to classify a line before decoding its message.
type lineEnvelope struct {
	Type             string          `json:"type"`
	UUID             string          `json:"uuid"`
	Timestamp        string          `json:"timestamp"`
	SessionID        string          `json:"sessionId"`
	ParentUUID       string          `json:"parentUuid"`
	Version          string          `json:"version"`
	Cwd              string          `json:"cwd"`
	GitBranch        string          `json:"gitBranch"`
	IsSidechain      bool            `json:"isSidechain"`
	IsMeta           bool            `json:"isMeta"`
	IsCompactSummary bool            `json:"isCompactSummary"`
	Message          json.RawMessage `json:"message"`

	// summary lines only
	Summary  string `json:"summary"`
	LeafUUID string `json:"leafUuid"`
}

// userMessage is the message body of a user line. Content is either a
// plain string or an array of content blocks.
type userMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// assistantMessage is the message body of an assistant line.
type assistantMessage struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Role    string     `json:"role"`
	Content []rawBlock `json:"content"`
	Usage   tokenUsage `json:"usage"`
}

type tokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (u tokenUsage) total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// rawBlock is the union of the content block shapes: text, thinking,
// tool_use, tool_result, image.
type rawBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result: Content is a plain string or an array of
	// {type:"text", text} items.
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// toolResultText flattens a tool_result content payload to plain text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var out string
	for _, item := range items {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}
