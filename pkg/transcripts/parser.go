// Package transcripts parses raw Claude Code transcript JSONL into
// message and content block rows plus aggregate statistics. Parsing
// streams line by line and hands finished rows to the caller in bounded
// batches, so memory stays flat for arbitrarily large blobs; malformed
// lines are recorded and skipped, never fatal.
package transcripts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fuel-code/fuel-code/pkg/models"
)

const (
	// InlineResultLimit is the largest tool result kept inline on the
	// content block row. Anything larger goes through the BlobSink. Tool
	// inputs share the limit but are stubbed instead of offloaded.
	InlineResultLimit = 64 * 1024

	// initialPromptMax bounds the stored initial prompt, in runes.
	initialPromptMax = 500

	scanInitialBuf = 64 * 1024
	scanMaxLine    = 10 * 1024 * 1024

	// Flush thresholds. Message and block counts line up with the
	// store's insert chunk sizes; the byte cap keeps a run of text-heavy
	// lines from pinning the whole batch in memory.
	flushMessageBatch = 200
	flushBlockBatch   = 300
	flushByteLimit    = 4 * 1024 * 1024
)

// BlobSink uploads an oversized tool result and returns the object key
// to store in its place.
type BlobSink func(ctx context.Context, blockID string, text string) (string, error)

// FlushFunc receives parsed rows in bounded batches, in ordinal order.
// An error aborts the parse. Ownership of the slices passes to the
// callee.
type FlushFunc func(ctx context.Context, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) error

// LineError records a line that could not be parsed. Line numbers are
// 1-based positions in the raw stream.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) String() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Stats aggregates a parsed transcript. Field names line up with the
// session columns they are written to.
type Stats struct {
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	ToolUseCount          int
	TokensIn              int64
	TokensOut             int64
	CacheReadTokens       int64
	CacheWriteTokens      int64
	CostUSD               float64
	DurationMs            int64
	Model                 string
	InitialPrompt         string
}

// Result is the summary of one parse run. The rows themselves go
// through the FlushFunc as they are produced.
type Result struct {
	Stats Stats

	// BlockCount is the total number of content blocks flushed.
	BlockCount int

	// CompactSeq counts compact summary lines seen. Flushed messages
	// with CompactSequence below it were superseded by a compaction;
	// the caller marks them after the final batch.
	CompactSeq int

	// Summaries holds the text of summary lines, newest last.
	Summaries []string

	// LineErrors lists lines skipped as malformed.
	LineErrors []LineError
}

// Parser turns one raw transcript stream into flushed rows and a
// Result. A Parser is single use: create one per session run.
type Parser struct {
	sessionID string
	sink      BlobSink
	flush     FlushFunc

	res        *Result
	seen       map[string]bool
	compactSeq int
	emitted    int

	msgBuf   []*models.TranscriptMessage
	blockBuf []*models.ContentBlock
	bufBytes int

	firstTS     time.Time
	lastTS      time.Time
	modelCounts map[string]int
	modelOrder  []string
}

// NewParser builds a parser for one session. sink may be nil, in which
// case oversized tool results are truncated instead of offloaded.
func NewParser(sessionID string, sink BlobSink) *Parser {
	return &Parser{
		sessionID:   sessionID,
		sink:        sink,
		res:         &Result{},
		seen:        make(map[string]bool),
		modelCounts: make(map[string]int),
	}
}

// Parse consumes the stream to EOF, handing rows to flush in bounded
// batches. Only a read failure, a flush failure, or context cancellation
// is returned as an error; malformed lines end up in Result.LineErrors.
func (p *Parser) Parse(ctx context.Context, r io.Reader, flush FlushFunc) (*Result, error) {
	if flush == nil {
		return nil, errors.New("flush callback is required")
	}
	p.flush = flush

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxLine)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.parseLine(ctx, line, raw); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript stream: %w", err)
	}

	if err := p.flushBuffered(ctx); err != nil {
		return nil, err
	}
	p.finalize()
	return p.res, nil
}

func (p *Parser) parseLine(ctx context.Context, line int, raw []byte) error {
	var env lineEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.lineError(line, fmt.Errorf("invalid JSON: %w", err))
		return nil
	}

	switch env.Type {
	case lineTypeUser:
		return p.parseUser(ctx, line, &env)
	case lineTypeAssistant:
		return p.parseAssistant(ctx, line, &env)
	case lineTypeSummary:
		if env.Summary != "" {
			p.res.Summaries = append(p.res.Summaries, env.Summary)
		}
	case lineTypeSystem, lineTypeProgress, lineTypeFileHistorySnapshot, lineTypeQueueOperation:
		// Not message content.
	default:
		p.lineError(line, fmt.Errorf("unknown line type %q", env.Type))
	}
	return nil
}

func (p *Parser) parseUser(ctx context.Context, line int, env *lineEnvelope) error {
	if env.IsMeta {
		return nil
	}
	var msg userMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		p.lineError(line, fmt.Errorf("invalid user message: %w", err))
		return nil
	}

	m := p.newMessage(env, models.MessageTypeUser, line)

	rawBlocks, err := userBlocks(msg.Content)
	if err != nil {
		p.lineError(line, fmt.Errorf("invalid user content: %w", err))
		return nil
	}
	blocks := p.buildBlocks(ctx, line, m, rawBlocks)
	if len(blocks) == 0 {
		return nil
	}

	// A compact summary supersedes everything emitted before it. Earlier
	// rows may already be flushed, so the cut is recorded as a sequence
	// bump and applied by the caller after the final batch.
	if env.IsCompactSummary {
		p.compactSeq++
	}

	if err := p.emit(ctx, m, blocks); err != nil {
		return err
	}

	if p.res.Stats.InitialPrompt == "" {
		for _, b := range blocks {
			if b.BlockType == models.BlockText && b.ContentText != "" {
				p.res.Stats.InitialPrompt = truncateRunes(b.ContentText, initialPromptMax)
				break
			}
		}
	}
	return nil
}

func (p *Parser) parseAssistant(ctx context.Context, line int, env *lineEnvelope) error {
	var msg assistantMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		p.lineError(line, fmt.Errorf("invalid assistant message: %w", err))
		return nil
	}

	m := p.newMessage(env, models.MessageTypeAssistant, line)
	m.Model = msg.Model
	m.InputTokens = msg.Usage.InputTokens
	m.OutputTokens = msg.Usage.OutputTokens
	m.CacheReadTokens = msg.Usage.CacheReadInputTokens
	m.CacheWriteTokens = msg.Usage.CacheCreationInputTokens
	m.CostUSD = usageCost(msg.Model, msg.Usage)

	blocks := p.buildBlocks(ctx, line, m, msg.Content)
	if len(blocks) == 0 && msg.Usage.total() == 0 {
		return nil
	}

	if err := p.emit(ctx, m, blocks); err != nil {
		return err
	}

	if msg.Model != "" {
		if p.modelCounts[msg.Model] == 0 {
			p.modelOrder = append(p.modelOrder, msg.Model)
		}
		p.modelCounts[msg.Model]++
	}
	return nil
}

// emit assigns the ordinal, folds the message into the running stats,
// and flushes the buffer once it crosses a batch threshold.
func (p *Parser) emit(ctx context.Context, m *models.TranscriptMessage, blocks []*models.ContentBlock) error {
	p.emitted++
	m.Ordinal = p.emitted
	m.CompactSequence = p.compactSeq
	p.msgBuf = append(p.msgBuf, m)
	p.blockBuf = append(p.blockBuf, blocks...)
	for _, b := range blocks {
		p.bufBytes += len(b.ContentText) + len(b.ThinkingText) + len(b.ResultText) + len(b.ToolInput)
	}

	st := &p.res.Stats
	st.MessageCount++
	switch m.MessageType {
	case models.MessageTypeUser:
		st.UserMessageCount++
	case models.MessageTypeAssistant:
		st.AssistantMessageCount++
	}
	st.TokensIn += m.InputTokens
	st.TokensOut += m.OutputTokens
	st.CacheReadTokens += m.CacheReadTokens
	st.CacheWriteTokens += m.CacheWriteTokens
	st.CostUSD += m.CostUSD
	for _, b := range blocks {
		if b.BlockType == models.BlockToolUse {
			st.ToolUseCount++
		}
	}

	if !m.Timestamp.IsZero() {
		if p.firstTS.IsZero() || m.Timestamp.Before(p.firstTS) {
			p.firstTS = m.Timestamp
		}
		if m.Timestamp.After(p.lastTS) {
			p.lastTS = m.Timestamp
		}
	}

	if len(p.msgBuf) >= flushMessageBatch || len(p.blockBuf) >= flushBlockBatch || p.bufBytes >= flushByteLimit {
		return p.flushBuffered(ctx)
	}
	return nil
}

// flushBuffered hands the current batch to the caller and drops the
// parser's references to it.
func (p *Parser) flushBuffered(ctx context.Context) error {
	if len(p.msgBuf) == 0 {
		return nil
	}
	if err := p.flush(ctx, p.msgBuf, p.blockBuf); err != nil {
		return fmt.Errorf("failed to flush transcript rows: %w", err)
	}
	p.res.BlockCount += len(p.blockBuf)
	p.msgBuf = nil
	p.blockBuf = nil
	p.bufBytes = 0
	return nil
}

func (p *Parser) finalize() {
	st := &p.res.Stats
	if !p.firstTS.IsZero() && !p.lastTS.IsZero() {
		st.DurationMs = p.lastTS.Sub(p.firstTS).Milliseconds()
	}
	p.res.CompactSeq = p.compactSeq

	best := 0
	for _, model := range p.modelOrder {
		if n := p.modelCounts[model]; n > best {
			best = n
			st.Model = model
		}
	}
}

// newMessage builds the row shell shared by user and assistant lines.
// The line's uuid becomes the row id so reparses produce stable ids;
// duplicates within one stream fall back to a fresh id.
func (p *Parser) newMessage(env *lineEnvelope, msgType string, line int) *models.TranscriptMessage {
	id := env.UUID
	if id == "" || p.seen[id] {
		id = uuid.New().String()
	}
	p.seen[id] = true

	m := &models.TranscriptMessage{
		ID:          id,
		SessionID:   p.sessionID,
		LineNumber:  line,
		MessageType: msgType,
		Role:        msgType,
	}
	if env.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
			m.Timestamp = ts.UTC()
		}
	}
	return m
}

// userBlocks normalizes user content, which is either a bare string or
// an array of blocks.
func userBlocks(content json.RawMessage) ([]rawBlock, error) {
	if len(content) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []rawBlock{{Type: models.BlockText, Text: s}}, nil
	}
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// buildBlocks converts raw blocks into rows, offloading oversized tool
// results through the sink.
func (p *Parser) buildBlocks(ctx context.Context, line int, m *models.TranscriptMessage, raw []rawBlock) []*models.ContentBlock {
	var out []*models.ContentBlock
	for _, rb := range raw {
		b := &models.ContentBlock{
			ID:         uuid.New().String(),
			MessageID:  m.ID,
			SessionID:  p.sessionID,
			BlockOrder: len(out),
			BlockType:  rb.Type,
		}
		switch rb.Type {
		case models.BlockText:
			b.ContentText = rb.Text
			m.HasText = true
		case models.BlockThinking:
			b.ThinkingText = rb.Thinking
			m.HasThinking = true
		case models.BlockToolUse:
			b.ToolName = rb.Name
			b.ToolUseID = rb.ID
			b.ToolInput = boundedToolInput(rb.Input)
			m.HasToolUse = true
		case models.BlockToolResult:
			b.ToolUseID = rb.ToolUseID
			b.IsError = rb.IsError
			p.setResultText(ctx, line, b, toolResultText(rb.Content))
			m.HasToolResult = true
		case "image":
			// Image payloads are not persisted.
			continue
		default:
			p.lineError(line, fmt.Errorf("unknown content block type %q", rb.Type))
			continue
		}
		out = append(out, b)
	}
	return out
}

// boundedToolInput caps inline tool inputs. An oversized input is
// replaced by a stub recording its size, keeping the column valid JSON.
func boundedToolInput(in json.RawMessage) json.RawMessage {
	if len(in) <= InlineResultLimit {
		return in
	}
	return json.RawMessage(fmt.Sprintf(`{"truncated":true,"original_bytes":%d}`, len(in)))
}

// setResultText inlines small results and offloads large ones. When the
// sink is missing or fails, the text is truncated so the row still fits.
func (p *Parser) setResultText(ctx context.Context, line int, b *models.ContentBlock, text string) {
	if len(text) <= InlineResultLimit {
		b.ResultText = text
		return
	}
	if p.sink == nil {
		b.ResultText = truncateBytes(text, InlineResultLimit)
		return
	}
	key, err := p.sink(ctx, b.ID, text)
	if err != nil {
		p.lineError(line, fmt.Errorf("failed to offload tool result: %w", err))
		b.ResultText = truncateBytes(text, InlineResultLimit)
		return
	}
	b.ResultS3Key = key
}

func (p *Parser) lineError(line int, err error) {
	p.res.LineErrors = append(p.res.LineErrors, LineError{Line: line, Err: err})
}

// truncateRunes caps s at max runes.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// truncateBytes caps s at max bytes without splitting a rune.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
