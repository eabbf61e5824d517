package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// Multi-row insert chunk sizes, kept well under the 65535 bind
// parameter limit.
const (
	messageInsertChunk = 200
	blockInsertChunk   = 300
)

// ClearTranscript deletes a session's parsed messages; blocks cascade.
func (s *Store) ClearTranscript(ctx context.Context, q Querier, sessionID string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM transcript_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete previous transcript: %w", err)
	}
	return nil
}

// InsertTranscriptRows appends parsed rows in bind-parameter-safe
// chunks. The parser streams batches through here inside one
// transaction, after ClearTranscript, so a large transcript never has
// to be held in memory whole.
func (s *Store) InsertTranscriptRows(ctx context.Context, q Querier, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) error {
	for start := 0; start < len(msgs); start += messageInsertChunk {
		end := min(start+messageInsertChunk, len(msgs))
		if err := insertMessageChunk(ctx, q, msgs[start:end]); err != nil {
			return err
		}
	}
	for start := 0; start < len(blocks); start += blockInsertChunk {
		end := min(start+blockInsertChunk, len(blocks))
		if err := insertBlockChunk(ctx, q, blocks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTranscript swaps the parsed transcript rows for a session in
// one shot. Reparsing the same blob is idempotent. Callers run this
// inside WithTx together with ApplyTranscriptStats.
func (s *Store) ReplaceTranscript(ctx context.Context, q Querier, sessionID string, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) error {
	if err := s.ClearTranscript(ctx, q, sessionID); err != nil {
		return err
	}
	return s.InsertTranscriptRows(ctx, q, msgs, blocks)
}

// MarkCompactedMessages flags every message superseded by a compact
// summary: rows whose compact_sequence is below the latest sequence the
// parser saw. Runs after the final batch, in the same transaction.
func (s *Store) MarkCompactedMessages(ctx context.Context, q Querier, sessionID string, latestSeq int) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE transcript_messages SET is_compacted = TRUE
		WHERE session_id = $1 AND compact_sequence < $2`,
		sessionID, latestSeq); err != nil {
		return fmt.Errorf("failed to mark compacted messages: %w", err)
	}
	return nil
}

func insertMessageChunk(ctx context.Context, q Querier, msgs []*models.TranscriptMessage) error {
	const cols = 19
	var (
		sb   strings.Builder
		args = make([]any, 0, len(msgs)*cols)
	)
	sb.WriteString(`INSERT INTO transcript_messages (
		id, session_id, line_number, ordinal, message_type, role, model,
		input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		cost_usd, compact_sequence, is_compacted, has_text, has_thinking,
		has_tool_use, has_tool_result, "timestamp") VALUES `)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args,
			m.ID, m.SessionID, m.LineNumber, m.Ordinal, m.MessageType, m.Role, m.Model,
			m.InputTokens, m.OutputTokens, m.CacheReadTokens, m.CacheWriteTokens,
			m.CostUSD, m.CompactSequence, m.IsCompacted, m.HasText, m.HasThinking,
			m.HasToolUse, m.HasToolResult,
			sql.NullTime{Time: m.Timestamp, Valid: !m.Timestamp.IsZero()})
	}
	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert transcript messages: %w", err)
	}
	return nil
}

func insertBlockChunk(ctx context.Context, q Querier, blocks []*models.ContentBlock) error {
	const cols = 13
	var (
		sb   strings.Builder
		args = make([]any, 0, len(blocks)*cols)
	)
	sb.WriteString(`INSERT INTO content_blocks (
		id, message_id, session_id, block_order, block_type, content_text,
		thinking_text, tool_name, tool_use_id, tool_input, result_text,
		result_s3_key, is_error) VALUES `)
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		var toolInput []byte
		if len(b.ToolInput) > 0 {
			toolInput = []byte(b.ToolInput)
		}
		args = append(args,
			b.ID, b.MessageID, b.SessionID, b.BlockOrder, b.BlockType, b.ContentText,
			b.ThinkingText, b.ToolName, b.ToolUseID, toolInput, b.ResultText,
			b.ResultS3Key, b.IsError)
	}
	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert content blocks: %w", err)
	}
	return nil
}

func writePlaceholders(sb *strings.Builder, offset, n int) {
	sb.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, "$%d", offset+i+1)
	}
	sb.WriteByte(')')
}

// MessageWithBlocks is a transcript message with its content blocks in
// block order.
type MessageWithBlocks struct {
	models.TranscriptMessage
	Blocks []*models.ContentBlock `json:"blocks"`
}

// ListSessionMessages returns a page of parsed messages for a session in
// ordinal order, each with its content blocks. Limit defaults to 100 and
// is capped at 500.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit, offset int) ([]*MessageWithBlocks, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, line_number, ordinal, message_type, role, model,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		       cost_usd, compact_sequence, is_compacted, has_text, has_thinking,
		       has_tool_use, has_tool_result, "timestamp", created_at
		FROM transcript_messages
		WHERE session_id = $1
		ORDER BY ordinal ASC
		LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcript messages: %w", err)
	}
	defer rows.Close()

	var (
		out     []*MessageWithBlocks
		byID    = map[string]*MessageWithBlocks{}
		minOrd  = 0
		maxOrd  = 0
		scanned bool
	)
	for rows.Next() {
		var (
			m  models.TranscriptMessage
			ts sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.LineNumber, &m.Ordinal,
			&m.MessageType, &m.Role, &m.Model,
			&m.InputTokens, &m.OutputTokens, &m.CacheReadTokens, &m.CacheWriteTokens,
			&m.CostUSD, &m.CompactSequence, &m.IsCompacted, &m.HasText, &m.HasThinking,
			&m.HasToolUse, &m.HasToolResult, &ts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript message: %w", err)
		}
		if ts.Valid {
			m.Timestamp = ts.Time
		}
		if !scanned || m.Ordinal < minOrd {
			minOrd = m.Ordinal
		}
		if !scanned || m.Ordinal > maxOrd {
			maxOrd = m.Ordinal
		}
		scanned = true
		mb := &MessageWithBlocks{TranscriptMessage: m}
		byID[m.ID] = mb
		out = append(out, mb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	// Blocks for the page, bounded by the page's ordinal range instead of
	// an id list.
	blockRows, err := s.db.QueryContext(ctx, `
		SELECT cb.id, cb.message_id, cb.session_id, cb.block_order, cb.block_type,
		       cb.content_text, cb.thinking_text, cb.tool_name, cb.tool_use_id,
		       cb.tool_input, cb.result_text, cb.result_s3_key, cb.is_error
		FROM content_blocks cb
		JOIN transcript_messages tm ON tm.id = cb.message_id
		WHERE tm.session_id = $1 AND tm.ordinal BETWEEN $2 AND $3
		ORDER BY tm.ordinal ASC, cb.block_order ASC`,
		sessionID, minOrd, maxOrd)
	if err != nil {
		return nil, fmt.Errorf("failed to list content blocks: %w", err)
	}
	defer blockRows.Close()

	for blockRows.Next() {
		var (
			b         models.ContentBlock
			toolInput []byte
		)
		if err := blockRows.Scan(&b.ID, &b.MessageID, &b.SessionID, &b.BlockOrder,
			&b.BlockType, &b.ContentText, &b.ThinkingText, &b.ToolName, &b.ToolUseID,
			&toolInput, &b.ResultText, &b.ResultS3Key, &b.IsError); err != nil {
			return nil, fmt.Errorf("failed to scan content block: %w", err)
		}
		if len(toolInput) > 0 {
			b.ToolInput = toolInput
		}
		if m, ok := byID[b.MessageID]; ok {
			m.Blocks = append(m.Blocks, &b)
		}
	}
	return out, blockRows.Err()
}

// CountSessionMessages returns the number of parsed messages for a
// session.
func (s *Store) CountSessionMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transcript_messages WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count transcript messages: %w", err)
	}
	return n, nil
}
