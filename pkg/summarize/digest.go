package summarize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/store"
)

const (
	// digestMaxChars bounds the whole digest sent to the model.
	digestMaxChars = 24_000

	// textClipRunes bounds each text block inside the digest.
	textClipRunes = 400
)

// Credential shapes scrubbed before the transcript leaves the server.
var redactions = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
}

// BuildDigest flattens persisted transcript rows into the bounded,
// redacted text handed to the summarizer. Tool activity is reduced to
// name stubs; tool results and thinking are left out.
func BuildDigest(session *models.Session, msgs []*store.MessageWithBlocks) string {
	var b strings.Builder

	if session != nil {
		b.WriteString("Claude Code session")
		if session.GitBranch != "" {
			fmt.Fprintf(&b, " on branch %s", session.GitBranch)
		}
		if session.Model != "" {
			fmt.Fprintf(&b, " using %s", session.Model)
		}
		b.WriteString(".\n---\n")
	}

	for _, m := range msgs {
		line := renderMessage(m)
		if line == "" {
			continue
		}
		if b.Len()+len(line) > digestMaxChars {
			b.WriteString("[transcript truncated]\n")
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMessage(m *store.MessageWithBlocks) string {
	var parts []string
	for _, blk := range m.Blocks {
		switch blk.BlockType {
		case models.BlockText:
			if t := strings.TrimSpace(blk.ContentText); t != "" {
				parts = append(parts, clipRunes(redact(t), textClipRunes))
			}
		case models.BlockToolUse:
			if blk.ToolName != "" {
				parts = append(parts, fmt.Sprintf("[tool: %s]", blk.ToolName))
			}
		}
	}
	if len(parts) == 0 {
		return ""
	}

	role := "User"
	if m.MessageType == models.MessageTypeAssistant {
		role = "Assistant"
	}
	return fmt.Sprintf("%s: %s\n", role, strings.Join(parts, " "))
}

func redact(s string) string {
	for _, re := range redactions {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}

func clipRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
