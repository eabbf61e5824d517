// Package summarize produces short natural-language summaries of parsed
// sessions. The digest builder assembles a bounded, redacted view of the
// transcript from persisted rows; the Anthropic summarizer turns it into
// a few sentences for the session list UI.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// systemPrompt steers the model toward terse, factual summaries.
const systemPrompt = `You summarize AI coding assistant sessions for an engineering dashboard.
Given a condensed transcript, write 2-4 plain sentences: what the user asked for,
what was done, and the outcome. No headings, no bullet points, no preamble.`

// Summarizer is the collaborator the transcript pipeline calls after a
// session is parsed.
type Summarizer interface {
	Summarize(ctx context.Context, digest string) (string, error)
}

// MessagesClient captures the subset of the Anthropic SDK used here. It
// is satisfied by *sdk.MessageService so tests can pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic summarizer.
type Options struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// AnthropicSummarizer implements Summarizer over the Messages API.
type AnthropicSummarizer struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropic builds a summarizer with its own SDK client.
func NewAnthropic(apiKey string, opts Options) (*AnthropicSummarizer, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// New builds a summarizer over an existing Messages client.
func New(msg MessagesClient, opts Options) (*AnthropicSummarizer, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("summary model is required")
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 512
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicSummarizer{
		msg:       msg,
		model:     opts.Model,
		maxTokens: maxTokens,
		timeout:   timeout,
	}, nil
}

// Summarize sends the digest and returns the concatenated text blocks of
// the response.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, digest string) (string, error) {
	if strings.TrimSpace(digest) == "" {
		return "", errors.New("digest is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: s.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(digest))},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", errors.New("summarizer returned no text")
	}
	return text, nil
}
