// Package ai suggests sub-tasks for an academic task using the Anthropic
// messages API.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/bytedance/sonic"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

const systemPrompt = `You are an expert academic advisor AI. Your goal is to help students break down larger academic tasks into smaller, manageable sub-tasks.

Break the given task down into a list of clear, actionable sub-tasks or steps. Focus on the process a student would typically follow.

Respond with a JSON object of the shape {"subTasks": ["..."]} and nothing else.`

// ErrEmptyTitle reports a breakdown request without a task title.
var ErrEmptyTitle = errors.New("task title is missing")

type messageService interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// BreakdownInput names the task to split up.
type BreakdownInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// BreakdownResult carries the suggested sub-tasks.
type BreakdownResult struct {
	SubTasks []string `json:"subTasks"`
}

// BreakdownClient calls the model and parses its answer.
type BreakdownClient struct {
	msgs      messageService
	model     anthropicsdk.Model
	maxTokens int64
}

// Config holds the model connection settings.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// NewBreakdownClient builds a client against the Anthropic API.
func NewBreakdownClient(cfg Config) (*BreakdownClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ai: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropicsdk.NewClient(opts...)

	model := anthropicsdk.Model(cfg.Model)
	if cfg.Model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &BreakdownClient{msgs: &client.Messages, model: model, maxTokens: maxTokens}, nil
}

// Breakdown asks the model for sub-tasks. A model answer with no usable
// sub-tasks yields an empty list rather than an error.
func (c *BreakdownClient) Breakdown(ctx context.Context, in BreakdownInput) (BreakdownResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return BreakdownResult{}, ErrEmptyTitle
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Title: %s\n", in.Title)
	if in.Description != "" {
		fmt.Fprintf(&prompt, "Description: %s\n", in.Description)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropicsdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt.String())),
		},
	}

	msg, err := c.msgs.New(ctx, params)
	if err != nil {
		return BreakdownResult{}, fmt.Errorf("breakdown request failed: %w", err)
	}

	return parseBreakdown(textContent(msg))
}

func textContent(msg *anthropicsdk.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseBreakdown decodes the model's JSON answer. Code fences around the
// object are tolerated; blank entries are dropped.
func parseBreakdown(text string) (BreakdownResult, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return BreakdownResult{SubTasks: []string{}}, nil
	}

	var out BreakdownResult
	if err := sonic.UnmarshalString(text, &out); err != nil {
		return BreakdownResult{}, fmt.Errorf("unparsable breakdown answer: %w", err)
	}

	subTasks := make([]string, 0, len(out.SubTasks))
	for _, s := range out.SubTasks {
		if s = strings.TrimSpace(s); s != "" {
			subTasks = append(subTasks, s)
		}
	}
	return BreakdownResult{SubTasks: subTasks}, nil
}
