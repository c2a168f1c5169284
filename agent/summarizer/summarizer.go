// Package summarizer compresses the older part of a conversation into one
// bounded summary string via the summarizer model.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/finagent/finagent/agent/contract"
	"github.com/finagent/finagent/agent/llm"
	openrouterx "github.com/finagent/finagent/pkg/openrouter"
)

type Summarizer struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.Summarizer = (*Summarizer)(nil)

func New(ctx context.Context, builder openrouterx.LLMBuilder, systemPrompt string) (*Summarizer, error) {
	chatModel, err := builder.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("summarizer: build chat model: %w", err)
	}

	runner, err := llm.CompileMessageGraph(ctx, chatModel, systemPrompt, "summarizer")
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	return &Summarizer{runner: runner}, nil
}

type summaryPayload struct {
	Previous string     `json:"previous,omitempty"`
	Turns    []turnView `json:"turns"`
}

type turnView struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Summarize folds turns into previous. The caller decides what to do with a
// failure; this package only reports it.
func (s *Summarizer) Summarize(ctx context.Context, previous string, turns []contractx.ConversationTurn) (string, error) {
	if len(turns) == 0 {
		return previous, nil
	}

	payload := summaryPayload{
		Previous: previous,
		Turns:    make([]turnView, 0, len(turns)),
	}
	for _, turn := range turns {
		view := turnView{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
		if turn.ToolCall != nil {
			view.Tool = turn.ToolCall.Tool
			if turn.ToolCall.Result.OK() {
				view.Result = turn.ToolCall.Result.Result
			} else {
				view.Error = turn.ToolCall.Result.Error
			}
		}
		payload.Turns = append(payload.Turns, view)
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("summarizer: marshal payload: %w", err)
	}

	msg, err := s.runner.Invoke(ctx, map[string]any{"input": string(input)})
	if err != nil {
		return "", fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil {
		return "", fmt.Errorf("%w: nil model response", contractx.ErrModelInvoke)
	}

	summary := strings.TrimSpace(msg.Content)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", contractx.ErrModelInvoke)
	}
	return summary, nil
}
