// Package decider turns the current conversation into the loop's next action
// by prompting the planning model and parsing its tagged JSON reply.
package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	contractx "github.com/finagent/finagent/agent/contract"
	"github.com/finagent/finagent/agent/llm"
	openrouterx "github.com/finagent/finagent/pkg/openrouter"
)

type Decider struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.Decider = (*Decider)(nil)

// New compiles the decide graph once; Decide only invokes it.
func New(ctx context.Context, builder openrouterx.LLMBuilder, systemPrompt string) (*Decider, error) {
	chatModel, err := builder.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("decider: build chat model: %w", err)
	}

	runner, err := llm.CompileMessageGraph(ctx, chatModel, systemPrompt, "decider")
	if err != nil {
		return nil, fmt.Errorf("decider: %w", err)
	}
	return &Decider{runner: runner}, nil
}

// decisionPayload is the model-facing view of a DecisionRequest. Turns are
// flattened so the model never sees internal ids or timestamps.
type decisionPayload struct {
	Query   string                      `json:"query"`
	Summary string                      `json:"summary,omitempty"`
	Turns   []turnView                  `json:"turns"`
	Tools   []contractx.ToolDescriptor  `json:"tools"`
	Now     string                      `json:"now"`
}

type turnView struct {
	Role     string          `json:"role"`
	Content  string          `json:"content,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	ToolArgs map[string]any  `json:"tool_args,omitempty"`
	Result   any             `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Passages []passageView   `json:"passages,omitempty"`
	Marker   string          `json:"marker,omitempty"`
}

type passageView struct {
	DocID string  `json:"doc_id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// decisionOutput mirrors the JSON contract in the decider prompt.
type decisionOutput struct {
	Action string         `json:"action"`
	Query  string         `json:"query"`
	TopK   int            `json:"top_k"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Answer string         `json:"answer"`
}

func (d *Decider) Decide(ctx context.Context, req contractx.DecisionRequest) (contractx.Decision, error) {
	input, err := json.Marshal(buildPayload(req))
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("decider: marshal request: %w", err)
	}

	msg, err := d.runner.Invoke(ctx, map[string]any{"input": string(input)})
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return contractx.Decision{}, fmt.Errorf("%w: empty model response", contractx.ErrDecisionParse)
	}

	decision, err := ParseDecision(msg.Content)
	if err != nil {
		log.Debug().Str("raw", msg.Content).Msg("decider: unparseable model output")
		return contractx.Decision{}, err
	}
	return decision, nil
}

func buildPayload(req contractx.DecisionRequest) decisionPayload {
	payload := decisionPayload{
		Query:   req.Query,
		Summary: req.Summary,
		Turns:   make([]turnView, 0, len(req.Turns)),
		Tools:   req.Tools,
		Now:     req.Now.UTC().Format(time.RFC3339),
	}
	for _, turn := range req.Turns {
		view := turnView{
			Role:    string(turn.Role),
			Content: turn.Content,
			Marker:  turn.Marker,
		}
		if turn.ToolCall != nil {
			view.Tool = turn.ToolCall.Tool
			view.ToolArgs = turn.ToolCall.Args
			if turn.ToolCall.Result.OK() {
				view.Result = turn.ToolCall.Result.Result
			} else {
				view.Error = fmt.Sprintf("%s: %s", turn.ToolCall.Result.ErrorKind, turn.ToolCall.Result.Error)
			}
		}
		for _, p := range turn.Passages {
			view.Passages = append(view.Passages, passageView{
				DocID: p.DocID,
				Text:  p.Text,
				Score: p.Score,
			})
		}
		payload.Turns = append(payload.Turns, view)
	}
	return payload
}

// ParseDecision validates one model reply into a Decision. Exported so tests
// can hit the parse path without a model.
func ParseDecision(raw string) (contractx.Decision, error) {
	cleaned := cleanJSONResponse(raw)

	var out decisionOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrDecisionParse, err)
	}

	switch contractx.DecisionKind(out.Action) {
	case contractx.DecisionRetrieve:
		if strings.TrimSpace(out.Query) == "" {
			return contractx.Decision{}, fmt.Errorf("%w: retrieve without query", contractx.ErrDecisionParse)
		}
		if out.TopK < 0 {
			return contractx.Decision{}, fmt.Errorf("%w: negative top_k", contractx.ErrDecisionParse)
		}
		return contractx.Decision{
			Kind:  contractx.DecisionRetrieve,
			Query: out.Query,
			TopK:  out.TopK,
		}, nil

	case contractx.DecisionCallTool:
		if strings.TrimSpace(out.Tool) == "" {
			return contractx.Decision{}, fmt.Errorf("%w: call_tool without tool name", contractx.ErrDecisionParse)
		}
		return contractx.Decision{
			Kind: contractx.DecisionCallTool,
			Tool: out.Tool,
			Args: out.Args,
		}, nil

	case contractx.DecisionSummarize:
		return contractx.Decision{Kind: contractx.DecisionSummarize}, nil

	case contractx.DecisionAnswer:
		if strings.TrimSpace(out.Answer) == "" {
			return contractx.Decision{}, fmt.Errorf("%w: answer without content", contractx.ErrDecisionParse)
		}
		return contractx.Decision{
			Kind:   contractx.DecisionAnswer,
			Answer: out.Answer,
		}, nil

	default:
		return contractx.Decision{}, fmt.Errorf("%w: unknown action %q", contractx.ErrDecisionParse, out.Action)
	}
}

// cleanJSONResponse strips the markdown code fences some models wrap JSON in.
func cleanJSONResponse(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	return cleaned
}
