package contract

import "context"

// Decider maps the current conversation onto exactly one Decision. Malformed
// model output surfaces as an error wrapping ErrDecisionParse, never as a
// partially filled Decision.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// Retriever returns at most k passages for a query, sorted per the batch
// invariant. An empty result is valid evidence, not an error.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]RetrievedPassage, error)
}

// ToolGateway dispatches one validated tool call. Dispatch never returns a
// Go error for tool-level failures; those are folded into the ToolResult.
type ToolGateway interface {
	Dispatch(ctx context.Context, tool string, args map[string]any) ToolResult
	Descriptors() []ToolDescriptor
}

// Summarizer compresses a slice of turns (plus the previous running summary)
// into one bounded summary string. Lossy by design.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []ConversationTurn) (string, error)
}
