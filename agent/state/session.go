package state

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	contractx "github.com/finagent/finagent/agent/contract"
)

var (
	ErrEmptyConversation = errors.New("conversation id is empty")
	ErrNilSession        = errors.New("session is nil")
	ErrNothingToCompact  = errors.New("not enough turns to compact")
)

// runesPerToken is the approximation used for budget accounting: the corpus
// is mixed Chinese/English report text, and four runes per token is close
// enough to keep the ceiling meaningful without an encoder dependency.
const runesPerToken = 4

// Session is the in-memory state of one ongoing conversation: an append-only
// turn log, the running summary, and budget counters maintained on append.
// A session is owned by at most one reasoning-loop execution at a time; the
// lock manager enforces that, not this type.
type Session struct {
	ConversationID string                      `json:"conversation_id"`
	Turns          []contractx.ConversationTurn `json:"turns"`
	Summary        string                      `json:"summary,omitempty"`

	// ApproxTokens is the running rune-length/4 estimate over all turn
	// content, recomputed on append and compaction.
	ApproxTokens int       `json:"approx_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewSession(conversationID string, now time.Time) *Session {
	return &Session{
		ConversationID: conversationID,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

func approxTokens(content string) int {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return 0
	}
	return (n + runesPerToken - 1) / runesPerToken
}

func (s *Session) append(turn contractx.ConversationTurn) contractx.ConversationTurn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.Timestamp = turn.Timestamp.UTC()
	s.Turns = append(s.Turns, turn)
	s.ApproxTokens += approxTokens(turn.Content)
	s.UpdatedAt = turn.Timestamp
	return turn
}

// AppendUser appends the user's query as a turn.
func (s *Session) AppendUser(content string, now time.Time) contractx.ConversationTurn {
	return s.append(contractx.ConversationTurn{
		Role:      contractx.RoleUser,
		Content:   content,
		Timestamp: now,
	})
}

// AppendAgent appends a final or intermediate agent message.
func (s *Session) AppendAgent(content string, now time.Time) contractx.ConversationTurn {
	return s.append(contractx.ConversationTurn{
		Role:      contractx.RoleAgent,
		Content:   content,
		Timestamp: now,
	})
}

// AppendToolCall records a dispatched call together with its single result.
// The turn content mirrors the result so summarization and the decide step
// can see tool evidence as text.
func (s *Session) AppendToolCall(call contractx.ToolCall, now time.Time) contractx.ConversationTurn {
	content := fmt.Sprintf("tool %s: ok", call.Tool)
	if !call.Result.OK() {
		content = fmt.Sprintf("tool %s: %s: %s", call.Tool, call.Result.ErrorKind, call.Result.Error)
	} else if str, ok := call.Result.Result.(string); ok {
		content = fmt.Sprintf("tool %s: %s", call.Tool, str)
	}
	return s.append(contractx.ConversationTurn{
		Role:      contractx.RoleTool,
		Content:   content,
		Timestamp: now,
		ToolCall:  &call,
	})
}

// AppendPassages records a retrieval batch as a tool-like evidence turn.
// A zero-passage batch is still recorded; absence of evidence is evidence.
func (s *Session) AppendPassages(query string, passages []contractx.RetrievedPassage, now time.Time) contractx.ConversationTurn {
	content := fmt.Sprintf("retrieved %d passages for %q", len(passages), query)
	return s.append(contractx.ConversationTurn{
		Role:      contractx.RoleTool,
		Content:   content,
		Timestamp: now,
		Passages:  passages,
	})
}

// AppendErrorTurn folds a recoverable failure back into the conversation so
// the model can reason about it on the next decision.
func (s *Session) AppendErrorTurn(kind contractx.ErrorKind, message string, now time.Time) contractx.ConversationTurn {
	return s.append(contractx.ConversationTurn{
		Role:      contractx.RoleTool,
		Content:   fmt.Sprintf("%s: %s", kind, message),
		Timestamp: now,
		ToolCall: &contractx.ToolCall{
			Result: contractx.ToolResult{ErrorKind: kind, Error: message},
		},
	})
}

// AppendMarker appends a terminal marker turn (e.g. cancellation) so the
// history never ends inside an unresolved action.
func (s *Session) AppendMarker(marker string, now time.Time) contractx.ConversationTurn {
	return s.append(contractx.ConversationTurn{
		Role:      contractx.RoleAgent,
		Content:   marker,
		Marker:    marker,
		Timestamp: now,
	})
}

// CompressibleTurns returns the prefix that compaction may replace: every
// turn except the most recent keepLast. The result aliases the turn slice
// and must not be mutated.
func (s *Session) CompressibleTurns(keepLast int) []contractx.ConversationTurn {
	if keepLast < 0 {
		keepLast = 0
	}
	if len(s.Turns) <= keepLast {
		return nil
	}
	return s.Turns[:len(s.Turns)-keepLast]
}

// Compact replaces the compressible prefix with one synthetic summary turn.
// The most recent keepLast turns are never touched, and the turn count
// strictly decreases or the call fails.
func (s *Session) Compact(summary string, keepLast int, now time.Time) error {
	if s == nil {
		return ErrNilSession
	}
	prefix := s.CompressibleTurns(keepLast)
	// Replacing fewer than two turns with one would not shrink the log.
	if len(prefix) < 2 {
		return ErrNothingToCompact
	}

	kept := s.Turns[len(s.Turns)-min(keepLast, len(s.Turns)):]
	turns := make([]contractx.ConversationTurn, 0, len(kept)+1)
	turns = append(turns, contractx.ConversationTurn{
		ID:        uuid.NewString(),
		Role:      contractx.RoleSummary,
		Content:   summary,
		Timestamp: now.UTC(),
	})
	turns = append(turns, kept...)

	s.Turns = turns
	s.Summary = summary
	s.recountTokens()
	s.UpdatedAt = now.UTC()
	return nil
}

func (s *Session) recountTokens() {
	total := 0
	for _, t := range s.Turns {
		total += approxTokens(t.Content)
	}
	s.ApproxTokens = total
}

// TurnCount reports the current length of the turn log.
func (s *Session) TurnCount() int {
	return len(s.Turns)
}

// OverBudget reports whether either configured ceiling is exceeded. A zero
// ceiling disables that dimension.
func (s *Session) OverBudget(maxTurns, maxTokens int) bool {
	if maxTurns > 0 && len(s.Turns) > maxTurns {
		return true
	}
	if maxTokens > 0 && s.ApproxTokens > maxTokens {
		return true
	}
	return false
}

// Validate checks the structural invariants a loaded session must satisfy:
// non-empty id, monotonic timestamps, at most one summary turn (and only at
// the head), and no tool turn without a recorded result.
func (s *Session) Validate() error {
	if s == nil {
		return ErrNilSession
	}
	if s.ConversationID == "" {
		return ErrEmptyConversation
	}
	var prev time.Time
	for i, t := range s.Turns {
		if t.Timestamp.Before(prev) {
			return fmt.Errorf("%w: turn %d out of order", contractx.ErrValidation, i)
		}
		prev = t.Timestamp
		if t.Role == contractx.RoleSummary && i != 0 {
			return fmt.Errorf("%w: summary turn at index %d", contractx.ErrValidation, i)
		}
		// The dispatcher stamps Result.Tool on every outcome, so a named
		// call whose result names nothing and carries no error never
		// completed. A successful result with a nil payload is fine.
		if t.ToolCall != nil && t.ToolCall.Tool != "" && t.ToolCall.Result.Tool == "" && t.ToolCall.Result.OK() {
			return fmt.Errorf("%w: orphaned tool call %q at index %d", contractx.ErrValidation, t.ToolCall.Tool, i)
		}
	}
	return nil
}

// Clone deep-copies the session so stores and tests never alias live state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]contractx.ConversationTurn, len(s.Turns))
	copy(out.Turns, s.Turns)
	for i := range out.Turns {
		if tc := out.Turns[i].ToolCall; tc != nil {
			cp := *tc
			out.Turns[i].ToolCall = &cp
		}
		if ps := out.Turns[i].Passages; ps != nil {
			out.Turns[i].Passages = append([]contractx.RetrievedPassage(nil), ps...)
		}
	}
	return &out
}
