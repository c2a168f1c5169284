package contract

import (
	"time"
)

// Role classifies who produced a conversation turn.
type Role string

const (
	RoleUser    Role = "user"
	RoleAgent   Role = "agent"
	RoleTool    Role = "tool"
	RoleSummary Role = "summary"
)

// ConversationTurn is one atomic entry in a session's history. Turns are
// immutable once appended; only compaction may replace a prefix of them
// with a single RoleSummary turn.
type ConversationTurn struct {
	ID        string             `json:"id"`
	Role      Role               `json:"role"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
	ToolCall  *ToolCall          `json:"tool_call,omitempty"`
	Passages  []RetrievedPassage `json:"passages,omitempty"`
	Marker    string             `json:"marker,omitempty"`
}

// MarkerCancelled tags the terminal turn appended when a run is cancelled
// mid-flight, so the history never ends inside an unresolved action.
const MarkerCancelled = "cancelled"

// ToolCall records one tool invocation and its single result. A ToolCall is
// always embedded in a ConversationTurn for auditability; there is no
// result-less call in a committed history.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result ToolResult     `json:"result"`
}

// ToolResult is the normalized outcome of a dispatch: either a success
// payload or an error kind + message. Tool internals never leak raw errors
// past this type.
type ToolResult struct {
	Tool      string    `json:"tool"`
	Result    any       `json:"result,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (r ToolResult) OK() bool {
	return r.ErrorKind == "" && r.Error == ""
}

// ErrorKind names a recoverable failure class carried inside an error turn.
type ErrorKind string

const (
	ErrorKindUnknownTool      ErrorKind = "unknown_tool"
	ErrorKindInvalidArguments ErrorKind = "invalid_arguments"
	ErrorKindToolTimeout      ErrorKind = "tool_timeout"
	ErrorKindToolExecution    ErrorKind = "tool_execution_error"
	ErrorKindIndexUnavailable ErrorKind = "index_unavailable"
)

// RetrievedPassage is a scored excerpt from the report corpus. Within one
// retrieval batch, passages are sorted by descending score with ties broken
// by document id, then offset start.
type RetrievedPassage struct {
	DocID       string            `json:"doc_id"`
	Text        string            `json:"text"`
	Score       float64           `json:"score"`
	OffsetStart int               `json:"offset_start"`
	OffsetEnd   int               `json:"offset_end"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DecisionKind tags the variant of a Decision.
type DecisionKind string

const (
	DecisionRetrieve  DecisionKind = "retrieve"
	DecisionCallTool  DecisionKind = "call_tool"
	DecisionSummarize DecisionKind = "summarize"
	DecisionAnswer    DecisionKind = "answer"
)

// Decision is the planner's chosen next action for one loop iteration.
// Exactly the fields for its kind are set; a Decision is produced once and
// never mutated.
type Decision struct {
	Kind   DecisionKind   `json:"kind"`
	Query  string         `json:"query,omitempty"`
	TopK   int            `json:"top_k,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Answer string         `json:"answer,omitempty"`
}

// TraceEntry pairs one decision with its observed outcome. The full trace is
// returned to the caller on every run, including failed ones.
type TraceEntry struct {
	Step      int           `json:"step"`
	Decision  Decision      `json:"decision"`
	Outcome   string        `json:"outcome"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// RunStatus is the terminal disposition of one reasoning-loop run.
type RunStatus string

const (
	StatusOK             RunStatus = "ok"
	StatusBudgetExceeded RunStatus = "budget_exceeded"
	StatusSessionBusy    RunStatus = "session_busy"
	StatusCancelled      RunStatus = "cancelled"
	StatusFailed         RunStatus = "failed"
)

// ToolDescriptor is the planner-facing view of a registered tool. Schema is
// the JSON Schema its arguments are validated against.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// DecisionRequest is the context handed to the decide step. Turns carries
// the post-compaction history; Summary the running summary, if any.
type DecisionRequest struct {
	Query   string
	Summary string
	Turns   []ConversationTurn
	Tools   []ToolDescriptor
	Now     time.Time
}
