package state

import (
	"context"
	"testing"
	"time"

	contractx "github.com/finagent/finagent/agent/contract"
)

func baseTime() time.Time {
	return time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
}

func sessionWithTurns(t *testing.T, n int) *Session {
	t.Helper()
	s := NewSession("conv-1", baseTime())
	for i := 0; i < n; i++ {
		s.AppendUser("问题内容", baseTime().Add(time.Duration(i)*time.Second))
	}
	return s
}

func TestAppendOrderAndTokens(t *testing.T) {
	t.Parallel()

	s := NewSession("conv-1", baseTime())
	s.AppendUser("12345678", baseTime())
	s.AppendAgent("1234", baseTime().Add(time.Second))

	if s.TurnCount() != 2 {
		t.Fatalf("turn count = %d", s.TurnCount())
	}
	if s.Turns[0].Role != contractx.RoleUser || s.Turns[1].Role != contractx.RoleAgent {
		t.Fatal("turn order not preserved")
	}
	// 8 runes + 4 runes at 4 runes per token.
	if s.ApproxTokens != 3 {
		t.Fatalf("approx tokens = %d, want 3", s.ApproxTokens)
	}
	if s.Turns[0].ID == "" || s.Turns[0].ID == s.Turns[1].ID {
		t.Fatal("turns need unique ids")
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCompactPreservesKeepLast(t *testing.T) {
	t.Parallel()

	s := sessionWithTurns(t, 6)
	lastID := s.Turns[5].ID
	before := s.TurnCount()

	if err := s.Compact("六轮对话的摘要", 2, baseTime().Add(time.Minute)); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if s.TurnCount() >= before {
		t.Fatalf("turn count %d did not strictly decrease from %d", s.TurnCount(), before)
	}
	if s.TurnCount() != 3 {
		t.Fatalf("turn count = %d, want summary + 2 kept", s.TurnCount())
	}
	if s.Turns[0].Role != contractx.RoleSummary || s.Turns[0].Content != "六轮对话的摘要" {
		t.Fatalf("head turn: %+v", s.Turns[0])
	}
	if s.Turns[2].ID != lastID {
		t.Fatal("most recent turn must survive compaction untouched")
	}
	if s.Summary != "六轮对话的摘要" {
		t.Fatalf("summary = %q", s.Summary)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate after compact: %v", err)
	}
}

func TestCompactRefusesWhenNothingShrinks(t *testing.T) {
	t.Parallel()

	s := sessionWithTurns(t, 3)
	if err := s.Compact("x", 2, baseTime()); err != ErrNothingToCompact {
		t.Fatalf("err = %v, want ErrNothingToCompact", err)
	}
	if err := s.Compact("x", 5, baseTime()); err != ErrNothingToCompact {
		t.Fatalf("keepLast beyond length: err = %v", err)
	}
	if s.TurnCount() != 3 {
		t.Fatal("failed compaction must not mutate the session")
	}
}

func TestOverBudget(t *testing.T) {
	t.Parallel()

	s := sessionWithTurns(t, 4)
	if s.OverBudget(4, 0) {
		t.Fatal("at the turn ceiling is not over it")
	}
	if !s.OverBudget(3, 0) {
		t.Fatal("4 turns must exceed a ceiling of 3")
	}
	if s.OverBudget(0, 0) {
		t.Fatal("zero ceilings disable budget checks")
	}
	if !s.OverBudget(0, 1) {
		t.Fatalf("approx tokens %d must exceed 1", s.ApproxTokens)
	}
}

func TestValidateRejectsMisplacedSummary(t *testing.T) {
	t.Parallel()

	s := sessionWithTurns(t, 2)
	s.Turns = append(s.Turns, contractx.ConversationTurn{
		ID:        "sum",
		Role:      contractx.RoleSummary,
		Content:   "stray",
		Timestamp: baseTime().Add(time.Hour),
	})
	if err := s.Validate(); err == nil {
		t.Fatal("summary turn after index 0 must fail validation")
	}
}

func TestValidateToolCallResults(t *testing.T) {
	t.Parallel()

	// A successful dispatch may carry a nil payload, e.g. a null upstream
	// body from market_data.
	s := NewSession("conv-1", baseTime())
	s.AppendToolCall(contractx.ToolCall{
		Tool:   "market_data",
		Args:   map[string]any{"symbols": "sh600519", "data_type": "info"},
		Result: contractx.ToolResult{Tool: "market_data", Result: nil},
	}, baseTime())
	if err := s.Validate(); err != nil {
		t.Fatalf("nil-payload success must validate: %v", err)
	}

	// A named call whose result records neither the tool nor an error never
	// completed.
	s = NewSession("conv-1", baseTime())
	s.AppendToolCall(contractx.ToolCall{Tool: "calculator"}, baseTime())
	if err := s.Validate(); err == nil {
		t.Fatal("result-less tool call must fail validation")
	}
}

func TestValidateRejectsOutOfOrderTimestamps(t *testing.T) {
	t.Parallel()

	s := NewSession("conv-1", baseTime())
	s.AppendUser("a", baseTime().Add(time.Minute))
	s.AppendUser("b", baseTime())
	if err := s.Validate(); err == nil {
		t.Fatal("decreasing timestamps must fail validation")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	s := NewSession("conv-1", baseTime())
	s.AppendToolCall(contractx.ToolCall{
		Tool:   "calculator",
		Args:   map[string]any{"expression": "1+1"},
		Result: contractx.ToolResult{Tool: "calculator", Result: 2.0},
	}, baseTime())
	s.AppendPassages("q", []contractx.RetrievedPassage{{DocID: "d", Text: "t", Score: 1}}, baseTime().Add(time.Second))

	clone := s.Clone()
	clone.Turns[0].ToolCall.Tool = "mutated"
	clone.Turns[1].Passages[0].DocID = "mutated"

	if s.Turns[0].ToolCall.Tool != "calculator" {
		t.Fatal("tool call aliased between clone and original")
	}
	if s.Turns[1].Passages[0].DocID != "d" {
		t.Fatal("passages aliased between clone and original")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}

	s := sessionWithTurns(t, 2)
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutations after save must not leak into the stored copy.
	s.AppendUser("later", baseTime().Add(time.Hour))

	loaded, err := store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.TurnCount() != 2 {
		t.Fatalf("loaded %d turns, want 2", loaded.TurnCount())
	}

	if err := store.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "conv-1"); err != ErrSessionNotFound {
		t.Fatalf("after delete: err = %v", err)
	}
}

func TestLoadOrCreate(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	s, err := LoadOrCreate(ctx, store, "conv-new", baseTime())
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if s.TurnCount() != 0 || s.ConversationID != "conv-new" {
		t.Fatalf("unexpected fresh session: %+v", s)
	}

	s.AppendUser("hello", baseTime())
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := LoadOrCreate(ctx, store, "conv-new", baseTime().Add(time.Hour))
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again.TurnCount() != 1 {
		t.Fatal("existing session must be loaded, not recreated")
	}
}
