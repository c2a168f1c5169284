// Package loop implements the reasoning loop: a small state machine that
// alternates between deciding, retrieving, tool calling, and summarizing
// until the planner answers or a budget runs out.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/finagent/finagent/agent/contract"
	statex "github.com/finagent/finagent/agent/state"
)

type Config struct {
	// MaxIterations bounds decide steps per run.
	MaxIterations int `envconfig:"MAX_ITERATIONS" split_words:"true" default:"10"`
	// RetrievalK is the default passage batch size when the planner does
	// not pick one.
	RetrievalK int `envconfig:"RETRIEVAL_K" split_words:"true" default:"5"`
	// MaxTurns and MaxTokens trigger forced summarization when exceeded.
	// Zero disables the corresponding ceiling.
	MaxTurns  int `envconfig:"MAX_TURNS" split_words:"true" default:"40"`
	MaxTokens int `envconfig:"MAX_TOKENS" split_words:"true" default:"24000"`
	// KeepLast is how many recent turns compaction always preserves.
	KeepLast int `envconfig:"KEEP_LAST" split_words:"true" default:"6"`
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.RetrievalK <= 0 {
		c.RetrievalK = 5
	}
	if c.KeepLast <= 0 {
		c.KeepLast = 6
	}
	return c
}

// Overrides are per-request knobs; zero values keep the configured defaults.
type Overrides struct {
	MaxIterations int
	RetrievalK    int
}

// Result is the terminal outcome of one run. The trace is always populated,
// also on failures, so callers can audit what the planner did.
type Result struct {
	Answer string
	Trace  []contractx.TraceEntry
	Status contractx.RunStatus
	Err    error
}

// Runner executes runs against injected collaborators. It holds no per-run
// state; the session carries all of it.
type Runner struct {
	decider    contractx.Decider
	retriever  contractx.Retriever
	tools      contractx.ToolGateway
	summarizer contractx.Summarizer
	cfg        Config

	now func() time.Time
}

func New(
	decider contractx.Decider,
	retriever contractx.Retriever,
	tools contractx.ToolGateway,
	summarizer contractx.Summarizer,
	cfg Config,
) (*Runner, error) {
	if decider == nil {
		return nil, errors.New("decider is required")
	}
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if tools == nil {
		return nil, errors.New("tool gateway is required")
	}
	if summarizer == nil {
		return nil, errors.New("summarizer is required")
	}

	return &Runner{
		decider:    decider,
		retriever:  retriever,
		tools:      tools,
		summarizer: summarizer,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}, nil
}

// Run appends the query to the session and drives the loop to a terminal
// state. The session reflects every committed turn when Run returns,
// whatever the outcome.
func (r *Runner) Run(ctx context.Context, sess *statex.Session, query string) Result {
	return r.RunWith(ctx, sess, query, Overrides{})
}

func (r *Runner) RunWith(ctx context.Context, sess *statex.Session, query string, ov Overrides) Result {
	maxIterations := r.cfg.MaxIterations
	if ov.MaxIterations > 0 {
		maxIterations = ov.MaxIterations
	}
	retrievalK := r.cfg.RetrievalK
	if ov.RetrievalK > 0 {
		retrievalK = ov.RetrievalK
	}

	sess.AppendUser(query, r.now())

	var (
		trace       []contractx.TraceEntry
		lastCallSig string
	)

	for step := 1; step <= maxIterations; step++ {
		if cancelled(ctx) {
			sess.AppendMarker(contractx.MarkerCancelled, r.now())
			return Result{
				Trace:  trace,
				Status: contractx.StatusCancelled,
				Err:    fmt.Errorf("%w: %v", contractx.ErrCancelled, ctx.Err()),
			}
		}

		decision, err := r.decide(ctx, sess, query)
		if err != nil {
			// A decide failure caused by cancellation is a cancelled run,
			// not a failed one; the marker keeps the history terminal.
			if ctx.Err() != nil {
				sess.AppendMarker(contractx.MarkerCancelled, r.now())
				trace = append(trace, contractx.TraceEntry{
					Step:    step,
					Outcome: fmt.Sprintf("decide cancelled: %v", err),
				})
				return Result{
					Trace:  trace,
					Status: contractx.StatusCancelled,
					Err:    fmt.Errorf("%w: %v", contractx.ErrCancelled, ctx.Err()),
				}
			}
			trace = append(trace, contractx.TraceEntry{
				Step:    step,
				Outcome: fmt.Sprintf("decide failed: %v", err),
			})
			return Result{Trace: trace, Status: contractx.StatusFailed, Err: err}
		}

		started := r.now()
		entry := contractx.TraceEntry{Step: step, Decision: decision}

		switch decision.Kind {
		case contractx.DecisionAnswer:
			sess.AppendAgent(decision.Answer, r.now())
			entry.Outcome = "answered"
			entry.Elapsed = r.now().Sub(started)
			trace = append(trace, entry)
			return Result{
				Answer: decision.Answer,
				Trace:  append([]contractx.TraceEntry(nil), trace...),
				Status: contractx.StatusOK,
			}

		case contractx.DecisionRetrieve:
			lastCallSig = ""
			k := decision.TopK
			if k <= 0 {
				k = retrievalK
			}
			passages, err := r.retriever.Retrieve(ctx, decision.Query, k)
			if err != nil {
				kind := contractx.ErrorKindIndexUnavailable
				sess.AppendErrorTurn(kind, err.Error(), r.now())
				entry.Outcome = "retrieval failed"
				entry.ErrorKind = kind
			} else {
				sess.AppendPassages(decision.Query, passages, r.now())
				entry.Outcome = retrievalOutcome(passages)
			}

		case contractx.DecisionCallTool:
			sig := callSignature(decision.Tool, decision.Args)
			if sig == lastCallSig {
				trace = append(trace, contractx.TraceEntry{
					Step:     step,
					Decision: decision,
					Outcome:  "identical consecutive tool call",
				})
				return Result{
					Trace:  trace,
					Status: contractx.StatusFailed,
					Err:    fmt.Errorf("%w: %s", contractx.ErrLoopDetected, decision.Tool),
				}
			}
			lastCallSig = sig

			result := r.tools.Dispatch(ctx, decision.Tool, decision.Args)
			sess.AppendToolCall(contractx.ToolCall{
				Tool:   decision.Tool,
				Args:   decision.Args,
				Result: result,
			}, r.now())
			if result.OK() {
				entry.Outcome = "tool ok"
			} else {
				entry.Outcome = "tool error"
				entry.ErrorKind = result.ErrorKind
			}

		case contractx.DecisionSummarize:
			lastCallSig = ""
			entry.Outcome = r.compact(ctx, sess)

		default:
			return Result{
				Trace:  trace,
				Status: contractx.StatusFailed,
				Err:    fmt.Errorf("%w: unknown decision kind %q", contractx.ErrDecisionParse, decision.Kind),
			}
		}

		entry.Elapsed = r.now().Sub(started)
		trace = append(trace, entry)

		// Budget pressure triggers compaction even when the planner never
		// asks for it.
		if decision.Kind != contractx.DecisionSummarize && sess.OverBudget(r.cfg.MaxTurns, r.cfg.MaxTokens) {
			outcome := r.compact(ctx, sess)
			trace = append(trace, contractx.TraceEntry{
				Step:     step,
				Decision: contractx.Decision{Kind: contractx.DecisionSummarize},
				Outcome:  "forced: " + outcome,
			})
		}
	}

	return Result{
		Trace:  trace,
		Status: contractx.StatusBudgetExceeded,
		Err:    fmt.Errorf("%w: no answer after %d iterations", contractx.ErrBudgetExceeded, maxIterations),
	}
}

// decide asks the planner for the next action, retrying once on any failure
// before giving up on the run. A dead context is never retried.
func (r *Runner) decide(ctx context.Context, sess *statex.Session, query string) (contractx.Decision, error) {
	req := contractx.DecisionRequest{
		Query:   query,
		Summary: sess.Summary,
		Turns:   sess.Turns,
		Tools:   r.tools.Descriptors(),
		Now:     r.now(),
	}

	decision, err := r.decider.Decide(ctx, req)
	if err == nil {
		return decision, nil
	}
	if ctx.Err() != nil {
		return contractx.Decision{}, err
	}
	log.Warn().Err(err).Str("conversation_id", sess.ConversationID).Msg("decide failed, retrying once")

	decision, retryErr := r.decider.Decide(ctx, req)
	if retryErr == nil {
		return decision, nil
	}
	return contractx.Decision{}, retryErr
}

// compact runs the summarizer over the compressible prefix. Failures are
// logged and absorbed: a run never dies because compression did.
func (r *Runner) compact(ctx context.Context, sess *statex.Session) string {
	prefix := sess.CompressibleTurns(r.cfg.KeepLast)
	if len(prefix) < 2 {
		return "nothing to compact"
	}

	summary, err := r.summarizer.Summarize(ctx, sess.Summary, prefix)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", sess.ConversationID).Msg("summarization failed")
		return fmt.Sprintf("summarize failed: %v", err)
	}
	if err := sess.Compact(summary, r.cfg.KeepLast, r.now()); err != nil {
		return fmt.Sprintf("compact skipped: %v", err)
	}
	return fmt.Sprintf("compacted to %d turns", sess.TurnCount())
}

// retrievalOutcome names the documents a batch came from so the trace carries
// provenance, not just a count.
func retrievalOutcome(passages []contractx.RetrievedPassage) string {
	if len(passages) == 0 {
		return "retrieved 0 passages"
	}
	seen := make(map[string]struct{}, len(passages))
	var docs []string
	for _, p := range passages {
		if _, ok := seen[p.DocID]; ok {
			continue
		}
		seen[p.DocID] = struct{}{}
		docs = append(docs, p.DocID)
	}
	return fmt.Sprintf("retrieved %d passages from %s", len(passages), strings.Join(docs, ", "))
}

// callSignature canonicalizes a tool call for consecutive-duplicate
// detection. json.Marshal sorts map keys, so argument order is irrelevant.
func callSignature(tool string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", args))
	}
	return tool + ":" + string(encoded)
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
