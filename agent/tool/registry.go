// Package tool implements the registry and the built-in tools the reasoning
// loop can dispatch to. Tool failures never surface as Go errors; they are
// folded into the ToolResult so the loop can keep going.
package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	contractx "github.com/finagent/finagent/agent/contract"
)

const defaultDispatchTimeout = 10 * time.Second

// Handler executes one validated tool call. Args have already passed the
// tool's schema when a handler runs.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition declares one tool: its planner-facing contract plus the handler.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
	Timeout     time.Duration
	Handler     Handler
}

type registeredTool struct {
	def    Definition
	schema *gojsonschema.Schema
}

// Registry holds the registered tools. Registration happens at startup;
// Dispatch is safe for concurrent use afterwards.
type Registry struct {
	tools          map[string]*registeredTool
	defaultTimeout time.Duration
}

var _ contractx.ToolGateway = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		tools:          make(map[string]*registeredTool),
		defaultTimeout: defaultDispatchTimeout,
	}
}

// Register compiles the tool's argument schema once and stores the tool.
// Duplicate names and uncompilable schemas are programmer errors.
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s: already registered", name)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	def.Name = name
	r.tools[name] = &registeredTool{def: def, schema: compiled}
	return nil
}

func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Descriptors lists the registered tools sorted by name, so the planner
// prompt is stable across runs.
func (r *Registry) Descriptors() []contractx.ToolDescriptor {
	out := make([]contractx.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, contractx.ToolDescriptor{
			Name:        t.def.Name,
			Description: t.def.Description,
			Schema:      t.def.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates args against the tool's schema and runs the handler
// under the tool's timeout, recovering panics into a tool execution error.
func (r *Registry) Dispatch(ctx context.Context, tool string, args map[string]any) contractx.ToolResult {
	started := time.Now()

	registered, ok := r.tools[tool]
	if !ok {
		return contractx.ToolResult{
			Tool:      tool,
			ErrorKind: contractx.ErrorKindUnknownTool,
			Error:     fmt.Sprintf("tool %q is not registered", tool),
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	if msg, ok := validateArgs(registered.schema, args); !ok {
		return contractx.ToolResult{
			Tool:      tool,
			ErrorKind: contractx.ErrorKindInvalidArguments,
			Error:     msg,
		}
	}

	timeout := registered.def.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := r.run(tctx, registered, tool, args)

	if result.OK() {
		log.Debug().Str("tool", tool).Dur("elapsed", time.Since(started)).Msg("tool dispatched")
	} else {
		log.Warn().Str("tool", tool).
			Str("error_kind", string(result.ErrorKind)).
			Str("error", result.Error).
			Dur("elapsed", time.Since(started)).
			Msg("tool dispatched")
	}

	return result
}

type handlerOutcome struct {
	value any
	err   error
}

func (r *Registry) run(ctx context.Context, registered *registeredTool, tool string, args map[string]any) contractx.ToolResult {
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- handlerOutcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		value, err := registered.def.Handler(ctx, args)
		done <- handlerOutcome{value: value, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return contractx.ToolResult{
				Tool:      tool,
				ErrorKind: contractx.ErrorKindToolExecution,
				Error:     outcome.err.Error(),
			}
		}
		return contractx.ToolResult{Tool: tool, Result: outcome.value}
	case <-ctx.Done():
		kind := contractx.ErrorKindToolExecution
		if ctx.Err() == context.DeadlineExceeded {
			kind = contractx.ErrorKindToolTimeout
		}
		return contractx.ToolResult{
			Tool:      tool,
			ErrorKind: kind,
			Error:     ctx.Err().Error(),
		}
	}
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) (string, bool) {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Sprintf("validate arguments: %v", err), false
	}
	if result.Valid() {
		return "", true
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; "), false
}
