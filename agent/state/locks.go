package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	contractx "github.com/finagent/finagent/agent/contract"
)

// LockMode selects what happens when a second run arrives for a session that
// already has one in flight.
type LockMode string

const (
	// LockModeFail rejects the second run immediately with ErrSessionBusy.
	LockModeFail LockMode = "fail"
	// LockModeWait queues the second run for up to the configured wait,
	// then rejects with ErrSessionBusy.
	LockModeWait LockMode = "wait"
)

// LockConfig is the deployment-facing knob for same-session contention.
type LockConfig struct {
	Mode LockMode      `envconfig:"MODE" split_words:"true" default:"fail"`
	Wait time.Duration `envconfig:"WAIT" split_words:"true" default:"5s"`
}

func (c LockConfig) Validate() error {
	switch c.Mode {
	case LockModeFail, LockModeWait:
	default:
		return fmt.Errorf("%w: unknown lock mode %q", contractx.ErrValidation, c.Mode)
	}
	if c.Mode == LockModeWait && c.Wait <= 0 {
		return fmt.Errorf("%w: wait mode requires a positive wait", contractx.ErrValidation)
	}
	return nil
}

// LockManager serializes reasoning-loop runs per conversation id: at most
// one holder at a time, acquired before the loop starts and released on any
// terminal state.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	mode  LockMode
	wait  time.Duration
}

func NewLockManager(cfg LockConfig) (*LockManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LockManager{
		locks: make(map[string]chan struct{}),
		mode:  cfg.Mode,
		wait:  cfg.Wait,
	}, nil
}

func (m *LockManager) slot(conversationID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.locks[conversationID]
	if !ok {
		slot = make(chan struct{}, 1)
		m.locks[conversationID] = slot
	}
	return slot
}

// Acquire takes the exclusive per-session lock. The returned release func is
// safe to call exactly once; callers defer it around the whole run.
func (m *LockManager) Acquire(ctx context.Context, conversationID string) (func(), error) {
	if conversationID == "" {
		return nil, ErrEmptyConversation
	}
	slot := m.slot(conversationID)

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	default:
	}

	if m.mode == LockModeFail {
		return nil, fmt.Errorf("%w: conversation %s", contractx.ErrSessionBusy, conversationID)
	}

	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: conversation %s after %s", contractx.ErrSessionBusy, conversationID, m.wait)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", contractx.ErrCancelled, ctx.Err())
	}
}
