package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/finagent/finagent/agent/contract"
)

// PGConfig configures the optional Postgres-backed session store.
type PGConfig struct {
	DSN          string        `envconfig:"DSN" split_words:"true" required:"true"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"4"`
}

type sessionRow struct {
	bun.BaseModel `bun:"table:agent_sessions,alias:s"`

	ConversationID string    `bun:"conversation_id,pk"`
	Payload        []byte    `bun:"payload,type:jsonb,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

// PGStore persists sessions as JSONB rows keyed by conversation id. It is
// the durable counterpart of MemoryStore behind the same Store contract.
type PGStore struct {
	db      *bun.DB
	timeout time.Duration
}

func NewPGStore(cfg PGConfig) (*PGStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(timeout),
	))
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return &PGStore{
		db:      bun.NewDB(sqldb, pgdialect.New()),
		timeout: timeout,
	}, nil
}

// EnsureSchema creates the session table when it does not exist yet. Called
// once at startup, before any run.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.NewCreateTable().
		Model((*sessionRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create agent_sessions table: %w", err)
	}
	return nil
}

func (p *PGStore) Load(ctx context.Context, conversationID string) (*Session, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrEmptyConversation
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := new(sessionRow)
	err := p.db.NewSelect().
		Model(row).
		Where("conversation_id = ?", conversationID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(row.Payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session payload: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: stored session is invalid: %v", contractx.ErrValidation, err)
	}
	return &s, nil
}

func (p *PGStore) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(s.ConversationID) == "" {
		return ErrEmptyConversation
	}
	if err := s.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := &sessionRow{
		ConversationID: s.ConversationID,
		Payload:        payload,
		UpdatedAt:      s.UpdatedAt,
	}
	_, err = p.db.NewInsert().
		Model(row).
		On("CONFLICT (conversation_id) DO UPDATE").
		Set("payload = EXCLUDED.payload").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (p *PGStore) Delete(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return ErrEmptyConversation
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.NewDelete().
		Model((*sessionRow)(nil)).
		Where("conversation_id = ?", conversationID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *PGStore) Close() error {
	return p.db.Close()
}
