package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	contractx "github.com/finagent/finagent/agent/contract"
)

func init() {
	// Register sqlite-vec as an auto-loadable extension with the
	// mattn/go-sqlite3 driver.
	vec.Auto()
}

// VecConfig configures the on-disk vector index.
type VecConfig struct {
	Path      string `envconfig:"PATH" split_words:"true" default:"finagent.db"`
	Dimension int    `envconfig:"DIMENSION" split_words:"true" default:"1536"`
}

// VecIndex stores passage text plus embeddings in SQLite, with nearest
// neighbour search served by a vec0 virtual table keyed on the passage rowid.
type VecIndex struct {
	db  *sql.DB
	dim int
}

var _ Index = (*VecIndex)(nil)

func OpenVecIndex(cfg VecConfig) (*VecIndex, error) {
	if cfg.Dimension <= 0 {
		return nil, errors.New("vector dimension must be positive")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS passages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id TEXT NOT NULL,
			text TEXT NOT NULL,
			offset_start INTEGER NOT NULL,
			offset_end INTEGER NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_passages USING vec0(embedding float[%d])`, cfg.Dimension),
		`CREATE INDEX IF NOT EXISTS idx_passages_doc ON passages(doc_id)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index schema: %w", err)
		}
	}

	return &VecIndex{db: db, dim: cfg.Dimension}, nil
}

// Add stores one passage and its embedding atomically.
func (x *VecIndex) Add(ctx context.Context, passage contractx.RetrievedPassage, embedding []float32) error {
	if len(embedding) != x.dim {
		return fmt.Errorf("embedding has %d dimensions, index expects %d", len(embedding), x.dim)
	}

	blob, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}

	var metadata []byte
	if len(passage.Metadata) > 0 {
		metadata, err = json.Marshal(passage.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO passages (doc_id, text, offset_start, offset_end, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		passage.DocID, passage.Text, passage.OffsetStart, passage.OffsetEnd, metadata, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert passage: %w", err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("passage rowid: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vec_passages (rowid, embedding) VALUES (?, ?)`,
		rowid, blob,
	); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	return tx.Commit()
}

// Search returns the k nearest passages. Scores map L2 distance onto (0, 1],
// larger meaning closer.
func (x *VecIndex) Search(ctx context.Context, embedding []float32, k int) ([]contractx.RetrievedPassage, error) {
	if len(embedding) != x.dim {
		return nil, fmt.Errorf("embedding has %d dimensions, index expects %d", len(embedding), x.dim)
	}
	if k <= 0 {
		k = DefaultTopK
	}

	blob, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serialize embedding: %w", err)
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT p.doc_id, p.text, p.offset_start, p.offset_end, p.metadata, v.distance
		 FROM vec_passages v
		 JOIN passages p ON p.id = v.rowid
		 WHERE v.embedding MATCH ? AND v.k = ?
		 ORDER BY v.distance`,
		blob, k,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []contractx.RetrievedPassage
	for rows.Next() {
		var (
			p        contractx.RetrievedPassage
			metadata sql.NullString
			distance float64
		)
		if err := rows.Scan(&p.DocID, &p.Text, &p.OffsetStart, &p.OffsetEnd, &metadata, &distance); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		p.Score = 1 / (1 + distance)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count reports how many passages are indexed. Used by the health endpoint.
func (x *VecIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n)
	return n, err
}

func (x *VecIndex) Close() error {
	return x.db.Close()
}
