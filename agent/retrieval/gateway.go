// Package retrieval is the read-only gateway between the reasoning loop and
// the research report corpus.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/finagent/finagent/agent/contract"
)

// DefaultTopK is used when the planner does not ask for a specific batch size.
const DefaultTopK = 5

// Embedder turns text into the vector space the index was built in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index answers nearest-neighbour queries over ingested passages.
type Index interface {
	Search(ctx context.Context, embedding []float32, k int) ([]contractx.RetrievedPassage, error)
}

// Gateway embeds the query, searches the index, and normalizes the batch
// ordering. Empty batches pass through untouched; they are evidence of
// absence, not a failure.
type Gateway struct {
	embedder Embedder
	index    Index
	defaultK int
}

var _ contractx.Retriever = (*Gateway)(nil)

func NewGateway(embedder Embedder, index Index, defaultK int) *Gateway {
	if defaultK <= 0 {
		defaultK = DefaultTopK
	}
	return &Gateway{
		embedder: embedder,
		index:    index,
		defaultK: defaultK,
	}
}

func (g *Gateway) Retrieve(ctx context.Context, query string, k int) ([]contractx.RetrievedPassage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", contractx.ErrValidation)
	}
	if k <= 0 {
		k = g.defaultK
	}

	embedding, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", contractx.ErrIndexUnavailable, err)
	}

	passages, err := g.index.Search(ctx, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrIndexUnavailable, err)
	}

	sortBatch(passages)
	if len(passages) > k {
		passages = passages[:k]
	}

	log.Debug().Str("query", query).Int("k", k).Int("hits", len(passages)).Msg("retrieval batch")
	return passages, nil
}

// sortBatch orders by descending score, breaking ties by document id and then
// offset so identical queries always return identical batches.
func sortBatch(passages []contractx.RetrievedPassage) {
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		if passages[i].DocID != passages[j].DocID {
			return passages[i].DocID < passages[j].DocID
		}
		return passages[i].OffsetStart < passages[j].OffsetStart
	})
}
