package retrieval

import (
	"context"
	"errors"
	"testing"

	contractx "github.com/finagent/finagent/agent/contract"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	passages []contractx.RetrievedPassage
	err      error
	gotK     int
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, k int) ([]contractx.RetrievedPassage, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	out := make([]contractx.RetrievedPassage, len(f.passages))
	copy(out, f.passages)
	return out, nil
}

func TestRetrieveOrdersBatch(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{passages: []contractx.RetrievedPassage{
		{DocID: "b", Score: 0.5, OffsetStart: 0},
		{DocID: "a", Score: 0.9, OffsetStart: 100},
		{DocID: "a", Score: 0.5, OffsetStart: 200},
		{DocID: "a", Score: 0.5, OffsetStart: 0},
	}}
	g := NewGateway(&fakeEmbedder{}, index, 0)

	got, err := g.Retrieve(context.Background(), "茅台 净利润", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantOrder := []struct {
		doc   string
		start int
	}{
		{"a", 100},
		{"a", 0},
		{"a", 200},
		{"b", 0},
	}
	for i, want := range wantOrder {
		if got[i].DocID != want.doc || got[i].OffsetStart != want.start {
			t.Fatalf("position %d: got %s@%d, want %s@%d",
				i, got[i].DocID, got[i].OffsetStart, want.doc, want.start)
		}
	}
}

func TestRetrieveDefaultsAndTruncatesK(t *testing.T) {
	t.Parallel()

	many := make([]contractx.RetrievedPassage, 10)
	for i := range many {
		many[i] = contractx.RetrievedPassage{DocID: "doc", Score: float64(10 - i), OffsetStart: i}
	}
	index := &fakeIndex{passages: many}
	g := NewGateway(&fakeEmbedder{}, index, 0)

	got, err := g.Retrieve(context.Background(), "query", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if index.gotK != DefaultTopK {
		t.Fatalf("index queried with k=%d, want default %d", index.gotK, DefaultTopK)
	}
	if len(got) != DefaultTopK {
		t.Fatalf("batch size = %d, want %d", len(got), DefaultTopK)
	}
}

func TestRetrieveEmptyBatchIsNotAnError(t *testing.T) {
	t.Parallel()

	g := NewGateway(&fakeEmbedder{}, &fakeIndex{}, 0)
	got, err := g.Retrieve(context.Background(), "unheard-of ticker", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty batch, got %d passages", len(got))
	}
}

func TestRetrieveWrapsIndexFailures(t *testing.T) {
	t.Parallel()

	g := NewGateway(&fakeEmbedder{}, &fakeIndex{err: errors.New("index offline")}, 0)
	if _, err := g.Retrieve(context.Background(), "query", 5); !errors.Is(err, contractx.ErrIndexUnavailable) {
		t.Fatalf("err = %v, want ErrIndexUnavailable", err)
	}

	g = NewGateway(&fakeEmbedder{err: errors.New("embedding api down")}, &fakeIndex{}, 0)
	if _, err := g.Retrieve(context.Background(), "query", 5); !errors.Is(err, contractx.ErrIndexUnavailable) {
		t.Fatalf("embed failure: err = %v, want ErrIndexUnavailable", err)
	}
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	g := NewGateway(&fakeEmbedder{}, &fakeIndex{}, 0)
	if _, err := g.Retrieve(context.Background(), "   ", 5); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
