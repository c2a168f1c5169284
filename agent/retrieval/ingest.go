package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/finagent/finagent/agent/contract"
)

const (
	defaultChunkRunes   = 1000
	defaultChunkOverlap = 200
)

// ReportMeta is parsed from a report filename of the form
// Ticker_Date_Broker_Subject, anchored on the 8-digit date token. Sector and
// macro commentary use the INDUSTRY and MACRO pseudo-tickers.
type ReportMeta struct {
	Ticker  string
	Date    string
	Broker  string
	Subject string
}

var reportDatePattern = regexp.MustCompile(`^\d{8}$`)

// ParseReportName splits a report filename into its metadata fields. The
// ticker may itself contain underscores; the date token disambiguates.
func ParseReportName(filename string) (ReportMeta, error) {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	parts := strings.Split(base, "_")

	dateIdx := -1
	for i, part := range parts {
		if reportDatePattern.MatchString(part) {
			dateIdx = i
			break
		}
	}
	if dateIdx < 1 || dateIdx+1 >= len(parts) {
		return ReportMeta{}, fmt.Errorf("filename %q does not match Ticker_Date_Broker_Subject", filename)
	}

	return ReportMeta{
		Ticker:  strings.Join(parts[:dateIdx], "_"),
		Date:    parts[dateIdx],
		Broker:  parts[dateIdx+1],
		Subject: strings.Join(parts[dateIdx+2:], "_"),
	}, nil
}

func (m ReportMeta) toMap() map[string]string {
	meta := map[string]string{
		"ticker": m.Ticker,
		"date":   m.Date,
		"broker": m.Broker,
	}
	if m.Subject != "" {
		meta["subject"] = m.Subject
	}
	return meta
}

// chunk is one overlapping window over a document, with rune offsets into the
// original text.
type chunk struct {
	text  string
	start int
	end   int
}

// chunkRunes splits text into windows of size runes with the given overlap.
// Offsets are rune counts so multi-byte text chunks cleanly.
func chunkRunes(text string, size, overlap int) []chunk {
	if size <= 0 {
		size = defaultChunkRunes
	}
	if overlap < 0 || overlap >= size {
		overlap = defaultChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []chunk
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, chunk{text: piece, start: start, end: end})
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Ingestor loads report files into the vector index.
type Ingestor struct {
	index    *VecIndex
	embedder Embedder
	size     int
	overlap  int
}

func NewIngestor(index *VecIndex, embedder Embedder) *Ingestor {
	return &Ingestor{
		index:    index,
		embedder: embedder,
		size:     defaultChunkRunes,
		overlap:  defaultChunkOverlap,
	}
}

// IngestDir walks dir and indexes every markdown and text file whose name
// parses as report metadata. Files that do not parse are skipped with a
// warning rather than aborting the whole load.
func (ing *Ingestor) IngestDir(ctx context.Context, dir string) (int, error) {
	indexed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
		default:
			return nil
		}

		meta, err := ParseReportName(path)
		if err != nil {
			log.Warn().Str("file", path).Msg("skipping report with unparseable name")
			return nil
		}

		n, err := ing.ingestFile(ctx, path, meta)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		indexed += n
		return nil
	})
	if err != nil {
		return indexed, err
	}

	log.Info().Str("dir", dir).Int("passages", indexed).Msg("report corpus ingested")
	return indexed, nil
}

func (ing *Ingestor) ingestFile(ctx context.Context, path string, meta ReportMeta) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	docID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	chunks := chunkRunes(string(raw), ing.size, ing.overlap)

	for _, c := range chunks {
		embedding, err := ing.embedder.Embed(ctx, c.text)
		if err != nil {
			return 0, fmt.Errorf("embed chunk at %d: %w", c.start, err)
		}
		passage := contractx.RetrievedPassage{
			DocID:       docID,
			Text:        c.text,
			OffsetStart: c.start,
			OffsetEnd:   c.end,
			Metadata:    meta.toMap(),
		}
		if err := ing.index.Add(ctx, passage, embedding); err != nil {
			return 0, fmt.Errorf("index chunk at %d: %w", c.start, err)
		}
	}
	return len(chunks), nil
}
