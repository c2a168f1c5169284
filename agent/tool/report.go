package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ToolGenerateReport = "generate_markdown_report"

// ReportWriterConfig controls where generated reports land.
type ReportWriterConfig struct {
	OutputDir string `envconfig:"OUTPUT_DIR" split_words:"true" default:"reports"`
}

type ReportHandle struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// ReportWriter renders the four-section research report to a markdown file
// and hands back a handle instead of the full text, keeping conversation
// turns small.
type ReportWriter struct {
	outputDir string
	now       func() time.Time
}

var unsafeFilenamePattern = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

func NewReportWriter(cfg ReportWriterConfig, now func() time.Time) *ReportWriter {
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "reports"
	}
	if now == nil {
		now = time.Now
	}
	return &ReportWriter{outputDir: outputDir, now: now}
}

func (w *ReportWriter) Definition() Definition {
	return Definition{
		Name:        ToolGenerateReport,
		Description: "Write a structured markdown research report with overview, analysis, risk, and conclusion sections. Returns a file handle, not the report body.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":      map[string]any{"type": "string"},
				"overview":   map[string]any{"type": "string"},
				"analysis":   map[string]any{"type": "string"},
				"risk":       map[string]any{"type": "string"},
				"conclusion": map[string]any{"type": "string"},
			},
			"required":             []any{"overview", "analysis", "conclusion"},
			"additionalProperties": false,
		},
		Handler: w.handle,
	}
}

func (w *ReportWriter) handle(_ context.Context, args map[string]any) (any, error) {
	overview, _ := args["overview"].(string)
	analysis, _ := args["analysis"].(string)
	risk, _ := args["risk"].(string)
	conclusion, _ := args["conclusion"].(string)

	title, _ := args["title"].(string)
	title = strings.TrimSpace(title)
	if title == "" {
		title = deriveTitle(overview)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_Generated %s_\n\n", w.now().Format("2006-01-02 15:04"))
	writeSection(&b, "Overview", overview)
	writeSection(&b, "Analysis", analysis)
	writeSection(&b, "Risk", risk)
	writeSection(&b, "Conclusion", conclusion)

	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	id := uuid.NewString()
	filename := fmt.Sprintf("%s_%s_%s.md", w.now().Format("20060102"), sanitizeFilename(title), id[:8])
	path := filepath.Join(w.outputDir, filename)

	content := b.String()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	return ReportHandle{
		ID:    id,
		Title: title,
		Path:  path,
		Bytes: len(content),
	}, nil
}

func writeSection(b *strings.Builder, heading, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", heading, body)
}

// deriveTitle falls back to the first line of the overview, clipped to
// something filename sized.
func deriveTitle(overview string) string {
	line := strings.TrimSpace(overview)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	line = strings.TrimLeft(line, "# ")
	if line == "" {
		return "Research Report"
	}

	runes := []rune(line)
	if len(runes) > 40 {
		line = string(runes[:40])
	}
	return line
}

func sanitizeFilename(title string) string {
	cleaned := unsafeFilenamePattern.ReplaceAllString(title, "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		return "report"
	}
	return cleaned
}
