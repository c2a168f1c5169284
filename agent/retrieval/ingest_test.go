package retrieval

import (
	"strings"
	"testing"
)

func TestParseReportName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want ReportMeta
	}{
		{
			in:   "600519_20240315_中信证券_年报点评.md",
			want: ReportMeta{Ticker: "600519", Date: "20240315", Broker: "中信证券", Subject: "年报点评"},
		},
		{
			in:   "INDUSTRY_20231201_国泰君安_白酒行业展望.txt",
			want: ReportMeta{Ticker: "INDUSTRY", Date: "20231201", Broker: "国泰君安", Subject: "白酒行业展望"},
		},
		{
			in:   "MACRO_20240101_央行_货币政策.md",
			want: ReportMeta{Ticker: "MACRO", Date: "20240101", Broker: "央行", Subject: "货币政策"},
		},
		{
			// Underscored ticker: the date token anchors the split.
			in:   "hk_00700_20240220_中金_业绩前瞻.md",
			want: ReportMeta{Ticker: "hk_00700", Date: "20240220", Broker: "中金", Subject: "业绩前瞻"},
		},
		{
			in:   "600519_20240315_中信证券_年报_深度_点评.md",
			want: ReportMeta{Ticker: "600519", Date: "20240315", Broker: "中信证券", Subject: "年报_深度_点评"},
		},
	}
	for _, tc := range cases {
		got, err := ParseReportName(tc.in)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseReportNameRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"notes.md",
		"20240315_中信证券_无代码.md",
		"600519_中信证券_无日期.md",
		"600519_20240315.md",
	} {
		if _, err := ParseReportName(in); err == nil {
			t.Errorf("%s: expected error", in)
		}
	}
}

func TestChunkRunesOverlap(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("甲", 250)
	chunks := chunkRunes(text, 100, 20)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	if chunks[0].start != 0 || chunks[0].end != 100 {
		t.Fatalf("chunk 0 spans %d..%d", chunks[0].start, chunks[0].end)
	}
	if chunks[1].start != 80 || chunks[1].end != 180 {
		t.Fatalf("chunk 1 spans %d..%d", chunks[1].start, chunks[1].end)
	}
	if chunks[2].start != 160 || chunks[2].end != 250 {
		t.Fatalf("chunk 2 spans %d..%d", chunks[2].start, chunks[2].end)
	}

	// Offsets count runes, not bytes.
	if got := len([]rune(chunks[0].text)); got != 100 {
		t.Fatalf("chunk 0 holds %d runes", got)
	}
}

func TestChunkRunesShortText(t *testing.T) {
	t.Parallel()

	chunks := chunkRunes("短文本", 100, 20)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].text != "短文本" || chunks[0].end != 3 {
		t.Fatalf("unexpected chunk: %+v", chunks[0])
	}

	if got := chunkRunes("", 100, 20); got != nil {
		t.Fatalf("empty text must yield no chunks, got %d", len(got))
	}
}
