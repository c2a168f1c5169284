package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/decider.txt
	deciderRaw string

	//go:embed template/summarizer.txt
	summarizerRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Decider    string
	Summarizer string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Decider:    strings.TrimSpace(deciderRaw),
		Summarizer: strings.TrimSpace(summarizerRaw),
	}
}
