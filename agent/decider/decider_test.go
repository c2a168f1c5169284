package decider

import (
	"context"
	"errors"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/finagent/finagent/agent/contract"
)

type fakeToolCallingModel struct {
	responses []*schema.Message
	err       error
	idx       int
}

func (f *fakeToolCallingModel) Generate(_ context.Context, _ []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.responses) {
		return nil, errors.New("no fake response left")
	}
	msg := f.responses[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeToolCallingModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func (f *fakeToolCallingModel) WithTools([]*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return f, nil
}

type fakeBuilder struct {
	model einomodel.ToolCallingChatModel
}

func (b fakeBuilder) New(context.Context) (einomodel.ToolCallingChatModel, error) {
	return b.model, nil
}

func TestDecideParsesModelReply(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{responses: []*schema.Message{
		{Content: "```json\n{\"action\":\"retrieve\",\"query\":\"茅台 净利润\",\"top_k\":3}\n```"},
	}}
	d, err := New(context.Background(), fakeBuilder{model: fake}, "decider prompt")
	if err != nil {
		t.Fatalf("new decider: %v", err)
	}

	got, err := d.Decide(context.Background(), contractx.DecisionRequest{
		Query: "茅台 2023 年净利润？",
		Now:   time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Kind != contractx.DecisionRetrieve || got.Query != "茅台 净利润" || got.TopK != 3 {
		t.Fatalf("unexpected decision: %+v", got)
	}
}

func TestDecideWrapsTransportFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{err: errors.New("gateway timeout")}
	d, err := New(context.Background(), fakeBuilder{model: fake}, "decider prompt")
	if err != nil {
		t.Fatalf("new decider: %v", err)
	}

	if _, err := d.Decide(context.Background(), contractx.DecisionRequest{Query: "q", Now: time.Now()}); !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("err = %v, want ErrModelInvoke", err)
	}
}

func TestDecideRejectsProseReply(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{responses: []*schema.Message{
		{Content: "I think I should search the corpus next."},
	}}
	d, err := New(context.Background(), fakeBuilder{model: fake}, "decider prompt")
	if err != nil {
		t.Fatalf("new decider: %v", err)
	}

	if _, err := d.Decide(context.Background(), contractx.DecisionRequest{Query: "q", Now: time.Now()}); !errors.Is(err, contractx.ErrDecisionParse) {
		t.Fatalf("err = %v, want ErrDecisionParse", err)
	}
}

func TestParseDecisionRetrieve(t *testing.T) {
	d, err := ParseDecision(`{"action":"retrieve","query":"贵州茅台 2023 净利润","top_k":3}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != contractx.DecisionRetrieve {
		t.Fatalf("kind = %q, want retrieve", d.Kind)
	}
	if d.Query != "贵州茅台 2023 净利润" || d.TopK != 3 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestParseDecisionCallTool(t *testing.T) {
	d, err := ParseDecision(`{"action":"call_tool","tool":"market_data","args":{"symbols":"sh600519","data_type":"realtime"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != contractx.DecisionCallTool || d.Tool != "market_data" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Args["symbols"] != "sh600519" {
		t.Fatalf("args not carried through: %+v", d.Args)
	}
}

func TestParseDecisionStripsFences(t *testing.T) {
	raw := "```json\n{\"action\":\"answer\",\"answer\":\"done\"}\n```"
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != contractx.DecisionAnswer || d.Answer != "done" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestParseDecisionSummarizeIgnoresExtraFields(t *testing.T) {
	d, err := ParseDecision(`{"action":"summarize"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != contractx.DecisionSummarize {
		t.Fatalf("kind = %q, want summarize", d.Kind)
	}
}

func TestParseDecisionRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         "next I will retrieve some documents",
		"unknown action":   `{"action":"plan"}`,
		"retrieve, no query": `{"action":"retrieve"}`,
		"negative top_k":   `{"action":"retrieve","query":"q","top_k":-1}`,
		"call_tool, no tool": `{"action":"call_tool","args":{}}`,
		"answer, no content": `{"action":"answer"}`,
		"empty":            "",
	}
	for name, raw := range cases {
		if _, err := ParseDecision(raw); !errors.Is(err, contractx.ErrDecisionParse) {
			t.Errorf("%s: err = %v, want ErrDecisionParse", name, err)
		}
	}
}
