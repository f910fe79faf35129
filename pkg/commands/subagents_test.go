package commands

import (
	"context"
	"testing"

	"github.com/sipeed/picoclaw/pkg/config"
)

type fakeSubagentOps struct {
	runs    []SubagentSummary
	stopped int
	sent    map[string]string
}

func (f *fakeSubagentOps) List() []SubagentSummary { return f.runs }

func (f *fakeSubagentOps) Info(runID string) (SubagentSummary, bool) {
	for _, r := range f.runs {
		if r.RunID == runID {
			return r, true
		}
	}
	return SubagentSummary{}, false
}

func (f *fakeSubagentOps) Log(runID string, limit int) (string, bool) {
	if runID == "run_1" {
		return "findings here", true
	}
	return "", false
}

func (f *fakeSubagentOps) Send(runID, message string) bool {
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	if runID != "run_1" {
		return false
	}
	f.sent[runID] = message
	return true
}

func (f *fakeSubagentOps) StopRun(runID string) bool {
	for _, r := range f.runs {
		if r.RunID == runID {
			f.stopped++
			return true
		}
	}
	return false
}

func (f *fakeSubagentOps) Stop() int {
	f.stopped++
	return len(f.runs)
}

type subagentFakeRuntime struct {
	ops SubagentOps
}

func (r *subagentFakeRuntime) Channel() string                { return "telegram" }
func (r *subagentFakeRuntime) ScopeKey() string                { return "scope" }
func (r *subagentFakeRuntime) SessionOps() SessionOps          { return nil }
func (r *subagentFakeRuntime) Config() *config.Config          { return &config.Config{} }
func (r *subagentFakeRuntime) SubagentOps() SubagentOps        { return r.ops }

func TestSubagentsCommand_List(t *testing.T) {
	ops := &fakeSubagentOps{runs: []SubagentSummary{{RunID: "run_1", Label: "audit", Status: "running", Task: "audit repo"}}}
	ctx := WithRuntime(context.Background(), &subagentFakeRuntime{ops: ops})

	var got string
	err := handleSubagentsCommand(ctx, Request{Text: "/subagents list", Reply: func(text string) error { got = text; return nil }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == "" {
		t.Fatal("expected a non-empty reply")
	}
}

func TestSubagentsCommand_SendAndLog(t *testing.T) {
	ops := &fakeSubagentOps{runs: []SubagentSummary{{RunID: "run_1", Task: "audit repo"}}}
	ctx := WithRuntime(context.Background(), &subagentFakeRuntime{ops: ops})

	var got string
	reply := func(text string) error { got = text; return nil }

	if err := handleSubagentsCommand(ctx, Request{Text: "/subagents send run_1 keep going", Reply: reply}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ops.sent["run_1"] != "keep going" {
		t.Fatalf("sent message = %q, want %q", ops.sent["run_1"], "keep going")
	}

	if err := handleSubagentsCommand(ctx, Request{Text: "/subagents log run_1", Reply: reply}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "findings here" {
		t.Fatalf("log reply = %q, want %q", got, "findings here")
	}

	if err := handleSubagentsCommand(ctx, Request{Text: "/subagents send missing hi", Reply: reply}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == "findings here" {
		t.Fatal("expected a failure reply for unknown run id")
	}
}

func TestStopCommand_CascadesActiveRuns(t *testing.T) {
	ops := &fakeSubagentOps{runs: []SubagentSummary{{RunID: "run_1"}, {RunID: "run_2"}}}
	ctx := WithRuntime(context.Background(), &subagentFakeRuntime{ops: ops})

	var got string
	err := handleStopCommand(ctx, Request{Text: "/stop", Reply: func(text string) error { got = text; return nil }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ops.stopped != 1 {
		t.Fatalf("Stop called %d times, want 1", ops.stopped)
	}
	if got == "" {
		t.Fatal("expected a non-empty reply")
	}
}

func TestSubagentsCommand_OrdinalRefsResolveThroughList(t *testing.T) {
	ops := &fakeSubagentOps{runs: []SubagentSummary{
		{RunID: "run_1", Task: "audit repo"},
		{RunID: "run_2", Task: "summarise docs"},
	}}
	ctx := WithRuntime(context.Background(), &subagentFakeRuntime{ops: ops})

	var got string
	reply := func(text string) error { got = text; return nil }

	if err := handleSubagentsCommand(ctx, Request{Text: "/subagents send #1 hello", Reply: reply}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ops.sent["run_1"] != "hello" {
		t.Fatalf("ordinal #1 should resolve to run_1, sent = %v", ops.sent)
	}

	if err := handleSubagentsCommand(ctx, Request{Text: "/subagents info #3", Reply: reply}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `No run "#3" found.` {
		t.Fatalf("out-of-range ordinal reply = %q", got)
	}
}

func TestSubagentsCommand_StopSingleRunAndAll(t *testing.T) {
	ops := &fakeSubagentOps{runs: []SubagentSummary{{RunID: "run_1"}, {RunID: "run_2"}}}
	ctx := WithRuntime(context.Background(), &subagentFakeRuntime{ops: ops})

	var got string
	reply := func(text string) error { got = text; return nil }

	if err := handleSubagentsCommand(ctx, Request{Text: "/subagents stop run_2", Reply: reply}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ops.stopped != 1 {
		t.Fatalf("expected one StopRun call, got %d", ops.stopped)
	}

	if err := handleSubagentsCommand(ctx, Request{Text: "/subagents stop all", Reply: reply}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ops.stopped != 2 {
		t.Fatalf("expected cascade Stop after 'stop all', got %d", ops.stopped)
	}
	if got == "" {
		t.Fatal("expected a non-empty reply")
	}
}

func TestSubagentsCommand_NoRuntime(t *testing.T) {
	var got string
	err := handleSubagentsCommand(context.Background(), Request{Text: "/subagents list", Reply: func(text string) error { got = text; return nil }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Subagents are not available in this context." {
		t.Fatalf("reply = %q", got)
	}
}
