package depgraph

import (
	"context"
	"testing"

	"github.com/apkfoundry/af/sandbox"
)

func TestParseRecords(t *testing.T) {
	lines := []string{
		"o libfoo main/libfoo",
		"o libbar main/libbar",
		"d main/libbar libfoo",
	}
	origins, deps, err := parseRecords(lines)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(origins) != 2 || len(deps) != 1 {
		t.Fatalf("got %d origins, %d deps", len(origins), len(deps))
	}
}

func TestParseRecordsRejectsMalformed(t *testing.T) {
	if _, _, err := parseRecords([]string{"o onlyonefield"}); err == nil {
		t.Fatal("expected an error for a malformed record")
	}
	if _, _, err := parseRecords([]string{"x a b"}); err == nil {
		t.Fatal("expected an error for an unknown record kind")
	}
}

func TestBuildGraphAddsEdgesAndWarnsOnUnknownProvider(t *testing.T) {
	origins := []originRecord{
		{name: "libfoo", startdir: "main/libfoo"},
	}
	deps := []depRecord{
		{startdir: "main/libbar", name: "libfoo"},
		{startdir: "main/libbar", name: "missing"},
	}

	res, err := buildGraph(origins, deps, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	down, err := res.Graph.Downstream("main/libfoo")
	if err != nil {
		t.Fatalf("Downstream: %v", err)
	}
	if len(down) != 1 || down[0] != "main/libbar" {
		t.Errorf("got %v", down)
	}

	if len(res.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(res.Warnings), res.Warnings)
	}
}

func TestBuildGraphSelfDependencyIgnored(t *testing.T) {
	origins := []originRecord{{name: "libfoo", startdir: "main/libfoo"}}
	deps := []depRecord{{startdir: "main/libfoo", name: "libfoo"}}

	res, err := buildGraph(origins, deps, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	down, _ := res.Graph.Downstream("main/libfoo")
	if len(down) != 0 {
		t.Errorf("expected no self-edge, got %v", down)
	}
}

func TestBuildGraphHonorsIgnorePairs(t *testing.T) {
	origins := []originRecord{
		{name: "a", startdir: "main/a"},
		{name: "b", startdir: "main/b"},
	}
	deps := []depRecord{{startdir: "main/b", name: "a"}}

	res, err := buildGraph(origins, deps, []IgnorePair{{A: "main/a", B: "main/b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	down, _ := res.Graph.Downstream("main/a")
	if len(down) != 0 {
		t.Errorf("expected suppressed edge, got %v", down)
	}
}

func TestBuildGraphCycleIsFatal(t *testing.T) {
	origins := []originRecord{
		{name: "a", startdir: "main/a"},
		{name: "b", startdir: "main/b"},
	}
	deps := []depRecord{
		{startdir: "main/b", name: "a"},
		{startdir: "main/a", name: "b"},
	}

	if _, err := buildGraph(origins, deps, nil); err == nil {
		t.Fatal("expected a cycle error")
	}
}

type fakeExecutor struct {
	output string
	rc     int
	err    error
}

func (f *fakeExecutor) Run(ctx context.Context, argv []string, opts sandbox.RunOptions) (int, error) {
	if opts.Stdout != nil {
		opts.Stdout.WriteString(f.output)
		opts.Stdout.Close()
	}
	return f.rc, f.err
}

func TestGenerateEndToEnd(t *testing.T) {
	exec := &fakeExecutor{output: "o libfoo main/libfoo\nd main/libbar libfoo\n"}
	res, err := Generate(context.Background(), exec, []string{"main/libfoo", "main/libbar"}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	down, _ := res.Graph.Downstream("main/libfoo")
	if len(down) != 1 || down[0] != "main/libbar" {
		t.Errorf("got %v", down)
	}
}
