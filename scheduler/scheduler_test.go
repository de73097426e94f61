package scheduler

import (
	"context"
	"testing"

	"github.com/apkfoundry/af/digraph"
	"github.com/apkfoundry/af/model"
)

type fakeRunner struct {
	fail map[string]bool
	ran  []string
}

func (f *fakeRunner) RunTask(ctx context.Context, startdir string) (bool, error) {
	f.ran = append(f.ran, startdir)
	return !f.fail[startdir], nil
}

func chainGraph() *digraph.Graph {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	return g
}

func TestRunAllSucceed(t *testing.T) {
	g := chainGraph()
	r := &fakeRunner{fail: map[string]bool{}}
	results, err := Run(context.Background(), g, []string{"a", "b", "c"}, Ignore, r)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, n := range []string{"a", "b", "c"} {
		if results[n] != model.SUCCESS {
			t.Errorf("%s = %v, want SUCCESS", n, results[n])
		}
	}
}

func TestRunStopMarksRemainingDepfail(t *testing.T) {
	g := chainGraph()
	r := &fakeRunner{fail: map[string]bool{"a": true}}
	results, err := Run(context.Background(), g, []string{"a", "b", "c"}, Stop, r)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results["a"] != model.FAIL {
		t.Errorf("a = %v, want FAIL", results["a"])
	}
	if results["b"] != model.DEPFAIL || results["c"] != model.DEPFAIL {
		t.Errorf("b=%v c=%v, want DEPFAIL", results["b"], results["c"])
	}
	if len(r.ran) != 1 {
		t.Errorf("expected only a to run, got %v", r.ran)
	}
}

func TestRunRecalculateMarksOnlyDownstreamDepfail(t *testing.T) {
	g := digraph.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddNode("d") // unrelated initial node

	r := &fakeRunner{fail: map[string]bool{"a": true}}
	results, err := Run(context.Background(), g, []string{"a", "b", "c", "d"}, Recalculate, r)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results["a"] != model.FAIL {
		t.Errorf("a = %v, want FAIL", results["a"])
	}
	if results["b"] != model.DEPFAIL || results["c"] != model.DEPFAIL {
		t.Errorf("b=%v c=%v, want DEPFAIL", results["b"], results["c"])
	}
	if results["d"] != model.SUCCESS {
		t.Errorf("d = %v, want SUCCESS (unrelated to the failure)", results["d"])
	}
}

func TestRunIgnoreStillAttemptsDependents(t *testing.T) {
	g := chainGraph()
	r := &fakeRunner{fail: map[string]bool{"a": true}}
	results, err := Run(context.Background(), g, []string{"a", "b", "c"}, Ignore, r)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results["a"] != model.FAIL {
		t.Errorf("a = %v, want FAIL", results["a"])
	}
	if results["b"] != model.SUCCESS || results["c"] != model.SUCCESS {
		t.Errorf("b=%v c=%v, want SUCCESS since IGNORE does not propagate", results["b"], results["c"])
	}
	if len(r.ran) != 3 {
		t.Errorf("expected all three to run under IGNORE, got %v", r.ran)
	}
}

func TestRunCancelledContext(t *testing.T) {
	g := chainGraph()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &fakeRunner{fail: map[string]bool{}}
	results, err := Run(ctx, g, []string{"a", "b", "c"}, Ignore, r)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, n := range []string{"a", "b", "c"} {
		if results[n] != model.CANCEL {
			t.Errorf("%s = %v, want CANCEL", n, results[n])
		}
	}
	if len(r.ran) != 0 {
		t.Errorf("expected nothing to run on an already-cancelled context, got %v", r.ran)
	}
}

func TestSummarizeAndAnyFailure(t *testing.T) {
	results := map[string]model.Status{
		"a": model.SUCCESS,
		"b": model.FAIL,
		"c": model.DEPFAIL,
	}
	s := Summarize(results)
	if s.Success != 1 || s.Fail != 1 || s.DepFail != 1 {
		t.Errorf("got %+v", s)
	}
	if !s.AnyFailure() {
		t.Error("expected AnyFailure to be true")
	}

	allGood := Summarize(map[string]model.Status{"a": model.SUCCESS})
	if allGood.AnyFailure() {
		t.Error("expected AnyFailure to be false when everything succeeded")
	}
}
