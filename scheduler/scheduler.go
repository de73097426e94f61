// Package scheduler walks a dependency DAG, running each initial
// startdir exactly once (barring RECALCULATE removal) and applying a
// failure policy to decide what happens to the rest of the graph.
package scheduler

import (
	"context"

	"github.com/apkfoundry/af/digraph"
	"github.com/apkfoundry/af/model"
)

// Policy controls what happens to the remaining graph after a task
// fails.
type Policy int

const (
	// Stop marks every remaining initial node DEPFAIL and halts.
	Stop Policy = iota
	// Recalculate removes the failing node and its transitive
	// downstreams from the graph, marking any of those that were
	// themselves initial nodes DEPFAIL, then continues.
	Recalculate
	// Ignore leaves the graph untouched; dependents of a failed node
	// are still attempted and may fail on their own merits.
	Ignore
)

// TaskRunner runs a single startdir to completion.
type TaskRunner interface {
	RunTask(ctx context.Context, startdir string) (success bool, err error)
}

// Run builds every node in initial, respecting g's dependency order,
// until no further progress can be made. It returns a status per
// initial node. g is mutated in place under Recalculate and reset to
// empty under Stop; callers that need the graph afterward should pass
// a disposable copy.
func Run(ctx context.Context, g *digraph.Graph, initial []string, policy Policy, runner TaskRunner) (map[string]model.Status, error) {
	initialSet := make(map[string]bool, len(initial))
	for _, n := range initial {
		initialSet[n] = true
	}

	results := make(map[string]model.Status, len(initial))
	done := make(map[string]bool, len(initial))

	for {
		if ctx.Err() != nil {
			cancelRemaining(initial, done, results)
			return results, nil
		}

		order, err := g.TopologicalSort()
		if err != nil {
			return nil, err
		}

		var filtered []string
		for _, n := range order {
			if initialSet[n] && !done[n] {
				filtered = append(filtered, n)
			}
		}
		if len(filtered) == 0 {
			break
		}

		stoppedOrRecalculated := false
		for _, n := range filtered {
			if ctx.Err() != nil {
				cancelRemaining(initial, done, results)
				return results, nil
			}

			ok, err := runner.RunTask(ctx, n)
			if err != nil {
				return nil, err
			}
			done[n] = true

			if ok {
				results[n] = model.SUCCESS
				continue
			}

			results[n] = model.FAIL

			switch policy {
			case Stop:
				for _, m := range initial {
					if !done[m] {
						results[m] = model.DEPFAIL
						done[m] = true
					}
				}
				g.Reset()
				return results, nil

			case Recalculate:
				downs, err := g.AllDownstreams(n)
				if err != nil {
					return nil, err
				}
				downSet := make(map[string]bool, len(downs))
				for _, d := range downs {
					downSet[d] = true
				}
				for _, d := range downs {
					g.DeleteNode(d)
				}
				g.DeleteNode(n)
				for _, m := range initial {
					if downSet[m] && !done[m] {
						results[m] = model.DEPFAIL
						done[m] = true
					}
				}
				stoppedOrRecalculated = true

			case Ignore:
				// nothing removed; dependents still run.
			}

			if stoppedOrRecalculated {
				break
			}
		}
	}

	return results, nil
}

func cancelRemaining(initial []string, done map[string]bool, results map[string]model.Status) {
	for _, m := range initial {
		if !done[m] {
			results[m] = model.CANCEL
			done[m] = true
		}
	}
}

// Summary tallies a result map by status, for final reporting.
type Summary struct {
	Success int
	Fail    int
	Error   int
	DepFail int
	Cancel  int
}

// Summarize counts a Run result by status. AnyFailure reports true
// whenever the caller should exit nonzero.
func Summarize(results map[string]model.Status) Summary {
	var s Summary
	for _, st := range results {
		switch {
		case st == model.SUCCESS:
			s.Success++
		case st == model.DEPFAIL:
			s.DepFail++
		case st == model.CANCEL:
			s.Cancel++
		case st.Has(model.ERROR):
			s.Error++
			if st == model.FAIL {
				s.Fail++
			}
		}
	}
	return s
}

// AnyFailure reports whether the run should be treated as nonzero
// exit: any status other than SUCCESS.
func (s Summary) AnyFailure() bool {
	return s.Fail > 0 || s.Error > 0 || s.DepFail > 0 || s.Cancel > 0
}
