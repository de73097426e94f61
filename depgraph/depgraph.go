// Package depgraph runs the in-container dependency generator and
// assembles its output into a buildable digraph.
package depgraph

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/apkfoundry/af/digraph"
	"github.com/apkfoundry/af/sandbox"
)

// Executor is the narrow slice of sandbox.Container depgraph needs:
// run a helper inside the build container and observe its exit code.
type Executor interface {
	Run(ctx context.Context, argv []string, opts sandbox.RunOptions) (int, error)
}

const depsHelper = "/af/libexec/af-deps"

// IgnorePair suppresses both directions of an edge between A and B,
// for cases where the generator's heuristics produce a false
// dependency (e.g. a build-vs-test tool circularity).
type IgnorePair struct {
	A, B string
}

// Result is the outcome of Generate: the assembled graph plus any
// "needed name has no known provider" warnings, which are non-fatal.
type Result struct {
	Graph    *digraph.Graph
	Warnings []string
}

// Generate runs af-deps over startdirs inside the container, parses
// its o/d records, and builds the provider->consumer digraph. Unknown
// provider names are collected as warnings, not failures. The result
// is checked for acyclicity; a cycle is always fatal.
func Generate(ctx context.Context, exec Executor, startdirs []string, ignore []IgnorePair) (*Result, error) {
	lines, err := runDepsHelper(ctx, exec, startdirs)
	if err != nil {
		return nil, err
	}

	origins, deps, err := parseRecords(lines)
	if err != nil {
		return nil, err
	}

	return buildGraph(origins, deps, ignore)
}

func runDepsHelper(ctx context.Context, exec Executor, startdirs []string) ([]string, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	var lines []string
	done := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		done <- sc.Err()
	}()

	argv := append([]string{depsHelper}, startdirs...)
	rc, runErr := exec.Run(ctx, argv, sandbox.RunOptions{Stdout: w})
	w.Close()
	scanErr := <-done
	r.Close()

	if runErr != nil {
		return nil, fmt.Errorf("depgraph: running af-deps: %w", runErr)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("depgraph: reading af-deps output: %w", scanErr)
	}
	if rc != 0 {
		return nil, fmt.Errorf("depgraph: af-deps exited %d", rc)
	}

	return lines, nil
}

type originRecord struct {
	name     string
	startdir string
}

type depRecord struct {
	startdir string
	name     string
}

// parseRecords splits af-deps's "o"/"d" lines.
func parseRecords(lines []string) ([]originRecord, []depRecord, error) {
	var origins []originRecord
	var deps []depRecord

	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, nil, fmt.Errorf("depgraph: malformed record at line %d: %q", i+1, line)
		}

		switch fields[0] {
		case "o":
			origins = append(origins, originRecord{name: fields[1], startdir: fields[2]})
		case "d":
			deps = append(deps, depRecord{startdir: fields[1], name: fields[2]})
		default:
			return nil, nil, fmt.Errorf("depgraph: unknown record kind %q at line %d", fields[0], i+1)
		}
	}

	return origins, deps, nil
}

func buildGraph(origins []originRecord, deps []depRecord, ignore []IgnorePair) (*Result, error) {
	providers := make(map[string]string, len(origins))
	for _, o := range origins {
		providers[o.name] = o.startdir
	}

	suppressed := make(map[[2]string]struct{}, len(ignore))
	for _, p := range ignore {
		suppressed[[2]string{p.A, p.B}] = struct{}{}
		suppressed[[2]string{p.B, p.A}] = struct{}{}
	}

	g := digraph.New()
	for _, o := range origins {
		g.AddNode(o.startdir)
	}

	var warnings []string
	for _, d := range deps {
		g.AddNode(d.startdir)

		provider, ok := providers[d.name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("no provider for %q (needed by %s)", d.name, d.startdir))
			continue
		}
		if provider == d.startdir {
			continue
		}
		if _, skip := suppressed[[2]string{provider, d.startdir}]; skip {
			continue
		}
		g.AddEdge(provider, d.startdir)
	}

	if _, err := g.TopologicalSort(); err != nil {
		return nil, fmt.Errorf("depgraph: %w", err)
	}

	return &Result{Graph: g, Warnings: warnings}, nil
}
