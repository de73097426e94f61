// af-deps runs inside the build container (spec.md §4.4): for each
// startdir given on argv, source its APKBUILD in a throwaway shell and
// print the "o"/"d" records the host-side depgraph package parses into
// a dependency digraph.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// varsScript asks a POSIX shell to source APKBUILD and print the
// variables we care about, one per line with a sentinel prefix so
// multi-word values (arrays) can be told apart from scalars.
const varsScript = `
set -e
cd "$1"
. ./APKBUILD
printf 'PKGNAME\t%s\n' "$pkgname"
printf 'SUBPACKAGES\t%s\n' "$subpackages"
printf 'DEPENDS\t%s\n' "$depends"
printf 'MAKEDEPENDS\t%s\n' "$makedepends"
printf 'MAKEDEPENDS_BUILD\t%s\n' "$makedepends_build"
printf 'MAKEDEPENDS_HOST\t%s\n' "$makedepends_host"
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "af-deps:", err)
		os.Exit(1)
	}
}

func run(startdirs []string, out *os.File) error {
	w := bufio.NewWriter(out)
	defer w.Flush()

	for _, startdir := range startdirs {
		vars, err := sourceAPKBUILD(startdir)
		if err != nil {
			return fmt.Errorf("sourcing %s/APKBUILD: %w", startdir, err)
		}

		names := []string{vars["PKGNAME"]}
		for _, sub := range splitSubpackages(vars["SUBPACKAGES"]) {
			names = append(names, sub)
		}
		for _, name := range names {
			if name == "" {
				continue
			}
			fmt.Fprintf(w, "o %s %s\n", name, startdir)
		}

		var needed []string
		needed = append(needed, splitFields(vars["DEPENDS"])...)
		needed = append(needed, splitFields(vars["MAKEDEPENDS"])...)
		needed = append(needed, splitFields(vars["MAKEDEPENDS_BUILD"])...)
		needed = append(needed, splitFields(vars["MAKEDEPENDS_HOST"])...)
		for _, dep := range needed {
			name := stripVersionConstraint(dep)
			if name == "" {
				continue
			}
			fmt.Fprintf(w, "d %s %s\n", startdir, name)
		}
	}

	return nil
}

// sourceAPKBUILD runs varsScript under /bin/sh and parses its
// tab-separated VAR\tVALUE output.
func sourceAPKBUILD(startdir string) (map[string]string, error) {
	abs, err := filepath.Abs(startdir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", varsScript, "af-deps", abs)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, stderr.String())
	}

	vars := map[string]string{}
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.IndexByte(line, '\t')
		if idx < 0 {
			continue
		}
		vars[line[:idx]] = line[idx+1:]
	}
	return vars, sc.Err()
}

// splitSubpackages extracts the bare subpackage names from abuild's
// "name:func:arch name2:func2" syntax.
func splitSubpackages(field string) []string {
	var names []string
	for _, entry := range splitFields(field) {
		name, _, _ := strings.Cut(entry, ":")
		names = append(names, name)
	}
	return names
}

func splitFields(s string) []string {
	return strings.Fields(s)
}

// stripVersionConstraint drops a leading "!" and abuild's version
// constraints ("name>=1.2", "name<1.2", "name=1.2"); "so:"/"pc:"/"cmd:"
// qualifiers are left intact since af-deps matches against declared
// provides verbatim.
func stripVersionConstraint(dep string) string {
	dep = strings.TrimPrefix(dep, "!")
	for _, cut := range []string{">=", "<=", "=", ">", "<"} {
		if idx := strings.Index(dep, cut); idx > 0 {
			return dep[:idx]
		}
	}
	return dep
}
