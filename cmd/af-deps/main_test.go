package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStripVersionConstraint(t *testing.T) {
	cases := map[string]string{
		"foo":         "foo",
		"foo>=1.2":    "foo",
		"foo<=1.2":    "foo",
		"foo=1.2":     "foo",
		"foo>1.2":     "foo",
		"foo<1.2":     "foo",
		"!foo":        "foo",
		"so:libc.so6": "so:libc.so6",
	}
	for in, want := range cases {
		if got := stripVersionConstraint(in); got != want {
			t.Errorf("stripVersionConstraint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitSubpackages(t *testing.T) {
	got := splitSubpackages("foo-dev:_dev foo-doc:_doc:noarch")
	want := []string{"foo-dev", "foo-doc"}
	if len(got) != len(want) {
		t.Fatalf("splitSubpackages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitSubpackages = %v, want %v", got, want)
		}
	}
}

func TestSplitSubpackagesEmpty(t *testing.T) {
	if got := splitSubpackages(""); got != nil {
		t.Errorf("splitSubpackages(\"\") = %v, want nil", got)
	}
}

func writeAPKBUILD(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "APKBUILD"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing APKBUILD: %v", err)
	}
}

func TestSourceAPKBUILDParsesScalarsAndArrays(t *testing.T) {
	dir := t.TempDir()
	writeAPKBUILD(t, dir, `
pkgname=example
subpackages="example-dev:_dev example-doc:_doc"
depends="libfoo>=1.0 libbar"
makedepends="build-base"
makedepends_build=""
makedepends_host=""
`)

	vars, err := sourceAPKBUILD(dir)
	if err != nil {
		t.Fatalf("sourceAPKBUILD: %v", err)
	}

	if vars["PKGNAME"] != "example" {
		t.Errorf("PKGNAME = %q, want %q", vars["PKGNAME"], "example")
	}
	if vars["SUBPACKAGES"] != "example-dev:_dev example-doc:_doc" {
		t.Errorf("SUBPACKAGES = %q", vars["SUBPACKAGES"])
	}
	if vars["DEPENDS"] != "libfoo>=1.0 libbar" {
		t.Errorf("DEPENDS = %q", vars["DEPENDS"])
	}
}

func TestRunEmitsOwnsAndDependsRecords(t *testing.T) {
	dir := t.TempDir()
	startdir := filepath.Join(dir, "main", "example")
	if err := os.MkdirAll(startdir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAPKBUILD(t, startdir, `
pkgname=example
subpackages="example-dev:_dev"
depends="libfoo>=1.0"
makedepends="build-base"
makedepends_build=""
makedepends_host=""
`)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}

	if err := run([]string{startdir}, w); err != nil {
		t.Fatalf("run: %v", err)
	}
	w.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("reading pipe: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"o example " + startdir,
		"o example-dev " + startdir,
		"d " + startdir + " libfoo",
		"d " + startdir + " build-base",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("run() output missing %q; got:\n%s", want, out)
		}
	}
}
