package taskrunner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/sandbox"
)

type fakeContainer struct {
	aportsdir string
	infoDir   string
	repo      string
	lastArgv  []string
	lastOpts  sandbox.RunOptions
	rc        int
}

func (f *fakeContainer) Run(ctx context.Context, argv []string, opts sandbox.RunOptions) (int, error) {
	f.lastArgv = argv
	f.lastOpts = opts
	return f.rc, nil
}

func (f *fakeContainer) Aportsdir() (string, error) { return f.aportsdir, nil }

func (f *fakeContainer) InfoDir(mp sandbox.MountPoint) string { return f.infoDir }

func (f *fakeContainer) SetRepo(repo string) error {
	f.repo = repo
	return nil
}

func testLogger() logger.Logger {
	return logger.NewConsoleLogger(&logger.TextPrinter{Writer: &bytes.Buffer{}}, func(int) {})
}

func TestRunSuccessCleansUpTmp(t *testing.T) {
	aportsdir := t.TempDir()
	infoDir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(aportsdir, "main", "libfoo"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(aportsdir, "main", "libfoo", "APKBUILD"), []byte("pkgname=libfoo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &fakeContainer{aportsdir: aportsdir, infoDir: infoDir, rc: 0}
	res, err := Run(context.Background(), c, testLogger(), "/af/libexec/af-build", "main/libfoo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
	if c.repo != "main" {
		t.Errorf("repo = %q, want main", c.repo)
	}

	tmpReal := filepath.Join(infoDir, "main/libfoo", "tmp")
	if _, err := os.Stat(tmpReal); !os.IsNotExist(err) {
		t.Errorf("expected tmp to be cleaned up, stat err = %v", err)
	}
}

func TestRunAltSuccessCountsAsSuccess(t *testing.T) {
	aportsdir := t.TempDir()
	infoDir := t.TempDir()
	os.MkdirAll(filepath.Join(aportsdir, "main", "libfoo"), 0o755)

	c := &fakeContainer{aportsdir: aportsdir, infoDir: infoDir, rc: 10}
	res, err := Run(context.Background(), c, testLogger(), "/af/libexec/af-build", "main/libfoo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Error("expected retcode 10 to count as success")
	}
}

func TestRunFailureKeepsTmp(t *testing.T) {
	aportsdir := t.TempDir()
	infoDir := t.TempDir()
	os.MkdirAll(filepath.Join(aportsdir, "main", "libfoo"), 0o755)

	c := &fakeContainer{aportsdir: aportsdir, infoDir: infoDir, rc: 1}
	res, err := Run(context.Background(), c, testLogger(), "/af/libexec/af-build", "main/libfoo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Error("expected failure")
	}

	tmpReal := filepath.Join(infoDir, "main/libfoo", "tmp")
	if _, err := os.Stat(tmpReal); err != nil {
		t.Errorf("expected tmp to survive a failed build, stat err = %v", err)
	}
}

func TestRunEnablesNetworkingFromOptions(t *testing.T) {
	aportsdir := t.TempDir()
	infoDir := t.TempDir()
	os.MkdirAll(filepath.Join(aportsdir, "main", "libfoo"), 0o755)
	os.WriteFile(filepath.Join(aportsdir, "main", "libfoo", "APKBUILD"), []byte("options=\"net !check\"\n"), 0o644)

	c := &fakeContainer{aportsdir: aportsdir, infoDir: infoDir, rc: 0}
	if _, err := Run(context.Background(), c, testLogger(), "/af/libexec/af-build", "main/libfoo"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !c.lastOpts.Network {
		t.Error("expected networking to be enabled for an options=net recipe")
	}
}
