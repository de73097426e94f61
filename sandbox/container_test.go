package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apkfoundry/af/logger"
)

type stubFetcher struct {
	calledURL string
}

func (s *stubFetcher) Fetch(ctx context.Context, url, sha256Hex, destDir string) error {
	s.calledURL = url
	return os.MkdirAll(destDir, 0o755)
}

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(&logger.TextPrinter{Writer: discard{}}, func(int) {})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestMakeBuildsSkeletonAndMetadata(t *testing.T) {
	cdir := filepath.Join(t.TempDir(), "cdir")
	aports := t.TempDir()

	cfg := BuildConfig{
		CDir:    cdir,
		UID:     1000,
		GID:     1000,
		Branch:  "3.20-stable",
		Repo:    "main",
		Arch:    "x86_64",
		Mounts:  map[MountPoint]string{Aportsdir: aports},
		RootfsURL:    "https://example.invalid/rootfs.tar.zst",
		RootfsSHA256: "deadbeef",
	}

	fetcher := &stubFetcher{}
	c, err := Make(context.Background(), cfg, fetcher, discardLogger())
	if err != nil {
		t.Fatalf("Make: %v", err)
	}

	if fetcher.calledURL != cfg.RootfsURL {
		t.Errorf("fetcher called with %q, want %q", fetcher.calledURL, cfg.RootfsURL)
	}

	branch, err := readMetaFile(filepath.Join(c.configDir(), "branch"))
	if err != nil || branch != cfg.Branch {
		t.Errorf("branch = %q, %v", branch, err)
	}

	got, err := c.Aportsdir()
	if err != nil {
		t.Fatalf("Aportsdir: %v", err)
	}
	if got != aports {
		t.Errorf("Aportsdir() = %q, want %q", got, aports)
	}

	if _, err := c.Builddir(); err != nil {
		t.Errorf("Builddir should resolve to the internal scratch dir: %v", err)
	}
}
