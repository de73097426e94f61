package sandbox

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// RootfsFetcher downloads, verifies, and unpacks a rootfs tarball into
// destDir. Implementations must delete any partial download on a
// checksum mismatch.
type RootfsFetcher interface {
	Fetch(ctx context.Context, url, sha256Hex, destDir string) error
}

// HTTPFetcher fetches rootfs tarballs over plain HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url, sha256Hex, destDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("sandbox: building rootfs request: %w", err)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: fetching rootfs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox: fetching rootfs: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", "af-rootfs-*.tar")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		return fmt.Errorf("sandbox: downloading rootfs: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, sha256Hex) {
		return fmt.Errorf("sandbox: rootfs checksum mismatch: got %s want %s", got, sha256Hex)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return extractTarball(tmp, url, destDir)
}

// extractTarball dispatches to the zstd or gzip tar reader based on
// the source filename's extension.
func extractTarball(r io.Reader, name, destDir string) error {
	switch {
	case strings.HasSuffix(name, ".tar.zst") || strings.HasSuffix(name, ".tzst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("sandbox: opening zstd rootfs: %w", err)
		}
		defer zr.Close()
		return untar(zr, destDir)
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("sandbox: opening gzip rootfs: %w", err)
		}
		defer gz.Close()
		return untar(gz, destDir)
	default:
		return fmt.Errorf("sandbox: unrecognized rootfs archive name %q", name)
	}
}

func untar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("sandbox: reading tar entry: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode&0o7777)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0o7777))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(destDir, hdr.Linkname)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return err
			}
		}
	}
}

// safeJoin resolves name against destDir and rejects any entry that
// would escape destDir via ".." path components, a standard guard
// against malicious tar archives.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if target != destDir && !strings.HasPrefix(target, destDir+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: tar entry %q escapes destination", name)
	}
	return target, nil
}
