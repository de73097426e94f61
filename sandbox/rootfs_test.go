package sandbox

import "testing"

func TestSafeJoinRejectsEscape(t *testing.T) {
	if _, err := safeJoin("/tmp/dest", "../../etc/passwd"); err == nil {
		t.Fatal("expected rejection of a path escaping the destination")
	}
}

func TestSafeJoinAllowsNested(t *testing.T) {
	got, err := safeJoin("/tmp/dest", "sub/dir/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/tmp/dest/sub/dir/file.txt" {
		t.Errorf("got %q", got)
	}
}

func TestExtractTarballRejectsUnknownExtension(t *testing.T) {
	err := extractTarball(nil, "rootfs.zip", "/tmp/dest")
	if err == nil {
		t.Fatal("expected rejection of an unrecognized archive name")
	}
}
