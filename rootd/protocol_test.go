package rootd_test

import (
	"os"
	"testing"

	"github.com/apkfoundry/af/rootd"
)

func TestSendRecvRequestRoundTrip(t *testing.T) {
	parent, child, err := rootd.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer stdinR.Close()
	defer stdinW.Close()

	done := make(chan struct{})
	var gotReq *rootd.Request
	var recvErr error
	go func() {
		gotReq, recvErr = rootd.RecvRequest(parent)
		close(done)
	}()

	req := &rootd.Request{
		Command: "abuild-fetch",
		Args:    []string{"-d", "/tmp/x", "https://example.invalid/a.tar"},
		Stdin:   stdinR,
		Stdout:  stdinW,
		Stderr:  stdinW,
	}
	if err := rootd.SendRequest(child, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	<-done
	if recvErr != nil {
		t.Fatalf("recv: %v", recvErr)
	}

	if gotReq.Command != "abuild-fetch" {
		t.Errorf("got command %q", gotReq.Command)
	}
	if len(gotReq.Args) != 3 || gotReq.Args[0] != "-d" {
		t.Errorf("got args %v", gotReq.Args)
	}
	gotReq.Stdin.Close()
	gotReq.Stdout.Close()
	gotReq.Stderr.Close()
}

func TestSendRecvResponseRoundTrip(t *testing.T) {
	parent, child, err := rootd.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	done := make(chan struct{})
	go func() {
		_ = rootd.SendResponse(parent, 7)
		close(done)
	}()

	got, err := rootd.RecvResponse(child)
	<-done
	if err != nil {
		t.Fatalf("recv response: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}
