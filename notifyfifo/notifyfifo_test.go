package notifyfifo_test

import (
	"bufio"
	"path/filepath"
	"testing"
	"time"

	"github.com/apkfoundry/af/notifyfifo"
)

func TestPokeAndReadCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.fifo")

	f, err := notifyfifo.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reader, err := f.Reader()
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer reader.Close()

	got := make(chan byte, 1)
	go func() {
		br := bufio.NewReader(reader)
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		got <- b
	}()

	// Give the reader goroutine time to block on the open FIFO before
	// probing/poking it.
	time.Sleep(20 * time.Millisecond)

	if err := f.Poke(); err != nil {
		t.Fatalf("poke: %v", err)
	}

	if !f.Probe() {
		t.Fatal("expected probe to succeed with an open reader")
	}

	select {
	case b := <-got:
		if b != notifyfifo.CodePoll {
			t.Fatalf("got code %q, want %q", b, notifyfifo.CodePoll)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for code")
	}
}

func TestProbeFailsWithoutReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.fifo")

	f, err := notifyfifo.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if f.Probe() {
		t.Fatal("expected probe to fail with no reader open")
	}
}
