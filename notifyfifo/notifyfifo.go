// Package notifyfifo implements the event notify FIFO: a named pipe
// used to wake the dispatcher's inbound event receiver without
// polling.
package notifyfifo

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Single-byte codes written to the FIFO.
const (
	CodePoll     = '1' // poll the events directory for new event files
	CodeShutdown = '0' // shut down the inbound receiver
	CodeLiveness = '2' // liveness probe
)

const mode = 0o660

// FIFO wraps the notify.fifo named pipe at a fixed path.
type FIFO struct {
	path string
}

// Create makes the FIFO at path if it doesn't already exist, mode
// 0660. A no-op if it already exists as a FIFO.
func Create(path string) (*FIFO, error) {
	err := syscall.Mkfifo(path, mode)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("notifyfifo: creating %s: %w", path, err)
	}
	return &FIFO{path: path}, nil
}

// Open opens an existing FIFO at path without creating it.
func Open(path string) *FIFO {
	return &FIFO{path: path}
}

// Reader opens the FIFO for reading. The caller is the inbound
// receiver thread; it should read one byte at a time in a loop. The
// FIFO is opened read-write, so the open does not wait for a writer
// and reads do not see EOF when a writer closes its end.
func (f *FIFO) Reader() (*os.File, error) {
	file, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("notifyfifo: opening %s for read: %w", f.path, err)
	}
	return file, nil
}

// writeCode opens the FIFO for writing, non-blocking, writes a single
// code byte, and closes it. Opening O_WRONLY|O_NONBLOCK on a FIFO
// with no reader fails immediately with ENXIO instead of blocking
// forever, which is how Poke/Shutdown/Probe report "reader not open".
func (f *FIFO) writeCode(code byte) error {
	file, err := os.OpenFile(f.path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write([]byte{code})
	return err
}

// Poke writes the "poll events dir" code.
func (f *FIFO) Poke() error {
	if err := f.writeCode(CodePoll); err != nil {
		return fmt.Errorf("notifyfifo: poke: %w", err)
	}
	return nil
}

// Shutdown writes the shutdown code.
func (f *FIFO) Shutdown() error {
	if err := f.writeCode(CodeShutdown); err != nil {
		return fmt.Errorf("notifyfifo: shutdown: %w", err)
	}
	return nil
}

// Probe writes the liveness code and returns true iff a reader is
// open on the other end (i.e. the write didn't fail with ENXIO or a
// broken pipe).
func (f *FIFO) Probe() bool {
	return f.writeCode(CodeLiveness) == nil
}

// Path returns the filesystem path of the FIFO.
func (f *FIFO) Path() string {
	return f.path
}
