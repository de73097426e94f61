package process

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// ScanLines reads from r a line at a time, calling f for each line. Unlike
// bufio.Scanner it has no maximum line length; very long lines are buffered
// and appended to until complete.
func ScanLines(r io.Reader, f func(line string)) error {
	var reader = bufio.NewReader(r)
	var appending []byte

	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		// If isPrefix is true, that means we've got a really
		// long line incoming, and we'll keep appending to it
		// until isPrefix is false (which means the long line
		// has ended.
		if isPrefix && appending == nil {
			// bufio.ReadLine returns a slice which is only valid until the next invocation
			// since it points to its own internal buffer array. To accumulate the entire
			// result we make a copy of the first prefix, and ensure there is spare capacity
			// for future appends to minimize the need for resizing on append.
			appending = make([]byte, len(line), (cap(line))*2)
			copy(appending, line)

			continue
		}

		// Should we be appending?
		if appending != nil {
			appending = append(appending, line...)

			// No more isPrefix! Line is finished!
			if !isPrefix {
				line = appending

				// Reset appending back to nil
				appending = nil
			} else {
				continue
			}
		}

		// Write to the handler function
		f(string(line))
	}

	return nil
}

type LineBuffer struct {
	mu  sync.RWMutex
	buf bytes.Buffer
}

func (l *LineBuffer) WriteLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Finally write the line to the writer
	l.buf.Write([]byte(line + "\n"))
}

// Output returns the buffered output of the line processor
func (l *LineBuffer) Output() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buf.String()
}
