// Package rootd implements the root daemon: an in-process authority
// that lets an unprivileged build running inside a container perform
// a small, audited set of operations that require root inside the
// namespace, without granting the sandboxed process full root.
//
// The wire format is byte-exact with the protocol it was ported
// from: each request is a NUL-joined argv byte string plus ancillary
// data carrying exactly three file descriptors (stdin, stdout,
// stderr); each response is a 4-byte little-endian return code.
package rootd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const maxRequestSize = 64 * 1024

// Socketpair creates a connected pair of Unix stream sockets: the
// parent keeps one end and runs the server loop on it, the sandboxed
// child inherits the other end as its client fd.
func Socketpair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("rootd: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "rootd-parent"), os.NewFile(uintptr(fds[1]), "rootd-child"), nil
}

// Request is one client invocation: Command is the whitelisted
// client-facing name (the "Caller invokes" column), Args are its
// arguments, and Stdin/Stdout/Stderr are the three fds passed by
// ancillary data.
type Request struct {
	Command string
	Args    []string

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// SendRequest NUL-joins Command and Args and sends them as the
// regular payload of a single sendmsg call, with Stdin/Stdout/Stderr
// passed as SCM_RIGHTS ancillary data.
func SendRequest(conn *os.File, req *Request) error {
	argv := append([]string{req.Command}, req.Args...)
	payload := []byte(joinNUL(argv))

	rights := unix.UnixRights(
		int(req.Stdin.Fd()),
		int(req.Stdout.Fd()),
		int(req.Stderr.Fd()),
	)

	if err := unix.Sendmsg(int(conn.Fd()), payload, rights, nil, 0); err != nil {
		return fmt.Errorf("rootd: sendmsg: %w", err)
	}
	return nil
}

// RecvRequest reads one request from conn, including the three
// ancillary fds. Returns io.EOF if the peer has disconnected.
func RecvRequest(conn *os.File) (*Request, error) {
	buf := make([]byte, maxRequestSize)
	oob := make([]byte, unix.CmsgSpace(3*4))

	n, oobn, _, _, err := unix.Recvmsg(int(conn.Fd()), buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("rootd: recvmsg: %w", err)
	}
	if n == 0 && oobn == 0 {
		return nil, io.EOF
	}

	argv := splitNUL(buf[:n])
	if len(argv) == 0 {
		return nil, fmt.Errorf("rootd: empty request")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("rootd: parsing control message: %w", err)
	}

	var fds []int
	for _, c := range cmsgs {
		parsed, err := unix.ParseUnixRights(&c)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	if len(fds) != 3 {
		closeAll(fds)
		return nil, fmt.Errorf("rootd: expected 3 fds, got %d", len(fds))
	}

	return &Request{
		Command: argv[0],
		Args:    argv[1:],
		Stdin:   os.NewFile(uintptr(fds[0]), "stdin"),
		Stdout:  os.NewFile(uintptr(fds[1]), "stdout"),
		Stderr:  os.NewFile(uintptr(fds[2]), "stderr"),
	}, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// SendResponse writes a 4-byte little-endian return code.
func SendResponse(conn *os.File, retcode int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(retcode))
	if _, err := conn.Write(b[:]); err != nil {
		return fmt.Errorf("rootd: writing response: %w", err)
	}
	return nil
}

// RecvResponse reads a 4-byte little-endian return code.
func RecvResponse(conn *os.File) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return 0, fmt.Errorf("rootd: reading response: %w", err)
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func joinNUL(parts []string) string {
	return string(bytes.Join(toByteSlices(parts), []byte{0}))
}

func splitNUL(b []byte) []string {
	b = bytes.TrimRight(b, "\x00")
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(b, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

func toByteSlices(parts []string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}
