package rootd

import "os"

// Call sends one request over conn using stdin/stdout/stderr as the
// three fds to pass, and waits for the 4-byte response. This is the
// client side used by af-sudo inside the sandbox.
func Call(conn *os.File, command string, args []string, stdin, stdout, stderr *os.File) (int32, error) {
	req := &Request{
		Command: command,
		Args:    args,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
	}

	if err := SendRequest(conn, req); err != nil {
		return 0, err
	}

	return RecvResponse(conn)
}
