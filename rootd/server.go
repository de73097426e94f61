package rootd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apkfoundry/af/logger"
)

// Executor re-enters the owning container to run a privileged
// command. Implemented by sandbox.Container: for each accepted
// request the server re-enters the same container (reusing the
// cdir), this time with root=true, networking allowed, and a
// writable root, after refreshing skeleton files.
type Executor interface {
	RefreshSkeleton(ctx context.Context) error
	RunPrivileged(ctx context.Context, argv []string, stdin, stdout, stderr *os.File) (int, error)
}

// Server runs the root daemon's accept loop on one connected socket
// end. One Server, and one background goroutine running it, exists
// per open container.
type Server struct {
	conn *os.File
	exec Executor
	log  logger.Logger
}

// New returns a Server bound to conn (the parent's end of a
// Socketpair) and exec (the container to re-enter for privileged
// execution).
func New(conn *os.File, exec Executor, log logger.Logger) *Server {
	return &Server{conn: conn, exec: exec, log: log}
}

// Serve runs the accept loop until the peer disconnects or ctx is
// canceled. Peer disconnect ends the session; it is not an error.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		req, err := RecvRequest(s.conn)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rootd: receiving request: %w", err)
		}

		s.handle(ctx, req)
	}
}

// handle validates and executes one request, always sending exactly
// one response, and always closing the three fds it was handed:
// callers close their copies after read, the server closes its own
// before the next request.
func (s *Server) handle(ctx context.Context, req *Request) {
	defer req.Stdin.Close()
	defer req.Stdout.Close()
	defer req.Stderr.Close()

	run, err := Lookup(req.Command, req.Args)
	if err != nil {
		s.log.Warn("[rootd] rejected %s %v: %v", req.Command, req.Args, err)
		fmt.Fprintln(req.Stderr, err.Error())
		_ = SendResponse(s.conn, 1)
		return
	}

	if err := s.exec.RefreshSkeleton(ctx); err != nil {
		s.log.Error("[rootd] refreshing skeleton before %s: %v", req.Command, err)
		fmt.Fprintf(req.Stderr, "rootd: refreshing skeleton: %v\n", err)
		_ = SendResponse(s.conn, 1)
		return
	}

	argv := append([]string{run}, req.Args...)
	retcode, err := s.exec.RunPrivileged(ctx, argv, req.Stdin, req.Stdout, req.Stderr)
	if err != nil {
		s.log.Error("[rootd] running %v: %v", argv, err)
		fmt.Fprintf(req.Stderr, "rootd: %v\n", err)
		_ = SendResponse(s.conn, 1)
		return
	}

	s.log.Debug("[rootd] %v exited %d", argv, retcode)
	if err := SendResponse(s.conn, int32(retcode)); err != nil {
		s.log.Error("[rootd] sending response: %v", err)
	}
}
