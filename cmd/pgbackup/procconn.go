package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/cuemby/pgbackup/internal/protocol"
)

// workerStderr is where spawned worker subprocesses' stderr goes; tests
// that spawn workers in-process can redirect it.
var workerStderr io.Writer = os.Stderr

// pgbackupGreeting is the handshake value every worker/remote peer and
// its controlling client must agree on, the way the teacher's
// server/client pair greet each other before trusting the wire.
var pgbackupGreeting = protocol.Greeting{Name: "pgbackup", Service: "worker", Version: Version}

// stdioConn adapts a forked process's stdin/stdout pipes (from the
// child's point of view, its own os.Stdin/os.Stdout) into the duplex
// protocol.Conn a Server drives.
type stdioConn struct {
	r io.Reader
	w io.Writer
}

func (c stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c stdioConn) Close() error                { return nil }

// procConn is the controller-side half of a spawned worker process: its
// stdin/stdout pipes wired up as a protocol.Conn, plus the *exec.Cmd so
// Close can reap the process.
type procConn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	stdout io.ReadCloser
}

func (c *procConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *procConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *procConn) Close() error {
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	return c.cmd.Wait()
}

// spawnWorker forks self (the same binary re-invoked as "worker") and
// dials it over its stdio pipes, the controller-side counterpart of
// workerCmd's Serve loop.
func spawnWorker(self string, args []string) (*protocol.Client, *procConn, error) {
	cmd := exec.Command(self, append([]string{"worker"}, args...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("pgbackup: worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("pgbackup: worker stdout pipe: %w", err)
	}
	cmd.Stderr = workerStderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("pgbackup: start worker: %w", err)
	}
	pc := &procConn{cmd: cmd, stdin: stdin, stdout: stdout}
	cli, err := protocol.Dial(pc, pgbackupGreeting)
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("pgbackup: dial worker: %w", err)
	}
	return cli, pc, nil
}
