package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ChildSpec describes the CLI child to spawn for a session.
type ChildSpec struct {
	Binary           string
	Model            string
	SessionID        string
	ResumeCheckpoint string
}

// Args builds the child's argv after the executable path.
func (s ChildSpec) Args() []string {
	args := []string{
		"--model", s.Model,
		"--output-format", "stream-json",
		"--no-color",
		"--quiet",
	}
	if s.ResumeCheckpoint != "" {
		args = append(args, "--resume", s.ResumeCheckpoint)
	}
	return args
}

// Child is a live CLI subprocess with attached stdio pipes.
type Child interface {
	PID() int32
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Alive() bool
	// Signal delivers SIGTERM (graceful) or SIGKILL to the child's
	// process group.
	Signal(graceful bool) error
	// Wait blocks until the child is reaped, returning its exit error.
	Wait(ctx context.Context) error
}

// Spawner starts children. It exists as an interface so tests can stand in
// a scripted child.
type Spawner interface {
	Spawn(ctx context.Context, spec ChildSpec) (Child, error)
}

// ExecSpawner spawns real CLI processes in their own process group.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, spec ChildSpec) (Child, error) {
	cmd := exec.Command(spec.Binary, spec.Args()...)
	cmd.Env = append(os.Environ(), "CLAUDE_SESSION_ID="+spec.SessionID)
	// Own process group so cancellation can signal the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	c := &execChild{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

type execChild struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	done    chan struct{}
	waitErr error

	signalOnce sync.Once
}

func (c *execChild) PID() int32        { return int32(c.cmd.Process.Pid) }
func (c *execChild) Stdin() io.Writer  { return c.stdin }
func (c *execChild) Stdout() io.Reader { return c.stdout }
func (c *execChild) Stderr() io.Reader { return c.stderr }

func (c *execChild) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *execChild) Signal(graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	// Negative PID addresses the process group.
	if err := syscall.Kill(-c.cmd.Process.Pid, sig); err != nil {
		return syscall.Kill(c.cmd.Process.Pid, sig)
	}
	return nil
}

func (c *execChild) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ringBuffer keeps the tail of a child's stderr for post-mortem inspection.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	full bool
	pos  int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size), size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos = (r.pos + 1) % r.size
		if r.pos == 0 {
			r.full = true
		}
	}
	return len(p), nil
}

// String returns the buffered tail in write order.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return string(r.buf[:r.pos])
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return string(out)
}
