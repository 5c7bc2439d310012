// Package runner executes one external process to completion with
// line-by-line output capture and cooperative cancellation.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// LineSink receives one complete output line (without the trailing newline).
type LineSink func(line string)

// Spec describes the process to run.
type Spec struct {
	Path   string
	Args   []string
	Dir    string
	Env    map[string]string // appended to the current environment
	Stdout LineSink          // optional
	Stderr LineSink          // optional
}

// maxLineSize bounds a single captured output line. Build tools can emit
// very long lines (progress bars, base64 blobs).
const maxLineSize = 1 << 20

// pipeGrace bounds how long Run waits for the output pipes to reach EOF
// after the direct child has exited. A descendant that inherited the pipes
// and outlived the child would otherwise hold them open forever.
const pipeGrace = 5 * time.Second

// Run starts the process and waits for it to exit, streaming each complete
// output line to the sinks as it arrives. The exit code is returned for
// normal termination, including non-zero exits. If the context is cancelled
// the entire process group is killed and Run returns the context error
// promptly instead of waiting for a natural exit. A process that fails to
// start is an immediate error.
func Run(ctx context.Context, spec Spec) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = 5 * time.Second

	// The build tool forks helpers (git, docker, compilers) that inherit
	// our output pipes. Run the child in its own process group and kill
	// the group on cancellation, so every descendant dies and the pipes
	// actually close. Killing only the direct child would leave orphans
	// writing into a pipe nobody drains.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	// Own pipes instead of StdoutPipe/StderrPipe: cmd.Wait must not block
	// on our readers, and we must be able to force EOF on them ourselves.
	var readers, writers []*os.File
	var wg sync.WaitGroup
	attach := func(sink LineSink) (*os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
		writers = append(writers, w)
		wg.Add(1)
		go scanLines(&wg, r, sink)
		return w, nil
	}
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}

	if spec.Stdout != nil {
		w, err := attach(spec.Stdout)
		if err != nil {
			closeAll(readers)
			closeAll(writers)
			return -1, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stdout = w
	}
	if spec.Stderr != nil {
		w, err := attach(spec.Stderr)
		if err != nil {
			closeAll(readers)
			closeAll(writers)
			return -1, fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stderr = w
	}

	if err := cmd.Start(); err != nil {
		closeAll(writers)
		closeAll(readers)
		wg.Wait()
		return -1, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	// The child holds its own copies now; drop ours so EOF can propagate.
	closeAll(writers)

	waitErr := cmd.Wait()

	// The scanners normally finish the moment the pipes hit EOF. If a
	// stray descendant still holds a write end, force EOF after the grace
	// period rather than hanging.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(pipeGrace):
		closeAll(readers)
		<-drained
	}

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait %s: %w", spec.Path, waitErr)
	}
	return 0, nil
}

func scanLines(wg *sync.WaitGroup, r io.Reader, sink LineSink) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		sink(scanner.Text())
	}
}
