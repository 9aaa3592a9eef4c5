package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// LaunchSpec describes the worker process.
type LaunchSpec struct {
	Executable string
	Args       []string
	Env        []string
	Dir        string
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Output is stdout and stderr merged, read by one consumer until EOF.
	Output() io.Reader
	// Exited is closed once the process has terminated.
	Exited() <-chan struct{}
	// Wait blocks until exit and returns the exit error.
	Wait() error
	// Kill terminates the process and its children and waits for exit.
	Kill() error
	// Close releases the output stream.
	Close() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs the worker as an OS process. The process outlives the
// context passed to Launch; it is stopped through Kill.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	if spec.Executable == "" {
		return nil, fmt.Errorf("supervisor: no worker executable configured")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: output pipe: %w", err)
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("supervisor: start %s: %w", spec.Executable, err)
	}
	// The child holds its own copy of the write end; EOF arrives when the
	// process tree is gone.
	pw.Close()

	p := &execProcess{cmd: cmd, out: pr, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	out    *os.File
	exited chan struct{}
	err    error

	closeOnce sync.Once
}

func (p *execProcess) Pid() int                { return p.cmd.Process.Pid }
func (p *execProcess) Output() io.Reader       { return p.out }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Wait() error {
	<-p.exited
	return p.err
}

func (p *execProcess) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := killProcessTree(p.cmd); err != nil {
		return fmt.Errorf("supervisor: kill worker %d: %w", p.Pid(), err)
	}
	<-p.exited
	return nil
}

func (p *execProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.out.Close() })
	return err
}
