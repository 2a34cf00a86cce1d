// Package executor starts payloads on the worker node and controls their process trees.
package executor

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/agent/proc"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
)

// Spec describes one payload to start.
type Spec struct {
	JobID   int64
	Command string
	WorkDir string
	Env     []string
}

// Process is a running payload.
type Process interface {
	PID() int
	// Done is closed once the payload has exited.
	Done() <-chan struct{}
	// ExitCode is only meaningful after Done is closed. A payload killed by a signal reports 128 plus the signal.
	ExitCode() int
	// Terminate asks the whole process tree to exit and kills whatever is left after grace.
	Terminate(ctx *wmscontext.Context, grace time.Duration) error
}

// Executor runs payloads on a fixed number of slots.
type Executor interface {
	FreeSlots() int
	Running() int
	Submit(ctx *wmscontext.Context, spec Spec) (Process, error)
}

type Config struct {
	Slots int    `validate:"gte=1"`
	Shell string `validate:"required"`
	// Output of each payload is written to this file name inside its working directory.
	OutputFile string
}

// LocalExecutor runs each payload as a child of the agent in its own process group.
type LocalExecutor struct {
	config  Config
	clock   clock.Clock
	procFS  proc.FS
	mu      sync.Mutex
	running int
}

func NewLocalExecutor(config Config, clock clock.Clock, procFS proc.FS) *LocalExecutor {
	return &LocalExecutor{config: config, clock: clock, procFS: procFS}
}

func (e *LocalExecutor) FreeSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Slots - e.running
}

func (e *LocalExecutor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *LocalExecutor) Submit(ctx *wmscontext.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, &wmserrors.ErrSubmission{JobId: spec.JobID, Message: "empty command"}
	}
	e.mu.Lock()
	if e.running >= e.config.Slots {
		e.mu.Unlock()
		return nil, &wmserrors.ErrSubmission{JobId: spec.JobID, Message: "no free slots"}
	}
	e.running++
	e.mu.Unlock()

	p, err := e.start(spec)
	if err != nil {
		e.release()
		return nil, &wmserrors.ErrSubmission{JobId: spec.JobID, Err: err}
	}
	ctx.Log.Infof("started job %d as process %d", spec.JobID, p.pid)
	return p, nil
}

func (e *LocalExecutor) start(spec Spec) (*localProcess, error) {
	cmd := exec.Command(e.config.Shell, "-c", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output *os.File
	if e.config.OutputFile != "" && spec.WorkDir != "" {
		f, err := os.OpenFile(spec.WorkDir+"/"+e.config.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		output = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		if output != nil {
			output.Close()
		}
		return nil, errors.WithStack(err)
	}

	p := &localProcess{
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
		clock:  e.clock,
		procFS: e.procFS,
	}
	go func() {
		err := cmd.Wait()
		if output != nil {
			output.Close()
		}
		p.exitCode = exitCode(cmd.ProcessState, err)
		e.release()
		close(p.done)
	}()
	return p, nil
}

func (e *LocalExecutor) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running--
}

func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}

type localProcess struct {
	pid      int
	done     chan struct{}
	exitCode int
	clock    clock.Clock
	procFS   proc.FS
}

func (p *localProcess) PID() int {
	return p.pid
}

func (p *localProcess) Done() <-chan struct{} {
	return p.done
}

func (p *localProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Terminate signals the process group and every descendant found under /proc, since payloads are free to start
// their own process groups. Descendants are collected before the first signal so that children reparented after
// the payload exits are still killed.
func (p *localProcess) Terminate(ctx *wmscontext.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	known, err := p.procFS.Tree(p.pid)
	if err != nil {
		ctx.Log.Warnf("failed to list descendants of %d: %s", p.pid, err)
	}
	ctx.Log.Infof("sending SIGTERM to process tree of %d", p.pid)
	if err := p.signal(unix.SIGTERM, known); err != nil {
		ctx.Log.Warnf("failed to deliver SIGTERM to process tree of %d: %s", p.pid, err)
	}
	select {
	case <-p.done:
	case <-p.clock.After(grace):
		ctx.Log.Warnf("process %d still running after %s, sending SIGKILL", p.pid, grace)
	case <-ctx.Done():
	}
	current, err := p.procFS.Tree(p.pid)
	if err != nil {
		ctx.Log.Warnf("failed to list descendants of %d: %s", p.pid, err)
	}
	return p.signal(unix.SIGKILL, append(known, current...))
}

func (p *localProcess) signal(signal unix.Signal, tree []proc.Stat) error {
	var result *multierror.Error
	if err := unix.Kill(-p.pid, signal); err != nil && err != unix.ESRCH {
		result = multierror.Append(result, errors.Wrapf(err, "signal process group %d", p.pid))
	}
	for _, stat := range tree {
		if stat.PGID == p.pid {
			continue
		}
		if err := unix.Kill(stat.PID, signal); err != nil && err != unix.ESRCH {
			result = multierror.Append(result, errors.Wrapf(err, "signal process %d", stat.PID))
		}
	}
	return result.ErrorOrNil()
}
