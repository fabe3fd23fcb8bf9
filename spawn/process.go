// Copyright 2026 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spawn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/moby/sys/reexec"
	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/signals"
	"github.com/thediveo/potato/spawn/internal/testsupport"
	"golang.org/x/sys/unix"
)

// sharingFlags cannot be used for spawning true processes and thus are
// always masked off by Spawn.
const sharingFlags = unix.CLONE_VM | unix.CLONE_THREAD | unix.CLONE_SIGHAND

// Option configures a process to be spawned.
type Option func(*options)

type options struct {
	arg       interface{}
	files     []*os.File
	env       []string
	stderr    *os.File
	status    bool
	pdeathsig syscall.Signal
}

// WithArg passes an argument to the spawned task, which the task retrieves
// using Arg. The argument gets JSON-encoded, so the child works on a copy.
func WithArg(arg interface{}) Option {
	return func(o *options) { o.arg = arg }
}

// WithFiles hands the given files down to the child, starting with fd 3 in
// the child. The caller keeps ownership of its own copies.
func WithFiles(files ...*os.File) Option {
	return func(o *options) { o.files = append(o.files, files...) }
}

// WithEnv adds environment variables in "key=value" form.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithStderr sets the child's stderr; it defaults to the parent's stderr.
func WithStderr(f *os.File) Option {
	return func(o *options) { o.stderr = f }
}

// WithStatus connects the child's stdout to a status channel; the child
// sends messages using Report and the parent receives them using
// Process.Receive.
func WithStatus() Option {
	return func(o *options) { o.status = true }
}

// WithParentDeathSignal sets the signal the child gets when its parent dies.
func WithParentDeathSignal(sig syscall.Signal) Option {
	return func(o *options) { o.pdeathsig = sig }
}

// Process is a spawned child process. It owns all resources handed to the
// child and releases them only after the child's exit has been observed by
// Wait; until then they must neither be reused nor freed.
type Process struct {
	// Pid is the child's PID, as seen from the parent's PID namespace.
	Pid int

	cmd    *exec.Cmd
	status *os.File
	dec    *json.Decoder

	mu     sync.Mutex
	exited bool
	ws     unix.WaitStatus
	done   chan struct{}
}

// Spawn forks and re-executes the application as a new child process which
// then runs only the named task. The child is created with the namespaces
// given in cloneflags (unix.CLONE_NEW*); flags for sharing the address space,
// thread group or signal handlers are silently removed, as Spawn always
// creates a true process.
//
// If the child cannot be created, a SpawnFailure error wrapping the errno is
// returned; in this case there is no child process left behind.
func Spawn(name string, cloneflags uintptr, opts ...Option) (*Process, error) {
	// Safeguard against applications forgetting to enable re-execution of
	// themselves by calling CheckAction() very early in their runtime life.
	if !spawnEnabled {
		panic("potato/spawn: Spawn: application does not support " +
			"re-execution, needs to call spawn.CheckAction() first")
	}
	if _, ok := tasks[name]; !ok {
		panic("potato/spawn: Spawn: attempting to re-execute into " +
			"unregistered task \"" + name + "\"")
	}
	o := options{stderr: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	env, err := taskEnv(name, o.arg, o.env)
	if err != nil {
		return nil, err
	}
	// When under test, the child must not run any tests itself, so pass it
	// the necessary test arguments.
	child := exec.Command(reexec.Self())
	child.Args = append([]string{name}, testsupport.TestingArgs()...)
	child.Env = env
	child.ExtraFiles = o.files
	child.Stderr = o.stderr
	child.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneflags &^ sharingFlags,
		Pdeathsig:  o.pdeathsig,
	}
	var statusr, statusw *os.File
	if o.status {
		if statusr, statusw, err = os.Pipe(); err != nil {
			return nil, errs.New(errs.SpawnFailure, "status pipe", err)
		}
		child.Stdout = statusw
	}
	err = child.Start()
	if statusw != nil {
		statusw.Close()
	}
	if err != nil {
		if statusr != nil {
			statusr.Close()
		}
		return nil, errs.New(errs.SpawnFailure, "spawn "+name, err)
	}
	p := &Process{
		Pid:    child.Process.Pid,
		cmd:    child,
		status: statusr,
		done:   make(chan struct{}),
	}
	if statusr != nil {
		p.dec = json.NewDecoder(statusr)
	}
	return p, nil
}

// Receive decodes the next status message from the child into v. It returns
// io.EOF when the child closed its status channel, for instance by exiting.
func (p *Process) Receive(v interface{}) error {
	if p.dec == nil {
		return errors.New("potato/spawn: Receive: process has no status channel")
	}
	return p.dec.Decode(v)
}

// Signal sends a signal to the child; it fails with os.ErrProcessDone after
// the child has been reaped.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return errs.New(errs.SignalFailure, fmt.Sprintf("signal %v to %d", sig, p.Pid), err)
	}
	return nil
}

// Kill sends SIGKILL to the child. Even the init process of a PID namespace
// cannot escape this when signalled from the parent PID namespace.
func (p *Process) Kill() error {
	return p.Signal(unix.SIGKILL)
}

// WaitStopped waits for the child to enter the stopped state, see
// signals.Suspend. If the child terminates instead, its exit is recorded for
// Wait and an error returned.
func (p *Process) WaitStopped() error {
	ws, err := signals.WaitSuspended(p.Pid)
	if err != nil {
		if ws.Exited() || ws.Signaled() {
			p.mu.Lock()
			p.exited, p.ws = true, ws
			p.mu.Unlock()
		}
		return err
	}
	return nil
}

// Wait waits for the child to exit, reaps it and releases all resources
// associated with it. It returns the child's exit status; a child killed by a
// signal reports 128+signal, as shells do.
func (p *Process) Wait() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		for {
			_, err := unix.Wait4(p.Pid, &p.ws, 0, nil)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return -1, errs.New(errs.SignalFailure, fmt.Sprintf("wait4 %d", p.Pid), err)
			}
			if p.ws.Exited() || p.ws.Signaled() {
				break
			}
		}
		p.exited = true
	}
	select {
	case <-p.done:
	default:
		if p.status != nil {
			p.status.Close()
		}
		_ = p.cmd.Process.Release()
		close(p.done)
	}
	return signals.ExitStatus(p.ws), nil
}

// Done returns a channel that gets closed after the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

