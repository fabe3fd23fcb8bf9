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

/*
Package signals coordinates the startup and shutdown of process trees using
signals.

A spawned worker suspends itself using Suspend until its parent has finished
all privileged setup on its behalf; the parent notices using WaitSuspended
and later lets the worker go using Resume. The init process of a PID
namespace cannot suspend itself this way, as the kernel discards signals with
default disposition sent to a PID namespace's init. Init thus waits for a
signal using a handler instead, see Await, and subscribes before it tells its
parent that it's ready to receive the signal.

Finally, Proxy forwards the continue signal from the caller to the worker and
reaps the worker when it terminates.
*/
package signals

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/thediveo/potato/internal/errs"
	"golang.org/x/sys/unix"
)

var (
	handlersMu sync.Mutex
	handlers   = map[os.Signal]*installed{}
)

type installed struct {
	once sync.Once
	ch   chan os.Signal
	done chan struct{}
}

func (i *installed) uninstall() {
	i.once.Do(func() {
		signal.Stop(i.ch)
		close(i.done)
	})
}

// Install installs a handler for the given signal, replacing any previously
// installed handler for the same signal. The handler runs on its own
// goroutine, never in a signal context, so it is free to do whatever it
// likes. The returned function uninstalls the handler, restoring the default
// disposition if no other subscriptions exist.
func Install(sig os.Signal, handler func(os.Signal)) (stop func()) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	inst := &installed{ch: make(chan os.Signal, 1), done: make(chan struct{})}
	// Subscribe before dropping the previous handler, so the signal never
	// falls back to its default disposition in between.
	signal.Notify(inst.ch, sig)
	if prev, ok := handlers[sig]; ok {
		prev.uninstall()
	}
	handlers[sig] = inst
	go func() {
		for {
			select {
			case s := <-inst.ch:
				handler(s)
			case <-inst.done:
				return
			}
		}
	}()
	return func() {
		handlersMu.Lock()
		defer handlersMu.Unlock()
		inst.uninstall()
		if handlers[sig] == inst {
			delete(handlers, sig)
		}
	}
}

// Suspend stops the calling process by raising SIGSTOP; it returns only
// after someone sent SIGCONT. Never use Suspend in the init process of a PID
// namespace, as the signal would be silently discarded.
func Suspend() error {
	if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
		return errs.New(errs.SignalFailure, "raise SIGSTOP", err)
	}
	return nil
}

// WaitSuspended waits for the child process pid to stop. If the child
// terminates instead, then its wait status is returned together with an
// error; the child then has been reaped.
func WaitSuspended(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, unix.WUNTRACED, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ws, errs.New(errs.SignalFailure, fmt.Sprintf("wait4 %d", pid), err)
		}
		switch {
		case ws.Stopped():
			return ws, nil
		case ws.Exited() || ws.Signaled():
			return ws, errs.New(errs.SignalFailure,
				fmt.Sprintf("wait for %d to suspend", pid),
				fmt.Errorf("terminated with status %d", ExitStatus(ws)))
		}
	}
}

// Resume continues the suspended process pid.
func Resume(pid int) error {
	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		return errs.New(errs.SignalFailure, fmt.Sprintf("SIGCONT to %d", pid), err)
	}
	return nil
}

// Waiter waits for a signal it has subscribed to on creation.
type Waiter struct {
	ch  chan os.Signal
	sig os.Signal
}

// Await subscribes to sig, so that no such signal can get lost from now on.
// Wait for the signal to arrive using Wait.
func Await(sig os.Signal) *Waiter {
	w := &Waiter{ch: make(chan os.Signal, 1), sig: sig}
	signal.Notify(w.ch, sig)
	return w
}

// Wait waits for the subscribed signal to arrive, or the context to be done.
// In any case, the subscription is cancelled.
func (w *Waiter) Wait(ctx context.Context) error {
	defer signal.Stop(w.ch)
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return errs.New(errs.SignalFailure, fmt.Sprintf("await %v", w.sig), ctx.Err())
	}
}

// Stop cancels the subscription without waiting.
func (w *Waiter) Stop() {
	signal.Stop(w.ch)
}

// ExitStatus returns the exit status for a wait status, with 128+signal for
// processes terminated by a signal, as shells do.
func ExitStatus(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

