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

package signals

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/thediveo/potato/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Proxy forwards the Continue signal to the (suspended) Worker process and
// reaps terminated children. When the Worker terminates, OnExit is called
// exactly once and Run returns the Worker's exit status. Proxy is meant to be
// used by the init process of a PID namespace, which thus also reaps any
// orphans that got reparented to it.
type Proxy struct {
	Worker   int       // PID of the worker process.
	Continue os.Signal // signal to forward as SIGCONT to the worker.
	OnExit   func()    // optional cleanup after the worker has been reaped.

	once sync.Once
	ch   chan os.Signal
}

// Subscribe subscribes to the continue signal and to SIGCHLD. Call Subscribe
// before telling anyone that the continue signal can be sent; Run subscribes
// implicitly if not done before.
func (p *Proxy) Subscribe() {
	p.once.Do(func() {
		p.ch = make(chan os.Signal, 4)
		signal.Notify(p.ch, p.Continue, syscall.SIGCHLD)
	})
}

// Run forwards and reaps until the worker has terminated, and then returns
// the worker's exit status.
func (p *Proxy) Run() int {
	p.Subscribe()
	defer signal.Stop(p.ch)
	// The worker might have terminated before we subscribed.
	if status, done := p.reap(); done {
		return status
	}
	for sig := range p.ch {
		switch sig {
		case p.Continue:
			if err := Resume(p.Worker); err != nil {
				logger.L().Warn("cannot continue worker",
					zap.Int("pid", p.Worker), zap.Error(err))
			}
		case syscall.SIGCHLD:
			if status, done := p.reap(); done {
				return status
			}
		}
	}
	return 0 // not reached
}

// reap reaps all terminated children without blocking, as multiple SIGCHLDs
// coalesce. As Go cannot set SA_NOCLDSTOP, SIGCHLD also arrives for stopped
// and continued children; wait4 without WUNTRACED and WCONTINUED simply
// doesn't report these.
func (p *Proxy) reap() (status int, done bool) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			// ECHILD: no children at all anymore; this can only happen when
			// someone else reaped the worker.
			if err == unix.ECHILD {
				p.exit()
				return 0, true
			}
			return 0, false
		}
		if pid != p.Worker {
			continue
		}
		if ws.Exited() || ws.Signaled() {
			p.exit()
			return ExitStatus(ws), true
		}
	}
}

func (p *Proxy) exit() {
	if p.OnExit != nil {
		p.OnExit()
	}
}
