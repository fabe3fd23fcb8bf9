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
	"fmt"
	"runtime"

	"github.com/thediveo/potato/internal/errs"
	"golang.org/x/sys/unix"
)

// threadUnsupportedFlags cannot be unshared by a single thread of a
// multi-threaded process, or they would not affect the thread itself.
const threadUnsupportedFlags = unix.CLONE_NEWUSER | unix.CLONE_NEWPID

// Thread is a task running on its own, dedicated OS thread.
type Thread struct {
	done   chan struct{}
	status int
}

// SpawnThread runs the task on a dedicated OS thread, after moving this
// thread into new namespaces as specified by cloneflags. Creating new user
// and PID namespaces isn't possible for a thread, so these flags are
// ignored; so are flags for sharing resources, as a thread already shares
// everything with its process.
//
// After the task has finished, a thread that got new namespaces is thrown
// away instead of being returned to the Go runtime's thread pool.
func SpawnThread(task Task, cloneflags uintptr) (*Thread, error) {
	flags := cloneflags &^ (threadUnsupportedFlags | sharingFlags)
	t := &Thread{done: make(chan struct{})}
	started := make(chan error)
	go func() {
		runtime.LockOSThread()
		if flags != 0 {
			if err := unix.Unshare(int(flags)); err != nil {
				// Unsharing is all-or-nothing, so the thread is still
				// unspoilt.
				runtime.UnlockOSThread()
				started <- errs.New(errs.NamespaceFailure,
					fmt.Sprintf("unshare 0x%x", flags), err)
				return
			}
		}
		started <- nil
		defer close(t.done)
		if flags == 0 {
			defer runtime.UnlockOSThread()
		}
		t.status = task()
	}()
	if err := <-started; err != nil {
		return nil, err
	}
	return t, nil
}

// Wait waits for the task to finish and returns its status.
func (t *Thread) Wait() int {
	<-t.done
	return t.status
}

// Done returns a channel that gets closed when the task has finished.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}
