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

package namespace

import (
	"fmt"
	"runtime"

	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/internal/logger"
	"github.com/thediveo/potato/spawn"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// holderTask names the re-execution task keeping freshly created namespaces
// alive until its parent has opened them.
const holderTask = "potato-namespace-holder"

func init() {
	spawn.Register(holderTask, func() int {
		_ = spawn.Report("holding")
		select {}
	})
}

// Create creates new namespaces of the given kinds and returns handles to
// them, without attaching the caller to any of them. On failure, all handles
// acquired so far are closed.
//
// Namespaces other than user and PID namespaces are created on a dedicated
// OS thread, which gets restored to its original namespaces afterwards. As a
// multi-threaded process cannot create a new user namespace, and as a new
// PID namespace cannot be referenced before its first process exists, sets
// including a user or PID namespace are instead created by a short-lived
// holder child process. Please note that a PID namespace has lost its init
// process when Create returns, so no further processes can be created in it.
func Create(kinds FlagSet) (map[Kind]*Handle, error) {
	if kinds == 0 {
		return map[Kind]*Handle{}, nil
	}
	if kinds.Has(User) || kinds.Has(PID) {
		return createByHolder(kinds)
	}
	type result struct {
		handles map[Kind]*Handle
		err     error
	}
	done := make(chan result)
	go func() {
		runtime.LockOSThread()
		handles, tainted, err := createByThread(kinds)
		if !tainted {
			runtime.UnlockOSThread()
		}
		// Otherwise this goroutine terminates while being locked, so the Go
		// runtime throws away its OS thread.
		done <- result{handles, err}
	}()
	r := <-done
	return r.handles, r.err
}

// createByThread creates the new namespaces by unsharing them on the
// calling, locked OS thread. It reports the thread as tainted when it
// couldn't be restored to its original namespaces.
func createByThread(kinds FlagSet) (handles map[Kind]*Handle, tainted bool, err error) {
	origs := map[Kind]*Handle{}
	defer CloseAll(origs)
	for _, k := range kinds.Kinds() {
		h, err := OpenThread(k)
		if err != nil {
			return nil, false, err
		}
		origs[k] = h
	}
	if err := unix.Unshare(int(kinds.CloneFlags())); err != nil {
		return nil, false, errs.New(errs.NamespaceFailure,
			fmt.Sprintf("unshare %s", kinds), err)
	}
	handles = map[Kind]*Handle{}
	for _, k := range kinds.Kinds() {
		h, err := OpenThread(k)
		if err != nil {
			CloseAll(handles)
			return nil, restore(origs), err
		}
		handles[k] = h
	}
	if restore(origs) {
		CloseAll(handles)
		return nil, true, errs.New(errs.NamespaceFailure, "restore namespaces",
			fmt.Errorf("cannot switch thread back into its original namespaces"))
	}
	return handles, false, nil
}

// restore switches the calling OS thread back into the original namespaces
// and reports true if this failed.
func restore(origs map[Kind]*Handle) (tainted bool) {
	for _, h := range origs {
		if err := h.Enter(); err != nil {
			logger.L().Error("cannot restore namespace",
				zap.Stringer("type", h.Kind()), zap.Error(err))
			tainted = true
		}
	}
	return
}

// createByHolder creates the new namespaces by spawning a holder child
// process into them, opening the child's namespaces, and finally killing
// the child.
func createByHolder(kinds FlagSet) (map[Kind]*Handle, error) {
	holder, err := spawn.Spawn(holderTask, kinds.CloneFlags(),
		spawn.WithStatus(), spawn.WithParentDeathSignal(unix.SIGKILL))
	if err != nil {
		return nil, errs.New(errs.NamespaceFailure, "create "+kinds.String(), err)
	}
	defer func() {
		_ = holder.Kill()
		_, _ = holder.Wait()
	}()
	var s string
	if err := holder.Receive(&s); err != nil {
		return nil, errs.New(errs.NamespaceFailure, "create "+kinds.String(),
			fmt.Errorf("holder failed: %w", err))
	}
	handles := map[Kind]*Handle{}
	for _, k := range kinds.Kinds() {
		h, err := OpenPid(holder.Pid, k)
		if err != nil {
			CloseAll(handles)
			return nil, err
		}
		handles[k] = h
	}
	return handles, nil
}
