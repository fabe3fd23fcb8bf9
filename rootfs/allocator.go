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
Package rootfs manages the private root filesystems of isolated processes.

Each isolated process gets its own numbered directory below
<runtime-root>/<uid>/potato, which becomes its root directory after the
requested host directories have been bind-mounted into it. When the process
is gone, the bind mounts are removed first and only then the directory, so
that host files never get deleted through a bind mount.
*/
package rootfs

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/thediveo/potato/internal/errs"
)

// DefaultRuntimeRoot is the usual location of per-user runtime directories.
const DefaultRuntimeRoot = "/var/run/user"

// Allocator hands out numbered runtime directories, always using the
// smallest positive number not in use, so numbers of removed directories get
// reused.
type Allocator struct {
	// Root is the directory containing the numbered runtime directories.
	Root string

	mu sync.Mutex
}

// NewAllocator returns an allocator for runtime directories of the given
// user below runtimeRoot.
func NewAllocator(runtimeRoot string, uid int) *Allocator {
	if runtimeRoot == "" {
		runtimeRoot = DefaultRuntimeRoot
	}
	return &Allocator{Root: filepath.Join(runtimeRoot, strconv.Itoa(uid), "potato")}
}

// Acquire creates the runtime directory with the smallest free number and
// returns its number and path. The directory belongs exclusively to the
// caller until it gets removed using Release.
func (a *Allocator) Acquire() (int, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(a.Root, 0o700); err != nil {
		return 0, "", errs.New(errs.MountFailure, "create "+a.Root, err)
	}
	used, err := a.inUse()
	if err != nil {
		return 0, "", err
	}
	n := 1
	for {
		for used[n] {
			n++
		}
		dir := filepath.Join(a.Root, strconv.Itoa(n))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return n, dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return 0, "", errs.New(errs.MountFailure, "create "+dir, err)
		}
		// Another process sharing the same runtime root was quicker.
		used[n] = true
	}
}

// InUse returns the numbers of the existing runtime directories in
// ascending order.
func (a *Allocator) InUse() ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	used, err := a.inUse()
	if err != nil {
		return nil, err
	}
	nums := make([]int, 0, len(used))
	for n := range used {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func (a *Allocator) inUse() (map[int]bool, error) {
	entries, err := os.ReadDir(a.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int]bool{}, nil
		}
		return nil, errs.New(errs.MountFailure, "read "+a.Root, err)
	}
	used := map[int]bool{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(entry.Name()); err == nil && n > 0 {
			used[n] = true
		}
	}
	return used, nil
}
