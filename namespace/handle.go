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
	"os"

	"github.com/thediveo/lxkns/species"
	"github.com/thediveo/potato/internal/errs"
	"golang.org/x/sys/unix"
)

// Handle references a particular namespace by an open file descriptor, so the
// namespace stays alive as long as the handle is open. Handles must be
// explicitly closed.
type Handle struct {
	kind Kind
	f    *os.File
}

// Open opens the namespace of the given kind the current process is
// attached to; for PID namespaces this is the PID namespace of the process
// itself, not of its future children.
func Open(kind Kind) (*Handle, error) {
	return open(kind, "/proc/self/ns/"+kind.String())
}

// OpenThread opens the namespace of the given kind the calling OS thread is
// attached to. The caller must be locked to its OS thread.
func OpenThread(kind Kind) (*Handle, error) {
	return open(kind, "/proc/thread-self/ns/"+kind.String())
}

// OpenPid opens the namespace of the given kind process pid is attached to.
func OpenPid(pid int, kind Kind) (*Handle, error) {
	return open(kind, fmt.Sprintf("/proc/%d/ns/%s", pid, kind))
}

func open(kind Kind, path string) (*Handle, error) {
	if kind.CloneFlag() == 0 {
		return nil, errs.New(errs.NamespaceFailure, "open "+path,
			fmt.Errorf("invalid namespace kind %d", int(kind)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.NamespaceFailure, "open "+path, err)
	}
	return &Handle{kind: kind, f: f}, nil
}

// Kind returns the kind of namespace referenced.
func (h *Handle) Kind() Kind { return h.kind }

// Fd returns the handle's file descriptor number.
func (h *Handle) Fd() int { return int(h.f.Fd()) }

// File returns the handle's file, for instance to pass it on to child
// processes.
func (h *Handle) File() *os.File { return h.f }

// Name returns the textual representation of the namespace, in the same
// format as the /proc/[pid]/ns links, such as "net:[4026531840]".
func (h *Handle) Name() string {
	id, err := h.ID()
	if err != nil {
		return h.kind.String() + ":[?]"
	}
	return fmt.Sprintf("%s:[%d]", h.kind, id.Ino)
}

// ID returns the identifier of the namespace, consisting of the inode number
// and the device number of the namespace filesystem.
func (h *Handle) ID() (species.NamespaceID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(h.Fd(), &st); err != nil {
		return species.NamespaceID{}, errs.New(errs.NamespaceFailure, "fstat "+h.f.Name(), err)
	}
	return species.NamespaceID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}

// Enter attaches the calling OS thread to the namespace. The caller must be
// locked to its OS thread. For PID namespaces, only children created
// afterwards will be attached.
func (h *Handle) Enter() error {
	if err := unix.Setns(h.Fd(), int(h.kind.CloneFlag())); err != nil {
		return errs.New(errs.NamespaceFailure, "setns "+h.kind.String(), err)
	}
	return nil
}

// Close closes the handle. The namespace might be garbage collected by the
// kernel afterwards if nothing else keeps it alive.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	return h.f.Close()
}

// CloseAll closes all handles in the map.
func CloseAll(handles map[Kind]*Handle) {
	for _, h := range handles {
		_ = h.Close()
	}
}
