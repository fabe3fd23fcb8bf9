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
	"strings"

	"github.com/thediveo/lxkns/species"
	"golang.org/x/sys/unix"
)

// Kind is one of the seven types of Linux kernel namespaces.
type Kind int

// The namespace kinds, in the order of their /proc/[pid]/ns names.
const (
	Cgroup Kind = iota
	IPC
	Net
	Mnt
	PID
	User
	UTS
	numKinds
)

var kinds = [numKinds]struct {
	name string
	flag uintptr
}{
	Cgroup: {"cgroup", unix.CLONE_NEWCGROUP},
	IPC:    {"ipc", unix.CLONE_NEWIPC},
	Net:    {"net", unix.CLONE_NEWNET},
	Mnt:    {"mnt", unix.CLONE_NEWNS},
	PID:    {"pid", unix.CLONE_NEWPID},
	User:   {"user", unix.CLONE_NEWUSER},
	UTS:    {"uts", unix.CLONE_NEWUTS},
}

// String returns the name of the namespace kind as used in /proc/[pid]/ns.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].name
}

// CloneFlag returns the CLONE_NEW* flag for this kind of namespace.
func (k Kind) CloneFlag() uintptr {
	if k < 0 || k >= numKinds {
		return 0
	}
	return kinds[k].flag
}

// Type returns the lxkns type of namespace for this kind.
func (k Kind) Type() species.NamespaceType {
	return species.NamespaceType(k.CloneFlag())
}

// KindFromName returns the kind of namespace for the given /proc/[pid]/ns
// name, such as "net".
func KindFromName(name string) (Kind, error) {
	for k := Kind(0); k < numKinds; k++ {
		if kinds[k].name == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown namespace type %q", name)
}

// KindFromCloneFlag returns the kind of namespace for a single CLONE_NEW*
// flag.
func KindFromCloneFlag(flag uintptr) (Kind, bool) {
	for k := Kind(0); k < numKinds; k++ {
		if kinds[k].flag == flag {
			return k, true
		}
	}
	return 0, false
}

// FlagSet is a set of namespace kinds.
type FlagSet uint

// All contains all kinds of namespaces.
const All = FlagSet(1<<numKinds - 1)

// FlagSetOf returns the set of the given kinds.
func FlagSetOf(ks ...Kind) FlagSet {
	var set FlagSet
	for _, k := range ks {
		set |= 1 << uint(k)
	}
	return set
}

// FlagSetFromCloneFlags returns the set of kinds for the CLONE_NEW* flags
// contained in flags; other flags are ignored.
func FlagSetFromCloneFlags(flags uintptr) FlagSet {
	var set FlagSet
	for k := Kind(0); k < numKinds; k++ {
		if flags&kinds[k].flag != 0 {
			set |= 1 << uint(k)
		}
	}
	return set
}

// ParseFlagSet parses a comma-separated list of namespace names, such as
// "uts,net".
func ParseFlagSet(s string) (FlagSet, error) {
	var set FlagSet
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		k, err := KindFromName(name)
		if err != nil {
			return 0, err
		}
		set |= FlagSetOf(k)
	}
	return set, nil
}

// Has reports whether the set contains the kind.
func (s FlagSet) Has(k Kind) bool {
	return s&FlagSetOf(k) != 0
}

// Kinds returns the kinds in this set, in /proc/[pid]/ns order.
func (s FlagSet) Kinds() []Kind {
	ks := []Kind{}
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			ks = append(ks, k)
		}
	}
	return ks
}

// CloneFlags returns the combined CLONE_NEW* flags.
func (s FlagSet) CloneFlags() uintptr {
	var flags uintptr
	for _, k := range s.Kinds() {
		flags |= k.CloneFlag()
	}
	return flags
}

func (s FlagSet) String() string {
	names := make([]string, 0, numKinds)
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	return strings.Join(names, ",")
}
