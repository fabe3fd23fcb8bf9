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

// Package idmap writes user and group id mappings of user namespaces.
package idmap

import (
	"fmt"
	"os"
	"strings"

	"github.com/thediveo/potato/internal/errs"
)

// Entry maps Count consecutive ids starting at Inner inside a user namespace
// to the ids starting at Outer in the parent user namespace.
type Entry struct {
	Inner uint32
	Outer uint32
	Count uint32
}

// Mapper builds either a uid or a gid mapping and then writes it for a
// process. The kernel accepts only a single write per user namespace and
// kind of mapping; a failed write is never retried.
type Mapper struct {
	file      string // "uid_map" or "gid_map"
	setgroups bool   // deny setgroups(2) before writing the mapping
	entries   []Entry
}

// NewUIDMapper returns a new, empty user id mapper.
func NewUIDMapper() *Mapper {
	return &Mapper{file: "uid_map"}
}

// NewGIDMapper returns a new, empty group id mapper. When writing, it
// disables setgroups(2) for the target process first, as otherwise
// unprivileged processes are not allowed to write gid mappings.
func NewGIDMapper() *Mapper {
	return &Mapper{file: "gid_map", setgroups: true}
}

// Add adds a mapping entry and returns the mapper, so calls can be chained.
func (m *Mapper) Add(inner, outer, count uint32) *Mapper {
	m.entries = append(m.entries, Entry{Inner: inner, Outer: outer, Count: count})
	return m
}

// Entries returns a copy of the mapping entries.
func (m *Mapper) Entries() []Entry {
	return append([]Entry(nil), m.entries...)
}

// String returns the mapping in the format expected by the kernel:
// newline-terminated lines of "inner outer count".
func (m *Mapper) String() string {
	var b strings.Builder
	for _, e := range m.entries {
		fmt.Fprintf(&b, "%d %d %d\n", e.Inner, e.Outer, e.Count)
	}
	return b.String()
}

// Write writes the mapping for process pid in a single write.
func (m *Mapper) Write(pid int) error {
	if len(m.entries) == 0 {
		return errs.New(errs.IdMapFailure, "write "+m.file, fmt.Errorf("empty mapping"))
	}
	if m.setgroups {
		if err := writeFile(fmt.Sprintf("/proc/%d/setgroups", pid), "deny"); err != nil {
			return errs.New(errs.IdMapFailure, "deny setgroups", err)
		}
	}
	if err := writeFile(fmt.Sprintf("/proc/%d/%s", pid, m.file), m.String()); err != nil {
		return errs.New(errs.IdMapFailure, "write "+m.file, err)
	}
	return nil
}

// writeFile writes the contents in a single write; os.WriteFile would
// truncate, which /proc files do not support.
func writeFile(path, contents string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, err = f.WriteString(contents)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
