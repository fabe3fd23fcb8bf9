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
Package spawntest supports testing applications which use potato/spawn.

A test binary spawning children re-executes itself, so it must run the
requested task instead of its tests when it finds itself re-executed. Use M
from TestMain:

	func TestMain(m *testing.M) {
	    mm := &spawntest.M{M: m}
	    os.Exit(mm.Run())
	}
*/
package spawntest

import (
	"fmt"
	"os"
	"testing"

	"github.com/thediveo/potato/spawn/internal/testsupport"
)

// M is an "enhanced" version of Golang's testing.M which first checks for a
// re-executed child and then runs only the child's task.
type M struct {
	*testing.M
}

// Run runs either the re-executed child's task or the tests, returning an
// exit code to pass to os.Exit.
func (m *M) Run() (exitcode int) {
	// We cannot use spawn.RunAction() directly, as this would result in an
	// import cycle. To break this vicious cycle we use testsupport's
	// RunAction instead, which spawn initializes to point to its real
	// implementation.
	var reexeced bool
	if testsupport.RunAction == nil {
		// The application under test never linked in spawn, so there is
		// nothing to re-execute into.
		testsupport.EnableTesting()
		return m.M.Run()
	}
	func() {
		// RunAction() panics when it is asked to run a non-registered task.
		defer func() {
			if recovered := recover(); recovered != nil {
				fmt.Fprintln(os.Stderr, recovered)
				reexeced, exitcode = true, 2
			}
		}()
		reexeced, exitcode = testsupport.RunAction()
	}()
	if reexeced {
		return exitcode
	}
	testsupport.EnableTesting()
	return m.M.Run()
}
