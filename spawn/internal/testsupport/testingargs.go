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

package testsupport

// RunAction points to spawn.RunAction; spawn sets it during its package
// initialization.
var RunAction func() (action bool, status int)

// TestingEnabled is set to true when we're under test.
var TestingEnabled = false

// EnableTesting is a module-internal function used by the spawn/spawntest
// package; it tells the spawn package when we're in testing mode.
func EnableTesting() {
	TestingEnabled = true
}

// noTests is a test name pattern that hopefully never matches any test.
const noTests = "nadazilchnixdairgendwoimnirvanavonbielefeld"

// TestingArgs returns additional testing arguments while under test;
// otherwise it returns an empty slice of arguments.
func TestingArgs() []string {
	if !TestingEnabled {
		return []string{}
	}
	return []string{"-test.run=" + noTests}
}
