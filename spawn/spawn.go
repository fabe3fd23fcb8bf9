// Re-execution support; because the Go runtime sucks at clone() and at
// switching Linux kernel namespaces.

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
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/reexec"
	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/spawn/internal/testsupport"
	"golang.org/x/sys/unix"
)

// Breaks the import cycle between spawn and spawn/spawntest, see
// testsupport.RunAction.
func init() {
	testsupport.RunAction = RunAction
}

const (
	// taskEnvVar names the environment variable which triggers a specific
	// registered task to be run in a re-executed child.
	taskEnvVar = "potato_spawn_task"
	// argEnvVar names the environment variable carrying the JSON-encoded
	// argument for the task.
	argEnvVar = "potato_spawn_arg"
)

// Task is a function that is run on demand in a re-executed child. Its
// return value becomes the exit status of the child.
type Task func() int

// tasks maps re-execution task names to their functions.
var tasks = map[string]Task{}

// spawnEnabled enables spawning only for applications which are spawn-aware
// by calling CheckAction() (or RunAction()) as early as possible in their
// main()s. Applications that spawn without having called CheckAction() panic
// instead of starting uncontrolled copies of themselves.
var spawnEnabled = false

// For the sake of code coverage ;)
var osExit = os.Exit

// Register registers a Task with a name so it can be triggered by Spawn(name,
// ...) or Exec(name, ...). The registration panics if the same name is
// registered more than once, regardless of whether with the same Task or
// different ones.
func Register(name string, task Task) {
	if _, ok := tasks[name]; ok {
		panic(fmt.Sprintf(
			"potato/spawn: Register: task %q already registered", name))
	}
	tasks[name] = task
}

// CheckAction checks if the application has been re-executed in order to run
// a registered task. If this is the case, then this function won't return,
// but instead run the task and exit with the task's status.
func CheckAction() {
	if action, status := RunAction(); action {
		osExit(status)
	}
}

// RunAction checks if the application has been re-executed as a copy of
// itself. If this is the case, then the task specified for re-execution is
// run, and true returned together with the task's status. Otherwise, no task
// is run and false returned.
func RunAction() (action bool, status int) {
	// Children may spawn children of their own: a namespace "init" process
	// starts the worker process in the very same way.
	spawnEnabled = true
	taskname := os.Getenv(taskEnvVar)
	if taskname == "" {
		return false, 0
	}
	task, ok := tasks[taskname]
	if !ok {
		panic(fmt.Sprintf(
			"unregistered potato/spawn re-execution task %q", taskname))
	}
	return true, task()
}

// Current returns the name of the task the current process is running as, or
// "" when this isn't a re-executed child.
func Current() string {
	return os.Getenv(taskEnvVar)
}

// Arg decodes the JSON-encoded task argument passed by the parent into v.
func Arg(v interface{}) error {
	arg := os.Getenv(argEnvVar)
	if arg == "" {
		return fmt.Errorf("potato/spawn: Arg: task %q has no argument", Current())
	}
	if err := json.Unmarshal([]byte(arg), v); err != nil {
		return fmt.Errorf("potato/spawn: Arg: cannot decode argument, %w", err)
	}
	return nil
}

// Report sends a JSON-encoded status message on the child's status channel,
// which is its stdout; see WithStatus.
func Report(v interface{}) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}

// Exec replaces the current process in place by a fresh re-execution running
// the named task with the given argument. The process keeps its PID, its
// namespaces and all file descriptors that are not close-on-exec. Exec only
// returns on failure.
//
// As execve(2) recalculates a process' capabilities, Exec is the way to gain
// full capabilities in a user namespace after the user namespace's uid
// mapping has been written.
func Exec(name string, arg interface{}) error {
	if _, ok := tasks[name]; !ok {
		panic("potato/spawn: Exec: attempting to re-execute into " +
			"unregistered task \"" + name + "\"")
	}
	env, err := taskEnv(name, arg, nil)
	if err != nil {
		return err
	}
	argv := append([]string{name}, testsupport.TestingArgs()...)
	if err := unix.Exec(reexec.Self(), argv, env); err != nil {
		return errs.New(errs.SpawnFailure, "exec "+name, err)
	}
	return nil // not reached
}

// taskEnv returns the environment for a re-executed child: the current
// environment minus any task variables of our own re-execution, plus the
// additional variables and finally the task variables for the new child.
func taskEnv(name string, arg interface{}, extra []string) ([]string, error) {
	env := make([]string, 0, len(os.Environ())+len(extra)+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, taskEnvVar+"=") || strings.HasPrefix(kv, argEnvVar+"=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, extra...)
	if arg != nil {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("potato/spawn: cannot encode argument for task %q, %w", name, err)
		}
		env = append(env, argEnvVar+"="+string(b))
	}
	return append(env, taskEnvVar+"="+name), nil
}
