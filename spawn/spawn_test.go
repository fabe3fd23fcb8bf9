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

package spawn_test

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/signals"
	"github.com/thediveo/potato/spawn"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type echo struct {
	Text string `json:"text"`
	N    int    `json:"n"`
}

func init() {
	spawn.Register("action", func() int {
		_ = spawn.Report("done")
		return 0
	})
	spawn.Register("status42", func() int {
		return 42
	})
	spawn.Register("sleepy", func() int {
		_ = spawn.Report("sleeping")
		// Just keep this re-executed child sleeping; we will be killed by
		// our parent when the test is done. What a lovely family.
		select {}
	})
	spawn.Register("echo", func() int {
		var e echo
		if err := spawn.Arg(&e); err != nil {
			return 1
		}
		e.N++
		_ = spawn.Report(e)
		return 0
	})
	spawn.Register("suspender", func() int {
		if err := signals.Suspend(); err != nil {
			return 1
		}
		_ = spawn.Report("resumed")
		return 0
	})
	spawn.Register("execer", func() int {
		_ = spawn.Report(os.Getpid())
		if err := spawn.Exec("pid", nil); err != nil {
			return 1
		}
		return 2 // not reached
	})
	spawn.Register("pid", func() int {
		_ = spawn.Report(os.Getpid())
		return 0
	})
	spawn.Register("env", func() int {
		fmt.Fprint(os.Stderr, "complaining")
		_ = spawn.Report(os.Getenv("POTATO_SPUD"))
		return 0
	})
	spawn.Register("fd3", func() int {
		f := os.NewFile(3, "inherited")
		_, err := f.WriteString("hello from child")
		if err != nil {
			return 1
		}
		return 0
	})
}

var _ = Describe("spawn", func() {

	It("doesn't accept registering the same task name twice", func() {
		Expect(func() { spawn.Register("foo", func() int { return 0 }) }).NotTo(Panic())
		Expect(func() { spawn.Register("foo", func() int { return 0 }) }).To(Panic())
	})

	It("refuses to spawn unregistered tasks", func() {
		Expect(func() { _, _ = spawn.Spawn("nada-nix-nothing", 0) }).To(Panic())
		Expect(func() { _ = spawn.Exec("nada-nix-nothing", nil) }).To(Panic())
	})

	It("runs a task and receives its status report", func() {
		p, err := spawn.Spawn("action", 0, spawn.WithStatus())
		Expect(err).NotTo(HaveOccurred())
		var s string
		Expect(p.Receive(&s)).To(Succeed())
		Expect(s).To(Equal("done"))
		Expect(p.Receive(&s)).To(MatchError(io.EOF))
		Expect(p.Wait()).To(Equal(0))
		Expect(p.Done()).To(BeClosed())
	})

	It("returns a task's exit status", func() {
		p, err := spawn.Spawn("status42", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Receive(nil)).To(HaveOccurred())
		Expect(p.Wait()).To(Equal(42))
	})

	It("passes a copy of the argument", func() {
		arg := echo{Text: "potato", N: 41}
		p, err := spawn.Spawn("echo", 0, spawn.WithStatus(), spawn.WithArg(arg))
		Expect(err).NotTo(HaveOccurred())
		var e echo
		Expect(p.Receive(&e)).To(Succeed())
		Expect(p.Wait()).To(Equal(0))
		Expect(e).To(Equal(echo{Text: "potato", N: 42}))
		Expect(arg.N).To(Equal(41))
	})

	It("hands files down to the child", func() {
		r, w, err := os.Pipe()
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		p, err := spawn.Spawn("fd3", 0, spawn.WithFiles(w))
		w.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Wait()).To(Equal(0))
		b, err := io.ReadAll(r)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("hello from child"))
	})

	It("passes extra environment and a separate stderr", func() {
		r, w, err := os.Pipe()
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		p, err := spawn.Spawn("env", 0, spawn.WithStatus(),
			spawn.WithEnv("POTATO_SPUD=mashed"), spawn.WithStderr(w))
		w.Close()
		Expect(err).NotTo(HaveOccurred())
		var s string
		Expect(p.Receive(&s)).To(Succeed())
		Expect(s).To(Equal("mashed"))
		Expect(p.Wait()).To(Equal(0))
		b, err := io.ReadAll(r)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(ContainSubstring("complaining"))
	})

	It("kills a hanging child", func() {
		p, err := spawn.Spawn("sleepy", 0, spawn.WithStatus())
		Expect(err).NotTo(HaveOccurred())
		var s string
		Expect(p.Receive(&s)).To(Succeed())
		Expect(s).To(Equal("sleeping"))
		Expect(p.Kill()).To(Succeed())
		done := make(chan int)
		go func() {
			defer GinkgoRecover()
			status, err := p.Wait()
			Expect(err).NotTo(HaveOccurred())
			done <- status
		}()
		Eventually(done).Within(5 * time.Second).Should(Receive(Equal(128 + int(unix.SIGKILL))))
		Expect(p.Kill()).To(MatchError(os.ErrProcessDone))
	})

	It("waits for a child to suspend and resumes it", func() {
		p, err := spawn.Spawn("suspender", 0, spawn.WithStatus())
		Expect(err).NotTo(HaveOccurred())
		Expect(p.WaitStopped()).To(Succeed())
		Expect(signals.Resume(p.Pid)).To(Succeed())
		var s string
		Expect(p.Receive(&s)).To(Succeed())
		Expect(s).To(Equal("resumed"))
		Expect(p.Wait()).To(Equal(0))
	})

	It("reports a child terminating instead of suspending", func() {
		p, err := spawn.Spawn("status42", 0)
		Expect(err).NotTo(HaveOccurred())
		err = p.WaitStopped()
		Expect(errors.Is(err, errs.SignalFailure)).To(BeTrue())
		Expect(p.Wait()).To(Equal(42))
	})

	It("re-executes in place, keeping the PID", func() {
		p, err := spawn.Spawn("execer", 0, spawn.WithStatus())
		Expect(err).NotTo(HaveOccurred())
		var before, after int
		Expect(p.Receive(&before)).To(Succeed())
		Expect(p.Receive(&after)).To(Succeed())
		Expect(p.Wait()).To(Equal(0))
		Expect(before).To(Equal(p.Pid))
		Expect(after).To(Equal(before))
	})

	It("fails spawning into new namespaces without privileges", func() {
		if os.Geteuid() == 0 {
			Skip("needs non-root")
		}
		_, err := spawn.Spawn("action", unix.CLONE_NEWNET)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, errs.SpawnFailure)).To(BeTrue())
		Expect(errors.Is(err, unix.EPERM)).To(BeTrue())
	})

	It("spawns into new namespaces", func() {
		if os.Geteuid() != 0 {
			Skip("needs root")
		}
		p, err := spawn.Spawn("pid", unix.CLONE_NEWPID|unix.CLONE_NEWUTS|unix.CLONE_VM, spawn.WithStatus())
		Expect(err).NotTo(HaveOccurred())
		var pid int
		Expect(p.Receive(&pid)).To(Succeed())
		Expect(p.Wait()).To(Equal(0))
		Expect(pid).To(Equal(1))
	})

})
