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

package potato_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thediveo/potato"
	"github.com/thediveo/potato/config"
	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/spacetest/netns"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"
)

// socketPair returns a connected pair of stream sockets, the first one
// being able to hand out its file descriptor.
func socketPair() (potato.Conn, net.Conn) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	Expect(err).NotTo(HaveOccurred())
	conn := func(fd int) net.Conn {
		f := os.NewFile(uintptr(fd), "socket")
		defer f.Close()
		c, err := net.FileConn(f)
		Expect(err).NotTo(HaveOccurred())
		return c
	}
	return conn(fds[0]).(*net.UnixConn), conn(fds[1])
}

func newContext(mods ...func(*config.Config)) *potato.Context {
	cfg := config.Default()
	cfg.RuntimeRoot = GinkgoT().TempDir()
	for _, mod := range mods {
		mod(cfg)
	}
	c, err := potato.NewContext(cfg)
	Expect(err).NotTo(HaveOccurred())
	return c
}

// response reads the complete response from conn.
func response(conn net.Conn) string {
	Expect(conn.SetReadDeadline(time.Now().Add(10 * time.Second))).To(Succeed())
	b, err := io.ReadAll(conn)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

// isolate isolates the work unit, skipping the spec when the process lacks
// the privileges for isolation.
func isolate(c *potato.Context, conn potato.Conn, unit potato.WorkUnit, setting potato.Setting) {
	err := c.Isolate(context.Background(), conn, unit, setting)
	if err != nil && os.Geteuid() != 0 && errors.Is(err, errs.SpawnFailure) {
		conn.Close()
		Skip("user namespaces not available: " + err.Error())
	}
	Expect(err).NotTo(HaveOccurred())
}

func needsRoot() {
	if os.Geteuid() != 0 {
		Skip("needs root")
	}
}

// tasks returns the PIDs of the processes running the named task for the
// given runtime directory.
func tasks(task, dir string) []int {
	pids := []int{}
	entries, _ := os.ReadDir("/proc")
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		env, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "environ"))
		if err != nil {
			continue
		}
		if slices.Contains(strings.Split(string(env), "\x00"), "potato_spawn_task="+task) &&
			strings.Contains(string(env), `"runtime_dir":"`+dir+`"`) {
			pids = append(pids, pid)
		}
	}
	return pids
}

var _ = Describe("work units", func() {

	It("doesn't accept registering the same handler twice", func() {
		handler := func(potato.Request) potato.Response { return potato.NewResponse(200) }
		Expect(func() { potato.Handle("foo", handler) }).NotTo(Panic())
		Expect(func() { potato.Handle("foo", handler) }).To(Panic())
		Expect(potato.Handlers()).To(ContainElements("foo", "whoami"))
	})

	It("serves unknown and panicking handlers", func() {
		Expect(potato.Serve(potato.WorkUnit{Handler: "nada"})).To(MatchFields(IgnoreExtras, Fields{
			"Status": Equal(404),
		}))
		Expect(potato.Serve(potato.WorkUnit{Handler: "panic"})).To(MatchFields(IgnoreExtras, Fields{
			"Status": Equal(500),
			"Body":   WithTransform(func(b []byte) string { return string(b) }, ContainSubstring("dang")),
		}))
	})

	It("runs a work unit without isolation", func() {
		c := newContext()
		server, client := socketPair()
		defer client.Close()
		Expect(c.Run(context.Background(), server, potato.WorkUnit{
			Handler: "whoami",
			Request: potato.Request{Body: "potato"},
		})).To(Succeed())
		server.Close()
		Expect(response(client)).To(And(
			HavePrefix("HTTP/1.1 200 OK\r\n"),
			ContainSubstring("pid=%d", os.Getpid()),
			HaveSuffix("body=potato")))
	})

})

var _ = Describe("isolation", func() {

	It("runs a work unit in isolation and cleans up", func() {
		if os.Geteuid() == 0 {
			defer netns.EnterTransient()()
		}
		c := newContext()
		_ = c.SetupBridge()

		host := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(host, "precious"), []byte("gold"), 0o644)).To(Succeed())

		server, client := socketPair()
		defer client.Close()
		isolate(c, server, potato.WorkUnit{
			Handler: "whoami",
			Request: potato.Request{Body: "isolated"},
		}, potato.Setting{Mounts: map[string]string{host: "data"}})

		Expect(response(client)).To(And(
			HavePrefix("HTTP/1.1 200 OK\r\n"),
			ContainSubstring("uid=0 pid=2 "),
			ContainSubstring("data=precious"),
			HaveSuffix("body=isolated")))

		Eventually(c.Runtime.InUse).Within(5 * time.Second).ProbeEvery(50 * time.Millisecond).
			Should(BeEmpty())
		Expect(filepath.Join(host, "precious")).To(BeARegularFile())
	})

	It("isolates without network when the subnet is exhausted", func() {
		if os.Geteuid() == 0 {
			defer netns.EnterTransient()()
		}
		c := newContext(func(cfg *config.Config) {
			cfg.Isolation.Bridge.CIDR = "10.0.0.1/30"
		})
		_ = c.SetupBridge()
		// Occupy the runtime directory with the only usable address.
		n, dir, err := c.Runtime.Acquire()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		_, err = c.Subnet.Address(2)
		Expect(err).To(HaveOccurred())

		server, client := socketPair()
		defer client.Close()
		isolate(c, server, potato.WorkUnit{Handler: "whoami"}, potato.Setting{})
		Expect(response(client)).To(HavePrefix("HTTP/1.1 200 OK\r\n"))

		Eventually(c.Runtime.InUse).Within(5 * time.Second).ProbeEvery(50 * time.Millisecond).
			Should(Equal([]int{1}))
		Expect(os.Remove(dir)).To(Succeed())
	})

	It("keeps hostnames and bind mounts of concurrent workers apart", func() {
		needsRoot()
		defer netns.EnterTransient()()
		parent, err := os.Hostname()
		Expect(err).NotTo(HaveOccurred())
		c := newContext()
		_ = c.SetupBridge()

		// The workers linger, so they overlap even when isolated one after
		// another; all setup stays in this goroutine's network namespace.
		const workers = 4
		clients := make([]net.Conn, workers)
		for i := 0; i < workers; i++ {
			host := GinkgoT().TempDir()
			Expect(os.WriteFile(filepath.Join(host, fmt.Sprintf("spud-%d", i)), nil, 0o644)).To(Succeed())
			server, client := socketPair()
			defer client.Close()
			clients[i] = client
			Expect(c.Isolate(context.Background(), server, potato.WorkUnit{
				Handler: "rename",
				Request: potato.Request{Body: fmt.Sprintf("potato-%d", i)},
			}, potato.Setting{Mounts: map[string]string{host: "data"}})).To(Succeed())
		}

		var wg sync.WaitGroup
		responses := make([]string, workers)
		for i, client := range clients {
			wg.Add(1)
			go func(i int, client net.Conn) {
				defer GinkgoRecover()
				defer wg.Done()
				responses[i] = response(client)
			}(i, client)
		}
		wg.Wait()

		for i, resp := range responses {
			Expect(resp).To(And(
				HavePrefix("HTTP/1.1 200 OK\r\n"),
				HaveSuffix(fmt.Sprintf("hostname=potato-%d data=spud-%d", i, i))))
		}
		Expect(os.Hostname()).To(Equal(parent))
		Eventually(c.Runtime.InUse).Within(5 * time.Second).ProbeEvery(50 * time.Millisecond).
			Should(BeEmpty())
	})

	It("cleans up once after the worker got killed", func() {
		needsRoot()
		defer netns.EnterTransient()()
		c := newContext()
		server, client := socketPair()
		defer client.Close()
		Expect(c.Isolate(context.Background(), server, potato.WorkUnit{Handler: "hang"},
			potato.Setting{})).To(Succeed())

		dir := filepath.Join(c.Runtime.Root, "1")
		Expect(dir).To(BeADirectory())
		Expect(tasks(potato.InitTask, dir)).To(HaveLen(1))
		var workers []int
		Eventually(func() []int {
			workers = tasks(potato.WorkerTask, dir)
			return workers
		}).Within(5 * time.Second).ProbeEvery(50 * time.Millisecond).Should(HaveLen(1))
		Expect(unix.Kill(workers[0], unix.SIGKILL)).To(Succeed())

		// Without a response, the connection simply gets closed.
		Expect(response(client)).To(BeEmpty())
		Eventually(func() []int { return tasks(potato.InitTask, dir) }).
			Within(5 * time.Second).ProbeEvery(50 * time.Millisecond).Should(BeEmpty())
		Expect(dir).NotTo(BeAnExistingFile())
		Expect(c.Runtime.InUse()).To(BeEmpty())
	})

	It("cleans up after failing", func() {
		c := newContext()
		server, client := socketPair()
		defer client.Close()
		defer server.Close()
		err := c.Isolate(context.Background(), server, potato.WorkUnit{Handler: "whoami"},
			potato.Setting{RootFS: "/nonexisting-potato-rootfs"})
		Expect(err).To(HaveOccurred())
		Expect(c.Runtime.InUse()).To(BeEmpty())
	})

	It("gives up when cancelled", func() {
		c := newContext()
		server, client := socketPair()
		defer client.Close()
		defer server.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c.Isolate(ctx, server, potato.WorkUnit{Handler: "whoami"}, potato.Setting{})
		Expect(err).To(HaveOccurred())
		Expect(c.Runtime.InUse()).To(BeEmpty())
	})

})
