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

package rootfs

import (
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("runtime directory allocator", func() {

	var a *Allocator

	BeforeEach(func() {
		a = NewAllocator(GinkgoT().TempDir(), 1000)
	})

	It("places the runtime directories per user", func() {
		Expect(a.Root).To(HaveSuffix("/1000/potato"))
		Expect(NewAllocator("", 42).Root).To(Equal("/var/run/user/42/potato"))
	})

	It("starts at one and counts up", func() {
		for want := 1; want <= 3; want++ {
			n, dir, err := a.Acquire()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(want))
			Expect(dir).To(BeADirectory())
		}
		Expect(a.InUse()).To(Equal([]int{1, 2, 3}))
	})

	It("reuses gaps", func() {
		Expect(os.MkdirAll(filepath.Join(a.Root, "1"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(a.Root, "3"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(a.Root, "foo"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(a.Root, "-2"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(a.Root, "2"), nil, 0o644)).To(Succeed())
		n, _, err := a.Acquire()
		Expect(err).NotTo(HaveOccurred())
		// "2" exists, but isn't a directory, so it blocks the number.
		Expect(n).To(Equal(4))
		Expect(os.Remove(filepath.Join(a.Root, "2"))).To(Succeed())
		n, _, err = a.Acquire()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		n, _, err = a.Acquire()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))
	})

	It("hands out distinct directories concurrently", func() {
		const count = 32
		nums := make(chan int, count)
		var wg sync.WaitGroup
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				n, _, err := a.Acquire()
				Expect(err).NotTo(HaveOccurred())
				nums <- n
			}()
		}
		wg.Wait()
		close(nums)
		seen := map[int]bool{}
		for n := range nums {
			Expect(seen).NotTo(HaveKey(n))
			seen[n] = true
		}
		Expect(seen).To(HaveLen(count))
		for n := 1; n <= count; n++ {
			Expect(seen).To(HaveKey(n))
		}
	})

	It("doesn't get confused by other allocators", func() {
		other := &Allocator{Root: a.Root}
		n1, _, err := a.Acquire()
		Expect(err).NotTo(HaveOccurred())
		n2, _, err := other.Acquire()
		Expect(err).NotTo(HaveOccurred())
		Expect(n2).NotTo(Equal(n1))
	})

	It("reports failures", func() {
		bad := &Allocator{Root: "/proc/self/potato"}
		_, _, err := bad.Acquire()
		Expect(err).To(HaveOccurred())
	})

})
