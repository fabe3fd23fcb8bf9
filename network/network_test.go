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

package network

import (
	"errors"
	"net"
	"os"

	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/spawn"
	"github.com/thediveo/spacetest/netns"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func link(name string) netlink.Link {
	l, err := netlink.LinkByName(name)
	Expect(err).NotTo(HaveOccurred())
	return l
}

var _ = Describe("network provisioning", func() {

	BeforeEach(func() {
		if os.Geteuid() != 0 {
			Skip("needs root")
		}
	})

	It("creates a bridge idempotently and addresses it", func() {
		defer netns.EnterTransient()()
		Expect(CreateBridge("br-potato")).To(Succeed())
		Expect(CreateBridge("br-potato")).To(Succeed())
		Expect(AddAddress("br-potato", "10.0.0.1/24")).To(Succeed())
		Expect(AddAddress("br-potato", "10.0.0.1/24")).To(Succeed())
		Expect(SetLinkUp("br-potato")).To(Succeed())
		addrs, err := netlink.AddrList(link("br-potato"), netlink.FAMILY_V4)
		Expect(err).NotTo(HaveOccurred())
		ips := []string{}
		for _, addr := range addrs {
			ips = append(ips, addr.IPNet.String())
		}
		Expect(ips).To(ContainElement("10.0.0.1/24"))
	})

	It("ignores bringing up missing links", func() {
		defer netns.EnterTransient()()
		Expect(SetLinkUp("nada")).To(Succeed())
		Expect(DeleteLink("nada")).To(Succeed())
	})

	It("reports failures as network failures", func() {
		defer netns.EnterTransient()()
		err := AttachToBridge("nada", "nix")
		Expect(errors.Is(err, errs.NetworkFailure)).To(BeTrue())
		Expect(AddAddress("lo", "foobar")).To(MatchError(ContainSubstring("parse address")))
	})

	It("provisions the host side and the container side", func() {
		defer netns.EnterTransient()()
		p := &Provisioner{}
		Expect(p.BridgeUp("br-potato", "10.0.0.1/24")).To(Succeed())

		child, err := spawn.Spawn("sleepingunbeauty", unix.CLONE_NEWNET, spawn.WithStatus())
		Expect(err).NotTo(HaveOccurred())
		defer func() {
			_ = child.Kill()
			_, _ = child.Wait()
		}()
		var s string
		Expect(child.Receive(&s)).To(Succeed())

		pair, _ := LinkPair("potato", 1)
		Expect(p.HostSide(pair, "br-potato", child.Pid)).To(Succeed())
		host := link(pair.Host)
		Expect(host.Attrs().MasterIndex).To(Equal(link("br-potato").Attrs().Index))
		_, err = netlink.LinkByName(pair.Container)
		Expect(err).To(HaveOccurred())

		Expect(p.Teardown(pair)).To(Succeed())
		_, err = netlink.LinkByName(pair.Host)
		Expect(err).To(HaveOccurred())
	})

	It("brings up the container side", func() {
		defer netns.EnterTransient()()
		pair, _ := LinkPair("potato", 2)
		Expect(CreateVeth(pair.Container, pair.Host)).To(Succeed())
		p := &Provisioner{}
		Expect(p.ContainerSide(pair, "10.0.0.3/24")).To(Succeed())
		Expect(link("lo").Attrs().Flags & net.FlagUp).NotTo(BeZero())
		Expect(link(pair.Container).Attrs().Flags & net.FlagUp).NotTo(BeZero())
	})

	It("brings up only loopback without a pair", func() {
		defer netns.EnterTransient()()
		p := &Provisioner{}
		Expect(p.ContainerSide(Pair{}, "")).To(Succeed())
		Expect(link("lo").Attrs().Flags & net.FlagUp).NotTo(BeZero())
	})

	It("continues after failed steps", func() {
		defer netns.EnterTransient()()
		p := &Provisioner{}
		err := p.HostSide(Pair{Host: "a", Container: "a"}, "nix", 1)
		Expect(err).To(HaveOccurred())
	})

})
