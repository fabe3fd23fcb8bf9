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
Package network provisions the network attachment of isolated processes: a
bridge on the host, and per process a VETH pair with one end attached to the
bridge and the other end moved into the process' network namespace.

Each operation opens its own RTNETLINK handle in the network namespace of
the calling OS thread and closes it when done.
*/
package network

import (
	"errors"
	"fmt"

	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/internal/logger"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// withHandle runs fn with a fresh netlink handle.
func withHandle(op string, fn func(h *netlink.Handle) error) error {
	h, err := netlink.NewHandle()
	if err != nil {
		return errs.New(errs.NetworkFailure, op, err)
	}
	defer h.Close()
	if err := fn(h); err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return err
		}
		return errs.New(errs.NetworkFailure, op, err)
	}
	return nil
}

// CreateVeth creates a VETH pair of network interfaces with the given names.
func CreateVeth(name, peer string) error {
	return withHandle("create veth "+name, func(h *netlink.Handle) error {
		return h.LinkAdd(&netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			PeerName:  peer,
		})
	})
}

// CreateBridge creates a bridge; an already existing bridge is fine.
func CreateBridge(name string) error {
	return withHandle("create bridge "+name, func(h *netlink.Handle) error {
		err := h.LinkAdd(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}})
		if errs.IsExist(err) {
			return nil
		}
		return err
	})
}

// SetLinkUp brings a network interface up. A missing network interface is
// logged, but otherwise ignored.
func SetLinkUp(name string) error {
	return withHandle("set up "+name, func(h *netlink.Handle) error {
		link, err := h.LinkByName(name)
		if err != nil {
			var notfound netlink.LinkNotFoundError
			if errors.As(err, &notfound) {
				logger.L().Warn("no such link to bring up", zap.String("link", name))
				return nil
			}
			return err
		}
		return h.LinkSetUp(link)
	})
}

// AddAddress assigns an IP address in CIDR notation, such as
// "10.0.0.1/24", to a network interface. An already assigned address is
// fine.
func AddAddress(name, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return errs.New(errs.NetworkFailure, "parse address "+cidr, err)
	}
	return withHandle(fmt.Sprintf("add address %s to %s", cidr, name), func(h *netlink.Handle) error {
		link, err := h.LinkByName(name)
		if err != nil {
			return err
		}
		err = h.AddrAdd(link, addr)
		if errs.IsExist(err) {
			return nil
		}
		return err
	})
}

// AttachToBridge attaches a network interface to a bridge.
func AttachToBridge(name, bridge string) error {
	return withHandle(fmt.Sprintf("attach %s to %s", name, bridge), func(h *netlink.Handle) error {
		link, err := h.LinkByName(name)
		if err != nil {
			return err
		}
		master, err := h.LinkByName(bridge)
		if err != nil {
			return err
		}
		return h.LinkSetMaster(link, master)
	})
}

// MoveToNamespace moves a network interface into the network namespace of
// process pid.
func MoveToNamespace(name string, pid int) error {
	return withHandle(fmt.Sprintf("move %s to netns of %d", name, pid), func(h *netlink.Handle) error {
		link, err := h.LinkByName(name)
		if err != nil {
			return err
		}
		return h.LinkSetNsPid(link, pid)
	})
}

// DeleteLink deletes a network interface; deleting one end of a VETH pair
// deletes the other end too. A missing network interface is fine.
func DeleteLink(name string) error {
	return withHandle("delete "+name, func(h *netlink.Handle) error {
		link, err := h.LinkByName(name)
		if err != nil {
			var notfound netlink.LinkNotFoundError
			if errors.As(err, &notfound) {
				return nil
			}
			return err
		}
		return h.LinkDel(link)
	})
}
