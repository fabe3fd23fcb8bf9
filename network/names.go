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
	"fmt"
	"net/netip"

	"github.com/thediveo/potato/internal/errs"
)

// MaxNameLen is the maximum length of a network interface name, excluding
// the terminating zero (IFNAMSIZ-1).
const MaxNameLen = 15

// Pair names the two ends of a VETH pair: the host end stays in the host's
// network namespace, the container end gets moved into the isolated
// process' network namespace.
type Pair struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

// LinkPair derives the names of the VETH pair for the n-th isolated process.
// As n is unique among all concurrently isolated processes, so are the
// names.
func LinkPair(prefix string, n int) (Pair, error) {
	p := Pair{
		Host:      fmt.Sprintf("%s%dh", prefix, n),
		Container: fmt.Sprintf("%s%dc", prefix, n),
	}
	if len(p.Host) > MaxNameLen {
		return Pair{}, errs.New(errs.NetworkFailure, "derive link names",
			fmt.Errorf("name %q longer than %d characters", p.Host, MaxNameLen))
	}
	return p, nil
}

// Subnet is the IP subnet of a bridge, together with the bridge's own
// address in it, such as "10.0.0.1/24".
type Subnet struct {
	prefix netip.Prefix
}

// ParseSubnet parses the bridge's address in CIDR notation.
func ParseSubnet(cidr string) (Subnet, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return Subnet{}, errs.New(errs.NetworkFailure, "parse subnet "+cidr, err)
	}
	return Subnet{prefix: prefix}, nil
}

// String returns the bridge address in CIDR notation.
func (s Subnet) String() string { return s.prefix.String() }

// Address returns the address in CIDR notation of the n-th isolated process
// (n ≥ 1): the n-th address following the bridge's own address.
func (s Subnet) Address(n int) (string, error) {
	if n < 1 {
		return "", errs.New(errs.NetworkFailure, "derive address",
			fmt.Errorf("invalid index %d", n))
	}
	network := s.prefix.Masked()
	addr := s.prefix.Addr()
	for i := 0; i < n; i++ {
		addr = addr.Next()
	}
	if !addr.IsValid() || !network.Contains(addr) || isBroadcast(network, addr) {
		return "", errs.New(errs.NetworkFailure, "derive address",
			fmt.Errorf("subnet %s exhausted at index %d", network, n))
	}
	return netip.PrefixFrom(addr, s.prefix.Bits()).String(), nil
}

// isBroadcast reports whether addr is the broadcast address of an IPv4
// network.
func isBroadcast(network netip.Prefix, addr netip.Addr) bool {
	if !addr.Is4() || network.Bits() >= 31 {
		return false
	}
	return !network.Contains(addr.Next())
}
