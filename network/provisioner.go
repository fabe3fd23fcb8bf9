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

	"go.uber.org/zap"
)

// Provisioner runs the sequences of network operations needed on the host
// side and on the container side. The sequences are best effort: a failing
// step gets logged and skipped, and the remaining steps are still tried. The
// errors of all failed steps are returned joined.
type Provisioner struct {
	Log *zap.Logger
}

type step struct {
	what string
	do   func() error
}

func (p *Provisioner) run(steps ...step) error {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	var errs []error
	for _, s := range steps {
		if err := s.do(); err != nil {
			log.Warn("network step failed", zap.String("step", s.what), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BridgeUp creates the bridge, assigns it its address in CIDR notation and
// brings it up.
func (p *Provisioner) BridgeUp(name, cidr string) error {
	return p.run(
		step{"create bridge", func() error { return CreateBridge(name) }},
		step{"address bridge", func() error { return AddAddress(name, cidr) }},
		step{"bring bridge up", func() error { return SetLinkUp(name) }},
	)
}

// HostSide creates the VETH pair, attaches the host end to the bridge and
// brings it up, and finally moves the container end into the network
// namespace of process pid. A stale VETH pair of the same name, left over
// by a process tree still winding down, gets removed first.
func (p *Provisioner) HostSide(pair Pair, bridge string, pid int) error {
	_ = p.run(step{"remove stale veth", func() error { return DeleteLink(pair.Host) }})
	if err := CreateVeth(pair.Host, pair.Container); err != nil {
		// Without the pair, the remaining steps would fail anyway.
		_ = p.run(step{"create veth", func() error { return err }})
		return err
	}
	return p.run(
		step{"attach to bridge", func() error { return AttachToBridge(pair.Host, bridge) }},
		step{"bring host end up", func() error { return SetLinkUp(pair.Host) }},
		step{"move container end", func() error { return MoveToNamespace(pair.Container, pid) }},
	)
}

// ContainerSide runs inside the isolated process' network namespace and
// brings up loopback as well as the container end, assigning it the address
// in CIDR notation. With an empty pair, only loopback is brought up.
func (p *Provisioner) ContainerSide(pair Pair, cidr string) error {
	steps := []step{{"bring loopback up", func() error { return SetLinkUp("lo") }}}
	if pair.Container != "" {
		steps = append(steps,
			step{"address container end", func() error { return AddAddress(pair.Container, cidr) }},
			step{"bring container end up", func() error { return SetLinkUp(pair.Container) }},
		)
	}
	return p.run(steps...)
}

// Teardown deletes the VETH pair, if it still exists.
func (p *Provisioner) Teardown(pair Pair) error {
	return p.run(
		step{"delete veth", func() error { return DeleteLink(pair.Host) }},
	)
}
