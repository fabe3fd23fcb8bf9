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

package potato

import (
	"context"
	"net"
	"os"
	"syscall"

	"github.com/thediveo/potato/config"
	"github.com/thediveo/potato/idmap"
	"github.com/thediveo/potato/internal/logger"
	"github.com/thediveo/potato/namespace"
	"github.com/thediveo/potato/network"
	"github.com/thediveo/potato/rootfs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Conn is a connection which can hand out a duplicate of its underlying file
// descriptor, such as *net.TCPConn and *net.UnixConn.
type Conn interface {
	net.Conn
	File() (*os.File, error)
}

// Setting configures the private root filesystem of an isolated worker: an
// optional directory to use as the base of the root filesystem, and host
// directories (keys) to bind-mount onto targets (values) inside it. The
// setting is copied into the process tree, so changing it later has no
// effect on already isolated workers.
type Setting struct {
	RootFS string            `json:"rootfs,omitempty"`
	Mounts map[string]string `json:"mounts,omitempty"`
}

// IDMap defines which ids in the parent user namespace become root inside an
// isolated worker's user namespace.
type IDMap struct {
	UID uint32
	GID uint32
}

// Context is the state shared by all isolations of a server.
type Context struct {
	// Runtime hands out the private runtime directories.
	Runtime *rootfs.Allocator
	// Bridge is the name of the host bridge, Subnet its address and subnet.
	Bridge     string
	Subnet     network.Subnet
	VethPrefix string
	// IDMap defines the ids mapped to root.
	IDMap IDMap
	// Continue is the signal telling init to continue.
	Continue syscall.Signal
	// Threads are the namespaces for non-isolated work units.
	Threads   namespace.FlagSet
	Net       *network.Provisioner
	Log       *zap.Logger
	LogConfig logger.Config
}

// NewContext returns a new Context configured from cfg.
func NewContext(cfg *config.Config) (*Context, error) {
	subnet, err := network.ParseSubnet(cfg.Isolation.Bridge.CIDR)
	if err != nil {
		return nil, err
	}
	threads, err := namespace.ParseFlagSet(cfg.ThreadNamespaces)
	if err != nil {
		return nil, err
	}
	log := logger.L()
	return &Context{
		Runtime:    rootfs.NewAllocator(cfg.RuntimeRoot, os.Getuid()),
		Bridge:     cfg.Isolation.Bridge.Name,
		Subnet:     subnet,
		VethPrefix: cfg.Isolation.VethPrefix,
		IDMap:      IDMap{UID: uint32(os.Geteuid()), GID: uint32(os.Getegid())},
		Continue:   unix.SIGUSR1,
		Threads:    threads,
		Net:        &network.Provisioner{Log: log},
		Log:        log,
		LogConfig:  cfg.Logger(),
	}, nil
}

// SetupBridge brings up the host bridge; this is best effort, so isolated
// workers still work, albeit without network, when it fails.
func (c *Context) SetupBridge() error {
	return c.Net.BridgeUp(c.Bridge, c.Subnet.String())
}

func (c *Context) uidMapper() *idmap.Mapper {
	return idmap.NewUIDMapper().Add(0, c.IDMap.UID, 1)
}

func (c *Context) gidMapper() *idmap.Mapper {
	return idmap.NewGIDMapper().Add(0, c.IDMap.GID, 1)
}

// log returns the logger for the request in ctx.
func (c *Context) log(ctx context.Context) *zap.Logger {
	if c.Log == nil {
		return logger.For(ctx)
	}
	if id := logger.RequestID(ctx); id != "" {
		return c.Log.With(zap.String("request_id", id))
	}
	return c.Log
}
