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
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/internal/logger"
	"github.com/thediveo/potato/namespace"
	"github.com/thediveo/potato/network"
	"github.com/thediveo/potato/rootfs"
	"github.com/thediveo/potato/spawn"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// plan is everything the isolated process tree needs to know; it gets
// passed as a copy to init and from there to the worker.
type plan struct {
	RequestID  string        `json:"request_id"`
	Unit       WorkUnit      `json:"unit"`
	Setting    Setting       `json:"setting"`
	RuntimeDir string        `json:"runtime_dir"`
	Pair       network.Pair  `json:"pair"`
	Address    string        `json:"address"`
	Continue   int           `json:"continue"`
	Log        logger.Config `json:"log"`
}

// Stages reported by init on its status channel.
const (
	stageIDMap = "awaiting-idmap"
	stageReady = "ready"
)

type report struct {
	Stage string    `json:"stage,omitempty"`
	Error string    `json:"error,omitempty"`
	Kind  errs.Kind `json:"kind,omitempty"`
}

// Isolate handles the work unit in a new, isolated process tree and returns
// as soon as the worker has been let loose; the worker then writes its
// response directly to conn. Isolate closes conn on success.
//
// On failure, Isolate tears down everything set up so far and returns an
// error; conn then is still owned by the caller, which should send an error
// response. The context can cancel the setup, but not the running worker.
func (c *Context) Isolate(ctx context.Context, conn Conn, unit WorkUnit, setting Setting) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reqID := logger.RequestID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
		ctx = logger.WithRequestID(ctx, reqID)
	}
	log := c.log(ctx).With(zap.String("handler", unit.Handler))

	n, dir, err := c.Runtime.Acquire()
	if err != nil {
		return err
	}
	var initp *spawn.Process
	hostSide := false
	pair := network.Pair{}
	defer func() {
		if err == nil {
			return
		}
		log.Error("isolation failed", zap.Error(err))
		if initp != nil {
			_ = initp.Kill()
			_, _ = initp.Wait()
		}
		if hostSide {
			_ = c.Net.Teardown(pair)
		}
		// With init gone, its mount namespace is gone too, and thus all its
		// bind mounts.
		if rerr := rootfs.Release(dir, nil); rerr != nil {
			log.Warn("cannot remove runtime directory", zap.String("dir", dir), zap.Error(rerr))
		}
	}()

	// Without link names or an address the worker still runs, just with
	// loopback only.
	var addr string
	if pair, err = network.LinkPair(c.VethPrefix, n); err == nil {
		addr, err = c.Subnet.Address(n)
	}
	if err != nil {
		log.Warn("isolating without network", zap.Error(err))
		pair, addr, err = network.Pair{}, "", nil
	}
	f, err := conn.File()
	if err != nil {
		return errs.New(errs.SpawnFailure, "duplicate connection", err)
	}
	defer f.Close()

	p := plan{
		RequestID:  reqID,
		Unit:       unit,
		Setting:    setting,
		RuntimeDir: dir,
		Pair:       pair,
		Address:    addr,
		Continue:   int(c.Continue),
		Log:        c.LogConfig,
	}
	log.Debug("isolating", zap.Int("runtime", n), zap.String("address", addr))
	initp, err = spawn.Spawn(initTask, namespace.All.CloneFlags(),
		spawn.WithArg(p),
		spawn.WithFiles(f),
		spawn.WithStatus(),
		spawn.WithParentDeathSignal(unix.SIGKILL))
	if err != nil {
		return err
	}
	if err = expect(ctx, initp, stageIDMap); err != nil {
		return err
	}
	if err = c.uidMapper().Write(initp.Pid); err != nil {
		return err
	}
	if err = c.gidMapper().Write(initp.Pid); err != nil {
		return err
	}
	if err = initp.Signal(c.Continue); err != nil {
		return err
	}
	if err = expect(ctx, initp, stageReady); err != nil {
		return err
	}
	if pair.Host != "" {
		hostSide = true
		if nerr := c.Net.HostSide(pair, c.Bridge, initp.Pid); nerr != nil {
			log.Warn("worker network incomplete", zap.Error(nerr))
		}
	}
	if err = initp.Signal(c.Continue); err != nil {
		return err
	}

	// From now on, the process tree owns the connection.
	_ = conn.Close()
	go func() {
		status, werr := initp.Wait()
		if werr != nil {
			log.Error("cannot reap init", zap.Int("pid", initp.Pid), zap.Error(werr))
			return
		}
		log.Debug("isolated work unit done", zap.Int("status", status))
	}()
	return nil
}

// expect waits for init to report the given stage. If the context gets
// cancelled first, init is killed.
func expect(ctx context.Context, p *spawn.Process, stage string) error {
	done := make(chan error, 1)
	go func() {
		var r report
		if err := p.Receive(&r); err != nil {
			done <- errs.New(errs.SpawnFailure, "await "+stage,
				fmt.Errorf("init terminated: %w", err))
			return
		}
		if r.Error != "" {
			kind := r.Kind
			if kind == 0 {
				kind = errs.SpawnFailure
			}
			done <- errs.New(kind, stage, errors.New(r.Error))
			return
		}
		if r.Stage != stage {
			done <- errs.New(errs.SpawnFailure, "await "+stage,
				fmt.Errorf("unexpected stage %q", r.Stage))
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = p.Kill()
		<-done
		return errs.New(errs.SpawnFailure, "await "+stage, ctx.Err())
	}
}
