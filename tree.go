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
	"os"
	"syscall"

	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/internal/logger"
	"github.com/thediveo/potato/network"
	"github.com/thediveo/potato/rootfs"
	"github.com/thediveo/potato/signals"
	"github.com/thediveo/potato/spawn"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// The tasks of the isolated process tree.
const (
	initTask           = "potato-init"
	initPrivilegedTask = "potato-init-privileged"
	workerTask         = "potato-worker"
)

// connFd is the file descriptor number of the connection inherited by init
// and the worker.
const connFd = 3

func init() {
	spawn.Register(initTask, initUnprivileged)
	spawn.Register(initPrivilegedTask, initPrivileged)
	spawn.Register(workerTask, worker)
}

// taskPlan retrieves the plan passed to the current task and sets up
// logging accordingly.
func taskPlan() (plan, *zap.Logger, error) {
	var p plan
	if err := spawn.Arg(&p); err != nil {
		return p, logger.L(), err
	}
	_ = logger.Init(p.Log)
	log := logger.L().With(
		zap.String("request_id", p.RequestID),
		zap.String("task", spawn.Current()))
	return p, log, nil
}

// fail reports the error on the status channel and returns the exit status
// for failed tasks.
func fail(log *zap.Logger, err error) int {
	log.Error("isolation step failed", zap.Error(err))
	_ = spawn.Report(report{Error: err.Error(), Kind: errs.KindOf(err)})
	return 1
}

// initUnprivileged runs as the init process in the new namespaces, but
// still without capabilities, as its execve(2) happened while its user
// namespace had no id mappings yet. It thus waits for the caller to write the
// mappings, and then re-executes itself in place.
func initUnprivileged() int {
	p, log, err := taskPlan()
	if err != nil {
		return fail(log, err)
	}
	// Subscribe before telling the caller that we're waiting, so the
	// continue signal cannot get lost.
	cont := signals.Await(syscall.Signal(p.Continue))
	if err := spawn.Report(report{Stage: stageIDMap}); err != nil {
		return 1
	}
	if err := cont.Wait(context.Background()); err != nil {
		return fail(log, err)
	}
	if err := spawn.Exec(initPrivilegedTask, p); err != nil {
		return fail(log, err)
	}
	return 0 // not reached
}

// initPrivileged continues as init, now being root in its user namespace
// with full capabilities. It spawns the worker, bind-mounts while the worker
// is suspended, and then proxies the continue signal to the worker and reaps
// it. After the worker has terminated, it releases the runtime directory.
func initPrivileged() int {
	p, log, err := taskPlan()
	if err != nil {
		return fail(log, err)
	}
	conn := os.NewFile(connFd, "conn")
	if err := rootfs.MakePrivate(); err != nil {
		return fail(log, err)
	}
	mounted := []string{}
	if p.Setting.RootFS != "" {
		if err := rootfs.Bind(p.Setting.RootFS, p.RuntimeDir); err != nil {
			return fail(log, err)
		}
		mounted = append(mounted, p.RuntimeDir)
	}
	// Failing from here on leaves the runtime directory to the caller, who
	// removes it after having reaped us; our bind mounts vanish together with
	// our mount namespace.
	w, err := spawn.Spawn(workerTask, 0,
		spawn.WithArg(p),
		spawn.WithFiles(conn),
		spawn.WithParentDeathSignal(unix.SIGKILL))
	_ = conn.Close()
	if err != nil {
		return fail(log, err)
	}
	abort := func(err error) int {
		_ = w.Kill()
		_, _ = w.Wait()
		return fail(log, err)
	}
	if err := w.WaitStopped(); err != nil {
		return abort(err)
	}
	more, err := rootfs.BindAll(p.RuntimeDir, p.Setting.Mounts)
	mounted = append(mounted, more...)
	if err != nil {
		return abort(err)
	}
	proxy := &signals.Proxy{
		Worker:   w.Pid,
		Continue: syscall.Signal(p.Continue),
		OnExit: func() {
			if err := rootfs.Release(p.RuntimeDir, mounted); err != nil {
				log.Error("cannot release runtime directory", zap.Error(err))
			}
		},
	}
	proxy.Subscribe()
	if err := spawn.Report(report{Stage: stageReady}); err != nil {
		return abort(err)
	}
	_ = os.Stdout.Close()
	status := proxy.Run()
	log.Debug("worker terminated", zap.Int("status", status))
	return status
}

// worker suspends itself until init and the caller have set up everything,
// then changes into its private root filesystem, and finally handles the
// work unit, writing the response to the inherited connection.
func worker() int {
	p, log, err := taskPlan()
	conn := os.NewFile(connFd, "conn")
	defer conn.Close()
	if err != nil {
		log.Error("no plan", zap.Error(err))
		return 1
	}
	if err := signals.Suspend(); err != nil {
		log.Error("cannot suspend", zap.Error(err))
		return 1
	}
	if err := rootfs.Enter(p.RuntimeDir); err != nil {
		log.Error("cannot enter root filesystem", zap.Error(err))
		_, _ = conn.Write(ErrorResponse("isolation failure: chroot\n").Bytes())
		return 1
	}
	prov := &network.Provisioner{Log: log}
	if err := prov.ContainerSide(p.Pair, p.Address); err != nil {
		log.Debug("container network incomplete", zap.Error(err))
	}
	if _, err := conn.Write(serve(p.Unit).Bytes()); err != nil {
		log.Warn("cannot write response", zap.Error(err))
		return 1
	}
	return 0
}
