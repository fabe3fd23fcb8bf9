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
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/thediveo/potato/internal/logger"
	"github.com/thediveo/potato/spawn"
	"go.uber.org/zap"
)

// Run handles the work unit without process isolation, on a dedicated OS
// thread which might be attached to new namespaces, see Context.Threads.
// Run writes the response to conn, but doesn't close it.
func (c *Context) Run(ctx context.Context, conn net.Conn, unit WorkUnit) error {
	var werr error
	t, err := spawn.SpawnThread(func() int {
		if _, werr = conn.Write(serve(unit).Bytes()); werr != nil {
			return 1
		}
		return 0
	}, c.Threads.CloneFlags())
	if err != nil {
		return err
	}
	select {
	case <-t.Done():
	case <-ctx.Done():
		// The handler cannot be cancelled, so let it finish on its own.
		return ctx.Err()
	}
	if t.Wait() != 0 {
		return fmt.Errorf("writing response: %w", werr)
	}
	return nil
}

// WorkUnitFor maps a request to its work unit: the first path element names
// the handler, so "/hello/world" goes to handler "hello".
func WorkUnitFor(req Request) WorkUnit {
	name := strings.TrimPrefix(req.Path, "/")
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[:idx]
	}
	return WorkUnit{Handler: name, Request: req}
}

// ServeConn reads a single request from conn and handles it, either
// isolated or not. It always takes care of closing conn, sending an error
// response if handling failed.
func (c *Context) ServeConn(ctx context.Context, conn Conn, isolated bool, setting Setting) {
	ctx = logger.WithRequestID(ctx, uuid.NewString())
	log := c.log(ctx)
	req, err := ReadRequest(bufio.NewReader(conn))
	if err != nil {
		log.Debug("bad request", zap.Error(err))
		_, _ = conn.Write(NewResponse(400).WithBody([]byte("bad request\n")).Bytes())
		_ = conn.Close()
		return
	}
	unit := WorkUnitFor(req)
	log.Info("request", zap.String("method", req.Method), zap.String("path", req.Path),
		zap.Bool("isolated", isolated))
	if !isolated {
		if err := c.Run(ctx, conn, unit); err != nil {
			log.Warn("serving failed", zap.Error(err))
		}
		_ = conn.Close()
		return
	}
	if err := c.Isolate(ctx, conn, unit, setting); err != nil {
		_, _ = conn.Write(ErrorResponse(fmt.Sprintf("isolation failure: %v\n", err)).Bytes())
		_ = conn.Close()
	}
}
