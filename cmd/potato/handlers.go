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

package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/thediveo/potato"
	"golang.org/x/sys/unix"
)

// The demo handlers; they need to be registered before spawn.CheckAction.
func init() {
	potato.Handle("hello", hello)
	potato.Handle("hostname", hostname)
	potato.Handle("set-hostname", setHostname)
}

func hello(req potato.Request) potato.Response {
	return potato.NewResponse(http.StatusOK).
		WithHeader("Content-Type", "text/plain; charset=utf-8").
		WithBody([]byte("Hello, World!\n"))
}

func hostname(req potato.Request) potato.Response {
	name, err := os.Hostname()
	if err != nil {
		return potato.ErrorResponse(fmt.Sprintf("hostname: %v\n", err))
	}
	return potato.NewResponse(http.StatusOK).
		WithHeader("Content-Type", "text/plain; charset=utf-8").
		WithBody([]byte(name + "\n"))
}

// setHostname changes the hostname to the request body. In isolation, this
// only affects the worker's own UTS namespace.
func setHostname(req potato.Request) potato.Response {
	name := strings.TrimSpace(req.Body)
	if name == "" {
		return potato.NewResponse(http.StatusBadRequest).
			WithBody([]byte("missing hostname\n"))
	}
	if err := unix.Sethostname([]byte(name)); err != nil {
		return potato.ErrorResponse(fmt.Sprintf("sethostname: %v\n", err))
	}
	return hostname(req)
}
