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
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// HandlerFunc handles a work unit's request. In isolation, it runs inside
// the worker process, with its root directory changed to the private root
// filesystem.
type HandlerFunc func(Request) Response

// WorkUnit is the unit of work to be handled: the name of a registered
// handler together with the request to handle.
type WorkUnit struct {
	Handler string  `json:"handler"`
	Request Request `json:"request"`
}

var (
	handlersMu sync.RWMutex
	handlers   = map[string]HandlerFunc{}
)

// Handle registers a handler under the given name. As isolated workers are
// re-executed copies of the application, handlers must be registered before
// spawn.CheckAction() runs, such as in init functions. Registering the same
// name twice panics.
func Handle(name string, fn HandlerFunc) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if _, ok := handlers[name]; ok {
		panic(fmt.Sprintf("potato: Handle: handler %q already registered", name))
	}
	handlers[name] = fn
}

// Handlers returns the names of all registered handlers, sorted.
func Handlers() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (HandlerFunc, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	fn, ok := handlers[name]
	return fn, ok
}

// serve runs the handler for the work unit and returns its response; unknown
// handlers and panicking handlers are answered with error responses.
func serve(unit WorkUnit) (resp Response) {
	fn, ok := lookup(unit.Handler)
	if !ok {
		return NewResponse(http.StatusNotFound).
			WithBody([]byte(fmt.Sprintf("no handler %q\n", unit.Handler)))
	}
	defer func() {
		if r := recover(); r != nil {
			resp = ErrorResponse(fmt.Sprintf("handler %q panicked: %v\n", unit.Handler, r))
		}
	}()
	return fn(unit.Request)
}
