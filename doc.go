// Package potato ("process isolation, tiny") serves work units in isolated
// process trees, each in its own fresh set of Linux kernel namespaces.
//
// Code Usage
//
// Register the handlers for work units early, before re-executed children
// check for their tasks, so that isolated workers find them too:
//
//   package main
//
//   import (
//       "github.com/thediveo/potato"
//       "github.com/thediveo/potato/spawn"
//   )
//
//   func init() {
//       potato.Handle("hello", func(req potato.Request) potato.Response {
//           return potato.NewResponse(200).WithBody([]byte("hello"))
//       })
//   }
//
//   func main() {
//       spawn.CheckAction()
//       // ...
//   }
//
// Process Tree
//
// For each work unit, Isolate spawns an init process into new user, PID,
// mount, network, UTS, IPC and cgroup namespaces. The caller maps the user
// and group ids of init, then init re-executes itself in order to gain full
// capabilities in its user namespace, and spawns a worker process. The
// worker immediately suspends itself until init has finished all privileged
// setup, such as bind-mounting host directories into the worker's private
// root filesystem, and until the caller has set up the network. Only then,
// the worker changes its root and runs the handler, writing the response
// directly to the connection. When the worker has terminated, init reaps it,
// unmounts and removes the private root filesystem, and terminates itself.
//
// Notes
//
// Isolation needs privileges: either running as root, or unprivileged user
// namespaces being available. Setting up the bridge and the VETH pairs on the
// host needs CAP_NET_ADMIN; without it, isolated workers simply have no
// network apart from loopback.
//
package potato
