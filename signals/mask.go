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

package signals

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/thediveo/potato/internal/errs"
	"golang.org/x/sys/unix"
)

// bitsPerWord is the number of signal bits per element of a unix.Sigset_t,
// which differs between 32 and 64 bit architectures.
const bitsPerWord = 8 * int(unsafe.Sizeof(unix.Sigset_t{}.Val[0]))

// numSignals is the number of signals a unix.Sigset_t can hold.
var numSignals = len(unix.Sigset_t{}.Val) * bitsPerWord

// sigset returns a signal set containing the given signals. Signals outside
// 1..numSignals are rejected.
func sigset(sigs ...syscall.Signal) (unix.Sigset_t, error) {
	var set unix.Sigset_t
	for _, sig := range sigs {
		if !valid(sig) {
			return set, fmt.Errorf("invalid signal %d", int(sig))
		}
		bit := int(sig) - 1
		set.Val[bit/bitsPerWord] |= 1 << (bit % bitsPerWord)
	}
	return set, nil
}

func valid(sig syscall.Signal) bool {
	return sig >= 1 && int(sig) <= numSignals
}

// has reports whether the set contains sig.
func has(set *unix.Sigset_t, sig syscall.Signal) bool {
	if !valid(sig) {
		return false
	}
	bit := int(sig) - 1
	return set.Val[bit/bitsPerWord]&(1<<(bit%bitsPerWord)) != 0
}

func sigmask(how int, op string, sigs []syscall.Signal) error {
	set, err := sigset(sigs...)
	if err != nil {
		return errs.New(errs.SignalFailure, fmt.Sprintf("%s %v", op, sigs), err)
	}
	if err := unix.PthreadSigmask(how, &set, nil); err != nil {
		return errs.New(errs.SignalFailure, fmt.Sprintf("%s %v", op, sigs), err)
	}
	return nil
}

// Block adds the given signals to the signal mask of the calling OS thread.
// Callers must have locked their goroutine to the OS thread.
func Block(sigs ...syscall.Signal) error {
	return sigmask(unix.SIG_BLOCK, "block", sigs)
}

// Unblock removes the given signals from the signal mask of the calling OS
// thread. Unblocking signals which aren't blocked is a no-op.
func Unblock(sigs ...syscall.Signal) error {
	return sigmask(unix.SIG_UNBLOCK, "unblock", sigs)
}

// SetMask replaces the signal mask of the calling OS thread with exactly the
// given signals.
func SetMask(sigs ...syscall.Signal) error {
	return sigmask(unix.SIG_SETMASK, "set mask", sigs)
}

// Blocked reports whether sig is currently blocked on the calling OS thread.
func Blocked(sig syscall.Signal) (bool, error) {
	if !valid(sig) {
		return false, errs.New(errs.SignalFailure, "query mask",
			fmt.Errorf("invalid signal %d", int(sig)))
	}
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, nil, &old); err != nil {
		return false, errs.New(errs.SignalFailure, "query mask", err)
	}
	return has(&old, sig), nil
}
