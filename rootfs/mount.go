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

package rootfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/thediveo/potato/internal/errs"
	"github.com/thediveo/potato/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MakePrivate switches all mounts of the current mount namespace to private
// propagation, so that bind mounts neither leak into nor from the parent
// mount namespace.
func MakePrivate() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return errs.New(errs.MountFailure, "make / private", err)
	}
	return nil
}

// Bind bind-mounts the directory source onto the directory target,
// including all mounts below source.
func Bind(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errs.New(errs.MountFailure, fmt.Sprintf("bind %s to %s", source, target), err)
	}
	return nil
}

// BindAll bind-mounts each host directory (map key) onto its target path
// (map value) relative to rootfs, creating the mount points as necessary.
// Sources which aren't directories are silently skipped. BindAll returns the
// mount points mounted, even on failure, so that they can be released.
func BindAll(rootfs string, mounts map[string]string) ([]string, error) {
	sources := make([]string, 0, len(mounts))
	for source := range mounts {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	mounted := []string{}
	for _, source := range sources {
		target, err := within(rootfs, mounts[source])
		if err != nil {
			return mounted, err
		}
		info, err := os.Stat(source)
		if err != nil || !info.IsDir() {
			logger.L().Debug("skipping non-directory bind mount source",
				zap.String("source", source))
			continue
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return mounted, errs.New(errs.MountFailure, "create "+target, err)
		}
		if err := Bind(source, target); err != nil {
			return mounted, err
		}
		mounted = append(mounted, target)
	}
	return mounted, nil
}

// within returns the path of target inside rootfs, refusing paths escaping
// rootfs.
func within(rootfs, target string) (string, error) {
	root := filepath.Clean(rootfs)
	path := filepath.Join(root, target)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", errs.New(errs.MountFailure, "bind "+target,
			fmt.Errorf("target escapes %s", root))
	}
	return path, nil
}

// Enter changes the root directory of the calling process to rootfs and its
// working directory to the new root.
func Enter(rootfs string) error {
	if err := unix.Chroot(rootfs); err != nil {
		return errs.New(errs.ChrootFailure, "chroot "+rootfs, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return errs.New(errs.ChrootFailure, "chdir /", err)
	}
	return nil
}

// Release lazily unmounts the given mount points in reverse order and then
// removes the runtime directory dir. If any unmount fails, dir is left in
// place, as removing it might delete host files through a bind mount.
func Release(dir string, mounted []string) error {
	var failed []error
	for idx := len(mounted) - 1; idx >= 0; idx-- {
		err := unix.Unmount(mounted[idx], unix.MNT_DETACH)
		if err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
			failed = append(failed, errs.New(errs.MountFailure, "unmount "+mounted[idx], err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("not removing %s: %w", dir, errors.Join(failed...))
	}
	if err := os.RemoveAll(dir); err != nil {
		return errs.New(errs.MountFailure, "remove "+dir, err)
	}
	return nil
}
