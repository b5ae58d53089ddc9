// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package coordinator

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var errNotSupported = errors.New("not supported")

func withinUlimit(factor float64) (fds int, ok bool, err error) {
	var fdPath string
	switch runtime.GOOS {
	default:
		return -1, true, errNotSupported
	case "darwin":
		fdPath = "/dev/fd"
	case "linux":
		fdPath = "/proc/self/fd"
	}
	f, err := os.Open(fdPath)
	if err != nil {
		return -1, false, fmt.Errorf("could not open file descriptors directory: %w", err)
	}
	defer f.Close()
	d, err := f.Readdirnames(0)
	if err != nil {
		return -1, false, fmt.Errorf("could not read file descriptors directory: %w", err)
	}
	fds = len(d)

	var lim unix.Rlimit
	err = unix.Getrlimit(unix.RLIMIT_NOFILE, &lim)
	if err != nil {
		return fds, false, err
	}
	return fds, fds < int(factor*float64(lim.Cur)), nil
}
