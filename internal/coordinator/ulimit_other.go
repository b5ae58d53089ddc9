// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package coordinator

import "errors"

var errNotSupported = errors.New("not supported")

func withinUlimit(float64) (fds int, ok bool, err error) {
	return -1, true, errNotSupported
}
