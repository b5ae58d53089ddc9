// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The devhost command is the devhost process spawned by devmgr to hold
// devices and run their drivers.
package main

import (
	"os"

	"github.com/kortschak/devmgr/internal/devhost"
)

func main() {
	os.Exit(devhost.Main())
}
