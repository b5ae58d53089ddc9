// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides devmgr system configuration types and schemas.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/kortschak/devmgr/rpc"
)

// System is a complete coordinator configuration.
type System struct {
	Coordinator *Coordinator `json:"coordinator,omitempty" toml:"coordinator"`
}

// Coordinator is the coordinator configuration.
type Coordinator struct {
	// Network is the network the RPC kernel is communicating on.
	Network   string      `json:"network,omitempty" toml:"network"`
	LogLevel  *slog.Level `json:"log_level,omitempty" toml:"log_level"`
	AddSource *bool       `json:"log_add_source,omitempty" toml:"log_add_source"`

	// Devhost is the path to the devhost executable. The value
	// "builtin" runs devhosts within the coordinator process.
	Devhost string `json:"devhost,omitempty" toml:"devhost"`
	// DevhostArgs is any additional arguments passed to the
	// devhost executable at start up.
	DevhostArgs []string `json:"devhost_args,omitempty" toml:"devhost_args"`
	// DevhostLogMode specifies how devhost logging is handled
	// by the system; options are "log", "passthrough"
	// and "none". The default behaviour is "passthrough".
	//
	//  log:         stdout → stderr
	//               stderr → capture and log via system logger
	//
	//  passthrough: stdout → stdout
	//               stderr → stderr
	//
	//  none:        stdout → /dev/null
	//               stderr → /dev/null
	//
	DevhostLogMode string `json:"devhost_log_mode,omitempty" toml:"devhost_log_mode"`

	// Drivers is the set of directories holding driver manifests.
	Drivers []string `json:"drivers,omitempty" toml:"drivers"`
	// BootArgs is the path to a TOML file of boot arguments.
	BootArgs string `json:"boot_args,omitempty" toml:"boot_args"`
	// Firmware is the directory firmware is loaded from.
	Firmware string `json:"firmware,omitempty" toml:"firmware"`

	// PlatformDriver is the artifact loaded for the sys device.
	PlatformDriver string `json:"platform_driver,omitempty" toml:"platform_driver"`
	// ComponentDriver is the artifact of the composite component glue.
	ComponentDriver string `json:"component_driver,omitempty" toml:"component_driver"`

	SuspendTimeout  *rpc.Duration `json:"suspend_timeout,omitempty" toml:"suspend_timeout"`
	FSExitTimeout   *rpc.Duration `json:"fs_exit_timeout,omitempty" toml:"fs_exit_timeout"`
	SuspendFallback bool          `json:"suspend_fallback,omitempty" toml:"suspend_fallback"`

	BindRetries *int          `json:"bind_retries,omitempty" toml:"bind_retries"`
	BindBackoff *rpc.Duration `json:"bind_backoff,omitempty" toml:"bind_backoff"`
}

// Manifest is a driver manifest file.
type Manifest struct {
	Drivers map[string]*Driver `json:"driver,omitempty" toml:"driver"`
}

// Driver is a driver manifest entry.
type Driver struct {
	// Artifact identifies the driver code loaded by a devhost.
	Artifact string `json:"artifact,omitempty" toml:"artifact"`
	// Bind is the textual bind program.
	Bind []string `json:"bind,omitempty" toml:"bind"`
	// NeverAutoselect marks drivers that are only bound by
	// name, such as composite component glue.
	NeverAutoselect bool `json:"never_autoselect,omitempty" toml:"never_autoselect"`
	// Isolate requires the driver to run in its own devhost.
	Isolate bool `json:"isolate,omitempty" toml:"isolate"`

	Sum *Sum `json:"sum,omitempty"`
}

// Schema is the schema for a valid configuration.
const Schema = `
{
	coordinator: _#coordinator
}

_#coordinator: {
	network:           "tcp" | "unix"
	log_level?:        _#log_level
	log_add_source?:   bool
	devhost:           !=""
	devhost_args?:     [... string]
	devhost_log_mode?: _#log_mode
	drivers?:          [... !=""]
	boot_args?:        string
	firmware?:         string
	platform_driver?:  string
	component_driver?: string
	suspend_timeout?:  _#duration
	fs_exit_timeout?:  _#duration
	suspend_fallback?: bool
	bind_retries?:     uint & <=16
	bind_backoff?:     _#duration
}

_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
_#log_mode: "log" | "passthrough" | "none"
_#duration: =~"^(?:[0-9]+(?:\\.[0-9]*)?(?:ns|us|µs|ms|s|m|h))+$"
`

// ManifestSchema is the schema for a valid driver manifest.
const ManifestSchema = `
{
	driver?: {[=~"^[a-z][a-z0-9_-]*$"]: _#driver}
}

_#driver: {
	artifact:          !=""
	bind:              [_, ...string]
	never_autoselect?: bool
	isolate?:          bool
	sum?:              _
}
`

// Sum is a comparable optional SHA-1 sum.
type Sum [sha1.Size]byte

// Equal returns whether s is equal to other.
func (s *Sum) Equal(other *Sum) bool {
	switch {
	case s == other:
		return true
	case s != nil && other != nil:
		return *s == *other
	default:
		return false
	}
}

func (s *Sum) String() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s[:])
}

func (s *Sum) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(s)) {
		return fmt.Errorf("invalid length: %d != %d", len(text), hex.EncodedLen(len(s)))
	}
	_, err := hex.Decode(s[:], text)
	if err != nil {
		return err
	}
	return nil
}

func (s *Sum) MarshalText() (text []byte, err error) {
	if s == nil {
		return nil, nil
	}
	text = make([]byte, hex.EncodedLen(len(s)))
	hex.Encode(text, s[:])
	return text, nil
}
