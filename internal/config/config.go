// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides configuration loading, driver manifest watching
// and validation functions.
package config

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kortschak/devmgr/config"
	"github.com/kortschak/devmgr/rpc"
)

// Alias the publicly visible types.
type (
	System      = config.System
	Coordinator = config.Coordinator
	Manifest    = config.Manifest
	Driver      = config.Driver
	Sum         = config.Sum
)

const driverName = "driver"

// Default coordinator configuration values.
const (
	DefaultNetwork        = "unix"
	DefaultLogMode        = "passthrough"
	DefaultSuspendTimeout = 10 * time.Second
	DefaultFSExitTimeout  = 5 * time.Second
	DefaultBindRetries    = 4
	DefaultBindBackoff    = 250 * time.Millisecond
)

// Load reads, validates and returns the coordinator configuration held in
// the TOML file at path. Unset optional values are given their defaults.
func Load(path string) (*System, error) {
	var cfg System
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if undec := md.Undecoded(); len(undec) != 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("missing coordinator configuration")
	}
	c := cfg.Coordinator
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	_, err = Validate(config.Schema, &cfg)
	if err != nil {
		return nil, err
	}
	if c.DevhostLogMode == "" {
		c.DevhostLogMode = DefaultLogMode
	}
	if c.SuspendTimeout == nil {
		c.SuspendTimeout = &rpc.Duration{Duration: DefaultSuspendTimeout}
	}
	if c.FSExitTimeout == nil {
		c.FSExitTimeout = &rpc.Duration{Duration: DefaultFSExitTimeout}
	}
	if c.BindRetries == nil {
		n := DefaultBindRetries
		c.BindRetries = &n
	}
	if c.BindBackoff == nil {
		c.BindBackoff = &rpc.Duration{Duration: DefaultBindBackoff}
	}
	// Relative paths are relative to the configuration file.
	base := filepath.Dir(path)
	for i, d := range c.Drivers {
		c.Drivers[i] = rel(base, d)
	}
	if c.BootArgs != "" {
		c.BootArgs = rel(base, c.BootArgs)
	}
	if c.Firmware != "" {
		c.Firmware = rel(base, c.Firmware)
	}
	return &cfg, nil
}

func rel(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// ReadManifests reads all the driver manifests held in the provided
// directories. Manifests are keyed by their path. Invalid drivers are
// removed from their manifest and reported in the returned error.
func ReadManifests(dirs []string) (map[string]*Manifest, error) {
	h := sha1.New()
	manifests := make(map[string]*Manifest)
	var errs []error
	for _, dir := range dirs {
		paths, err := filepath.Glob(filepath.Join(dir, "*.toml"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slices.Sort(paths)
		for _, p := range paths {
			b, err := os.ReadFile(p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			m, _, err := unmarshalManifest(h, b)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p, err))
			}
			if m != nil {
				manifests[p] = m
			}
		}
	}
	return manifests, errors.Join(errs...)
}
