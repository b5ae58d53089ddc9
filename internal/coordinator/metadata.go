// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"slices"
	"strings"
)

// metadata is a typed blob attached to a device, or published for a
// topological path.
type metadata struct {
	key  uint32
	data []byte
	path string
}

// resolve returns the device a proxy represents, or dev.
func (c *Coordinator) resolve(dev *Device) *Device {
	if dev != nil && dev.Has(IsProxy) {
		return c.device(dev.proxied)
	}
	return dev
}

// AddMetadata attaches data to the device under key, replacing any
// existing entry.
func (c *Coordinator) AddMetadata(id DeviceID, key uint32, data []byte) error {
	dev := c.resolve(c.device(id))
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(Dead) {
		return ErrBadState
	}
	dev.metadata = setMetadata(dev.metadata, metadata{key: key, data: slices.Clone(data)})
	return nil
}

// PublishMetadata publishes data under key for path and the devices
// below it. The path must be the device's topological path or below it
// unless the device is the sys device.
func (c *Coordinator) PublishMetadata(id DeviceID, path string, key uint32, data []byte) error {
	dev := c.resolve(c.device(id))
	if dev == nil {
		return ErrNotFound
	}
	if dev.Has(Dead) {
		return ErrBadState
	}
	if path == "" {
		return ErrInvalidArgs
	}
	if dev.id != c.sys && !atOrBelow(dev.path, path) {
		return ErrAccessDenied
	}
	c.published = setMetadata(c.published, metadata{key: key, data: slices.Clone(data), path: path})
	return nil
}

func setMetadata(list []metadata, m metadata) []metadata {
	for i, e := range list {
		if e.key == m.key && e.path == m.path {
			list[i] = m
			return list
		}
	}
	return append(list, m)
}

// atOrBelow returns whether path is base or a descendant of base.
func atOrBelow(base, path string) bool {
	return path == base || strings.HasPrefix(path, base+"/")
}

// GetMetadata returns a copy of the metadata for key visible to the
// device. If max is positive and the data is longer than max,
// ErrBufferTooSmall is returned.
func (c *Coordinator) GetMetadata(id DeviceID, key uint32, max int) ([]byte, error) {
	data, err := c.findMetadata(id, key)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(data) > max {
		return nil, ErrBufferTooSmall
	}
	return slices.Clone(data), nil
}

// GetMetadataSize returns the length of the metadata for key visible to
// the device.
func (c *Coordinator) GetMetadataSize(id DeviceID, key uint32) (int, error) {
	data, err := c.findMetadata(id, key)
	return len(data), err
}

// findMetadata searches the device and its ancestors, then the devices
// bound to a composite's components, then the published metadata for
// the device's path and its ancestors' paths. The most specific
// published path wins.
func (c *Coordinator) findMetadata(id DeviceID, key uint32) ([]byte, error) {
	dev := c.resolve(c.device(id))
	if dev == nil {
		return nil, ErrNotFound
	}
	if data, ok := c.ancestorMetadata(dev, key); ok {
		return data, nil
	}
	if dev.composite != nil {
		for _, comp := range dev.composite.Components {
			if data, ok := c.ancestorMetadata(c.device(comp.bound), key); ok {
				return data, nil
			}
		}
	}
	var (
		best  []byte
		found bool
		depth = -1
	)
	for _, m := range c.published {
		if m.key != key || !atOrBelow(m.path, dev.path) {
			continue
		}
		if len(m.path) > depth {
			best, found, depth = m.data, true, len(m.path)
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	return best, nil
}

func (c *Coordinator) ancestorMetadata(dev *Device, key uint32) ([]byte, bool) {
	for d := dev; d != nil; d = c.device(d.parent) {
		for _, m := range d.metadata {
			if m.key == key {
				return m.data, true
			}
		}
	}
	return nil, false
}
