// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"fmt"
	"strconv"
	"strings"
)

// handle is a generation checked arena index. The zero handle is never
// issued.
type handle struct {
	idx uint32
	gen uint32
}

func (h handle) String() string {
	return strconv.FormatUint(uint64(h.idx), 10) + "." + strconv.FormatUint(uint64(h.gen), 10)
}

func parseHandle(s string) (handle, error) {
	idx, gen, ok := strings.Cut(s, ".")
	if !ok {
		return handle{}, fmt.Errorf("invalid handle: %q", s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return handle{}, fmt.Errorf("invalid handle index: %w", err)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil {
		return handle{}, fmt.Errorf("invalid handle generation: %w", err)
	}
	if g == 0 {
		return handle{}, fmt.Errorf("invalid handle generation: %q", s)
	}
	return handle{idx: uint32(i), gen: uint32(g)}, nil
}

// arena owns values of type T and hands out handles to them. A handle
// to a removed value never resolves, even if its slot is reused.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
	n     int
}

type slot[T any] struct {
	gen uint32
	val *T
}

func (a *arena[T]) insert(v *T) handle {
	a.n++
	if n := len(a.free); n != 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.val = v
		return handle{idx: idx, gen: s.gen}
	}
	a.slots = append(a.slots, slot[T]{gen: 1, val: v})
	return handle{idx: uint32(len(a.slots) - 1), gen: 1}
}

func (a *arena[T]) get(h handle) *T {
	if int(h.idx) >= len(a.slots) {
		return nil
	}
	s := a.slots[h.idx]
	if s.gen != h.gen {
		return nil
	}
	return s.val
}

func (a *arena[T]) remove(h handle) bool {
	if a.get(h) == nil {
		return false
	}
	s := &a.slots[h.idx]
	s.val = nil
	s.gen++
	a.n--
	// Retire the slot rather than reissue generation zero.
	if s.gen != 0 {
		a.free = append(a.free, h.idx)
	}
	return true
}

func (a *arena[T]) len() int { return a.n }

// DeviceID is a device handle.
type DeviceID handle

// ParseDeviceID parses a device token.
func ParseDeviceID(s string) (DeviceID, error) {
	h, err := parseHandle(s)
	return DeviceID(h), err
}

func (id DeviceID) IsZero() bool { return id == DeviceID{} }

func (id DeviceID) String() string {
	if id.IsZero() {
		return ""
	}
	return handle(id).String()
}

func (id DeviceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *DeviceID) UnmarshalText(text []byte) error {
	h, err := parseHandle(string(text))
	if err != nil {
		return err
	}
	*id = DeviceID(h)
	return nil
}

// HostID is a devhost handle.
type HostID handle

func (id HostID) IsZero() bool { return id == HostID{} }

func (id HostID) String() string {
	if id.IsZero() {
		return ""
	}
	return handle(id).String()
}

func (id HostID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
