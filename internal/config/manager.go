// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"io/fs"
	"log/slog"
	"maps"
	"slices"

	"github.com/fsnotify/fsnotify"

	"github.com/kortschak/devmgr/internal/slogext"
	"github.com/kortschak/devmgr/rpc"
)

// Manager is a driver manifest stream manager. It holds the set of
// manifest fragments constructed from applying a sequence of changes and
// the set of drivers that have been handed to the coordinator. The driver
// set is append-only; removing or editing a manifest never retracts a
// driver that has already been seen.
type Manager struct {
	fragments map[string]*Manifest
	seen      map[string]string // driver name → manifest path
	log       *slog.Logger
}

var managerUID = rpc.UID{Module: "kernel", Service: "driver_manager"}

// NewManager returns a new Manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		fragments: make(map[string]*Manifest),
		seen:      make(map[string]string),
		log:       log.With(slog.String("component", managerUID.String())),
	}
}

// Entry is a named driver and the manifest it was read from.
type Entry struct {
	Name string
	Path string
	*Driver
}

// Apply applies the provided change to the current manifest state and
// returns the drivers that had not been seen before. Any error returned
// will be fs.PathError.
func (m *Manager) Apply(c Change) ([]Entry, error) {
	ctx := context.Background()
	m.log.LogAttrs(ctx, slog.LevelDebug, "apply", slog.Any("op", slogext.Stringer{Stringer: c.Op()}))
	var changed []string
	for _, ev := range c.Event {
		switch {
		case ev.Has(fsnotify.Write | fsnotify.Create):
			m.log.LogAttrs(ctx, slog.LevelDebug, "apply write", slog.Any("change", changeValue{c}))
			_, ok := m.fragments[ev.Name]
			m.log.LogAttrs(ctx, slog.LevelInfo, "apply write", slog.String("name", ev.Name), slog.Bool("exists", ok))
			if c.Manifest == nil {
				continue
			}
			m.fragments[ev.Name] = c.Manifest
			changed = append(changed, ev.Name)

		case ev.Has(fsnotify.Remove | fsnotify.Rename):
			m.log.LogAttrs(ctx, slog.LevelDebug, "apply remove", slog.Any("change", changeValue{c}))
			if _, ok := m.fragments[ev.Name]; !ok {
				return nil, &fs.PathError{Op: "remove", Path: ev.Name, Err: fs.ErrNotExist}
			}
			delete(m.fragments, ev.Name)
		}
	}

	var added []Entry
	for _, e := range Entries(m.fragments) {
		if !slices.Contains(changed, e.Path) {
			continue
		}
		if path, ok := m.seen[e.Name]; ok {
			if path != e.Path {
				m.log.LogAttrs(ctx, slog.LevelWarn, "duplicate driver", slog.String("name", e.Name), slog.String("path", e.Path), slog.String("registered", path))
			}
			continue
		}
		m.seen[e.Name] = e.Path
		added = append(added, e)
	}
	return added, nil
}

// Entries returns the drivers held in manifests sorted by manifest path
// and then by driver name.
func Entries(manifests map[string]*Manifest) []Entry {
	var entries []Entry
	for _, p := range slices.Sorted(maps.Keys(manifests)) {
		man := manifests[p]
		if man == nil {
			continue
		}
		for _, name := range slices.Sorted(maps.Keys(man.Drivers)) {
			entries = append(entries, Entry{Name: name, Path: p, Driver: man.Drivers[name]})
		}
	}
	return entries
}

// Fragments returns the currently held manifest fragments. It is intended
// only for debugging.
func (m *Manager) Fragments() map[string]*Manifest { return m.fragments }
