// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package devfs provides an in-memory device path namespace.
package devfs

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/kortschak/devmgr/rpc"
)

// Op is a namespace change operation.
type Op int

const (
	Add Op = iota + 1
	Remove
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is a namespace change.
type Event struct {
	Op       Op     `json:"op"`
	Path     string `json:"path"`
	Protocol uint32 `json:"protocol"`
}

// Entry is a published device path.
type Entry struct {
	Path     string `json:"path"`
	Protocol uint32 `json:"protocol"`
	Visible  bool   `json:"visible"`
}

// FS is an in-memory device path namespace. Paths become observable to
// watchers when they are visible. FS is safe for concurrent use.
type FS struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	watchers map[int]watcher
	nextID   int
	log      *slog.Logger
}

type watcher struct {
	prefix string
	fn     func(Event)
}

var fsUID = rpc.UID{Module: "kernel", Service: "devfs"}

// New returns a new empty namespace.
func New(log *slog.Logger) *FS {
	return &FS{
		entries:  make(map[string]*Entry),
		watchers: make(map[int]watcher),
		log:      log.With(slog.String("component", fsUID.String())),
	}
}

// Publish adds path to the namespace. If visible is false, the path is
// not reported to watchers until MakeVisible is called.
func (fs *FS) Publish(path string, protocol uint32, visible bool) {
	fs.log.LogAttrs(context.Background(), slog.LevelDebug, "publish", slog.String("path", path), slog.Uint64("protocol", uint64(protocol)), slog.Bool("visible", visible))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.entries[path] = &Entry{Path: path, Protocol: protocol, Visible: visible}
	if visible {
		fs.notify(Event{Op: Add, Path: path, Protocol: protocol})
	}
}

// MakeVisible makes a published path visible.
func (fs *FS) MakeVisible(path string) {
	fs.log.LogAttrs(context.Background(), slog.LevelDebug, "make visible", slog.String("path", path))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.entries[path]
	if !ok || e.Visible {
		return
	}
	e.Visible = true
	fs.notify(Event{Op: Add, Path: path, Protocol: e.Protocol})
}

// Unpublish removes path from the namespace.
func (fs *FS) Unpublish(path string) {
	fs.log.LogAttrs(context.Background(), slog.LevelDebug, "unpublish", slog.String("path", path))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.entries[path]
	if !ok {
		return
	}
	delete(fs.entries, path)
	if e.Visible {
		fs.notify(Event{Op: Remove, Path: path, Protocol: e.Protocol})
	}
}

// Watch registers fn to be called with events for paths strictly below
// prefix. The current visible entries below prefix are reported as Add
// events before Watch returns. The returned cancel function removes the
// watch. fn is called with the namespace lock held and must not call
// back into the FS.
func (fs *FS) Watch(prefix string, fn func(Event)) (cancel func()) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.nextID
	fs.nextID++
	w := watcher{prefix: prefix, fn: fn}
	fs.watchers[id] = w
	for _, e := range fs.list(prefix) {
		if e.Visible {
			fn(Event{Op: Add, Path: e.Path, Protocol: e.Protocol})
		}
	}
	return func() {
		fs.mu.Lock()
		delete(fs.watchers, id)
		fs.mu.Unlock()
	}
}

// List returns the entries below prefix in path order.
func (fs *FS) List(prefix string) []Entry {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.list(prefix)
}

func (fs *FS) list(prefix string) []Entry {
	var entries []Entry
	for p, e := range fs.entries {
		if below(prefix, p) {
			entries = append(entries, *e)
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
	return entries
}

func (fs *FS) notify(ev Event) {
	for _, w := range fs.watchers {
		if below(w.prefix, ev.Path) {
			w.fn(ev)
		}
	}
}

// below returns whether path is strictly below prefix on a path element
// boundary.
func below(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return len(path) > len(prefix) && strings.HasPrefix(path, prefix) && path[len(prefix)] == '/'
}
