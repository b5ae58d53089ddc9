// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"hash"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/kortschak/devmgr/config"
	"github.com/kortschak/devmgr/rpc"
)

// FileDebounce is the default duration we wait for the contents to have
// stabilised to work around some editors writing an empty file and then the
// buffer.
const FileDebounce = 10 * time.Millisecond

// Change is a set of related driver manifest changes identified by a Watcher.
type Change struct {
	Event    []fsnotify.Event
	Manifest *Manifest
	Err      error
}

// Op returns an aggregated fsnotify.Op for all elements of the receivers'
// Event field.
func (c Change) Op() fsnotify.Op {
	switch len(c.Event) {
	case 0:
		return 0
	case 1:
		return c.Event[0].Op
	default:
		var op fsnotify.Op
		for _, o := range c.Event {
			op |= o.Op
		}
		return op
	}
}

// NewWatcher starts an fsnotify.Watcher for the provided driver manifest
// directories, sending change events on the changes channel. Missing
// directories are created. The debounce parameter specifies how long to
// wait after an fsnotify.Event before reading the file to ensure that
// writes will be reflected in the manifest checksum. If it is less than
// zero, FileDebounce is used.
func NewWatcher(ctx context.Context, dirs []string, changes chan<- Change, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		_, err = os.Stat(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				watcher.Close()
				return nil, err
			}
			err = os.MkdirAll(dir, 0o755)
			if err != nil {
				watcher.Close()
				return nil, err
			}
		}
		err = watcher.Add(dir)
		if err != nil {
			watcher.Close()
			return nil, err
		}
	}
	if debounce < 0 {
		debounce = FileDebounce
	}
	w := &Watcher{
		dirs:     dirs,
		debounce: debounce,
		watcher:  watcher,
		changes:  changes,
		log:      log.With(slog.String("component", watcherUID.String())),
		hash:     sha1.New(),
		hashes:   make(map[string]Sum),
	}
	return w.init(ctx)
}

// Watcher collects raw fsnotify.Events and aggregates and filters for
// semantically meaningful driver manifest changes.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
	changes  chan<- Change
	hash     hash.Hash
	hashes   map[string]Sum
	log      *slog.Logger
}

var watcherUID = rpc.UID{Module: "kernel", Service: "driver_watcher"}

// init performs an initial scan of the watched directories, sending
// create events for all toml files found, and then starts processing
// fsnotify events until ctx is cancelled.
func (w *Watcher) init(ctx context.Context) (*Watcher, error) {
	var paths []string
	for _, dir := range w.dirs {
		p, err := filepath.Glob(filepath.Join(dir, "*.toml"))
		if err != nil {
			w.watcher.Close()
			return nil, err
		}
		paths = append(paths, p...)
	}
	slices.Sort(paths)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		for _, path := range paths {
			fi, err := os.Stat(path)
			if err != nil {
				w.send(ctx, Change{Err: err})
				continue
			}
			if fi.IsDir() {
				continue
			}
			b, err := os.ReadFile(path)
			if err != nil {
				w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.Any("error", err))
				w.send(ctx, Change{Err: err})
				continue
			}
			m, sum, err := unmarshalManifest(w.hash, b)
			if m != nil {
				w.hashes[path] = sum
			}
			w.send(ctx, Change{
				Event:    []fsnotify.Event{{Name: path, Op: fsnotify.Create}},
				Manifest: m,
				Err:      err,
			})
		}
		w.process(ctx)
	}()
	return w, nil
}

// Close stops the watcher and waits for its processing to finish.
// The context passed to NewWatcher must be cancelled before calling
// Close.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) send(ctx context.Context, c Change) {
	select {
	case <-ctx.Done():
	case w.changes <- c:
	}
}

// process watches the Watcher's fsnotify.Watcher events performing
// aggregation and semantic filtering.
func (w *Watcher) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".toml" {
				if ev.Has(fsnotify.Remove) && slices.Contains(w.dirs, ev.Name) {
					w.log.LogAttrs(ctx, slog.LevelWarn, "driver directory removed", slog.String("name", ev.Name))
				}
				continue
			}
			switch {
			case ev.Has(fsnotify.Write | fsnotify.Create):
				fi, err := os.Stat(ev.Name)
				if err != nil {
					w.send(ctx, Change{Err: err})
					continue
				}
				if fi.IsDir() {
					continue
				}
				w.log.LogAttrs(ctx, slog.LevelDebug, "write", slog.String("name", ev.Name))
				time.Sleep(w.debounce)

				b, err := os.ReadFile(ev.Name)
				if err != nil {
					w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.Any("error", err))
					w.send(ctx, Change{Err: err})
					continue
				}
				m, sum, err := unmarshalManifest(w.hash, b)
				if prev, ok := w.hashes[ev.Name]; ok && prev == sum {
					w.log.LogAttrs(ctx, slog.LevelDebug, "no change", slog.Any("sum", sumValue{sum}), slog.Any("existing_hashes", hashesValue{w.hashes}))
					continue
				}
				if m != nil {
					w.log.LogAttrs(ctx, slog.LevelDebug, "set hash", slog.Any("sum", sumValue{sum}))
					w.hashes[ev.Name] = sum
				}
				w.send(ctx, Change{
					Event:    []fsnotify.Event{ev},
					Manifest: m,
					Err:      err,
				})

			case ev.Has(fsnotify.Remove | fsnotify.Rename):
				w.log.LogAttrs(ctx, slog.LevelDebug, "remove", slog.String("name", ev.Name))
				delete(w.hashes, ev.Name)
				w.send(ctx, Change{Event: []fsnotify.Event{ev}})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.send(ctx, Change{Err: err})
		}
	}
}

// unmarshalManifest returns a, potentially partial, driver manifest and its
// semantic hash from the provided raw data. Drivers that do not validate
// against the manifest schema are removed and reported in the returned
// error.
func unmarshalManifest(h hash.Hash, b []byte) (m *Manifest, sum Sum, _ error) {
	m = &Manifest{}
	err := toml.Unmarshal(b, m)
	if err != nil {
		return nil, sum, err
	}

	paths, deferredErr := Validate(config.ManifestSchema, m)
	if deferredErr != nil {
		m = remove(m, paths)
	}

	enc := json.NewEncoder(h)
	for _, d := range m.Drivers {
		err = enc.Encode(d)
		if err != nil {
			return nil, sum, err
		}
		d.Sum = (*Sum)(h.Sum(nil))
		h.Reset()
	}

	err = enc.Encode(m)
	if err != nil {
		return nil, sum, err
	}
	sum = ([sha1.Size]byte)(h.Sum(nil))
	h.Reset()
	return m, sum, deferredErr
}

// remove removes drivers in m that correspond to invalid field paths
// identified by Validate. An invalid path that does not identify a
// driver invalidates the whole manifest.
func remove(m *Manifest, paths [][]string) *Manifest {
	for _, p := range paths {
		if len(p) < 2 || p[0] != driverName {
			return &Manifest{}
		}
		delete(m.Drivers, p[1])
	}
	return m
}
