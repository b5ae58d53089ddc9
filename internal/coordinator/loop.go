// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"log/slog"
	"sync"
)

// Loop owns a Coordinator and runs all work on it from a single
// goroutine.
type Loop struct {
	c *Coordinator

	mu    sync.Mutex
	queue []func(*Coordinator)
	wake  chan struct{}

	done chan struct{}
}

// NewLoop returns a new Loop owning a Coordinator constructed with the
// provided configuration and environment.
func NewLoop(cfg Config, env Environment, log *slog.Logger) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.c = New(cfg, env, l.Post, log)
	return l
}

// Post queues fn to be run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func(*Coordinator)) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop goroutine and returns its result. Do must not be
// called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func(*Coordinator) error) error {
	res := make(chan error, 1)
	l.Post(func(c *Coordinator) { res <- fn(c) })
	select {
	case err := <-res:
		return err
	case <-l.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run runs queued work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			q := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(q) == 0 {
				break
			}
			for _, fn := range q {
				fn(l.c)
			}
		}
	}
}
