// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/kortschak/devmgr/internal/devhost"
	"github.com/kortschak/devmgr/internal/slogext"
	"github.com/kortschak/devmgr/rpc"
)

// KernelLauncher is a Launcher that spawns devhost executables managed by
// an rpc.Kernel.
type KernelLauncher struct {
	Kernel *rpc.Kernel
	// Path is the devhost executable and Args are additional
	// arguments passed to it. If Path is BuiltinDevhost, devhosts
	// run within the coordinator process.
	Path string
	Args []string
	// LogMode specifies how devhost output streams are handled;
	// options are "log", "passthrough" and "none". The default
	// behaviour is "passthrough".
	//
	//   log:         stdout → stderr
	//                stderr → capture and log via the coordinator logger
	//   passthrough: stdout → stdout
	//                stderr → stderr
	//   none:        stdout → /dev/null
	//                stderr → /dev/null
	LogMode string
	Log     *slog.Logger
}

// maxLine is the maximum length of captured devhost log lines.
const maxLine = 80

// BuiltinDevhost is the KernelLauncher path that runs devhosts in-process.
const BuiltinDevhost = "builtin"

// Launch spawns a devhost with the given name. The devhost's requests
// are delivered in order by a per-devhost sender goroutine.
func (l *KernelLauncher) Launch(ctx context.Context, name string, env []string, exit func()) (Host, error) {
	fds, ok, err := withinUlimit(0.95)
	switch err {
	case nil, errNotSupported:
	default:
		// If we should be able to get a limit, but can't, fail safely.
		l.Log.LogAttrs(ctx, slog.LevelError, "failed to get resource limits", slog.Any("error", err), slog.String("uid", name))
		return nil, ErrNoMemory
	}
	if !ok {
		l.Log.LogAttrs(ctx, slog.LevelWarn, "exceeded file descriptor limit", slog.Int("open_files", fds), slog.String("uid", name))
		return nil, ErrNoMemory
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &kernelHost{
		name:   name,
		kernel: l.Kernel,
		ctx:    hctx,
		cancel: cancel,
		log:    l.Log.With(slog.String("host", name)),
		wake:   make(chan struct{}, 1),
	}
	if l.Path == BuiltinDevhost {
		err = devhost.Builtin(ctx, l.Kernel, name, env, l.Log, exit)
		if err != nil {
			cancel()
			return nil, err
		}
		go h.run()
		return h, nil
	}

	var stdout, stderr io.Writer
	args := l.Args
	switch l.LogMode {
	case "log":
		if !slices.Contains(args, "-log_stdout") {
			args = append([]string{"-log_stdout"}, l.Args...)
		}
		stdout = os.Stderr
		stderr = &slogext.LineWriter{
			Ctx:     ctx,
			Log:     l.Log,
			Level:   slog.LevelError,
			Msg:     name + " error logging",
			Label:   "stderr",
			MaxLine: maxLine,
		}
	case "none":
		// Discard.
	case "passthrough":
		fallthrough
	default:
		stdout = os.Stdout
		stderr = os.Stderr
	}

	_, err = l.Kernel.Spawn(ctx, stdout, stderr, env, exit, name, l.Path, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	go h.run()
	return h, nil
}

// kernelHost is a devhost connected through an rpc.Kernel.
type kernelHost struct {
	name   string
	kernel *rpc.Kernel
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu    sync.Mutex
	queue []request
	wake  chan struct{}
}

type request struct {
	method string
	params any
	reply  func(json.RawMessage, error)
}

func (h *kernelHost) ID() string { return h.name }

func (h *kernelHost) Send(method string, params any, reply func(json.RawMessage, error)) error {
	if h.ctx.Err() != nil {
		return ErrBadState
	}
	h.mu.Lock()
	h.queue = append(h.queue, request{method: method, params: params, reply: reply})
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

func (h *kernelHost) Kill() {
	h.cancel()
	h.kernel.Kill(h.name)
}

// run sends queued requests in order. Calls are issued in order and
// their replies are awaited concurrently.
func (h *kernelHost) run() {
	conn, ok := h.kernel.Conn(h.ctx, h.name)
	if !ok {
		h.log.LogAttrs(h.ctx, slog.LevelError, "no connection to devhost")
	}
	for {
		select {
		case <-h.ctx.Done():
			h.fail(h.take(), ErrUnavailable)
			return
		case <-h.wake:
		}
		q := h.take()
		if conn == nil {
			h.fail(q, ErrUnavailable)
			continue
		}
		for _, req := range q {
			msg := rpc.NewMessage(coordinatorUID, req.params)
			if req.reply == nil {
				err := conn.Notify(h.ctx, req.method, msg)
				if err != nil {
					h.log.LogAttrs(h.ctx, slog.LevelWarn, "notify", slog.String("method", req.method), slog.Any("error", err))
				}
				continue
			}
			call := conn.Call(h.ctx, req.method, msg)
			go func() {
				var res rpc.Message[json.RawMessage]
				err := call.Await(h.ctx, &res)
				if errors.Is(err, context.Canceled) {
					err = ErrUnavailable
				}
				req.reply(res.Body, err)
			}()
		}
	}
}

func (h *kernelHost) take() []request {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queue
	h.queue = nil
	return q
}

func (h *kernelHost) fail(q []request, err error) {
	for _, req := range q {
		if req.reply != nil {
			req.reply(nil, err)
		}
	}
}
