// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kortschak/jsonrpc2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/execabs"

	"github.com/kortschak/devmgr/internal/slogext"
	"github.com/kortschak/devmgr/internal/xdg"
)

// RuntimeDir is the path within XDG_RUNTIME_DIR that unix sockets
// are created in if the unix network is used for communication.
const RuntimeDir = "devmgr"

// Kernel is a JSON RPC 2 based message passing kernel. It spawns devhost
// processes, holds one connection to each of them and dispatches calls
// made by devhosts to a table of functions.
type Kernel struct {
	listener *netListener
	server   *jsonrpc2.Server
	network  string
	sock     string

	log *slog.Logger

	dMu     sync.Mutex
	daemons map[string]*daemon

	fMu   sync.Mutex
	funcs Funcs
}

type daemon struct {
	uid       string
	cmd       *execabs.Cmd
	keepalive *os.File
	builtin   *Daemon

	// conn is the connection to the daemon
	// from the kernel.
	conn *jsonrpc2.Connection
	// receive from ready will not block when
	// conn is ready to use.
	ready chan struct{}
}

// NewKernel returns a new Kernel communicating over the provided network
// which may be either "unix" or "tcp".
func NewKernel(ctx context.Context, network string, options jsonrpc2.NetListenOptions, log *slog.Logger) (*Kernel, error) {
	k := Kernel{
		network: network,
		daemons: make(map[string]*daemon),
		funcs:   make(Funcs),
		log:     log.With(slog.String("component", kernelUID.String())),
	}
	var err error

	laddr := "localhost:0"
	if k.network == "unix" {
		dir, err := xdg.Runtime(RuntimeDir)
		if err != nil {
			return nil, err
		}
		k.sock, err = os.MkdirTemp(dir, fmt.Sprintf("sock-%d-*", os.Getpid()))
		if err != nil {
			return nil, err
		}
		laddr = filepath.Join(k.sock, "kernel")
		k.log.LogAttrs(ctx, slog.LevelDebug, "kernel socket", slog.String("path", laddr))
	}

	k.listener, err = newNetListener(ctx, k.network, laddr, options)
	if err != nil {
		return nil, err
	}
	k.server = jsonrpc2.NewServer(ctx, k.listener, &k)

	k.log.LogAttrs(ctx, slog.LevelDebug, "new kernel", slog.String("network", k.network), slog.Any("addr", slogext.Stringer{Stringer: k.listener.Addr()}))
	return &k, nil
}

var kernelUID = UID{Module: "kernel", Service: "rpc"}

// Addr returns the listener address of the kernel.
func (k *Kernel) Addr() net.Addr {
	return k.listener.Addr()
}

// Funcs is a mapping from method names to insertable functions. A name with
// a nil function removes the mapping.
//
// If the ID is valid, the function must return either a non-nil, JSON-marshalable
// result, or a non-nil error. If it is not valid, the functions must return a nil
// result.
type Funcs map[string]func(context.Context, jsonrpc2.ID, json.RawMessage) (*Message[any], error)

// Funcs inserts the provided functions into the kernel's handler. If funcs is nil
// the entire kernel mapping table is reset.
func (k *Kernel) Funcs(funcs Funcs) {
	k.fMu.Lock()
	defer k.fMu.Unlock()
	if funcs == nil {
		k.funcs = make(Funcs)
		return
	}
	for name, fn := range funcs {
		if fn != nil {
			k.funcs[name] = fn
		} else {
			delete(k.funcs, name)
		}
	}
}

// Bind binds the kernel's handler to a connection and the reverse connection
// to a daemon's UID.
func (k *Kernel) Bind(ctx context.Context, conn *jsonrpc2.Connection) jsonrpc2.ConnectionOptions {
	k.log.LogAttrs(ctx, slog.LevelDebug, "binding")
	go k.bind(ctx, conn)
	return jsonrpc2.ConnectionOptions{
		Handler: k,
	}
}

func (k *Kernel) bind(ctx context.Context, conn *jsonrpc2.Connection) {
	var daemon Message[string]
	err := conn.Call(ctx, Who, NewMessage(kernelUID, None{})).Await(ctx, &daemon)
	k.log.LogAttrs(ctx, slog.LevelDebug, "binding response", slog.Any("message", daemon))
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, jsonrpc2.ErrClientClosing):
		k.log.LogAttrs(ctx, slog.LevelInfo, "closing", slog.Any("error", err))
		return
	case errors.Is(err, jsonrpc2.ErrNotHandled), errors.Is(err, jsonrpc2.ErrMethodNotFound):
		k.log.LogAttrs(ctx, slog.LevelDebug, "not a daemon", slog.Any("error", err))
		return
	default:
		k.log.LogAttrs(ctx, slog.LevelError, "failed uid call", slog.Any("error", err))
		return
	}

	k.log.LogAttrs(ctx, slog.LevelInfo, "binding", slog.Any("uid", daemon.UID), slog.String("version", daemon.Body))
	k.dMu.Lock()
	defer k.dMu.Unlock()
	d := k.daemons[daemon.UID.Module]
	if d == nil {
		k.log.LogAttrs(ctx, slog.LevelError, "unexpected connection", slog.Any("uid", daemon.UID))
		return
	}
	if d.conn != nil {
		// UID is already registered, log and ask the second to stop.
		k.log.LogAttrs(ctx, slog.LevelError, "duplicate uid", slog.String("uid", daemon.UID.Module))
		err := conn.Notify(ctx, Stop, NewMessage(kernelUID, "duplicate"))
		if err != nil {
			k.log.LogAttrs(ctx, slog.LevelError, "failed stop", slog.Any("error", err))
		}
		return
	}
	d.conn = conn
	close(d.ready)
}

// Handle is the kernel's message handler.
func (k *Kernel) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	k.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))

	if req.Method == Unregister {
		var m Message[None]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			k.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		return k.unregister(ctx, req, m)
	}

	k.fMu.Lock()
	fn, ok := k.funcs[req.Method]
	k.fMu.Unlock()
	if !ok {
		return nil, jsonrpc2.ErrNotHandled
	}

	res, err := fn(ctx, req.ID, req.Params)
	var ret any
	// Convert *Message[any] to any without type if nil.
	if res != nil {
		ret = res
	}
	if !req.IsCall() {
		if ret != nil {
			k.log.LogAttrs(ctx, slog.LevelWarn, "dropping func result", slog.String("method", req.Method), slog.Any("result", ret))
		}
		if err != nil {
			k.log.LogAttrs(ctx, slog.LevelError, "func notify error", slog.String("method", req.Method), slog.Any("error", err))
		}
		return nil, err
	}
	if err != nil {
		ret = nil
	} else if ret == nil {
		// Make sure a call has a return if there is no error.
		ret = NewMessage(kernelUID, "ok")
	}
	return ret, err
}

func (k *Kernel) unregister(ctx context.Context, req *jsonrpc2.Request, m Message[None]) (any, error) {
	k.log.LogAttrs(ctx, slog.LevelDebug, req.Method, slog.Any("message", m))
	k.dMu.Lock()
	if d := k.daemons[m.UID.Module]; d != nil {
		const concurrently = true
		k.close(ctx, m.UID.Module, d, concurrently)
	}
	delete(k.daemons, m.UID.Module)
	k.dMu.Unlock()
	return nil, nil
}

// Spawn starts a new devhost daemon with the provided UID. The daemon
// executable is started by executing name with the provided args and
// environment, in addition to the kernel's environment. The new process is
// given stdout and stderr as redirects for those output streams. Spawned
// daemons are expected to dial the kernel and answer a "who" call on start
// and send an "unregister" notification before exiting. The child process is
// passed the read end of a pipe on stdin. No writes are ever made by the
// parent, but the child may use the pipe to detect termination of the parent.
// If the process terminates without being killed by the kernel, done is
// called if it is not nil.
func (k *Kernel) Spawn(ctx context.Context, stdout, stderr io.Writer, env []string, done func(), uid, name string, args ...string) (pid int, err error) {
	k.dMu.Lock()
	defer k.dMu.Unlock()

	_, exists := k.daemons[uid]
	if exists {
		return 0, fmt.Errorf("attempt to reuse UID: %q", uid)
	}

	args = append(args[:len(args):len(args)],
		"-uid", uid,
		"-network", k.network,
		"-addr", k.listener.Addr().String())
	cmd := execabs.Command(name, args...)
	if len(env) != 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	k.log.LogAttrs(ctx, slog.LevelInfo, "spawn", slog.Any("command", slogext.Stringer{Stringer: cmd}), slog.String("uid", uid))
	lifeline, keepalive, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	cmd.Stdin = lifeline
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err = cmd.Start()
	lifeline.Close()
	if err != nil {
		keepalive.Close()
		return 0, err
	}
	pid = cmd.Process.Pid
	k.log.LogAttrs(ctx, slog.LevelDebug, "started", slog.String("uid", uid), slog.Int("pid", pid))

	d := &daemon{uid: uid, cmd: cmd, keepalive: keepalive, ready: make(chan struct{})}
	k.daemons[uid] = d

	// Watch the daemon process in case it fails to deregister.
	go func() {
		// Use the process's wait method to avoid data races in
		// the exec.Cmd type.
		k.log.LogAttrs(ctx, slog.LevelDebug, "waiting for termination", slog.String("uid", uid))
		cmd.Process.Wait()
		k.log.LogAttrs(ctx, slog.LevelDebug, "terminating", slog.String("uid", uid))

		k.dMu.Lock()
		d := k.daemons[uid]
		delete(k.daemons, uid)
		if d == nil {
			// The daemon was killed or already unregistered.
			k.dMu.Unlock()
			return
		}
		k.log.LogAttrs(ctx, slog.LevelInfo, "cleanup zombie", slog.Any("uid", uid))
		const concurrently = false
		k.close(ctx, uid, d, concurrently)
		k.dMu.Unlock()
		if done != nil {
			done()
		}
	}()
	return pid, nil
}

// Builtin starts a new virtual client daemon with the provided UID using the
// provided binder.
func (k *Kernel) Builtin(ctx context.Context, uid string, dialer net.Dialer, binder jsonrpc2.Binder) error {
	k.dMu.Lock()
	defer k.dMu.Unlock()

	_, exists := k.daemons[uid]
	if exists {
		return fmt.Errorf("attempt to reuse UID: %q", uid)
	}

	k.log.LogAttrs(ctx, slog.LevelDebug, "built-in", slog.String("uid", uid))
	d := &daemon{uid: uid, ready: make(chan struct{})}
	k.daemons[uid] = d
	builtin, err := NewDaemon(ctx, k.network, k.listener.Addr().String(), uid, dialer, binder)
	if err != nil {
		delete(k.daemons, uid)
		return err
	}
	d.builtin = builtin

	return nil
}

// Kill terminates the daemon identified by uid. If no corresponding daemon
// exists, it is a no-op.
func (k *Kernel) Kill(uid string) {
	k.log.LogAttrs(context.Background(), slog.LevelDebug, "kill", slog.String("uid", uid))
	k.dMu.Lock()
	d, ok := k.daemons[uid]
	delete(k.daemons, uid)
	k.dMu.Unlock()
	if ok {
		k.kill(uid, d)
	}
}

// Close closes the kernel, terminating all spawned daemons concurrently.
func (k *Kernel) Close() error {
	k.log.LogAttrs(context.Background(), slog.LevelDebug, "close")
	k.dMu.Lock()
	daemons := k.daemons
	k.daemons = make(map[string]*daemon)
	k.dMu.Unlock()

	var g errgroup.Group
	for uid, d := range daemons {
		g.Go(func() error {
			k.kill(uid, d)
			return nil
		})
	}
	g.Wait()

	k.server.Shutdown()
	err := k.server.Wait()
	if k.sock != "" {
		k.log.LogAttrs(context.Background(), slog.LevelDebug, "remove sockets dir", slog.String("dir", k.sock))
		err := os.RemoveAll(k.sock)
		if err != nil {
			k.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to remove sockets dir", slog.Any("error", err))
		}
	}
	return err
}

// grace is the amount of time given to children to terminate cleanly.
const grace = time.Second

// kill stops the daemon d. d must already have been removed from the
// kernel's daemon table.
func (k *Kernel) kill(uid string, d *daemon) {
	ctx := context.Background()
	k.log.LogAttrs(ctx, slog.LevelDebug, "sending stop", slog.String("uid", uid))
	if d.conn == nil {
		k.log.LogAttrs(ctx, slog.LevelDebug, "connection to stop not established", slog.String("uid", uid))
	} else {
		err := d.conn.Notify(ctx, Stop, NewMessage(kernelUID, None{}))
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, jsonrpc2.ErrNotHandled) || errors.Is(err, jsonrpc2.ErrMethodNotFound) || errors.Is(err, jsonrpc2.ErrClientClosing) {
				level = slog.LevelWarn
			}
			k.log.LogAttrs(ctx, level, "sending stop", slog.String("uid", uid), slog.Any("error", err))
		}
	}

	const concurrently = false
	k.close(ctx, uid, d, concurrently)

	if d.builtin != nil {
		k.log.LogAttrs(ctx, slog.LevelDebug, "closing built-in", slog.String("uid", uid))
		err := d.builtin.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			k.log.LogAttrs(ctx, slog.LevelError, "closing built-in", slog.String("uid", uid), slog.Any("error", err))
		}
	}

	if d.cmd != nil {
		k.log.LogAttrs(ctx, slog.LevelDebug, "terminating child", slog.String("uid", uid))

		// Don't allow close to be permanently
		// delayed by badly behaving children.
		timer := time.NewTimer(grace)
		done := make(chan struct{})
		go func() {
			// Use the process's wait method to avoid data races in
			// the exec.Cmd type.
			d.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			pid := d.cmd.Process.Pid
			k.log.LogAttrs(ctx, slog.LevelWarn, "slow child",
				slog.Int("pid", pid),
				slog.Any("cmd", slogext.Stringer{Stringer: d.cmd}),
				slog.Any("killed", d.cmd.Process.Kill()),
			)
		}
	}
}

func (k *Kernel) close(ctx context.Context, uid string, d *daemon, concurrently bool) {
	close := func() {
		if d.keepalive != nil {
			defer d.keepalive.Close()
		}
		k.log.LogAttrs(ctx, slog.LevelDebug, "closing connection", slog.String("uid", uid))
		if d.conn == nil {
			k.log.LogAttrs(ctx, slog.LevelDebug, "connection to close not established", slog.String("uid", uid))
			return
		}
		err := d.conn.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			k.log.LogAttrs(ctx, slog.LevelError, "closing conn", slog.String("uid", uid), slog.Any("error", err))
		}
	}
	if concurrently {
		// We can end up deadlocked if we wait for the conn to close
		// in some circumstances, so do this is a separate goroutine.
		// In particular, during unregister we would end up deadlocked
		// on conn.Close() and the processing of the unregister call
		// within jsonrpc2 since *Connection.updateInFlight holds the
		// state lock for both.
		go close()
	} else {
		close()
	}
}

// Connection is a connection to a managed daemon.
type Connection interface {
	Call(ctx context.Context, method string, params any) *jsonrpc2.AsyncCall
	Notify(ctx context.Context, method string, params any) error
}

// Conn returns a connection to the daemon with the given UID, blocking until
// the daemon has connected or ctx is cancelled.
func (k *Kernel) Conn(ctx context.Context, uid string) (Connection, bool) {
	k.dMu.Lock()
	d, ok := k.daemons[uid]
	k.dMu.Unlock()
	if !ok {
		k.log.LogAttrs(ctx, slog.LevelDebug, "no conn", slog.String("uid", uid))
		return nil, false
	}
	select {
	case <-ctx.Done():
		return nil, false
	case <-d.ready:
		return d.conn, true
	}
}

// newNetListener returns a new Listener that listens on a socket using the net package.
func newNetListener(ctx context.Context, network, address string, options jsonrpc2.NetListenOptions) (*netListener, error) {
	ln, err := options.NetListenConfig.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &netListener{net: ln}, nil
}

// netListener is the implementation of jsonrpc2.Listener for connections made using the net package.
type netListener struct {
	net net.Listener
}

// Addr returns the NetListener's network address.
func (l *netListener) Addr() net.Addr {
	return l.net.Addr()
}

// Accept blocks waiting for an incoming connection to the listener.
func (l *netListener) Accept(context.Context) (io.ReadWriteCloser, error) {
	return l.net.Accept()
}

// Close will cause the listener to stop listening. It will not close any connections that have
// already been accepted. Unix socket files are removed.
func (l *netListener) Close() error {
	addr := l.net.Addr()
	err := l.net.Close()
	if addr.Network() == "unix" {
		rerr := os.Remove(addr.String())
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}

// Dialer returns a nil jsonrpc2.Dialer.
func (l *netListener) Dialer() jsonrpc2.Dialer {
	return nil
}
