// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The devmgr command is the device coordinator. It owns the device tree,
// matches drivers to devices, launches devhost processes to run them and
// orchestrates system suspend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/devmgr/internal/bind"
	"github.com/kortschak/devmgr/internal/bootargs"
	"github.com/kortschak/devmgr/internal/config"
	"github.com/kortschak/devmgr/internal/coordinator"
	"github.com/kortschak/devmgr/internal/devfs"
	"github.com/kortschak/devmgr/internal/slogext"
	"github.com/kortschak/devmgr/internal/version"
	"github.com/kortschak/devmgr/internal/xdg"
	"github.com/kortschak/devmgr/rpc"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

func main() {
	os.Exit(Main())
}

// Main is the devmgr entry point. It returns the process exit status.
func Main() int {
	cfgPath := flag.String("config", "", "path to the configuration file (default $XDG_CONFIG_HOME/devmgr/devmgr.toml)")
	logging := flag.String("log", "", "logging level (debug, info, warn or error) overriding the configuration")
	lines := flag.Bool("lines", false, "display source line details in logs")
	check := flag.Bool("check", false, "check the configuration and driver manifests and exit")
	v := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}
	if flag.NArg() != 0 {
		flag.Usage()
		return invocationError
	}

	if *cfgPath == "" {
		var err error
		*cfgPath, err = xdg.Config(filepath.Join("devmgr", "devmgr.toml"), false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "no configuration: %v\n", err)
			return invocationError
		}
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return invocationError
	}
	c := cfg.Coordinator

	if *check {
		return checkManifests(os.Stdout, os.Stderr, c.Drivers)
	}

	var level slog.LevelVar
	if c.LogLevel != nil {
		level.Set(*c.LogLevel)
	}
	if *logging != "" {
		err = level.UnmarshalText([]byte(*logging))
		if err != nil {
			flag.Usage()
			return invocationError
		}
	}
	addSource := slogext.NewAtomicBool(*lines || (c.AddSource != nil && *c.AddSource))

	// log is the root logger.
	log := slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})})
	// mlog is the logger for main.
	mlog := log.With(slog.String("component", "devmgr.main"))

	runtimeDir, err := xdg.Runtime(rpc.RuntimeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	pidFile := filepath.Join(runtimeDir, "pid")
	fl := flock.New(pidFile)
	ok, err := fl.TryLock()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "devmgr is already running")
		return internalError
	}
	defer func() {
		fl.Unlock()
		os.Remove(pidFile)
	}()
	pid := fmt.Sprintln(os.Getpid())
	err = os.WriteFile(pidFile, []byte(pid), 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Boot arguments live in the runtime directory so that they
	// do not outlive the boot.
	args, err := bootargs.Open(filepath.Join(runtimeDir, "bootargs.sqlite3"), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open boot arguments store: %v\n", err)
		return internalError
	}
	defer args.Close()
	if c.BootArgs != "" {
		err = args.Load(c.BootArgs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load boot arguments: %v\n", err)
			return internalError
		}
		mlog.LogAttrs(ctx, slog.LevelInfo, "boot arguments", slog.String("path", c.BootArgs))
	}

	kernel, err := rpc.NewKernel(ctx, c.Network, jsonrpc2.NetListenOptions{}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start kernel: %v\n", err)
		return internalError
	}
	defer kernel.Close()

	loop := coordinator.NewLoop(coordinator.Config{
		PlatformDriver:  c.PlatformDriver,
		ComponentDriver: c.ComponentDriver,
		SuspendTimeout:  c.SuspendTimeout.Duration,
		FSExitTimeout:   c.FSExitTimeout.Duration,
		SuspendFallback: c.SuspendFallback,
		BindRetries:     *c.BindRetries,
		BindBackoff:     c.BindBackoff.Duration,
	}, coordinator.Environment{
		Launcher: &coordinator.KernelLauncher{
			Kernel:  kernel,
			Path:    c.Devhost,
			Args:    c.DevhostArgs,
			LogMode: c.DevhostLogMode,
			Log:     log,
		},
		Publisher:   devfs.New(log),
		Firmware:    coordinator.FirmwareDir(c.Firmware),
		Filesystems: coordinator.SyncFilesystems{},
		Platform:    coordinator.System{},
		BootArgs:    args,
	}, log)
	kernel.Funcs(coordinator.Funcs(loop, log))

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
	}()
	err = loop.Do(ctx, func(c *coordinator.Coordinator) error {
		return c.Start(ctx)
	})
	if err != nil {
		mlog.LogAttrs(ctx, slog.LevelError, "failed to start coordinator", slog.Any("error", err))
		return internalError
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		mlog.LogAttrs(ctx, slog.LevelInfo, "terminating", slog.String("signal", s.String()))
		shutdown(ctx, loop, c.SuspendTimeout.Duration+c.FSExitTimeout.Duration, mlog)
		cancel()
	}()

	changes := make(chan config.Change)
	watcher, err := config.NewWatcher(ctx, c.Drivers, changes, -1, log)
	if err != nil {
		mlog.LogAttrs(ctx, slog.LevelError, "failed to watch driver manifests", slog.Any("error", err))
		return internalError
	}
	defer watcher.Close()

	manifests := config.NewManager(log)
	for {
		select {
		case <-ctx.Done():
			err := <-loopErr
			if !errors.Is(err, context.Canceled) {
				mlog.LogAttrs(ctx, slog.LevelError, "coordinator loop", slog.Any("error", err))
				return internalError
			}
			return success
		case err := <-loopErr:
			mlog.LogAttrs(ctx, slog.LevelError, "coordinator loop", slog.Any("error", err))
			return internalError
		case ch := <-changes:
			if ch.Err != nil {
				mlog.LogAttrs(ctx, slog.LevelWarn, "manifest stream error", slog.Any("error", ch.Err))
			}
			added, err := manifests.Apply(ch)
			if err != nil {
				mlog.LogAttrs(ctx, slog.LevelWarn, "manifest apply error", slog.Any("error", err))
				continue
			}
			drivers := registerable(added, mlog)
			if len(drivers) == 0 {
				continue
			}
			err = loop.Do(ctx, func(c *coordinator.Coordinator) error {
				c.AddDrivers(drivers)
				return nil
			})
			if err != nil {
				mlog.LogAttrs(ctx, slog.LevelError, "failed to add drivers", slog.Any("error", err))
			}
		}
	}
}

// registerable returns the coordinator drivers for the manifest entries.
// Entries with invalid bind programs are logged and skipped.
func registerable(entries []config.Entry, log *slog.Logger) []*coordinator.Driver {
	var drivers []*coordinator.Driver
	for _, e := range entries {
		prog, err := bind.Parse(e.Bind)
		if err != nil {
			log.LogAttrs(context.Background(), slog.LevelWarn, "invalid bind program", slog.String("driver", e.Name), slog.String("path", e.Path), slog.Any("error", err))
			continue
		}
		drivers = append(drivers, &coordinator.Driver{
			Name:            e.Name,
			Artifact:        e.Artifact,
			Program:         prog,
			NeverAutoselect: e.NeverAutoselect,
			Isolate:         e.Isolate,
		})
	}
	return drivers
}

// shutdown suspends the system for power off, waiting at most timeout
// for the suspend to complete.
func shutdown(ctx context.Context, loop *coordinator.Loop, timeout time.Duration, log *slog.Logger) {
	done := make(chan error, 1)
	err := loop.Do(ctx, func(c *coordinator.Coordinator) error {
		return c.Suspend(coordinator.Poweroff, func(err error) { done <- err })
	})
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "failed to start shutdown", slog.Any("error", err))
		return
	}
	select {
	case err = <-done:
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, "shutdown", slog.Any("error", err))
		}
	case <-time.After(timeout):
		log.LogAttrs(ctx, slog.LevelError, "shutdown timed out")
	}
}

// checkManifests validates the driver manifests in dirs, writing a summary
// of the valid drivers to stdout and any errors to stderr.
func checkManifests(stdout, stderr io.Writer, dirs []string) int {
	manifests, err := config.ReadManifests(dirs)
	status := success
	if err != nil {
		fmt.Fprintln(stderr, err)
		status = invocationError
	}
	for _, e := range config.Entries(manifests) {
		prog, err := bind.Parse(e.Bind)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s: %v\n", e.Path, e.Name, err)
			status = invocationError
			continue
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", e.Name, e.Artifact, prog)
	}
	return status
}
