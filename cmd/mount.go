// Copyright 2024 The scopefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"

	"github.com/scopefs/scopefs/cfg"
	"github.com/scopefs/scopefs/internal/authority"
	"github.com/scopefs/scopefs/internal/fadviser"
	"github.com/scopefs/scopefs/internal/fs"
	"github.com/scopefs/scopefs/internal/locker"
	"github.com/scopefs/scopefs/internal/logger"
	"github.com/scopefs/scopefs/internal/monitor"
)

const (
	SuccessfulMountMessage         = "File system has been successfully mounted."
	UnsuccessfulMountMessagePrefix = "Error while mounting scopefs"
)

func registerTerminatingSignalHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	// Unmount when the signal is received. The FUSE serve loop then winds
	// down on its own and Join returns.
	go func() {
		for {
			sig := <-signalChan
			logger.Infof("Received %v, attempting to unmount...", sig)

			err := fuse.Unmount(mountPoint)
			if err != nil {
				logger.Errorf("Failed to unmount in response to %v: %v", sig, err)
			} else {
				logger.Infof("Successfully unmounted in response to %v.", sig)
				return
			}
		}
	}()
}

// parseFuseOptions handles the repeated "-o" flag, each occurrence holding
// one or more comma-separated mount(2) options.
func parseFuseOptions(opts []string) map[string]string {
	parsed := make(map[string]string)
	for _, o := range opts {
		for _, opt := range strings.Split(o, ",") {
			name, value, _ := strings.Cut(opt, "=")
			if name == "" {
				continue
			}
			parsed[name] = value
		}
	}
	return parsed
}

// ttlDuration maps a ttl-secs knob to a duration, with -1 meaning forever.
func ttlDuration(secs int64) time.Duration {
	if secs == -1 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs) * time.Second
}

// mountWithConfig builds the authority connection, the page cache adviser and
// the file system server, then mounts. The returned cleanup must run after
// the mount is joined.
func mountWithConfig(newConfig *cfg.Config, backingRoot, mountPoint string) (mfs *fuse.MountedFileSystem, cleanup func(), err error) {
	// Enable invariant checking if requested.
	if newConfig.Debug.ExitOnInvariantViolation {
		locker.EnableInvariantsCheck()
	}
	if newConfig.Debug.LogMutex {
		locker.EnableDebugMessages()
	}

	var auth authority.Authority
	var authClose func() error
	if newConfig.Authority.UseFake {
		logger.Warnf("Using the in-process fake authority; every request will be permitted.")
		auth = authority.NewFake()
	} else {
		client := authority.NewClient(string(newConfig.Authority.SocketPath), newConfig.Authority.RequestTimeout)
		auth = client
		authClose = client.Close
	}

	var adviser *fadviser.FAdviser
	if newConfig.PageCache.EvictionHighWatermarkMb > 0 {
		adviser = fadviser.NewWithWatermarks(
			newConfig.PageCache.EvictionHighWatermarkMb<<20,
			newConfig.PageCache.EvictionLowWatermarkMb<<20)
	}

	server, err := fs.NewServer(&fs.ServerConfig{
		BackingRoot:   backingRoot,
		Authority:     auth,
		Adviser:       adviser,
		CacheClock:    timeutil.RealClock(),
		EntryCacheTTL: ttlDuration(newConfig.Caching.EntryTtlSecs),
		AttrCacheTTL:  ttlDuration(newConfig.Caching.AttributeTtlSecs),
	})
	if err != nil {
		err = fmt.Errorf("fs.NewServer: %w", err)
		return
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "scopefs",
		Subtype:    "scopefs",
		VolumeName: "scopefs",
		Options:    parseFuseOptions(newConfig.FileSystem.FuseOptions),
		// Writeback caching would let the kernel coalesce writes from
		// different callers onto one handle, defeating per-caller write
		// checks.
		DisableWritebackCaching: true,
		ErrorLogger:             logger.NewLegacyLogger(slog.LevelError, "fuse"),
	}
	if newConfig.Logging.Severity.Rank() <= cfg.TraceLogSeverity.Rank() {
		mountCfg.DebugLogger = logger.NewLegacyLogger(slog.LevelDebug, "fuse_debug")
	}

	logger.Infof("Creating a mount at %q", mountPoint)
	mfs, err = fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		err = fmt.Errorf("mount: %w", err)
		return
	}

	cleanup = func() {
		if adviser != nil {
			adviser.Stop()
		}
		if authClose != nil {
			if err := authClose(); err != nil {
				logger.Warnf("Closing authority connection: %v", err)
			}
		}
	}
	return
}

// Mount mounts the file system according to the supplied config and blocks
// until it is unmounted.
func Mount(newConfig *cfg.Config, backingRoot, mountPoint string) (err error) {
	logger.SetLogSeverity(string(newConfig.Logging.Severity))

	if newConfig.Foreground {
		logger.InitLogFile(
			string(newConfig.Logging.FilePath),
			string(newConfig.Logging.Format),
			int(newConfig.Logging.LogRotate.MaxFileSizeMb),
			int(newConfig.Logging.LogRotate.BackupFileCount),
			newConfig.Logging.LogRotate.Compress)
	}

	logger.Infof("Start scopefs/%s for app %q using mount point: %s", getVersion(), newConfig.AppName, mountPoint)

	// If we haven't been asked to run in foreground mode, run a daemon with
	// the foreground flag set and wait for it to mount.
	if !newConfig.Foreground {
		var path string
		path, err = os.Executable()
		if err != nil {
			return fmt.Errorf("os.Executable: %w", err)
		}

		// Be sure to use foreground mode and to send along the resolved
		// positional arguments, since the daemon changes its working
		// directory.
		args := append([]string{"--foreground"}, os.Args[1:]...)
		args[len(args)-2] = backingRoot
		args[len(args)-1] = mountPoint

		// Pass along PATH so that the daemon can find fusermount on Linux,
		// plus the working directory for resolving any remaining relative
		// paths.
		env := []string{
			fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		}
		if cwd, err := os.Getwd(); err == nil {
			env = append(env, fmt.Sprintf("%s=%s", cfg.ParentProcessDir, cwd))
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			env = append(env, fmt.Sprintf("HOME=%s", homeDir))
		}

		// Capture the daemon's stderr next to the log file, if there is one.
		var stderrFile *os.File
		if newConfig.Logging.FilePath != "" {
			stderrFileName := string(newConfig.Logging.FilePath) + ".stderr"
			if stderrFile, err = os.OpenFile(stderrFileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err != nil {
				return err
			}
		}

		err = daemonize.Run(path, args, env, os.Stdout, stderrFile)
		if err != nil {
			return fmt.Errorf("daemonize.Run: %w", err)
		}
		logger.Infof(SuccessfulMountMessage)
		return nil
	}

	ctx := context.Background()
	var metricsShutdownFn monitor.ShutdownFn
	if newConfig.Metrics.PrometheusPort > 0 {
		metricsShutdownFn = monitor.Serve(int(newConfig.Metrics.PrometheusPort))
	}

	// Mount, telling the daemonize parent (if any) about the outcome so it
	// can return to its caller.
	var mfs *fuse.MountedFileSystem
	var cleanup func()
	{
		mfs, cleanup, err = mountWithConfig(newConfig, backingRoot, mountPoint)

		callDaemonizeSignalOutcome := func(err error) {
			if err2 := daemonize.SignalOutcome(err); err2 != nil {
				logger.Errorf("Failed to signal outcome to parent process: %v", err2)
			}
		}

		if err != nil {
			logger.Errorf("%s: %v", UnsuccessfulMountMessagePrefix, err)
			err = fmt.Errorf("%s: %w", UnsuccessfulMountMessagePrefix, err)
			callDaemonizeSignalOutcome(err)
			return err
		}

		logger.Infof(SuccessfulMountMessage)
		callDaemonizeSignalOutcome(nil)
	}

	// Let the user unmount with Ctrl-C (SIGINT) or SIGTERM.
	registerTerminatingSignalHandler(mfs.Dir())

	// Wait for the file system to be unmounted.
	if err = mfs.Join(ctx); err != nil {
		err = fmt.Errorf("MountedFileSystem.Join: %w", err)
	}

	cleanup()

	if metricsShutdownFn != nil {
		if shutdownErr := metricsShutdownFn(ctx); shutdownErr != nil {
			logger.Errorf("Error while shutting down the metrics endpoint: %v", shutdownErr)
		}
	}

	return err
}
