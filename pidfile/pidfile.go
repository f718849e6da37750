// Copyright 2024 The Portico Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pidfile implements PID lock files, the coordination mechanism the
// portico daemon uses to prevent two instances from managing the same
// registry on one host.
//
// A PID file holds the process ID of its owner. Acquiring the lock writes
// the current process's PID to the file; a file whose recorded process is
// no longer alive, or whose contents are not a PID at all, is treated as
// stale and taken over. Release removes the file.
package pidfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// ErrInUse is returned by New when the PID file belongs to a live process.
var ErrInUse = errors.New("pid file is in use")

// errNotPID marks file contents that do not parse as a process ID.
var errNotPID = errors.New("expected a PID")

// File is a held PID lock. It is created by New and released by Release.
type File struct {
	path   string
	logger *zap.Logger
}

// Option customizes lock acquisition.
type Option interface {
	apply(*options)
}

// WithLogger directs the package's diagnostics to the given logger. If not
// specified, diagnostics are discarded.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	logger *zap.Logger
}

// New acquires the PID lock at path for this process.
//
// If the file already exists and its recorded process is still alive, New
// returns an error wrapping ErrInUse. A stale file (dead process) or an
// invalid one (contents that are not a PID) is removed and replaced.
func New(path string, opt ...Option) (*File, error) {
	var opts options
	for _, o := range opt {
		o.apply(&opts)
	}
	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	inUse, err := pidFileInUse(path, logger)
	switch {
	case err == nil && inUse:
		logger.Error("pid file is already in use", zap.String("path", path))
		return nil, fmt.Errorf("%w: %s", ErrInUse, path)
	case err == nil && !inUse:
		// Stale or absent. Removal of an absent file is a no-op.
		if removeErr := os.Remove(path); removeErr == nil {
			logger.Debug("removed stale pid file", zap.String("path", path))
		}
	case errors.Is(err, errNotPID):
		logger.Warn("removing invalid pid file", zap.String("path", path))
		_ = os.Remove(path)
	default:
		logger.Error("unable to check pid file", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return nil, err
	}
	logger.Debug("locked pid file", zap.String("path", path), zap.Int("pid", pid))
	return &File{path: path, logger: logger}, nil
}

// IsLocked reports whether a live process holds the PID file at path.
// Invalid contents count as unlocked; the file itself is left in place.
func IsLocked(path string, opt ...Option) (bool, error) {
	var opts options
	for _, o := range opt {
		o.apply(&opts)
	}
	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inUse, err := pidFileInUse(path, logger)
	if errors.Is(err, errNotPID) {
		logger.Warn("invalid pid file", zap.String("path", path))
		return false, nil
	}
	if err != nil {
		logger.Error("unable to check pid file", zap.String("path", path), zap.Error(err))
		return false, err
	}
	return inUse, nil
}

// Release removes the PID file. Safe to call once the owning process is
// shutting down; errors are logged rather than returned since there is no
// recovery at that point.
func (f *File) Release() {
	if err := os.Remove(f.path); err != nil {
		f.logger.Error("unable to remove pid file", zap.String("path", f.path), zap.Error(err))
	}
}

// Path returns the location of the held lock file.
func (f *File) Path() string {
	return f.path
}

// pidFileInUse reports whether the PID recorded at path belongs to a live
// process. A missing file is not in use; unparsable contents surface as
// errNotPID so callers can decide whether to take the file over.
func pidFileInUse(path string, logger *zap.Logger) (bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		logger.Debug("unable to parse pid file", zap.String("path", path), zap.Error(err))
		return false, errNotPID
	}
	return processAlive(pid), nil
}

// processAlive probes the process with a null signal. EPERM means the
// process exists but belongs to another user, which still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
