// Copyright 2025 kvfs Authors
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

package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

var errExitedEarly = errors.New("background process exited early")

// DetachConfig configures StartDetached.
type DetachConfig struct {
	Notify     bool       // Print status messages to stderr
	LogPath    string     // Where the child's stdout/stderr go
	PollConfig PollConfig // Polling config for waiting
}

// StartDetached re-executes the current binary with args in a new session
// and waits until ready reports true. If the child exits first, the wait
// is cut short and its log path is named in the error.
func StartDetached(ctx context.Context, cfg DetachConfig, args []string, ready func() bool) (*os.Process, error) {
	if cfg.Notify {
		fmt.Fprint(os.Stderr, "Starting kvfs in the background...")
	}
	fail := func(msg string) {
		if cfg.Notify {
			fmt.Fprintln(os.Stderr, " "+msg)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		fail("failed")
		return nil, err
	}
	proc, err := StartBackgroundProcess(exe, args, nil, cfg.LogPath)
	if err != nil {
		fail("failed")
		return nil, err
	}

	err = Poll(ctx, cfg.PollConfig, func() (bool, error) {
		if !IsProcessRunning(proc.Pid) {
			return false, errExitedEarly
		}
		return ready(), nil
	})
	switch {
	case errors.Is(err, errExitedEarly):
		fail("failed")
		return nil, fmt.Errorf("%w; see %s", err, cfg.LogPath)
	case err != nil:
		fail("timeout")
		return nil, fmt.Errorf("background process not ready: %w", err)
	}

	if cfg.Notify {
		fmt.Fprintln(os.Stderr, " done")
	}
	return proc, nil
}

// IsMountPoint reports whether path sits on a different device than its
// parent, which holds once a filesystem is mounted there.
func IsMountPoint(path string) bool {
	var st, parent syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return false
	}
	if err := syscall.Stat(filepath.Dir(filepath.Clean(path)), &parent); err != nil {
		return false
	}
	return st.Dev != parent.Dev
}
