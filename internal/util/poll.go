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
	"time"
)

// ErrPollTimeout is returned by Poll when the check never succeeded.
var ErrPollTimeout = errors.New("timed out waiting")

// PollConfig bounds a Poll.
type PollConfig struct {
	Timeout  time.Duration // zero means 10s
	Interval time.Duration // zero means 50ms
}

// DefaultPollConfig returns defaults suited to waiting for a mount.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Timeout:  10 * time.Second,
		Interval: 50 * time.Millisecond,
	}
}

func (c PollConfig) withDefaults() PollConfig {
	d := DefaultPollConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Poll calls check until it reports done, returns an error, or cfg.Timeout
// passes. A check error stops polling and is returned as is. Cancelling ctx
// returns ctx.Err(); running out of time returns an error wrapping both
// ErrPollTimeout and context.DeadlineExceeded.
func Poll(ctx context.Context, cfg PollConfig, check func() (bool, error)) error {
	cfg = cfg.withDefaults()
	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s: %w", ErrPollTimeout, cfg.Timeout, context.DeadlineExceeded)
		case <-ticker.C:
		}
	}
}
