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

package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kvfs/internal/daemon"
	"kvfs/internal/util"
)

var mountCmd = &cobra.Command{
	Use:   "mount [mount-point]",
	Short: "Mount the filesystem through FUSE",
	Long: `Mounts kvfs at the given directory.

By default the mount runs in the background: the command returns once the
kernel mount is live, and "kvfs unmount" stops it. With -f the process stays
in the foreground until interrupted or unmounted.

Examples:
  kvfs mount /mnt/kvfs
  kvfs mount --mountpoint /mnt/kvfs --redis-addr 10.0.0.5 -f
  kvfs mount /mnt/kvfs --backend sqlite --data-dir /var/lib/kvfs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMount,
}

var (
	mountPoint       string
	mountForeground  bool
	mountMetricsAddr string
	mountAllowOther  bool
)

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().StringVar(&mountPoint, "mountpoint", "", "Directory to mount at")
	mountCmd.Flags().BoolVarP(&mountForeground, "foreground", "f", false, "Stay in the foreground")
	mountCmd.Flags().StringVar(&mountMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "Allow other users to access the mount")
}

// resolveMountPoint picks the positional argument or --mountpoint and
// checks that it can be mounted over.
func resolveMountPoint(args []string) (string, error) {
	mp := mountPoint
	if len(args) == 1 {
		mp = args[0]
	}
	if mp == "" {
		return "", errors.New("a mount point is required (argument or --mountpoint)")
	}
	abs, err := filepath.Abs(mp)
	if err != nil {
		return "", fmt.Errorf("failed to resolve mount point: %w", err)
	}

	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		return abs, nil
	case err != nil:
		return "", err
	case !info.IsDir():
		return "", fmt.Errorf("mount point exists and is not a directory: %s", abs)
	}
	if util.IsMountPoint(abs) {
		return "", fmt.Errorf("already mounted: %s", abs)
	}
	return abs, nil
}

func runMount(cmd *cobra.Command, args []string) error {
	mp, err := resolveMountPoint(args)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("allow-other") {
		cfg.Fuse.AllowOther = mountAllowOther
	}
	if !mountForeground {
		return mountBackground(cmd, mp)
	}

	if err := os.MkdirAll(daemon.RunDir(), 0700); err != nil {
		return err
	}
	pidPath := daemon.PidPath(mp)
	if err := util.WritePidFile(pidPath); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	return withDaemon(cmd.Context(), daemon.Options{}, func(d *daemon.Daemon) error {
		if err := d.Mount(mp, flags.debug); err != nil {
			return err
		}
		metricsAddr := cfg.MetricsAddr
		if mountMetricsAddr != "" {
			metricsAddr = mountMetricsAddr
		}
		if metricsAddr != "" {
			if _, err := d.ServeMetrics(metricsAddr); err != nil {
				return err
			}
		}
		log.WithFields(log.Fields{"mountpoint": mp, "pid": os.Getpid()}).Info("kvfs mounted")
		d.Wait(cmd.Context())
		return nil
	})
}

// mountBackground re-runs this command with -f in a detached process and
// waits for the kernel mount to appear.
func mountBackground(cmd *cobra.Command, mp string) error {
	if err := os.MkdirAll(daemon.RunDir(), 0700); err != nil {
		return err
	}
	childArgs := append([]string{"mount", mp, "--foreground"}, forwardedFlags(cmd)...)

	pollCfg := util.DefaultPollConfig()
	proc, err := util.StartDetached(cmd.Context(), util.DetachConfig{
		Notify:     true,
		LogPath:    daemon.MountLogPath(mp),
		PollConfig: pollCfg,
	}, childArgs, func() bool { return util.IsMountPoint(mp) })
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mounted %s (pid %d)\n", mp, proc.Pid)
	return nil
}

// forwardedFlags returns the explicitly set flags of cmd, except the ones
// the background child gets positionally.
func forwardedFlags(cmd *cobra.Command) []string {
	var out []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "mountpoint", "foreground":
			return
		}
		out = append(out, "--"+f.Name+"="+f.Value.String())
	})
	return out
}
