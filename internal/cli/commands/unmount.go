package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kvfs/internal/daemon"
	"kvfs/internal/util"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount <mount-point>",
	Aliases: []string{"umount"},
	Short:   "Stop a background mount",
	Long: `Stops the background kvfs process serving the given mount point. The
process unmounts, flushes nothing (kvfs keeps no write-back state) and
releases its backend connection.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmount,
}

func init() {
	rootCmd.AddCommand(unmountCmd)
}

func runUnmount(cmd *cobra.Command, args []string) error {
	mp, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}

	pidPath := daemon.PidPath(mp)
	pid, err := util.ReadPidFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no background mount at %s", mp)
		}
		return err
	}
	if !util.IsProcessRunning(pid) {
		os.Remove(pidPath)
		return fmt.Errorf("stale pid file for %s (pid %d not running)", mp, pid)
	}

	if err := util.StopProcess(cmd.Context(), pid, util.ProcessConfig{}); err != nil {
		return err
	}
	os.Remove(pidPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Unmounted %s\n", mp)
	return nil
}
