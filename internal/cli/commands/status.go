package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kvfs/internal/daemon"
	"kvfs/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status [mount-point]...",
	Short: "Show background mounts",
	Long: `Lists the background mounts started by "kvfs mount" on this host, with
their pid and whether the process is still alive. Given mount points, reports
only those, including whether the kernel mount is live.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	if len(args) == 0 {
		matches, err := filepath.Glob(filepath.Join(daemon.RunDir(), "*.pid"))
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No background mounts.")
			return nil
		}
		fmt.Fprintln(w, "MOUNT\tPID\tSTATE")
		for _, p := range matches {
			id := strings.TrimSuffix(filepath.Base(p), ".pid")
			pid, state := pidState(p)
			fmt.Fprintf(w, "/%s\t%s\t%s\n", strings.ReplaceAll(id, "_", "/"), pid, state)
		}
		return w.Flush()
	}

	fmt.Fprintln(w, "MOUNT\tPID\tSTATE\tMOUNTED")
	for _, a := range args {
		mp, err := filepath.Abs(a)
		if err != nil {
			return fmt.Errorf("failed to resolve mount point: %w", err)
		}
		pid, state := pidState(daemon.PidPath(mp))
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", mp, pid, state, util.IsMountPoint(mp))
	}
	return w.Flush()
}

// pidState reads a pid file and reports the process state. Mount ids are
// lossy for paths containing underscores, so the listing is a best effort.
func pidState(path string) (pid, state string) {
	n, err := util.ReadPidFile(path)
	switch {
	case os.IsNotExist(err):
		return "-", "not running"
	case err != nil:
		return "-", "unreadable"
	case !util.IsProcessRunning(n):
		return fmt.Sprint(n), "stale"
	default:
		return fmt.Sprint(n), "running"
	}
}
