package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"kvfs/internal/daemon"
	"kvfs/internal/storage"
)

// errNotClean makes fsck exit non-zero when problems remain.
var errNotClean = errors.New("filesystem has inconsistencies")

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check metadata and blobs for inconsistencies",
	Long: `Walks the namespace from the root directory and compares it with every
stored inode record and every blob in the data directory.

Reported problems:
  orphan records    inode records no directory entry reaches (for example
                    the previous target of a rename that overwrote it)
  dangling entries  directory entries whose inode has no record
  orphan blobs      blobs without a reachable record
  size mismatches   files whose recorded size is smaller than their blob

--prune removes orphan records, orphan blobs and dangling entries. It takes
the data directory lock exclusively, so no mount may be running on this host.`,
	Args: cobra.NoArgs,
	RunE: runFsck,
}

var fsckPrune bool

func init() {
	rootCmd.AddCommand(fsckCmd)
	fsckCmd.Flags().BoolVar(&fsckPrune, "prune", false, "Delete orphaned records, blobs and dangling entries")
}

func runFsck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withDaemon(ctx, daemon.Options{Exclusive: fsckPrune}, func(d *daemon.Daemon) error {
		meta, blobs := d.FS().Meta(), d.FS().Blobs()
		report, err := storage.Check(ctx, meta, blobs)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printReport(out, report)

		if report.Clean() {
			return nil
		}
		if !fsckPrune {
			return errNotClean
		}
		if err := report.Prune(ctx, meta, blobs); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Fprintln(out, "Pruned.")
		if len(report.SizeMismatches) > 0 {
			return errNotClean
		}
		return nil
	})
}

func printReport(out io.Writer, r *storage.Report) {
	fmt.Fprintf(out, "Reachable inodes: %d\n", r.Reachable)
	for _, ino := range r.Orphans {
		fmt.Fprintf(out, "orphan record: inode %d\n", ino)
	}
	for _, e := range r.Dangling {
		fmt.Fprintf(out, "dangling entry: %q in inode %d -> inode %d\n", e.Name, e.Parent, e.Ino)
	}
	for _, ino := range r.OrphanBlobs {
		fmt.Fprintf(out, "orphan blob: %s\n", storage.BlobName(ino))
	}
	for _, m := range r.SizeMismatches {
		fmt.Fprintf(out, "size mismatch: inode %d records %d bytes, blob has %d\n", m.Ino, m.AttrSize, m.BlobSize)
	}
	if r.Clean() {
		fmt.Fprintln(out, "No problems found.")
	}
}
