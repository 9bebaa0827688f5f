package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"kvfs/internal/daemon"
)

var serveNFSCmd = &cobra.Command{
	Use:   "serve-nfs",
	Short: "Serve the filesystem over NFSv3",
	Long: `Runs an NFSv3 server (no authentication) in the foreground.

Mount it from Linux with:
  mount -t nfs -o port=2049,mountport=2049,nfsvers=3,tcp,nolock 127.0.0.1:/ /mnt/kvfs`,
	Args: cobra.NoArgs,
	RunE: runServeNFS,
}

var (
	nfsAddr        string
	nfsMetricsAddr string
)

func init() {
	rootCmd.AddCommand(serveNFSCmd)
	serveNFSCmd.Flags().StringVar(&nfsAddr, "nfs-addr", "", "Listen address (default from config, 127.0.0.1:2049)")
	serveNFSCmd.Flags().StringVar(&nfsMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func runServeNFS(cmd *cobra.Command, args []string) error {
	addr := cfg.NFSAddr
	if nfsAddr != "" {
		addr = nfsAddr
	}
	metricsAddr := cfg.MetricsAddr
	if nfsMetricsAddr != "" {
		metricsAddr = nfsMetricsAddr
	}

	return withDaemon(cmd.Context(), daemon.Options{}, func(d *daemon.Daemon) error {
		bound, err := d.ServeNFS(addr)
		if err != nil {
			return err
		}
		if metricsAddr != "" {
			if _, err := d.ServeMetrics(metricsAddr); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Serving NFS on %s\n", bound)
		d.Wait(cmd.Context())
		return nil
	})
}
