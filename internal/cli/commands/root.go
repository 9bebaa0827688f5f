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
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kvfs/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// globalFlags holds the persistent flags shared by every command.
type globalFlags struct {
	configPath    string
	backend       string
	redisAddr     string
	redisPort     int
	redisPassword string
	redisDB       int
	keyPrefix     string
	sqlitePath    string
	dataDir       string
	logLevel      string
	debug         bool
}

var (
	flags globalFlags

	// cfg is the effective configuration, resolved in PersistentPreRunE.
	cfg       *daemon.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "kvfs",
	Short: "POSIX filesystem backed by a key-value store",
	Long: `kvfs keeps file metadata in Redis (or SQLite) and file contents as one
blob per inode in a data directory. It can be mounted through FUSE, served
over NFSv3, or manipulated directly from the command line.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		c, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c

		closer, err := daemon.SetupLogging(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("kvfs version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file (default ~/.kvfs/config.yaml)")
	pf.StringVar(&flags.backend, "backend", "", "Metadata backend: redis or sqlite")
	pf.StringVar(&flags.redisAddr, "redis-addr", "", "Redis host (default localhost)")
	pf.IntVar(&flags.redisPort, "redis-port", 0, "Redis port (default 6379)")
	pf.StringVar(&flags.redisPassword, "redis-password", "", "Redis password")
	pf.IntVar(&flags.redisDB, "redis-db", 0, "Redis logical database")
	pf.StringVar(&flags.keyPrefix, "key-prefix", "", "Prefix for every metadata key")
	pf.StringVar(&flags.sqlitePath, "sqlite-path", "", "SQLite metadata file (default <data-dir>/meta.db)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Directory holding file contents (default /data/xfs)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: trace, debug, info, warn, off")
	pf.BoolVarP(&flags.debug, "debug", "d", false, "Debug logging (and FUSE request tracing for mount)")
}

// resolveConfig loads the config file and applies explicitly set flags.
func resolveConfig(cmd *cobra.Command) (*daemon.Config, error) {
	c, err := daemon.LoadConfig(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	changed := cmd.Flags().Changed
	if changed("backend") {
		c.Backend = flags.backend
	}
	if changed("redis-addr") {
		c.Redis.Addr = flags.redisAddr
	}
	if changed("redis-port") {
		c.Redis.Port = flags.redisPort
	}
	if changed("redis-password") {
		c.Redis.Password = flags.redisPassword
	}
	if changed("redis-db") {
		c.Redis.DB = flags.redisDB
	}
	if changed("key-prefix") {
		c.KeyPrefix = flags.keyPrefix
	}
	if changed("sqlite-path") {
		c.SQLite.Path = flags.sqlitePath
	}
	if changed("data-dir") {
		c.DataDir = flags.dataDir
	}
	if changed("log-level") {
		c.LogLevel = flags.logLevel
	}
	if flags.debug {
		c.LogLevel = "debug"
	}
	return c, nil
}

// withDaemon opens the filesystem for the duration of fn.
func withDaemon(ctx context.Context, opts daemon.Options, fn func(d *daemon.Daemon) error) error {
	d, err := daemon.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	fnErr := fn(d)
	closeErr := d.Close()
	if fnErr != nil {
		return fnErr
	}
	return closeErr
}

// Execute runs the root command. Cancelling ctx stops long-running
// commands such as a foreground mount.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
