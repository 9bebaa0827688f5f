package daemon

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// maxLogSize is the size past which a log file is truncated on open.
const maxLogSize = 50 * 1024 * 1024

// ParseLogLevel maps a config level name onto a logrus level. The second
// result is false for "off"/"none", meaning output should be discarded.
func ParseLogLevel(level string) (log.Level, bool, error) {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel, true, nil
	case "debug":
		return log.DebugLevel, true, nil
	case "", "info":
		return log.InfoLevel, true, nil
	case "warn", "warning":
		return log.WarnLevel, true, nil
	case "off", "none":
		return log.PanicLevel, false, nil
	default:
		return log.InfoLevel, false, fmt.Errorf("unknown log level %q", level)
	}
}

// SetupLogging configures the global logrus logger. Output goes to file
// when set, otherwise to stderr. The returned closer releases the file.
func SetupLogging(level, file string) (io.Closer, error) {
	lvl, enabled, err := ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if !enabled {
		log.SetOutput(io.Discard)
		return io.NopCloser(nil), nil
	}
	log.SetLevel(lvl)

	if file == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	if err := truncateLogFile(file, maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}

// truncateLogFile empties path if it has grown past maxSize.
func truncateLogFile(path string, maxSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}
	return os.Truncate(path, 0)
}
