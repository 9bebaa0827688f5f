package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvfs/internal/storage"
)

// The commands share rootCmd and its flag state, so these tests run
// sequentially.

type cliEnv struct {
	t       *testing.T
	dataDir string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Setenv("KVFS_CONFIG_DIR", t.TempDir())
	return &cliEnv{t: t, dataDir: t.TempDir()}
}

// run executes kvfs with args against a SQLite backend in the env's data
// directory and returns stdout.
func (e *cliEnv) run(stdin string, args ...string) (string, error) {
	e.t.Helper()
	full := append([]string{"--backend", "sqlite", "--data-dir", e.dataDir, "--log-level", "off"}, args...)
	var out bytes.Buffer
	rootCmd.SetArgs(full)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	err := rootCmd.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(stdin string, args ...string) string {
	e.t.Helper()
	out, err := e.run(stdin, args...)
	require.NoError(e.t, err, out)
	return out
}

func TestCLI_Init(t *testing.T) {
	e := newCLIEnv(t)

	out := e.mustRun("", "init")
	assert.Contains(t, out, "Backend:  sqlite")
	assert.Contains(t, out, "inode 1")
	assert.FileExists(t, filepath.Join(os.Getenv("KVFS_CONFIG_DIR"), "config.yaml"))
	assert.FileExists(t, filepath.Join(e.dataDir, "meta.db"))
}

func TestCLI_PutCatStat(t *testing.T) {
	e := newCLIEnv(t)

	e.mustRun("", "mkdir", "/docs")
	e.mustRun("hello kvfs\n", "put", "-", "/docs/readme.txt")

	assert.Equal(t, "hello kvfs\n", e.mustRun("", "cat", "/docs/readme.txt"))

	out := e.mustRun("", "stat", "/docs/readme.txt")
	assert.Contains(t, out, "Size: 11")
	assert.Contains(t, out, "Mode: 0644")
	assert.Contains(t, out, "Type: -")

	// put over an existing file replaces its contents
	e.mustRun("bye\n", "put", "-", "/docs/readme.txt")
	assert.Equal(t, "bye\n", e.mustRun("", "cat", "/docs/readme.txt"))
}

func TestCLI_PutLocalFile(t *testing.T) {
	e := newCLIEnv(t)

	local := filepath.Join(t.TempDir(), "src.bin")
	data := bytes.Repeat([]byte("0123456789abcdef"), copyChunk/8)
	require.NoError(t, os.WriteFile(local, data, 0644))

	e.mustRun("", "put", local, "/big.bin")
	assert.Equal(t, string(data), e.mustRun("", "cat", "/big.bin"))
}

func TestCLI_LsMvRm(t *testing.T) {
	e := newCLIEnv(t)

	e.mustRun("", "mkdir", "/a", "/b")
	e.mustRun("x", "put", "-", "/a/f")
	e.mustRun("", "ln", "-s", "/a/f", "/link")

	out := e.mustRun("", "ls", "/")
	assert.Contains(t, out, "d  a")
	assert.Contains(t, out, "d  b")
	assert.Contains(t, out, "l  link")
	assert.NotContains(t, out, "..")

	e.mustRun("", "mv", "/a/f", "/b/g")
	assert.NotContains(t, e.mustRun("", "ls", "/a"), "f")
	assert.Contains(t, e.mustRun("", "ls", "/b"), "g")

	assert.Contains(t, e.mustRun("", "stat", "/link"), "Target: /a/f")

	e.mustRun("", "rm", "/b/g", "/a", "/link")
	out = e.mustRun("", "ls")
	assert.NotContains(t, out, " a")
	assert.NotContains(t, out, "link")
}

func TestCLI_Errors(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("", "mkdir", "/d")
	e.mustRun("x", "put", "-", "/d/f")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"stat missing", []string{"stat", "/nope"}, "no such file or directory"},
		{"cat directory", []string{"cat", "/d"}, "is a directory"},
		{"rm non-empty dir", []string{"rm", "/d"}, "directory not empty"},
		{"mkdir existing", []string{"mkdir", "/d"}, "file exists"},
		{"relative path", []string{"stat", "d"}, "invalid"},
		{"bad mode", []string{"mkdir", "--mode", "9", "/e"}, "invalid octal mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.run("", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	mkdirMode = 0755
}

func TestCLI_Fsck(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("", "mkdir", "/d")

	out := e.mustRun("", "fsck")
	assert.Contains(t, out, "No problems found.")

	require.NoError(t, os.WriteFile(filepath.Join(e.dataDir, storage.BlobName(999)), []byte("stray"), 0644))
	out, err := e.run("", "fsck")
	assert.ErrorIs(t, err, errNotClean)
	assert.Contains(t, out, "orphan blob")

	out = e.mustRun("", "fsck", "--prune")
	assert.Contains(t, out, "Pruned.")
	fsckPrune = false
	assert.Contains(t, e.mustRun("", "fsck"), "No problems found.")
}

func TestCLI_StatusEmpty(t *testing.T) {
	e := newCLIEnv(t)
	assert.Contains(t, e.mustRun("", "status"), "No background mounts.")

	mp := t.TempDir()
	out := e.mustRun("", "status", mp)
	assert.Contains(t, out, mp)
	assert.Contains(t, out, "not running")
}

func TestUnmount_NoMount(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("", "unmount", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no background mount")
}
