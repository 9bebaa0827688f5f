package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kvfs/internal/daemon"
	"kvfs/internal/storage"
	"kvfs/internal/vfs"
)

// Commands here operate on the store directly, without a mount. Paths are
// absolute paths inside kvfs.

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Print the attribute record of a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fsys *vfs.FS) error {
			attr, err := fsys.GetAttr(cmd.Context(), args[0])
			if err != nil {
				return pathErr("stat", args[0], err)
			}
			printAttr(cmd.OutOrStdout(), args[0], attr)
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := "/"
		if len(args) == 1 {
			p = args[0]
		}
		return withFS(cmd, func(fsys *vfs.FS) error {
			entries, err := fsys.ReadDir(cmd.Context(), p)
			if err != nil {
				return pathErr("ls", p, err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				if e.Name == "." || e.Name == ".." {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", e.Ino, typeChar(e.Mode), e.Name)
			}
			return w.Flush()
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Write a file's contents to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fsys *vfs.FS) error {
			return copyOut(cmd, fsys, args[0], cmd.OutOrStdout())
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <local-file|-> <path>",
	Short: "Copy a local file (or stdin) into kvfs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}
		return withFS(cmd, func(fsys *vfs.FS) error {
			return copyIn(cmd, fsys, src, args[1])
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>...",
	Short: "Create directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fsys *vfs.FS) error {
			for _, p := range args {
				if _, err := fsys.Mkdir(cmd.Context(), p, mkdirMode); err != nil {
					return pathErr("mkdir", p, err)
				}
			}
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Remove files, symlinks or empty directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fsys *vfs.FS) error {
			for _, p := range args {
				attr, err := fsys.GetAttr(cmd.Context(), p)
				if err != nil {
					return pathErr("rm", p, err)
				}
				if attr.IsDir() {
					err = fsys.Rmdir(cmd.Context(), p)
				} else {
					err = fsys.Unlink(cmd.Context(), p)
				}
				if err != nil {
					return pathErr("rm", p, err)
				}
			}
			return nil
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <old-path> <new-path>",
	Short: "Rename a path, replacing any existing destination",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fsys *vfs.FS) error {
			if err := fsys.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return pathErr("mv", args[0], err)
			}
			return nil
		})
	},
}

var lnCmd = &cobra.Command{
	Use:   "ln -s <target> <path>",
	Short: "Create a symbolic link",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fsys *vfs.FS) error {
			if _, err := fsys.Symlink(cmd.Context(), args[0], args[1]); err != nil {
				return pathErr("ln", args[1], err)
			}
			return nil
		})
	},
}

var (
	mkdirMode uint32 = 0755
	putMode   uint32 = 0644
	lnSymbol  bool
)

func init() {
	rootCmd.AddCommand(statCmd, lsCmd, catCmd, putCmd, mkdirCmd, rmCmd, mvCmd, lnCmd)
	mkdirCmd.Flags().Var(newOctalValue(0755, &mkdirMode), "mode", "Permission bits (octal)")
	putCmd.Flags().Var(newOctalValue(0644, &putMode), "mode", "Permission bits for a new file (octal)")
	lnCmd.Flags().BoolVarP(&lnSymbol, "symbolic", "s", true, "Symbolic link (the only kind supported)")
}

// withFS opens the store for a single CLI operation. Requests carry the
// invoking user's identity.
func withFS(cmd *cobra.Command, fn func(fsys *vfs.FS) error) error {
	ctx := vfs.WithCaller(cmd.Context(), uint32(os.Getuid()), uint32(os.Getgid()))
	cmd.SetContext(ctx)
	return withDaemon(ctx, daemon.Options{}, func(d *daemon.Daemon) error {
		return fn(d.FS())
	})
}

func pathErr(op, p string, err error) error {
	return &os.PathError{Op: op, Path: p, Err: err}
}

// copyChunk is the transfer unit of cat and put.
const copyChunk = 1 << 20

func copyOut(cmd *cobra.Command, fsys *vfs.FS, p string, w io.Writer) error {
	attr, err := fsys.GetAttr(cmd.Context(), p)
	if err != nil {
		return pathErr("cat", p, err)
	}
	if attr.IsDir() {
		return pathErr("cat", p, vfs.EISDIR)
	}
	for off := int64(0); ; {
		data, err := fsys.Read(cmd.Context(), p, copyChunk, off)
		if err != nil {
			return pathErr("cat", p, err)
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		off += int64(len(data))
	}
}

func copyIn(cmd *cobra.Command, fsys *vfs.FS, r io.Reader, p string) error {
	ctx := cmd.Context()
	if _, err := fsys.GetAttr(ctx, p); err == nil {
		if err := fsys.Truncate(ctx, p, 0); err != nil {
			return pathErr("put", p, err)
		}
	} else if _, err := fsys.Create(ctx, p, putMode); err != nil {
		return pathErr("put", p, err)
	}

	buf := make([]byte, copyChunk)
	var off int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := fsys.Write(ctx, p, buf[:n], off); err != nil {
				return pathErr("put", p, err)
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return fsys.Fsync(ctx, p)
}

func typeChar(mode uint32) string {
	switch mode & storage.ModeMask {
	case storage.ModeDir:
		return "d"
	case storage.ModeSymlink:
		return "l"
	case storage.ModeFile:
		return "-"
	default:
		return "?"
	}
}

func printAttr(w io.Writer, p string, a storage.Attr) {
	fmt.Fprintf(w, "  Path: %s\n", p)
	if a.IsSymlink() {
		fmt.Fprintf(w, "Target: %s\n", a.Target)
	}
	fmt.Fprintf(w, " Inode: %d\n", a.Ino)
	fmt.Fprintf(w, "  Type: %s\n", typeChar(a.Mode))
	fmt.Fprintf(w, "  Mode: %04o\n", a.Permissions())
	fmt.Fprintf(w, "   Uid: %d\n", a.Uid)
	fmt.Fprintf(w, "   Gid: %d\n", a.Gid)
	fmt.Fprintf(w, "  Size: %d\n", a.Size)
	fmt.Fprintf(w, "Blocks: %d\n", a.Blocks)
	fmt.Fprintf(w, "Access: %s\n", a.Atime.Format(time.RFC3339))
	fmt.Fprintf(w, "Modify: %s\n", a.Mtime.Format(time.RFC3339))
	fmt.Fprintf(w, "Change: %s\n", a.Ctime.Format(time.RFC3339))
}

// octalValue is a pflag.Value parsing permission bits in octal.
type octalValue struct {
	p *uint32
}

func newOctalValue(def uint32, p *uint32) *octalValue {
	*p = def
	return &octalValue{p: p}
}

func (v *octalValue) String() string {
	if v.p == nil {
		return "0"
	}
	return fmt.Sprintf("%04o", *v.p)
}

func (v *octalValue) Set(s string) error {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid octal mode %q", s)
	}
	if n&^uint64(storage.PermMask) != 0 {
		return fmt.Errorf("mode %q has bits outside %o", s, storage.PermMask)
	}
	*v.p = uint32(n)
	return nil
}

func (v *octalValue) Type() string {
	return "octal"
}
