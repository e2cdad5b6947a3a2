package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ext4kit/ext4"
)

func mkfsCmd() *cobra.Command {
	var sizeMB uint64
	var label string
	var createdAt int64

	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "Create and format a new image",
		RunE: func(cmd *cobra.Command, args []string) error {
			image := viper.GetString("image")
			if image == "" {
				return fmt.Errorf("no image: pass --image")
			}
			size := sizeMB << 20
			dev, err := ext4.CreateFileDevice(image, size)
			if err != nil {
				return err
			}
			opts := []ext4.MkfsOption{}
			if label != "" {
				opts = append(opts, ext4.WithVolumeName(label))
			}
			if createdAt != 0 {
				// Fixed timestamp for reproducible images.
				opts = append(opts, ext4.WithCreatedAt(time.Unix(createdAt, 0)))
			}
			if err := ext4.Mkfs(dev, size/ext4.BlockSize, opts...); err != nil {
				return err
			}
			fmt.Printf("formatted %s: %d MiB, label %q\n", image, sizeMB, label)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&sizeMB, "size-mb", 64, "image size in MiB")
	cmd.Flags().StringVar(&label, "label", "", "volume label")
	cmd.Flags().Int64Var(&createdAt, "created-at", 0, "format timestamp (unix seconds)")
	return cmd
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show inode attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()

			st, err := ext4.NewMountPoint(fs).Stat(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("inode: %d\nmode:  %04o\nsize:  %d\nlinks: %d\nuid:   %d\ngid:   %d\nmtime: %s\n",
				st.Ino, st.Mode, st.Size, st.Links, st.UID, st.GID, st.Mtime)
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <path>",
		Short: "List a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()

			entries, err := ext4.NewMountPoint(fs).ReadDir(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%8d  %s\n", e.Inode, e.Name)
			}
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()

			data, err := ext4.NewMountPoint(fs).ReadFile(args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func writeCmd() *cobra.Command {
	var modeStr string

	cmd := &cobra.Command{
		Use:   "write <path> <local-file>",
		Short: "Copy a local file into the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			mode, err := strconv.ParseUint(modeStr, 8, 16)
			if err != nil {
				return fmt.Errorf("bad mode %q: %w", modeStr, err)
			}

			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()

			return ext4.NewMountPoint(fs).WriteFile(args[0], data, uint16(mode))
		},
	}
	cmd.Flags().StringVar(&modeStr, "mode", "644", "file mode (octal)")
	return cmd
}

func mkdirCmd() *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()

			mp := ext4.NewMountPoint(fs)
			if parents {
				_, err = mp.MkdirAll(args[0], 0o755)
			} else {
				_, err = mp.Mkdir(args[0], 0o755)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parents")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Unlink a file or symlink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()
			return ext4.NewMountPoint(fs).Remove(args[0])
		},
	}
}

func rmdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir <path>",
		Short: "Remove an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()
			return ext4.NewMountPoint(fs).RemoveDir(args[0])
		},
	}
}

func lnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ln <target> <newpath>",
		Short: "Create a hard link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()
			return ext4.NewMountPoint(fs).Link(args[0], args[1])
		},
	}
}

func symlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symlink <target> <path>",
		Short: "Create a symbolic link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, done, err := openFS()
			if err != nil {
				return err
			}
			defer done()
			return ext4.NewMountPoint(fs).Symlink(args[0], args[1])
		},
	}
}

func xattrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xattr",
		Short: "Manage extended attributes",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <path> <name>",
			Short: "Read one attribute",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				fs, done, err := openFS()
				if err != nil {
					return err
				}
				defer done()

				id, err := fs.ResolvePath(args[0])
				if err != nil {
					return err
				}
				val, err := fs.GetXattr(id, args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", val)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <path> <name> <value>",
			Short: "Set one attribute",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				fs, done, err := openFS()
				if err != nil {
					return err
				}
				defer done()

				id, err := fs.ResolvePath(args[0])
				if err != nil {
					return err
				}
				return fs.SetXattr(id, args[1], []byte(args[2]))
			},
		},
		&cobra.Command{
			Use:   "rm <path> <name>",
			Short: "Remove one attribute",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				fs, done, err := openFS()
				if err != nil {
					return err
				}
				defer done()

				id, err := fs.ResolvePath(args[0])
				if err != nil {
					return err
				}
				return fs.RemoveXattr(id, args[1])
			},
		},
		&cobra.Command{
			Use:   "list <path>",
			Short: "List attribute names",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				fs, done, err := openFS()
				if err != nil {
					return err
				}
				defer done()

				id, err := fs.ResolvePath(args[0])
				if err != nil {
					return err
				}
				names, err := fs.ListXattr(id)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			},
		},
	)
	return cmd
}
