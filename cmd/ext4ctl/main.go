// Command ext4ctl formats and manipulates ext4 images without mounting
// them: mkfs, file and directory operations, links and extended
// attributes, all through the engine library.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ext4kit/ext4"
)

var (
	flagImage   string
	flagJournal string
	flagVerbose bool

	logger = zap.NewNop()
)

func main() {
	root := &cobra.Command{
		Use:           "ext4ctl",
		Short:         "Inspect and modify ext4 images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flagImage, "image", "i", "", "path to the ext4 image")
	pf.StringVar(&flagJournal, "journal", "", "path to an external journal file")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	_ = viper.BindPFlag("image", pf.Lookup("image"))
	_ = viper.BindPFlag("journal", pf.Lookup("journal"))
	_ = viper.BindPFlag("verbose", pf.Lookup("verbose"))
	viper.SetEnvPrefix("EXT4CTL")
	viper.AutomaticEnv()

	root.AddCommand(
		mkfsCmd(),
		statCmd(),
		lsCmd(),
		catCmd(),
		writeCmd(),
		mkdirCmd(),
		rmCmd(),
		rmdirCmd(),
		lnCmd(),
		symlinkCmd(),
		xattrCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ext4ctl:", err)
		os.Exit(1)
	}
}

func setup() error {
	if viper.GetBool("verbose") {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
	}
	return nil
}

// openFS loads the configured image, with the journal attached when one is
// configured. The returned cleanup stops the journal.
func openFS() (*ext4.Ext4, func(), error) {
	image := viper.GetString("image")
	if image == "" {
		return nil, nil, fmt.Errorf("no image: pass --image or set EXT4CTL_IMAGE")
	}

	dev, err := ext4.OpenFileDevice(image)
	if err != nil {
		return nil, nil, err
	}

	opts := []ext4.Option{ext4.WithLogger(logger)}
	if jp := viper.GetString("journal"); jp != "" {
		j, err := ext4.NewWALJournal(jp)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ext4.WithJournal(j))
	}

	fs, err := ext4.Load(dev, opts...)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() { _ = fs.Close() }, nil
}
