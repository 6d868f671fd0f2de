// Command fuse-spectrum mounts a CPCEMU DSK/EDSK or SYDEX IMD floppy image
// containing a CP/M 2.2 or ICE Felix HC2000 filesystem as a FUSE mount.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mdontu/fuse-spectrum/cpm"
	"github.com/mdontu/fuse-spectrum/diskimage"
	"github.com/mdontu/fuse-spectrum/diskimage/dsk"
	"github.com/mdontu/fuse-spectrum/diskimage/imd"
	"github.com/mdontu/fuse-spectrum/fuseadaptor"
)

const version = "1.0.0"

var (
	imagePath  string
	filesystem string
	debug      bool
	showVer    bool
)

func main() {
	root := &cobra.Command{
		Use:          "fuse-spectrum <mount point> [-- -o opt1,opt2,...]",
		Short:        "Mount a CP/M or HC floppy image over FUSE",
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE:         run,
	}

	root.Flags().StringVarP(&imagePath, "file", "f", "", "path to the disk image (.dsk, .edsk, .imd)")
	root.Flags().StringVar(&filesystem, "filesystem", "hc", "filesystem variant on the image (hc|cpm)")
	root.Flags().BoolVar(&debug, "debug", false, "print FUSE debug information")
	root.Flags().BoolVarP(&showVer, "version", "V", false, "print the version and exit")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("fuse-spectrum: fatal error")
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVer {
		fmt.Printf("fuse-spectrum %s\n", version)
		return nil
	}
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if imagePath == "" {
		return errors.New("--file is required")
	}

	mountPoint, passthrough, err := splitMountArgs(cmd, args)
	if err != nil {
		return err
	}

	variant, err := parseVariant(filesystem)
	if err != nil {
		return err
	}

	img, err := openImage(imagePath)
	if err != nil {
		return errors.Wrapf(err, "opening %q", imagePath)
	}

	vol, err := cpm.NewVolume(img, variant)
	if err != nil {
		return errors.Wrap(err, "reading volume directory")
	}

	root := fuseadaptor.New(vol)
	opts := &fs.Options{}
	opts.Debug = debug
	if err := applyPassthroughFlags(opts, passthrough); err != nil {
		return err
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return errors.Wrapf(err, "mounting %q", mountPoint)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logrus.Info("signal received, unmounting")
		server.Unmount()
	}()

	logrus.WithFields(logrus.Fields{
		"image":      imagePath,
		"mountPoint": mountPoint,
		"filesystem": variant.String(),
	}).Info("mounted")

	server.Wait()

	if img.Modified() {
		logrus.Info("image modified, saving")
		if err := img.Save(imagePath); err != nil {
			return errors.Wrapf(err, "saving %q", imagePath)
		}
	}
	return nil
}

// splitMountArgs separates the mount point from anything following a
// literal "--" on the command line. Per spec.md §6, flags cobra does not
// itself recognise must still reach the FUSE mount layer rather than
// being rejected, so everything after "--" is handed to
// applyPassthroughFlags verbatim instead of going through cobra/pflag.
func splitMountArgs(cmd *cobra.Command, args []string) (string, []string, error) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		if len(args) != 1 {
			return "", nil, errors.New("exactly one mount point argument is required")
		}
		return args[0], nil, nil
	}
	if dash != 1 {
		return "", nil, errors.New("exactly one mount point argument is required before --")
	}
	return args[0], args[dash:], nil
}

// applyPassthroughFlags parses the raw flags forwarded after "--" and
// maps the ones go-fuse understands (at minimum "-o
// allow_other,uid=...,gid=..."-style option strings) onto opts.
func applyPassthroughFlags(opts *fs.Options, passthrough []string) error {
	for i := 0; i < len(passthrough); i++ {
		arg := passthrough[i]
		switch {
		case arg == "-o":
			if i+1 >= len(passthrough) {
				return errors.New("-o requires an argument")
			}
			i++
			applyMountOptionString(opts, passthrough[i])
		case strings.HasPrefix(arg, "-o="):
			applyMountOptionString(opts, strings.TrimPrefix(arg, "-o="))
		case strings.HasPrefix(arg, "--o="):
			applyMountOptionString(opts, strings.TrimPrefix(arg, "--o="))
		default:
			return errors.Errorf("unsupported passthrough flag %q", arg)
		}
	}
	return nil
}

// applyMountOptionString splits a comma-separated "-o" value into the
// individual options and folds them into opts. "allow_other" additionally
// sets AllowOther, which go-fuse needs set explicitly before it will add
// the option to the kernel mount call; every option, including
// "uid=" / "gid=", is also passed through verbatim in MountOptions.Options
// since the kernel (not go-fuse) interprets them.
func applyMountOptionString(opts *fs.Options, raw string) {
	for _, opt := range strings.Split(raw, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if opt == "allow_other" {
			opts.AllowOther = true
		}
		opts.Options = append(opts.Options, opt)
	}
}

func parseVariant(s string) (cpm.Variant, error) {
	switch strings.ToLower(s) {
	case "hc":
		return cpm.HC, nil
	case "cpm", "cpm22":
		return cpm.CPM22, nil
	default:
		return 0, errors.Errorf("unknown filesystem variant %q (want hc|cpm)", s)
	}
}

func openImage(path string) (diskimage.Image, error) {
	kind, err := diskimage.Detect(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case diskimage.DSK:
		return dsk.Open(path)
	case diskimage.IMD:
		return imd.Open(path)
	default:
		return nil, errors.Errorf("%q is not a recognised disk image", path)
	}
}
