// ext4view - Read files from ext2/3/4 images without mounting them
//
// Usage:
//
//	ext4view [flags] <image> ls [-l] [-a] [path]
//	ext4view [flags] <image> cat <path>...
//	ext4view [flags] <image> stat <path>
//	ext4view [flags] <image> readlink <path>
//	ext4view [flags] <image> sum <path>...
//	ext4view [flags] <image> info
//	ext4view [flags] <image> free
//	ext4view [flags] <image> parts
//
// The image may be a raw file, a block device, or a gzip, zstd or lz4
// compressed file, holding a filesystem directly or inside an MBR or GPT
// partition table.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/lvdlvd/ext4view/cmd"
	"github.com/lvdlvd/ext4view/fsys/ext4"
	"github.com/lvdlvd/ext4view/internal/config"
	"github.com/lvdlvd/ext4view/source"
)

const usage = "usage: ext4view [flags] <image> <command> [args]\n" +
	"commands: ls, cat, stat, readlink, sum, info, free, parts"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err == pflag.ErrHelp {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ext4view: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("ext4view", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Fprintln(stderr, usage)
		flags.PrintDefaults()
	}
	configPath := flags.String("config", "", "YAML config file (default $"+config.EnvVar+")")
	partition := flags.IntP("partition", "p", 0, "partition number to read; 0 picks the first ext partition")
	logLevel := flags.String("log-level", "", "log level: panic, fatal, error, warning, info, debug or trace")
	maxSymlinks := flags.Int("max-symlinks", 0, "maximum symlinks followed while resolving a path")
	noHtree := flags.Bool("no-htree", false, "scan indexed directories linearly")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flags.Changed("partition") {
		cfg.Partition = *partition
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("max-symlinks") {
		cfg.MaxSymlinks = *maxSymlinks
	}
	if *noHtree {
		cfg.HashIndex = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	log.SetLevel(cfg.Level())

	if flags.NArg() < 2 {
		return errors.New(usage)
	}
	imagePath, command, cmdArgs := flags.Arg(0), flags.Arg(1), flags.Args()[2:]

	src, err := source.Open(imagePath,
		source.WithLogger(log),
		source.WithMaxDecompressed(cfg.MaxDecompressed))
	if err != nil {
		return err
	}
	im, err := cmd.OpenImage(src, cmd.ImageOptions{
		Partition: cfg.Partition,
		Log:       log,
		FSOptions: []ext4.Option{
			ext4.WithMaxSymlinks(cfg.MaxSymlinks),
			ext4.WithMaxReadSize(cfg.MaxReadSize),
			ext4.WithHashIndex(cfg.HashIndex),
		},
	})
	if err != nil {
		src.Close()
		return errors.Wrapf(err, "opening %s", imagePath)
	}
	defer im.Close()

	switch command {
	case "ls":
		return runLs(im.FS, cmdArgs, stdout, stderr)
	case "cat":
		if len(cmdArgs) < 1 {
			return errors.New("cat requires a path argument")
		}
		return cmd.Cat(im.FS, cmdArgs, stdout)
	case "stat":
		if len(cmdArgs) != 1 {
			return errors.New("stat requires one path argument")
		}
		return cmd.Stat(im.FS, cmdArgs[0], stdout)
	case "readlink":
		if len(cmdArgs) != 1 {
			return errors.New("readlink requires one path argument")
		}
		return cmd.ReadLink(im.FS, cmdArgs[0], stdout)
	case "sum":
		if len(cmdArgs) < 1 {
			return errors.New("sum requires a path argument")
		}
		return cmd.Sum(ctx, im.FS, cmdArgs, stdout, cfg.SumWorkers)
	case "info":
		return cmd.Info(im, stdout)
	case "free":
		return cmd.Free(im.FS, stdout)
	case "parts":
		return cmd.Parts(im, stdout)
	default:
		return errors.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func runLs(f *ext4.FS, args []string, out, stderr io.Writer) error {
	flags := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	long := flags.BoolP("long", "l", false, "use long listing format")
	all := flags.BoolP("all", "a", false, "show entries starting with a dot")
	if err := flags.Parse(args); err != nil {
		return err
	}

	path := "/"
	if flags.NArg() > 0 {
		path = flags.Arg(0)
	}
	return cmd.Ls(f, path, out, cmd.LsOptions{Long: *long, All: *all})
}
