package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"example.com/mediafs/cmd/flags"
	"example.com/mediafs/pkg/config"
	"example.com/mediafs/pkg/mediafs"
	"example.com/mediafs/pkg/objectstore"
	"example.com/mediafs/pkg/registry"
)

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "object store RPC timeout",
}

var flagOverwrite = &cli.BoolFlag{
	Name:  "overwrite",
	Usage: "replace an existing object",
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "mediafs-cli",
		Usage:     "Inspect and modify media backends without starting the server",
		Writer:    out,
		Flags:     append([]cli.Flag{flags.ConfigFlag, flags.EnvDirFlag, flagTimeout}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "upload a local file",
				ArgsUsage: "<backend> <path> <local-file>",
				Flags:     []cli.Flag{flagOverwrite},
				Action: withBackend(3, func(ctx context.Context, cCtx *cli.Context, fs *mediafs.FileSystem) error {
					f, err := os.Open(cCtx.Args().Get(2))
					if err != nil {
						return err
					}
					defer f.Close()
					if err := fs.WriteFile(ctx, cCtx.Args().Get(1), f, cCtx.Bool(flagOverwrite.Name)); err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, fs.URL(cCtx.Args().Get(1)))
					return nil
				}),
			},
			{
				Name:      "get",
				Usage:     "write an object to stdout",
				ArgsUsage: "<backend> <path>",
				Action: withBackend(2, func(ctx context.Context, cCtx *cli.Context, fs *mediafs.FileSystem) error {
					obj, err := fs.ReadFile(ctx, cCtx.Args().Get(1))
					if err != nil {
						return err
					}
					_, err = io.Copy(cCtx.App.Writer, obj)
					return err
				}),
			},
			{
				Name:      "rm",
				Usage:     "delete an object",
				ArgsUsage: "<backend> <path>",
				Action: withBackend(2, func(ctx context.Context, cCtx *cli.Context, fs *mediafs.FileSystem) error {
					return fs.DeleteFile(ctx, cCtx.Args().Get(1))
				}),
			},
			{
				Name:      "stat",
				Usage:     "print object metadata",
				ArgsUsage: "<backend> <path>",
				Action: withBackend(2, func(ctx context.Context, cCtx *cli.Context, fs *mediafs.FileSystem) error {
					p := cCtx.Args().Get(1)
					meta, found, err := fs.Stat(ctx, p)
					if err != nil {
						return err
					}
					if !found {
						return mediafs.NotFoundError{Path: p}
					}
					fmt.Fprintf(cCtx.App.Writer, "%s\t%d bytes\t%s\t%s\n",
						fs.URL(p), meta.Size, meta.LastModified.UTC().Format(time.RFC3339), meta.ContentType)
					return nil
				}),
			},
			{
				Name:      "url",
				Usage:     "print the public URL of a path",
				ArgsUsage: "<backend> <path>",
				Action: withBackend(2, func(_ context.Context, cCtx *cli.Context, fs *mediafs.FileSystem) error {
					fmt.Fprintln(cCtx.App.Writer, fs.URL(cCtx.Args().Get(1)))
					return nil
				}),
			},
			{
				Name:      "ls",
				Usage:     "list object keys under a prefix",
				ArgsUsage: "<backend> [prefix]",
				Action: withBackend(1, func(ctx context.Context, cCtx *cli.Context, fs *mediafs.FileSystem) error {
					items, err := fs.List(ctx, cCtx.Args().Get(1))
					if err != nil {
						return err
					}
					for _, item := range items {
						fmt.Fprintf(cCtx.App.Writer, "%s\t%d\n", item.Key, item.Size)
					}
					return nil
				}),
			},
		},
	}
}

type backendAction func(ctx context.Context, cCtx *cli.Context, fs *mediafs.FileSystem) error

// withBackend resolves the backend named by the first argument and runs fn
// with a context bounded by --timeout.
func withBackend(minArgs int, fn backendAction) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		if cCtx.NArg() < minArgs {
			return fmt.Errorf("%s: expected %s", cCtx.Command.Name, cCtx.Command.ArgsUsage)
		}
		logger := flags.SetupLogger(cCtx)
		if err := config.LoadEnv(cCtx.String(flags.EnvDirFlag.Name)); err != nil {
			return err
		}
		store, err := config.NewFileStore(cCtx.String(flags.ConfigFlag.Name), logger)
		if err != nil {
			return err
		}
		reg, err := registry.New(store,
			registry.DefaultBuilder(objectstore.NewFactory(logger), mediafs.WithLogger(logger)),
			registry.WithLogger(logger))
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
		defer cancel()
		fs, err := reg.Get(ctx, cCtx.Args().First())
		if err != nil {
			if errors.Is(err, config.ErrUnknownBackend) {
				return fmt.Errorf("%w (configured: %v)", err, store.Names())
			}
			return err
		}
		return fn(ctx, cCtx, fs)
	}
}
