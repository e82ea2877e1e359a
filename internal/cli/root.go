// Package cli implements the libsys command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool

	open   Opener
	errOut io.Writer
}

func (o *RootOptions) logOutput() io.Writer {
	if o.errOut != nil {
		return o.errOut
	}

	return os.Stderr
}

// NewRootCommand creates the libsys command tree. A nil opener uses OpenApp.
func NewRootCommand(open Opener) *cobra.Command {
	if open == nil {
		open = OpenApp
	}

	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "libsys",
		Short: "Library lending system",
		Long: `Manage the catalog, members and loans of a library on a partitioned store.

Configuration is read from libsys.yaml in the working directory (or --config)
and LIBSYS_* environment variables, e.g. LIBSYS_STORAGE_BACKEND=postgres.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}

			opts.errOut = cmd.ErrOrStderr()

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(newBooksCommand(opts))
	cmd.AddCommand(newUsersCommand(opts))
	cmd.AddCommand(newBorrowsCommand(opts))
	cmd.AddCommand(newSweeperCommand(opts))
	cmd.AddCommand(newSchemaCommand(opts))
	cmd.AddCommand(newSimulateCommand(opts))

	return cmd
}

// withApp opens the App for one command run and closes it afterwards.
func withApp(cmd *cobra.Command, opts *RootOptions, run func(ctx context.Context, app *App, out printer) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := opts.open(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "failed to close storage", closeErr)
		}
	}()

	return run(ctx, app, printer{format: opts.Format, w: cmd.OutOrStdout()})
}

func parseBorrowID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid borrow id %q", raw), err)
	}

	return id, nil
}
