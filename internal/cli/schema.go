package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/librarysys/lending-go/internal/config"
)

func newSchemaCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the SQL table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, _ printer) error {
				if app.Backend == nil {
					return WrapExitError(ExitCommandError, "no storage backend", config.ErrSchemaUnsupported)
				}

				err := app.Backend.EnsureSchema(ctx)
				switch {
				case errors.Is(err, config.ErrSchemaUnsupported):
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "Backend %s needs no schema.\n", app.Config.Storage.Backend)
					return err
				case err != nil:
					return WrapExitError(ExitCommandError, "failed to create schema", err)
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Schema ready in table %s.\n", app.Config.Storage.Table)

				return err
			})
		},
	})

	return cmd
}
