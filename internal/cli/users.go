package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/librarysys/lending-go/lending/catalog"
)

func newUsersCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage library members",
	}

	cmd.AddCommand(newUsersRegisterCommand(opts))
	cmd.AddCommand(newUsersProfileCommand(opts))
	cmd.AddCommand(newUsersFindCommand(opts))
	cmd.AddCommand(newUserLoansCommand(opts, "active", "List the books a member holds", activeLoans))
	cmd.AddCommand(newUserLoansCommand(opts, "history", "List every loan of a member, newest first", loanHistory))

	return cmd
}

func newUsersRegisterCommand(opts *RootOptions) *cobra.Command {
	var input catalog.NewUser

	cmd := &cobra.Command{
		Use:     "register",
		Short:   "Register a member; the e-mail address must be unused",
		Example: `  libsys users register --name "Ada Lovelace" --email ada@example.org`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				user, err := app.Catalog.RegisterUser(ctx, input)
				if err != nil {
					return commandError("failed to register user", err)
				}

				return out.print(newUserView(user), newUserView(user).text)
			})
		},
	}

	cmd.Flags().StringVar(&input.Name, "name", "", "full name (required)")
	cmd.Flags().StringVar(&input.Email, "email", "", "e-mail address (required)")
	cmd.Flags().StringVar(&input.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&input.Address, "address", "", "postal address")
	cmd.Flags().StringVar(&input.UserID, "id", "", "user id, generated when empty")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newUsersProfileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user_id>",
		Short: "Show a member with active and total loan counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				profile, err := app.Catalog.GetProfile(ctx, args[0])
				if err != nil {
					return commandError("failed to read profile", err)
				}

				view := newProfileView(profile)

				return out.print(view, view.text)
			})
		},
	}
}

func newUsersFindCommand(opts *RootOptions) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find a member by e-mail address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				user, err := app.Catalog.FindUserByEmail(ctx, email)
				if err != nil {
					return commandError("failed to find user", err)
				}

				return out.print(newUserView(user), newUserView(user).text)
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "e-mail address (required)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

type loanQuery func(ctx context.Context, service *catalog.Service, userID string) (loanList, error)

func activeLoans(ctx context.Context, service *catalog.Service, userID string) (loanList, error) {
	loans, err := service.ActiveBorrows(ctx, userID)
	return newLoanList(loans), err
}

func loanHistory(ctx context.Context, service *catalog.Service, userID string) (loanList, error) {
	loans, err := service.BorrowHistory(ctx, userID)
	return newLoanList(loans), err
}

func newUserLoansCommand(opts *RootOptions, use, short string, query loanQuery) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				loans, err := query(ctx, app.Catalog, args[0])
				if err != nil {
					return commandError("failed to read loans", err)
				}

				return out.print(loans, loans.text)
			})
		},
	}
}
