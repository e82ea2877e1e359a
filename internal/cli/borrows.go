package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/librarysys/lending-go/lending"
)

var (
	errBorrower     = errors.New("exactly one of --user or --email is required")
	errReturnTarget = errors.New("pass either a borrow id or --isbn with exactly one of --user or --email")
)

func newBorrowsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "borrows",
		Short: "Borrow and return books",
	}

	cmd.AddCommand(newBorrowCommand(opts))
	cmd.AddCommand(newReturnCommand(opts))
	cmd.AddCommand(newShowBorrowCommand(opts))
	cmd.AddCommand(newRepairCommand(opts))

	return cmd
}

func newBorrowCommand(opts *RootOptions) *cobra.Command {
	var (
		isbn, userID, email, rawID string
		days                       int
	)

	cmd := &cobra.Command{
		Use:   "borrow",
		Short: "Borrow a copy of a book",
		Long: `Borrow a copy of a book for a member.

Pass --id to retry a borrow whose outcome is unknown: the same id never claims
a second copy. A borrow reported as RESERVED holds its copy and is finished by
the sweeper.`,
		Example: `  libsys borrows borrow --isbn 978-0132350884 --email ada@example.org --days 21`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (userID == "") == (email == "") {
				return WrapExitError(ExitCommandError, "invalid flags", errBorrower)
			}

			borrowID := lending.NewBorrowID()
			if rawID != "" {
				id, err := parseBorrowID(rawID)
				if err != nil {
					return err
				}
				borrowID = id
			}

			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				if email != "" {
					user, err := app.Catalog.FindUserByEmail(ctx, email)
					if err != nil {
						return commandError("failed to find user", err)
					}
					userID = user.UserID
				}

				loanDays := days
				if loanDays == 0 {
					loanDays = app.Config.Engine.LoanDays
				}

				borrow, err := app.Engine.BorrowWithID(ctx, borrowID, isbn, userID, loanDays)
				if err != nil && !errors.Is(err, lending.ErrFanOutIncomplete) {
					if isUndecided(err) {
						return commandError(fmt.Sprintf("borrow %s has an unknown outcome, retry with --id %s", borrowID, borrowID), err)
					}
					return commandError("failed to borrow book", err)
				}

				view := newBorrowView(borrow)

				return out.print(view, view.text)
			})
		},
	}

	cmd.Flags().StringVar(&isbn, "isbn", "", "isbn of the book (required)")
	cmd.Flags().StringVar(&userID, "user", "", "borrowing member id")
	cmd.Flags().StringVar(&email, "email", "", "borrowing member e-mail address")
	cmd.Flags().IntVar(&days, "days", 0, "loan period in days (default from configuration)")
	cmd.Flags().StringVar(&rawID, "id", "", "borrow id, generated when empty")
	_ = cmd.MarkFlagRequired("isbn")

	return cmd
}

func newReturnCommand(opts *RootOptions) *cobra.Command {
	var isbn, userID, email string

	cmd := &cobra.Command{
		Use:   "return [borrow_id]",
		Short: "Return a borrowed copy",
		Long: `Return a borrowed copy, either by borrow id or by member and book.

Without a borrow id, --isbn and one of --user or --email select the member's
active loan of that book.`,
		Example: `  libsys borrows return 01900000-0000-7000-8000-000000000001
  libsys borrows return --email ada@example.org --isbn 978-0132350884`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			byLoan := isbn != "" || userID != "" || email != ""

			var borrowID uuid.UUID
			switch {
			case len(args) == 1 && byLoan:
				return WrapExitError(ExitCommandError, "invalid flags", errReturnTarget)
			case len(args) == 1:
				id, err := parseBorrowID(args[0])
				if err != nil {
					return err
				}
				borrowID = id
			case isbn == "" || (userID == "") == (email == ""):
				return WrapExitError(ExitCommandError, "invalid flags", errReturnTarget)
			}

			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				if borrowID == uuid.Nil {
					if email != "" {
						user, err := app.Catalog.FindUserByEmail(ctx, email)
						if err != nil {
							return commandError("failed to find user", err)
						}
						userID = user.UserID
					}

					id, err := app.Engine.ActiveBorrowOf(ctx, userID, isbn)
					if err != nil {
						return commandError("failed to return book", err)
					}
					borrowID = id
				}

				borrow, err := app.Engine.ReturnBook(ctx, borrowID)
				if err != nil && !errors.Is(err, lending.ErrFanOutIncomplete) {
					if isUndecided(err) {
						return commandError(fmt.Sprintf("return of borrow %s has an unknown outcome, retry with the same borrow id", borrowID), err)
					}
					return commandError("failed to return book", err)
				}

				view := newBorrowView(borrow)

				return out.print(view, view.text)
			})
		},
	}

	cmd.Flags().StringVar(&isbn, "isbn", "", "isbn of the borrowed book")
	cmd.Flags().StringVar(&userID, "user", "", "borrowing member id")
	cmd.Flags().StringVar(&email, "email", "", "borrowing member e-mail address")

	return cmd
}

func newShowBorrowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <borrow_id>",
		Short: "Show a borrow and its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			borrowID, err := parseBorrowID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				borrow, err := app.Engine.Lookup(ctx, borrowID)
				if err != nil {
					return commandError("failed to find borrow", err)
				}

				view := newBorrowView(borrow)

				return out.print(view, view.text)
			})
		},
	}
}

func newRepairCommand(opts *RootOptions) *cobra.Command {
	var isbn string

	cmd := &cobra.Command{
		Use:   "repair <borrow_id>",
		Short: "Converge one borrow now instead of waiting for the sweeper",
		Long: `Converge one borrow now instead of waiting for the sweeper.

Pass --isbn when the borrow never reached the id lookup view.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			borrowID, err := parseBorrowID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				action, err := app.Sweeper.Repair(ctx, isbn, borrowID)
				if err != nil {
					return commandError("failed to repair borrow", err)
				}

				view := repairView{BorrowID: borrowID.String(), Action: string(action)}

				return out.print(view, view.text)
			})
		},
	}

	cmd.Flags().StringVar(&isbn, "isbn", "", "isbn of the borrowed book")

	return cmd
}

// isUndecided reports whether a failed write may still have applied, so the caller must retry with the same id.
func isUndecided(err error) bool {
	return errors.Is(err, lending.ErrStorage) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
