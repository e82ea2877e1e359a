package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/librarysys/lending-go/lending/catalog"
)

func newBooksCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "books",
		Short: "Manage the catalog",
	}

	cmd.AddCommand(newBooksAddCommand(opts))
	cmd.AddCommand(newBooksSearchCommand(opts))
	cmd.AddCommand(newBooksListCommand(opts))
	cmd.AddCommand(newBooksHistoryCommand(opts))

	return cmd
}

func newBooksAddCommand(opts *RootOptions) *cobra.Command {
	var input catalog.NewBook

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book with all of its copies available",
		Example: `  libsys books add --isbn 978-0132350884 --title "Clean Code" --author "Robert C. Martin" \
    --category programming --year 2008 --copies 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				book, err := app.Catalog.AddBook(ctx, input)
				if err != nil {
					return commandError("failed to add book", err)
				}

				return out.print(newBookView(book), newBookView(book).text)
			})
		},
	}

	cmd.Flags().StringVar(&input.ISBN, "isbn", "", "isbn (required)")
	cmd.Flags().StringVar(&input.Title, "title", "", "title (required)")
	cmd.Flags().StringVar(&input.Author, "author", "", "author (required)")
	cmd.Flags().StringVar(&input.Category, "category", "", "category (required)")
	cmd.Flags().StringVar(&input.Publisher, "publisher", "", "publisher")
	cmd.Flags().IntVar(&input.PublishedYear, "year", 0, "year of publication")
	cmd.Flags().StringVar(&input.Description, "description", "", "short description")
	cmd.Flags().IntVar(&input.TotalCopies, "copies", 1, "number of physical copies")

	for _, name := range []string{"isbn", "title", "author", "category"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newBooksSearchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <isbn>",
		Short: "Show a book and its available copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				book, err := app.Catalog.SearchBook(ctx, args[0])
				if err != nil {
					return commandError("failed to find book", err)
				}

				return out.print(newBookView(book), newBookView(book).text)
			})
		},
	}
}

var errListFilter = errors.New("exactly one of --category or --author is required")

func newBooksListCommand(opts *RootOptions) *cobra.Command {
	var category, author string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List books of a category or an author",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (category == "") == (author == "") {
				return WrapExitError(ExitCommandError, "invalid flags", errListFilter)
			}

			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				list := app.Catalog.ListByCategory
				filter := category
				if author != "" {
					list, filter = app.Catalog.ListByAuthor, author
				}

				books, err := list(ctx, filter)
				if err != nil {
					return commandError("failed to list books", err)
				}

				views := make(bookList, 0, len(books))
				for _, b := range books {
					views = append(views, newBookView(b))
				}

				return out.print(views, views.text)
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "list books of this category")
	cmd.Flags().StringVar(&author, "author", "", "list books of this author")

	return cmd
}

func newBooksHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <isbn>",
		Short: "List every loan of a book, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				loans, err := app.Catalog.BookHistory(ctx, args[0])
				if err != nil {
					return commandError("failed to read book history", err)
				}

				views := newLoanList(loans)

				return out.print(views, views.text)
			})
		},
	}
}
