package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/borrowing"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatText, FormatJSON, FormatYAML}

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the library rejected the request: unavailable, not active, duplicate
	ExitCommandError = 2 // bad flags, configuration or storage failure
)

const dateLayout = "2006-01-02"

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, ExitFailure when it carries none.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	return ExitFailure
}

// commandError classifies a lending error for the exit code.
func commandError(message string, err error) error {
	if errors.Is(err, lending.ErrStorage) || errors.Is(err, lending.ErrConflict) {
		return WrapExitError(ExitCommandError, message, err)
	}

	return WrapExitError(ExitFailure, message, err)
}

// printer renders command results; text output is supplied per command.
type printer struct {
	format string
	w      io.Writer
}

var jsonAPI = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

func (p printer) print(v any, text func(w io.Writer) error) error {
	switch p.format {
	case FormatJSON:
		encoder := jsonAPI.NewEncoder(p.w)
		encoder.SetIndent("", "  ")

		return encoder.Encode(v)
	case FormatYAML:
		encoder := yaml.NewEncoder(p.w)
		encoder.SetIndent(2)

		if err := encoder.Encode(v); err != nil {
			return err
		}

		return encoder.Close()
	default:
		return text(p.w)
	}
}

func table(w io.Writer, header string, rows []string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if _, err := fmt.Fprintln(tw, header); err != nil {
		return err
	}

	for _, row := range rows {
		if _, err := fmt.Fprintln(tw, row); err != nil {
			return err
		}
	}

	return tw.Flush()
}

func field(w io.Writer, label string, value any) {
	_, _ = fmt.Fprintf(w, "%-11s %v\n", label+":", value)
}

func date(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.UTC().Format(dateLayout)
}

func optionalDate(t *time.Time) string {
	if t == nil {
		return "-"
	}

	return date(*t)
}

type bookView struct {
	ISBN            string    `json:"isbn" yaml:"isbn"`
	Title           string    `json:"title" yaml:"title"`
	Author          string    `json:"author" yaml:"author"`
	Category        string    `json:"category" yaml:"category"`
	Publisher       string    `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	PublishedYear   int       `json:"published_year" yaml:"published_year"`
	Description     string    `json:"description,omitempty" yaml:"description,omitempty"`
	TotalCopies     int       `json:"total_copies" yaml:"total_copies"`
	AvailableCopies int       `json:"available_copies" yaml:"available_copies"`
	AddedAt         time.Time `json:"added_at" yaml:"added_at"`
}

func newBookView(b lending.Book) bookView {
	return bookView(b)
}

func (b bookView) text(w io.Writer) error {
	field(w, "ISBN", b.ISBN)
	field(w, "Title", b.Title)
	field(w, "Author", b.Author)
	field(w, "Category", b.Category)
	if b.Publisher != "" {
		field(w, "Publisher", b.Publisher)
	}
	field(w, "Published", b.PublishedYear)
	if b.Description != "" {
		field(w, "About", b.Description)
	}
	field(w, "Copies", fmt.Sprintf("%d of %d available", b.AvailableCopies, b.TotalCopies))

	return nil
}

type bookList []bookView

func (l bookList) text(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No books found.")
		return err
	}

	rows := make([]string, 0, len(l))
	for _, b := range l {
		rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%d/%d", b.ISBN, b.Title, b.Author, b.AvailableCopies, b.TotalCopies))
	}

	return table(w, "ISBN\tTITLE\tAUTHOR\tAVAILABLE", rows)
}

type userView struct {
	UserID       string    `json:"user_id" yaml:"user_id"`
	Name         string    `json:"name" yaml:"name"`
	Email        string    `json:"email" yaml:"email"`
	Phone        string    `json:"phone,omitempty" yaml:"phone,omitempty"`
	Address      string    `json:"address,omitempty" yaml:"address,omitempty"`
	RegisteredAt time.Time `json:"registered_at" yaml:"registered_at"`
}

func newUserView(u lending.User) userView {
	return userView(u)
}

func (u userView) text(w io.Writer) error {
	field(w, "User ID", u.UserID)
	field(w, "Name", u.Name)
	field(w, "Email", u.Email)
	if u.Phone != "" {
		field(w, "Phone", u.Phone)
	}
	if u.Address != "" {
		field(w, "Address", u.Address)
	}
	field(w, "Registered", date(u.RegisteredAt))

	return nil
}

type profileView struct {
	User          userView `json:"user" yaml:"user"`
	ActiveBorrows int      `json:"active_borrows" yaml:"active_borrows"`
	TotalBorrows  int      `json:"total_borrows" yaml:"total_borrows"`
}

func newProfileView(p lending.Profile) profileView {
	return profileView{User: newUserView(p.User), ActiveBorrows: p.ActiveBorrows, TotalBorrows: p.TotalBorrows}
}

func (p profileView) text(w io.Writer) error {
	if err := p.User.text(w); err != nil {
		return err
	}

	field(w, "Active", p.ActiveBorrows)
	field(w, "Total", p.TotalBorrows)

	return nil
}

type loanView struct {
	BorrowID   string     `json:"borrow_id" yaml:"borrow_id"`
	ISBN       string     `json:"isbn" yaml:"isbn"`
	UserID     string     `json:"user_id" yaml:"user_id"`
	Title      string     `json:"title,omitempty" yaml:"title,omitempty"`
	BorrowedAt time.Time  `json:"borrowed_at" yaml:"borrowed_at"`
	DueAt      time.Time  `json:"due_at" yaml:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty" yaml:"returned_at,omitempty"`
	Status     string     `json:"status" yaml:"status"`
}

type loanList []loanView

func newLoanList(loans []lending.Loan) loanList {
	out := make(loanList, 0, len(loans))
	for _, l := range loans {
		out = append(out, loanView{
			BorrowID:   l.BorrowID,
			ISBN:       l.ISBN,
			UserID:     l.UserID,
			Title:      l.Title,
			BorrowedAt: l.BorrowedAt,
			DueAt:      l.DueAt,
			ReturnedAt: l.ReturnedAt,
			Status:     string(l.Status),
		})
	}

	return out
}

func (l loanList) text(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No loans found.")
		return err
	}

	rows := make([]string, 0, len(l))
	for _, loan := range l {
		rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s",
			loan.BorrowID, loan.ISBN, loan.Title, date(loan.BorrowedAt), date(loan.DueAt), optionalDate(loan.ReturnedAt), loan.Status))
	}

	return table(w, "BORROW ID\tISBN\tTITLE\tBORROWED\tDUE\tRETURNED\tSTATUS", rows)
}

type borrowView struct {
	BorrowID   string     `json:"borrow_id" yaml:"borrow_id"`
	ISBN       string     `json:"isbn" yaml:"isbn"`
	UserID     string     `json:"user_id" yaml:"user_id"`
	BorrowedAt time.Time  `json:"borrowed_at" yaml:"borrowed_at"`
	DueAt      time.Time  `json:"due_at" yaml:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty" yaml:"returned_at,omitempty"`
	Status     string     `json:"status" yaml:"status"`
}

func newBorrowView(b lending.Borrow) borrowView {
	return borrowView{
		BorrowID:   b.BorrowID.String(),
		ISBN:       b.ISBN,
		UserID:     b.UserID,
		BorrowedAt: b.BorrowedAt,
		DueAt:      b.DueAt,
		ReturnedAt: b.ReturnedAt,
		Status:     string(b.Status),
	}
}

func (b borrowView) text(w io.Writer) error {
	field(w, "Borrow ID", b.BorrowID)
	field(w, "ISBN", b.ISBN)
	field(w, "User ID", b.UserID)
	field(w, "Status", b.Status)
	field(w, "Borrowed", date(b.BorrowedAt))
	field(w, "Due", date(b.DueAt))
	if b.ReturnedAt != nil {
		field(w, "Returned", date(*b.ReturnedAt))
	}

	return nil
}

type sweepView struct {
	Scanned   int            `json:"scanned" yaml:"scanned"`
	Converged map[string]int `json:"converged" yaml:"converged"`
	Deferred  int            `json:"deferred" yaml:"deferred"`
	Failed    int            `json:"failed" yaml:"failed"`
}

func newSweepView(r borrowing.SweepReport) sweepView {
	converged := make(map[string]int, len(r.Converged))
	for action, n := range r.Converged {
		converged[string(action)] = n
	}

	return sweepView{Scanned: r.Scanned, Converged: converged, Deferred: r.Deferred, Failed: r.Failed}
}

func (s sweepView) text(w io.Writer) error {
	total := 0
	for _, n := range s.Converged {
		total += n
	}

	_, err := fmt.Fprintf(w, "Scanned %d pending entries: %d converged, %d deferred, %d failed.\n",
		s.Scanned, total, s.Deferred, s.Failed)

	return err
}

type repairView struct {
	BorrowID string `json:"borrow_id" yaml:"borrow_id"`
	Action   string `json:"action" yaml:"action"`
}

func (r repairView) text(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Borrow %s converged: %s\n", r.BorrowID, r.Action)
	return err
}
