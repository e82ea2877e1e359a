package catalog

import (
	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
)

func bookValues(b lending.Book) storage.Values {
	return storage.Values{
		layout.ColISBN:          b.ISBN,
		layout.ColTitle:         b.Title,
		layout.ColAuthor:        b.Author,
		layout.ColCategory:      b.Category,
		layout.ColPublisher:     b.Publisher,
		layout.ColPublishedYear: b.PublishedYear,
		layout.ColDescription:   b.Description,
		layout.ColTotal:         b.TotalCopies,
		layout.ColAddedAt:       b.AddedAt,
	}
}

func bookFromRow(row storage.Row) lending.Book {
	b := lending.Book{
		ISBN:          row.String(layout.ColISBN),
		Title:         row.String(layout.ColTitle),
		Author:        row.String(layout.ColAuthor),
		Category:      row.String(layout.ColCategory),
		Publisher:     row.String(layout.ColPublisher),
		PublishedYear: int(row.Int(layout.ColPublishedYear)),
		Description:   row.String(layout.ColDescription),
		TotalCopies:   int(row.Int(layout.ColTotal)),
	}
	b.AddedAt, _ = row.Time(layout.ColAddedAt)

	return b
}

// sameBook compares the catalog metadata of two books, ignoring availability and timestamps.
func sameBook(a, b lending.Book) bool {
	return a.ISBN == b.ISBN &&
		a.Title == b.Title &&
		a.Author == b.Author &&
		a.Category == b.Category &&
		a.Publisher == b.Publisher &&
		a.Description == b.Description &&
		a.PublishedYear == b.PublishedYear &&
		a.TotalCopies == b.TotalCopies
}

// sameUser compares the member data of two users, ignoring ids and timestamps.
func sameUser(a, b lending.User) bool {
	return a.Name == b.Name &&
		a.Email == b.Email &&
		a.Phone == b.Phone &&
		a.Address == b.Address
}

func userValues(u lending.User) storage.Values {
	return storage.Values{
		layout.ColUserID:       u.UserID,
		layout.ColName:         u.Name,
		layout.ColEmail:        u.Email,
		layout.ColPhone:        u.Phone,
		layout.ColAddress:      u.Address,
		layout.ColRegisteredAt: u.RegisteredAt,
	}
}

func userFromRow(row storage.Row) lending.User {
	u := lending.User{
		UserID:  row.String(layout.ColUserID),
		Name:    row.String(layout.ColName),
		Email:   row.String(layout.ColEmail),
		Phone:   row.String(layout.ColPhone),
		Address: row.String(layout.ColAddress),
	}
	u.RegisteredAt, _ = row.Time(layout.ColRegisteredAt)

	return u
}

func loanFromRow(row storage.Row, userID string) lending.Loan {
	loan := lending.Loan{
		BorrowID: row.String(layout.ColBorrowID),
		ISBN:     row.String(layout.ColISBN),
		UserID:   userID,
		Status:   lending.Status(row.String(layout.ColStatus)),
	}
	loan.BorrowedAt, _ = row.Time(layout.ColBorrowedAt)
	loan.DueAt, _ = row.Time(layout.ColDueAt)

	if returnedAt, ok := row.Time(layout.ColReturnedAt); ok {
		loan.ReturnedAt = &returnedAt
	}

	return loan
}
