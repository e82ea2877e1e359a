package lending

import "time"

// Book is a catalog entry with its live availability.
type Book struct {
	ISBN            string
	Title           string
	Author          string
	Category        string
	Publisher       string
	PublishedYear   int
	Description     string
	TotalCopies     int
	AvailableCopies int
	AddedAt         time.Time
}

// User is a registered library member.
type User struct {
	UserID       string
	Name         string
	Email        string
	Phone        string
	Address      string
	RegisteredAt time.Time
}

// Profile is a User together with figures derived from the user's borrow partitions.
type Profile struct {
	User          User
	ActiveBorrows int
	TotalBorrows  int
}

// Loan is a row of the active-loans or history views as shown to a user.
type Loan struct {
	BorrowID   string
	ISBN       string
	UserID     string
	Title      string
	BorrowedAt time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
	Status     Status
}
