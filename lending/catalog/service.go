package catalog

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/internal/layout"
	"github.com/librarysys/lending-go/lending/storage"
)

var (
	ErrInvalidEmail         = errors.New("email address is not valid")
	ErrEmptyName            = errors.New("name must not be empty")
	ErrInvalidPublishedYear = errors.New("published year must not be negative")
)

// NewBook is the input of AddBook.
type NewBook struct {
	ISBN          string
	Title         string
	Author        string
	Category      string
	Publisher     string
	PublishedYear int
	Description   string
	TotalCopies   int
}

// NewUser is the input of RegisterUser. An empty UserID is generated.
type NewUser struct {
	UserID  string
	Name    string
	Email   string
	Phone   string
	Address string
}

// Service is the catalog and membership API.
type Service struct {
	store    storage.Store
	books    *lru.Cache[string, lending.Book]
	settings *settings
}

// NewService returns a Service on top of store.
func NewService(store storage.Store, options ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	s := &settings{
		cacheSize:   DefaultCacheSize,
		readWorkers: DefaultReadWorkers,
		clock:       func() time.Time { return time.Now().UTC() },
		newUserID:   func() string { return uuid.NewString() },
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	books, err := lru.New[string, lending.Book](s.cacheSize)
	if err != nil {
		return nil, err
	}

	return &Service{store: store, books: books, settings: s}, nil
}

// AddBook registers a book with all of its copies available.
//
// The isbn is claimed with a conditional insert. Adding the same book again finishes any view a
// previous attempt did not write; adding different metadata under a known isbn yields lending.ErrBookExists.
func (s *Service) AddBook(ctx context.Context, input NewBook) (book lending.Book, err error) {
	ctx, done := s.settings.observe(ctx, "add_book")
	defer func() { done(err) }()

	book = lending.Book{
		ISBN:            strings.TrimSpace(input.ISBN),
		Title:           strings.TrimSpace(input.Title),
		Author:          strings.TrimSpace(input.Author),
		Category:        strings.TrimSpace(input.Category),
		Publisher:       strings.TrimSpace(input.Publisher),
		PublishedYear:   input.PublishedYear,
		Description:     strings.TrimSpace(input.Description),
		TotalCopies:     input.TotalCopies,
		AvailableCopies: input.TotalCopies,
		AddedAt:         s.settings.clock(),
	}

	switch {
	case book.ISBN == "":
		return lending.Book{}, lending.ErrEmptyISBN
	case book.Title == "":
		return lending.Book{}, lending.ErrEmptyTitle
	case book.TotalCopies < 0:
		return lending.Book{}, lending.ErrNegativeCopies
	case book.PublishedYear < 0:
		return lending.Book{}, ErrInvalidPublishedYear
	}

	applied, current, err := s.store.ConditionalWrite(ctx, storage.Batch{
		Table:      layout.TableBooksByID,
		Partition:  book.ISBN,
		Conditions: []storage.Condition{storage.RowAbsent("")},
		Mutations:  []storage.Mutation{{Set: bookValues(book)}},
	})
	if err != nil {
		return lending.Book{}, storeFailure(err)
	}

	if !applied {
		existing, ok := storage.FindRow(current, "")
		if !ok || !sameBook(bookFromRow(existing), book) {
			return lending.Book{}, lending.ErrBookExists
		}
		book.AddedAt = bookFromRow(existing).AddedAt
	}

	var g errgroup.Group

	g.Go(func() error {
		_, _, err := s.store.ConditionalWrite(ctx, storage.Batch{
			Table:      layout.TableCopies,
			Partition:  book.ISBN,
			Conditions: []storage.Condition{storage.RowAbsent("")},
			Mutations: []storage.Mutation{{Set: storage.Values{
				layout.ColTotal:     book.TotalCopies,
				layout.ColAvailable: book.TotalCopies,
			}}},
		})
		return err
	})

	if book.Category != "" {
		g.Go(func() error {
			return s.store.Write(ctx, storage.Key{Table: layout.TableBooksByCategory, Partition: book.Category, Clustering: book.ISBN}, bookValues(book), time.Time{})
		})
	}

	if book.Author != "" {
		g.Go(func() error {
			return s.store.Write(ctx, storage.Key{Table: layout.TableBooksByAuthor, Partition: book.Author, Clustering: book.ISBN}, bookValues(book), time.Time{})
		})
	}

	if err := g.Wait(); err != nil {
		return lending.Book{}, storeFailure(err)
	}

	s.books.Add(book.ISBN, book)
	s.settings.logInfo(ctx, "catalog: book added", "isbn", book.ISBN, "total_copies", book.TotalCopies)

	return book, nil
}

// SearchBook returns the book with its live availability.
func (s *Service) SearchBook(ctx context.Context, isbn string) (book lending.Book, err error) {
	ctx, done := s.settings.observe(ctx, "search_book")
	defer func() { done(err) }()

	isbn = strings.TrimSpace(isbn)
	if isbn == "" {
		return lending.Book{}, lending.ErrEmptyISBN
	}

	book, err = s.metadata(ctx, isbn)
	if err != nil {
		return lending.Book{}, err
	}

	return s.withAvailability(ctx, book)
}

// ListByCategory returns the books of a category ordered by isbn, with live availability.
func (s *Service) ListByCategory(ctx context.Context, category string) (books []lending.Book, err error) {
	ctx, done := s.settings.observe(ctx, "list_by_category")
	defer func() { done(err) }()

	return s.listView(ctx, layout.TableBooksByCategory, strings.TrimSpace(category))
}

// ListByAuthor returns the books of an author ordered by isbn, with live availability.
func (s *Service) ListByAuthor(ctx context.Context, author string) (books []lending.Book, err error) {
	ctx, done := s.settings.observe(ctx, "list_by_author")
	defer func() { done(err) }()

	return s.listView(ctx, layout.TableBooksByAuthor, strings.TrimSpace(author))
}

func (s *Service) listView(ctx context.Context, table, partition string) ([]lending.Book, error) {
	if partition == "" {
		return []lending.Book{}, nil
	}

	rows, err := s.store.ReadPartition(lending.WithEventualConsistency(ctx), table, partition)
	if err != nil {
		return nil, storeFailure(err)
	}

	books := make([]lending.Book, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.settings.readWorkers)

	for i, row := range rows {
		g.Go(func() error {
			book, err := s.withAvailability(gctx, bookFromRow(row))
			if err != nil {
				return err
			}
			books[i] = book
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return books, nil
}

// RegisterUser creates a member. E-mail addresses are unique and compared case-insensitively,
// user ids are unique. Registering the same member again, including after a failure that left
// only the e-mail claim behind, completes the registration and returns the stored user.
func (s *Service) RegisterUser(ctx context.Context, input NewUser) (user lending.User, err error) {
	ctx, done := s.settings.observe(ctx, "register_user")
	defer func() { done(err) }()

	email, err := normalizeEmail(input.Email)
	if err != nil {
		return lending.User{}, err
	}

	user = lending.User{
		UserID:       strings.TrimSpace(input.UserID),
		Name:         strings.TrimSpace(input.Name),
		Email:        email,
		Phone:        strings.TrimSpace(input.Phone),
		Address:      strings.TrimSpace(input.Address),
		RegisteredAt: s.settings.clock(),
	}

	if user.Name == "" {
		return lending.User{}, ErrEmptyName
	}

	requestedID := user.UserID
	if user.UserID == "" {
		user.UserID = s.settings.newUserID()
	}

	applied, current, err := s.store.ConditionalWrite(ctx, storage.Batch{
		Table:      layout.TableUsersByEmail,
		Partition:  user.Email,
		Conditions: []storage.Condition{storage.RowAbsent("")},
		Mutations:  []storage.Mutation{{Set: userValues(user)}},
	})
	if err != nil {
		return lending.User{}, storeFailure(err)
	}

	if !applied {
		existing, ok := storage.FindRow(current, "")
		if !ok {
			return lending.User{}, lending.ErrEmailTaken
		}

		claimed := userFromRow(existing)
		if !sameUser(claimed, user) || (requestedID != "" && requestedID != claimed.UserID) {
			return lending.User{}, lending.ErrEmailTaken
		}
		user = claimed
	}

	applied, current, err = s.store.ConditionalWrite(ctx, storage.Batch{
		Table:      layout.TableUsersByID,
		Partition:  user.UserID,
		Conditions: []storage.Condition{storage.RowAbsent("")},
		Mutations:  []storage.Mutation{{Set: userValues(user)}},
	})
	if err != nil {
		s.settings.logError(ctx, "catalog: user claimed email but profile write failed", err, "user_id", user.UserID)
		return lending.User{}, storeFailure(err)
	}

	if !applied {
		existing, ok := storage.FindRow(current, "")
		if !ok || userFromRow(existing).Email != user.Email {
			s.releaseEmail(ctx, user)
			return lending.User{}, lending.ErrUserExists
		}
		user = userFromRow(existing)
	}

	s.settings.logInfo(ctx, "catalog: user registered", "user_id", user.UserID)

	return user, nil
}

// releaseEmail drops an e-mail claim that still names user; a failure leaves it for a replay of the same member.
func (s *Service) releaseEmail(ctx context.Context, user lending.User) {
	_, _, err := s.store.ConditionalWrite(ctx, storage.Batch{
		Table:      layout.TableUsersByEmail,
		Partition:  user.Email,
		Conditions: []storage.Condition{storage.ColumnEquals("", layout.ColUserID, user.UserID)},
		Mutations:  []storage.Mutation{{Delete: true}},
	})
	if err != nil {
		s.settings.logError(ctx, "catalog: releasing email claim failed", err, "user_id", user.UserID)
	}
}

// GetProfile returns the user with counts derived from the active loan and history partitions.
func (s *Service) GetProfile(ctx context.Context, userID string) (profile lending.Profile, err error) {
	ctx, done := s.settings.observe(ctx, "get_profile")
	defer func() { done(err) }()

	user, err := s.user(ctx, strings.TrimSpace(userID))
	if err != nil {
		return lending.Profile{}, err
	}

	profile.User = user

	eventual := lending.WithEventualConsistency(ctx)
	g, gctx := errgroup.WithContext(eventual)

	g.Go(func() error {
		rows, err := s.store.ReadPartition(gctx, layout.TableActiveLoans, user.UserID)
		if err != nil {
			return storeFailure(err)
		}
		profile.ActiveBorrows = len(rows)
		return nil
	})

	g.Go(func() error {
		rows, err := s.store.ReadPartition(gctx, layout.TableHistoryByUser, user.UserID)
		if err != nil {
			return storeFailure(err)
		}
		profile.TotalBorrows = len(rows)
		return nil
	})

	if err := g.Wait(); err != nil {
		return lending.Profile{}, err
	}

	return profile, nil
}

// FindUserByEmail resolves a member by e-mail address.
func (s *Service) FindUserByEmail(ctx context.Context, email string) (user lending.User, err error) {
	ctx, done := s.settings.observe(ctx, "find_user_by_email")
	defer func() { done(err) }()

	normalized, err := normalizeEmail(email)
	if err != nil {
		return lending.User{}, err
	}

	row, err := s.store.Read(ctx, storage.StaticKey(layout.TableUsersByEmail, normalized))
	if err != nil {
		if errors.Is(err, storage.ErrRowNotFound) {
			return lending.User{}, lending.ErrUserNotFound
		}
		return lending.User{}, storeFailure(err)
	}

	return userFromRow(row), nil
}

// ActiveBorrows lists the user's active loans ordered by isbn.
func (s *Service) ActiveBorrows(ctx context.Context, userID string) (loans []lending.Loan, err error) {
	ctx, done := s.settings.observe(ctx, "active_borrows")
	defer func() { done(err) }()

	userID = strings.TrimSpace(userID)

	rows, err := s.loanRows(ctx, layout.TableActiveLoans, userID)
	if err != nil {
		return nil, err
	}

	loans = make([]lending.Loan, len(rows))
	for i, row := range rows {
		loans[i] = loanFromRow(row, userID)
		loans[i].Status = lending.StatusActive
	}

	s.addTitles(ctx, loans)

	return loans, nil
}

// BorrowHistory lists every borrow of the user, newest first.
func (s *Service) BorrowHistory(ctx context.Context, userID string) (loans []lending.Loan, err error) {
	ctx, done := s.settings.observe(ctx, "borrow_history")
	defer func() { done(err) }()

	rows, err := s.loanRows(ctx, layout.TableHistoryByUser, userID)
	if err != nil {
		return nil, err
	}

	loans = make([]lending.Loan, len(rows))
	for i, row := range rows {
		loans[len(rows)-1-i] = loanFromRow(row, row.String(layout.ColUserID))
	}

	s.addTitles(ctx, loans)

	return loans, nil
}

// BookHistory lists every borrow of the book, newest first.
func (s *Service) BookHistory(ctx context.Context, isbn string) (loans []lending.Loan, err error) {
	ctx, done := s.settings.observe(ctx, "book_history")
	defer func() { done(err) }()

	isbn = strings.TrimSpace(isbn)
	if isbn == "" {
		return nil, lending.ErrEmptyISBN
	}

	rows, err := s.store.ReadPartition(lending.WithEventualConsistency(ctx), layout.TableHistoryByBook, isbn)
	if err != nil {
		return nil, storeFailure(err)
	}

	loans = make([]lending.Loan, len(rows))
	for i, row := range rows {
		loans[len(rows)-1-i] = loanFromRow(row, row.String(layout.ColUserID))
	}

	s.addTitles(ctx, loans)

	return loans, nil
}

func (s *Service) loanRows(ctx context.Context, table, userID string) ([]storage.Row, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, lending.ErrEmptyUserID
	}

	rows, err := s.store.ReadPartition(lending.WithEventualConsistency(ctx), table, userID)
	if err != nil {
		return nil, storeFailure(err)
	}

	return rows, nil
}

// addTitles fills in book titles; a book that cannot be read keeps an empty title.
func (s *Service) addTitles(ctx context.Context, loans []lending.Loan) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		titles = make(map[string]string)
	)
	g.SetLimit(s.settings.readWorkers)

	for _, loan := range loans {
		mu.Lock()
		_, seen := titles[loan.ISBN]
		titles[loan.ISBN] = ""
		mu.Unlock()

		if seen {
			continue
		}

		g.Go(func() error {
			book, err := s.metadata(ctx, loan.ISBN)
			if err != nil {
				return nil
			}
			mu.Lock()
			titles[loan.ISBN] = book.Title
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	for i := range loans {
		loans[i].Title = titles[loans[i].ISBN]
	}
}

func (s *Service) metadata(ctx context.Context, isbn string) (lending.Book, error) {
	if book, ok := s.books.Get(isbn); ok {
		return book, nil
	}

	row, err := s.store.Read(lending.WithEventualConsistency(ctx), storage.StaticKey(layout.TableBooksByID, isbn))
	if err != nil {
		if errors.Is(err, storage.ErrRowNotFound) {
			return lending.Book{}, lending.ErrBookNotFound
		}
		return lending.Book{}, storeFailure(err)
	}

	book := bookFromRow(row)
	s.books.Add(isbn, book)

	return book, nil
}

// withAvailability reads the live counters; availability is never cached.
func (s *Service) withAvailability(ctx context.Context, book lending.Book) (lending.Book, error) {
	row, err := s.store.Read(lending.WithStrongConsistency(ctx), layout.AvailabilityKey(book.ISBN))
	if err != nil {
		if errors.Is(err, storage.ErrRowNotFound) {
			book.AvailableCopies = 0
			return book, nil
		}
		return lending.Book{}, storeFailure(err)
	}

	book.TotalCopies = int(row.Int(layout.ColTotal))
	book.AvailableCopies = int(row.Int(layout.ColAvailable))

	return book, nil
}

func (s *Service) user(ctx context.Context, userID string) (lending.User, error) {
	if userID == "" {
		return lending.User{}, lending.ErrEmptyUserID
	}

	row, err := s.store.Read(ctx, storage.StaticKey(layout.TableUsersByID, userID))
	if err != nil {
		if errors.Is(err, storage.ErrRowNotFound) {
			return lending.User{}, lending.ErrUserNotFound
		}
		return lending.User{}, storeFailure(err)
	}

	return userFromRow(row), nil
}

// GetUser returns a member by id.
func (s *Service) GetUser(ctx context.Context, userID string) (user lending.User, err error) {
	ctx, done := s.settings.observe(ctx, "get_user")
	defer func() { done(err) }()

	return s.user(ctx, strings.TrimSpace(userID))
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", lending.ErrEmptyEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}

	return email, nil
}

func storeFailure(err error) error {
	if errors.Is(err, storage.ErrContention) {
		return errors.Join(lending.ErrConflict, err)
	}

	return errors.Join(lending.ErrStorage, err)
}
