// Package simulation drives concurrent readers against the lending engine and checks
// afterwards that every book's availability matches its active loans.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/borrowing"
	"github.com/librarysys/lending-go/lending/catalog"
)

// Outcomes of a simulated operation.
const (
	OutcomeBorrowed        = "borrowed"
	OutcomeReturned        = "returned"
	OutcomeUnavailable     = "unavailable"
	OutcomeAlreadyBorrowed = "already_borrowed"
	OutcomeNotActive       = "not_active"
	OutcomeIncomplete      = "fanout_incomplete"
	OutcomeConflict        = "conflict"
	OutcomeStorage         = "storage"
	OutcomeOther           = "other"
)

const isbnPrefix = "sim-"

var (
	ErrInvalidConfig = errors.New("invalid simulation config")
	ErrNilService    = errors.New("catalog and engine must not be nil")
)

// Config shapes a run.
type Config struct {
	Books       int
	Copies      int
	Readers     int
	LoanDays    int
	Duration    time.Duration
	ReturnRatio float64 // chance that a reader holding books returns one instead of borrowing
	Pause       time.Duration
	Seed        uint64
}

// DefaultConfig is a short run on a small, contended catalog.
func DefaultConfig() Config {
	return Config{
		Books:       10,
		Copies:      2,
		Readers:     25,
		LoanDays:    lending.DefaultLoanDays,
		Duration:    10 * time.Second,
		ReturnRatio: 0.4,
		Pause:       5 * time.Millisecond,
		Seed:        1,
	}
}

func (c Config) validate() error {
	switch {
	case c.Books <= 0, c.Copies <= 0, c.Readers <= 0, c.LoanDays <= 0:
		return fmt.Errorf("%w: books, copies, readers and loan days must be positive", ErrInvalidConfig)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	case c.ReturnRatio < 0 || c.ReturnRatio > 1:
		return fmt.Errorf("%w: return ratio must be between 0 and 1", ErrInvalidConfig)
	case c.Pause < 0:
		return fmt.Errorf("%w: pause must not be negative", ErrInvalidConfig)
	}

	return nil
}

// BookCheck compares a book's availability with the ACTIVE loans in its history.
type BookCheck struct {
	ISBN        string
	Total       int
	Available   int
	ActiveLoans int
}

// Consistent reports whether every copy not on the shelf is an active loan.
func (b BookCheck) Consistent() bool {
	return b.Available >= 0 && b.Available <= b.Total && b.Total-b.Available == b.ActiveLoans
}

// Result summarizes a run.
type Result struct {
	Outcomes map[string]int
	Books    []BookCheck
	Elapsed  time.Duration
}

// Consistent reports whether every book passed its check.
func (r Result) Consistent() bool {
	for _, b := range r.Books {
		if !b.Consistent() {
			return false
		}
	}

	return true
}

// Operations is the number of borrow and return attempts made.
func (r Result) Operations() int {
	total := 0
	for _, n := range r.Outcomes {
		total += n
	}

	return total
}

// Simulation runs readers against one catalog and engine.
type Simulation struct {
	catalog *catalog.Service
	engine  *borrowing.Engine
	cfg     Config

	mu       sync.Mutex
	outcomes map[string]int
}

// New validates cfg.
func New(service *catalog.Service, engine *borrowing.Engine, cfg Config) (*Simulation, error) {
	if service == nil || engine == nil {
		return nil, ErrNilService
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Simulation{catalog: service, engine: engine, cfg: cfg, outcomes: make(map[string]int)}, nil
}

// Run seeds the catalog, lets the readers work for the configured duration and checks every book.
// Operations in flight when the duration ends are completed; canceling ctx interrupts them.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	isbns, err := s.seedBooks(ctx)
	if err != nil {
		return Result{}, err
	}

	readers, err := s.seedReaders(ctx)
	if err != nil {
		return Result{}, err
	}

	deadline := start.Add(s.cfg.Duration)

	var g errgroup.Group
	for i, r := range readers {
		rng := rand.New(rand.NewPCG(s.cfg.Seed, uint64(i)))
		g.Go(func() error {
			r.work(ctx, s, isbns, rng, deadline)
			return nil
		})
	}
	_ = g.Wait()

	checks, err := s.check(ctx, isbns)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make(map[string]int, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}

	return Result{Outcomes: outcomes, Books: checks, Elapsed: time.Since(start)}, nil
}

func (s *Simulation) seedBooks(ctx context.Context) ([]string, error) {
	isbns := make([]string, 0, s.cfg.Books)

	for i := 0; i < s.cfg.Books; i++ {
		isbn := fmt.Sprintf("%s%04d", isbnPrefix, i)

		_, err := s.catalog.AddBook(ctx, catalog.NewBook{
			ISBN:        isbn,
			Title:       fmt.Sprintf("Simulated Book %d", i),
			Author:      fmt.Sprintf("Author %d", i%7),
			Category:    "simulation",
			TotalCopies: s.cfg.Copies,
		})
		if err != nil && !errors.Is(err, lending.ErrBookExists) {
			return nil, fmt.Errorf("failed to add %s: %w", isbn, err)
		}

		isbns = append(isbns, isbn)
	}

	return isbns, nil
}

func (s *Simulation) seedReaders(ctx context.Context) ([]*reader, error) {
	readers := make([]*reader, 0, s.cfg.Readers)

	for i := 0; i < s.cfg.Readers; i++ {
		email := fmt.Sprintf("reader%04d@simulation.example.org", i)

		user, err := s.catalog.RegisterUser(ctx, catalog.NewUser{Name: fmt.Sprintf("Reader %d", i), Email: email})
		if errors.Is(err, lending.ErrEmailTaken) {
			user, err = s.catalog.FindUserByEmail(ctx, email)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", email, err)
		}

		held, err := s.catalog.ActiveBorrows(ctx, user.UserID)
		if err != nil {
			return nil, err
		}

		r := &reader{userID: user.UserID, loans: make(map[string]uuid.UUID)}
		for _, loan := range held {
			if id, parseErr := uuid.Parse(loan.BorrowID); parseErr == nil {
				r.loans[loan.ISBN] = id
			}
		}

		readers = append(readers, r)
	}

	return readers, nil
}

func (s *Simulation) record(outcome string) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()
}

func (s *Simulation) check(ctx context.Context, isbns []string) ([]BookCheck, error) {
	checks := make([]BookCheck, 0, len(isbns))

	for _, isbn := range isbns {
		book, err := s.catalog.SearchBook(ctx, isbn)
		if err != nil {
			return nil, err
		}

		history, err := s.catalog.BookHistory(ctx, isbn)
		if err != nil {
			return nil, err
		}

		active := 0
		for _, loan := range history {
			if loan.Status == lending.StatusActive {
				active++
			}
		}

		checks = append(checks, BookCheck{
			ISBN:        isbn,
			Total:       book.TotalCopies,
			Available:   book.AvailableCopies,
			ActiveLoans: active,
		})
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].ISBN < checks[j].ISBN })

	return checks, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, lending.ErrUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, lending.ErrAlreadyBorrowed):
		return OutcomeAlreadyBorrowed
	case errors.Is(err, lending.ErrNotActive):
		return OutcomeNotActive
	case errors.Is(err, lending.ErrFanOutIncomplete):
		return OutcomeIncomplete
	case errors.Is(err, lending.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, lending.ErrStorage):
		return OutcomeStorage
	default:
		return OutcomeOther
	}
}
