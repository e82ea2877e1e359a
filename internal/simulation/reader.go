package simulation

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/librarysys/lending-go/lending"
)

// reader is one simulated member. Only its own goroutine touches it.
type reader struct {
	userID string
	loans  map[string]uuid.UUID // isbn -> borrow id
}

func (r *reader) work(ctx context.Context, s *Simulation, isbns []string, rng *rand.Rand, deadline time.Time) {
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if len(r.loans) > 0 && rng.Float64() < s.cfg.ReturnRatio {
			r.returnOne(ctx, s, rng)
		} else {
			r.borrowOne(ctx, s, isbns[rng.IntN(len(isbns))])
		}

		if s.cfg.Pause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Pause):
			}
		}
	}
}

func (r *reader) borrowOne(ctx context.Context, s *Simulation, isbn string) {
	borrow, err := s.engine.Borrow(ctx, isbn, r.userID, s.cfg.LoanDays)

	switch {
	case err == nil:
		r.loans[isbn] = borrow.BorrowID
		s.record(OutcomeBorrowed)
	case errors.Is(err, lending.ErrFanOutIncomplete):
		// The copy stays claimed and the sweeper finishes the borrow.
		r.loans[isbn] = borrow.BorrowID
		s.record(OutcomeIncomplete)
	default:
		s.record(outcomeOf(err))
	}
}

func (r *reader) returnOne(ctx context.Context, s *Simulation, rng *rand.Rand) {
	isbns := make([]string, 0, len(r.loans))
	for isbn := range r.loans {
		isbns = append(isbns, isbn)
	}

	slices.Sort(isbns)
	isbn := isbns[rng.IntN(len(isbns))]

	_, err := s.engine.ReturnBook(ctx, r.loans[isbn])

	switch {
	case err == nil:
		delete(r.loans, isbn)
		s.record(OutcomeReturned)
	case errors.Is(err, lending.ErrNotActive), errors.Is(err, lending.ErrFanOutIncomplete):
		delete(r.loans, isbn)
		s.record(outcomeOf(err))
	default:
		s.record(outcomeOf(err))
	}
}
