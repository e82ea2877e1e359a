package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/librarysys/lending-go/internal/simulation"
)

var errInconsistent = errors.New("availability does not match active loans")

func newSimulateCommand(opts *RootOptions) *cobra.Command {
	cfg := simulation.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Let concurrent readers borrow and return, then check every book's availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				run := cfg
				if !cmd.Flags().Changed("days") {
					run.LoanDays = app.Config.Engine.LoanDays
				}

				sim, err := simulation.New(app.Catalog, app.Engine, run)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid simulation", err)
				}

				result, err := sim.Run(ctx)
				if err != nil {
					return commandError("simulation failed", err)
				}

				view := newSimulationView(result)
				if err := out.print(view, view.text); err != nil {
					return err
				}

				if !result.Consistent() {
					return WrapExitError(ExitFailure, "simulation found inconsistent books", errInconsistent)
				}

				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.Books, "books", cfg.Books, "number of books to seed")
	flags.IntVar(&cfg.Copies, "copies", cfg.Copies, "copies per book")
	flags.IntVar(&cfg.Readers, "readers", cfg.Readers, "number of concurrent readers")
	flags.IntVar(&cfg.LoanDays, "days", cfg.LoanDays, "loan period in days")
	flags.DurationVar(&cfg.Duration, "duration", cfg.Duration, "how long readers keep borrowing")
	flags.Float64Var(&cfg.ReturnRatio, "return-ratio", cfg.ReturnRatio, "chance that a reader holding books returns one")
	flags.DurationVar(&cfg.Pause, "pause", cfg.Pause, "pause between two operations of a reader")
	flags.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")

	return cmd
}

type bookCheckView struct {
	ISBN        string `json:"isbn" yaml:"isbn"`
	Total       int    `json:"total_copies" yaml:"total_copies"`
	Available   int    `json:"available_copies" yaml:"available_copies"`
	ActiveLoans int    `json:"active_loans" yaml:"active_loans"`
	Consistent  bool   `json:"consistent" yaml:"consistent"`
}

type simulationView struct {
	Operations int             `json:"operations" yaml:"operations"`
	Outcomes   map[string]int  `json:"outcomes" yaml:"outcomes"`
	Elapsed    string          `json:"elapsed" yaml:"elapsed"`
	Consistent bool            `json:"consistent" yaml:"consistent"`
	Books      []bookCheckView `json:"books" yaml:"books"`
}

func newSimulationView(r simulation.Result) simulationView {
	books := make([]bookCheckView, len(r.Books))
	for i, b := range r.Books {
		books[i] = bookCheckView{
			ISBN:        b.ISBN,
			Total:       b.Total,
			Available:   b.Available,
			ActiveLoans: b.ActiveLoans,
			Consistent:  b.Consistent(),
		}
	}

	return simulationView{
		Operations: r.Operations(),
		Outcomes:   r.Outcomes,
		Elapsed:    r.Elapsed.Round(time.Millisecond).String(),
		Consistent: r.Consistent(),
		Books:      books,
	}
}

func (s simulationView) text(w io.Writer) error {
	_, _ = fmt.Fprintf(w, "%d operations in %s.\n", s.Operations, s.Elapsed)

	outcomes := make([]string, 0, len(s.Outcomes))
	for outcome := range s.Outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)

	for _, outcome := range outcomes {
		field(w, outcome, s.Outcomes[outcome])
	}

	rows := make([]string, len(s.Books))
	for i, b := range s.Books {
		state := "ok"
		if !b.Consistent {
			state = "MISMATCH"
		}
		rows[i] = fmt.Sprintf("%s\t%d\t%d\t%d\t%s", b.ISBN, b.Total, b.Available, b.ActiveLoans, state)
	}

	if err := table(w, "ISBN\tTOTAL\tAVAILABLE\tACTIVE\tCHECK", rows); err != nil {
		return err
	}

	if s.Consistent {
		_, err := fmt.Fprintln(w, "All books consistent.")
		return err
	}

	_, err := fmt.Fprintln(w, "Inconsistent books found; run the sweeper and check again.")

	return err
}
