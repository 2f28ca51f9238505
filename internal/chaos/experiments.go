// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Backlog reports how many outbox events still wait for publication.
type Backlog interface {
	Pending(ctx context.Context) (int, error)
}

// Options sizes the experiments.
type Options struct {
	Concurrency int
	Window      time.Duration
	Interval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 20
	}
	if o.Window <= 0 {
		o.Window = 30 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	return o
}

// RegisterStandard adds the built-in experiments. The outbox experiment is skipped when backlog is nil.
func (e *Engine) RegisterStandard(t *Target, backlog Backlog, opts Options) {
	e.Register(ConcurrentLastCopy(t, opts))
	if backlog != nil {
		e.Register(OutboxDrain(t, backlog, opts))
	}
}

// tally counts loan request outcomes by HTTP status.
type tally struct {
	mu      sync.Mutex
	granted map[string]string // loan id -> user id
	denied  int
	other   int
}

func newTally() *tally {
	return &tally{granted: make(map[string]string)}
}

func (t *tally) record(status int, loanID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch status {
	case http.StatusCreated:
		t.granted[loanID] = userID
	case http.StatusConflict:
		t.denied++
	default:
		t.other++
	}
}

func (t *tally) counts() (granted, denied, other int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.granted), t.denied, t.other
}

func (t *tally) loans() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.granted))
	for k, v := range t.granted {
		out[k] = v
	}
	return out
}

// burst fires n loan requests for bookID with at most limit in flight.
func burst(ctx context.Context, t *Target, bookID string, n, limit int, out *tally) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		user := fmt.Sprintf("chaos-user-%d", i)
		g.Go(func() error {
			status, loanID, err := t.CreateLoan(ctx, user, bookID)
			if err != nil {
				return fmt.Errorf("create loan for %s: %w", user, err)
			}
			out.record(status, loanID, user)
			return nil
		})
	}
	return g.Wait()
}

// returnAll gives back every granted loan.
func returnAll(ctx context.Context, t *Target, out *tally) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for loanID, user := range out.loans() {
		g.Go(func() error {
			status, err := t.ReturnLoan(ctx, loanID, user)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("return loan %s: unexpected status %d", loanID, status)
			}
			return nil
		})
	}
	return g.Wait()
}

func healthProbe(t *Target, name, url string) Probe {
	return Probe{
		Name:      name,
		Query:     func(ctx context.Context) (float64, error) { return t.Healthy(ctx, url) },
		Threshold: Threshold{Operator: "==", Value: 1},
	}
}

// ConcurrentLastCopy races many users for a book with a single copy. The
// returned experiment keeps its tally, so build a new one per run.
func ConcurrentLastCopy(t *Target, opts Options) Experiment {
	opts = opts.withDefaults()
	results := newTally()
	var bookID string

	return Experiment{
		Name:       "concurrent-last-copy",
		Hypothesis: "Exactly one of many concurrent requests for the last copy is granted and the ledger stays consistent",
		SteadyState: []Probe{
			healthProbe(t, "loans_healthy", t.LoansURL),
			healthProbe(t, "catalog_healthy", t.CatalogURL),
		},
		Observe: []Probe{
			{
				Name: "granted_loans",
				Query: func(context.Context) (float64, error) {
					granted, _, _ := results.counts()
					return float64(granted), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
			{
				Name: "unexpected_responses",
				Query: func(context.Context) (float64, error) {
					_, _, other := results.counts()
					return float64(other), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name: "ledger_inconsistent",
				Query: func(ctx context.Context) (float64, error) {
					book, err := t.Book(ctx, bookID)
					if err != nil {
						return 0, err
					}
					if !book.Consistent() {
						return 1, nil
					}
					return 0, nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Name:   "seed-single-copy",
				Target: "catalog",
				Execute: func(ctx context.Context) error {
					id, err := t.SeedBook(ctx, "last-copy-"+uuid.NewString(), 1)
					bookID = id
					return err
				},
			},
			{
				Name:   "concurrent-loan-requests",
				Target: "loans",
				Execute: func(ctx context.Context) error {
					if bookID == "" {
						return fmt.Errorf("no book seeded")
					}
					return burst(ctx, t, bookID, opts.Concurrency, opts.Concurrency, results)
				},
			},
		},
		Rollback: []Action{
			{
				Name:    "return-granted-loans",
				Target:  "loans",
				Execute: func(ctx context.Context) error { return returnAll(ctx, t, results) },
			},
		},
		Validation: []Assertion{
			{
				Probe:     "granted_loans",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "exactly one loan must be granted",
			},
			{
				Probe:     "unexpected_responses",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "every other request must be denied with 409",
			},
			{
				Probe:     "ledger_inconsistent",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "available + reserved + loaned must equal total",
			},
		},
		Duration: opts.Window,
		Interval: opts.Interval,
	}
}

// OutboxDrain creates a burst of loans and watches the outbox backlog return to zero.
func OutboxDrain(t *Target, backlog Backlog, opts Options) Experiment {
	opts = opts.withDefaults()
	results := newTally()

	return Experiment{
		Name:       "outbox-drain",
		Hypothesis: "A burst of loans is fully relayed to the broker within the observation window",
		SteadyState: []Probe{
			healthProbe(t, "loans_healthy", t.LoansURL),
			{
				Name: "outbox_backlog",
				Query: func(ctx context.Context) (float64, error) {
					n, err := backlog.Pending(ctx)
					return float64(n), err
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Name:   "loan-burst",
				Target: "loans",
				Execute: func(ctx context.Context) error {
					bookID, err := t.SeedBook(ctx, "drain-"+uuid.NewString(), opts.Concurrency)
					if err != nil {
						return err
					}
					return burst(ctx, t, bookID, opts.Concurrency, 8, results)
				},
			},
		},
		Rollback: []Action{
			{
				Name:    "return-burst-loans",
				Target:  "loans",
				Execute: func(ctx context.Context) error { return returnAll(ctx, t, results) },
			},
		},
		Validation: []Assertion{
			{
				Probe:     "outbox_backlog",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "outbox backlog must drain to zero",
			},
		},
		Duration: opts.Window,
		Interval: opts.Interval,
	}
}
