package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/sony/gobreaker"
)

// GuardOptions tunes Guarded.
type GuardOptions struct {
	Name             string
	Timeout          time.Duration // per call; zero disables the deadline
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open
}

// Guarded bounds every call to the wrapped store with a timeout and a circuit
// breaker. Timeouts and an open breaker surface as domain.StoreUnavailable so
// callers can retry the batch.
type Guarded struct {
	store   Store
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewGuarded wraps store.
func NewGuarded(store Store, opts GuardOptions) *Guarded {
	if opts.Name == "" {
		opts.Name = "ledger"
	}
	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	st := gobreaker.Settings{Name: opts.Name}
	st.Timeout = opts.OpenTimeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	// Absent records and rejected duplicates are answers, not outages.
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrBatchExists)
	}

	return &Guarded{
		store:   store,
		timeout: opts.Timeout,
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() string {
	return g.cb.State().String()
}

func (g *Guarded) Get(ctx context.Context, rt domain.RecordType, id string) (*Document, error) {
	return guard(ctx, g, "get", func(ctx context.Context) (*Document, error) {
		return g.store.Get(ctx, rt, id)
	})
}

func (g *Guarded) Put(ctx context.Context, doc Document) error {
	_, err := guard(ctx, g, "put", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.Put(ctx, doc)
	})
	return err
}

func (g *Guarded) QueryByAccount(ctx context.Context, key domain.AccountKey) ([]Document, error) {
	return guard(ctx, g, "query_by_account", func(ctx context.Context) ([]Document, error) {
		return g.store.QueryByAccount(ctx, key)
	})
}

func (g *Guarded) List(ctx context.Context, rt domain.RecordType) ([]Document, error) {
	return guard(ctx, g, "list", func(ctx context.Context) ([]Document, error) {
		return g.store.List(ctx, rt)
	})
}

func (g *Guarded) AppendBatch(ctx context.Context, batch domain.SyncBatch) error {
	_, err := guard(ctx, g, "append_batch", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.AppendBatch(ctx, batch)
	})
	return err
}

func (g *Guarded) ListBatches(ctx context.Context, limit int) ([]domain.SyncBatch, error) {
	return guard(ctx, g, "list_batches", func(ctx context.Context) ([]domain.SyncBatch, error) {
		return g.store.ListBatches(ctx, limit)
	})
}

func guard[T any](ctx context.Context, g *Guarded, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	res, err := g.cb.Execute(func() (interface{}, error) {
		return fn(callCtx)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return zero, domain.Unavailable(op, err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// our own deadline fired, not the caller's
			return zero, domain.Unavailable(op, err)
		}
		return zero, err
	}
	return res.(T), nil
}
