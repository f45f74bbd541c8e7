package source

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of normalizing one section.
type Result struct {
	RecordType domain.RecordType
	Records    []domain.Record
	Errors     []domain.RowError
	Skipped    int // blank or header rows
}

// Normalize converts raw rows of one record type into canonical records.
// Bad rows are collected as RowErrors and never abort the section.
func Normalize(rows []any, rt domain.RecordType) (Result, error) {
	return NormalizeParallel(context.Background(), rows, rt, 1)
}

// NormalizeValue is Normalize for an untyped section value; anything other
// than an array is an InvalidPayloadShape error.
func NormalizeValue(ctx context.Context, v any, rt domain.RecordType, workers int) (Result, error) {
	rows, ok := v.([]any)
	if !ok {
		return Result{}, domain.InvalidPayload(string(rt), "is not an array")
	}
	return NormalizeParallel(ctx, rows, rt, workers)
}

// NormalizeParallel adapts rows on up to workers goroutines. The output keeps
// input order.
func NormalizeParallel(ctx context.Context, rows []any, rt domain.RecordType, workers int) (Result, error) {
	adapter, err := adapterFor(rt)
	if err != nil {
		return Result{}, err
	}
	if workers < 1 {
		workers = 1
	}

	type slot struct {
		record domain.Record
		err    *domain.RowError
	}
	slots := make([]slot, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, row := range rows {
		i, row := i, row // per-iteration copies; go.mod targets go1.21
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, rerr := adapter.Adapt(i, row)
			slots[i] = slot{record: rec, err: rerr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("normalize %s: %w", rt, err)
	}

	res := Result{RecordType: rt, Records: make([]domain.Record, 0, len(rows))}
	for _, s := range slots {
		switch {
		case s.err != nil:
			res.Errors = append(res.Errors, *s.err)
		case s.record == nil:
			res.Skipped++
		default:
			res.Records = append(res.Records, s.record)
		}
	}
	return res, nil
}
