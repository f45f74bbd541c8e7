package reconcile

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/identity"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"golang.org/x/sync/errgroup"
)

// SectionStep is one stage of reconciling a record-type section.
type SectionStep interface {
	Execute(ctx context.Context, state *SectionState) error
}

// SectionState is shared by the steps of one section.
type SectionState struct {
	RecordType domain.RecordType
	BatchID    string
	Records    []domain.Record
	Entries    []*entry // one per StableId, in first-seen order
	Result     *SectionResult

	ledger     *ledger.Ledger
	ops        ops
	classifier *classifier.Classifier
	workers    int
	mask       bool
}

type entry struct {
	id       string
	incoming domain.Record // duplicates within the batch folded in order
	rows     int
	stored   domain.Record // nil when the ledger has no record yet
	merged   domain.Record
}

// ResolveStep assigns StableIds and folds duplicate rows of the batch into
// one entry per id. Records that cannot be keyed become row errors.
type ResolveStep struct{}

func (s *ResolveStep) Execute(ctx context.Context, state *SectionState) error {
	index := make(map[string]*entry, len(state.Records))
	for i, rec := range state.Records {
		id, err := identity.StableID(rec)
		if err != nil {
			state.Result.RowErrors = append(state.Result.RowErrors, domain.RowError{
				RecordType: state.RecordType,
				Row:        i,
				Kind:       domain.RowMissingField,
				Message:    err.Error(),
			})
			continue
		}
		if e, ok := index[id]; ok {
			e.incoming = state.ops.merge(e.incoming, rec)
			e.rows++
			continue
		}
		e := &entry{id: id, incoming: rec, rows: 1}
		index[id] = e
		state.Entries = append(state.Entries, e)
	}
	return nil
}

// LoadStep reads the stored version of every entry.
type LoadStep struct{}

func (s *LoadStep) Execute(ctx context.Context, state *SectionState) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(state.workers)
	for _, e := range state.Entries {
		e := e // per-iteration copy; go.mod targets go1.21
		g.Go(func() error {
			stored, err := state.ops.load(gctx, state.ledger, e.id)
			if err != nil {
				return fmt.Errorf("loading %s %s: %w", state.RecordType, e.id, err)
			}
			e.stored = stored
			return nil
		})
	}
	return g.Wait()
}

// MergeStep applies the field-level merge and stamps id and provenance.
type MergeStep struct{}

func (s *MergeStep) Execute(ctx context.Context, state *SectionState) error {
	for _, e := range state.Entries {
		merged := state.ops.merge(e.stored, e.incoming)
		e.merged = state.ops.stamp(merged, e.id, state.BatchID)
	}
	return nil
}

// ClassifyStep recomputes the lateral and side-hustle flags of merged
// transactions. Stale flags from the stored record never survive.
type ClassifyStep struct{}

func (s *ClassifyStep) Execute(ctx context.Context, state *SectionState) error {
	if state.RecordType != domain.RecordTransaction {
		return nil
	}
	if state.classifier == nil {
		return fmt.Errorf("ClassifyStep: no classifier loaded")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(state.workers)
	for _, e := range state.Entries {
		e := e // per-iteration copy; go.mod targets go1.21
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e.merged = state.classifier.Apply(e.merged.(domain.Transaction))
			return nil
		})
	}
	return g.Wait()
}

// MaskStep hides long digit runs in transaction descriptions. It runs after
// fingerprinting and classification so neither sees the masked text.
type MaskStep struct{}

func (s *MaskStep) Execute(ctx context.Context, state *SectionState) error {
	if !state.mask || state.RecordType != domain.RecordTransaction {
		return nil
	}
	for _, e := range state.Entries {
		tx := e.merged.(domain.Transaction)
		tx.Description = classifier.MaskDescription(tx.Description)
		e.merged = tx
	}
	return nil
}

// UpsertStep writes new and changed records in submission order. Records
// equal to the stored version are counted but not rewritten.
type UpsertStep struct{}

func (s *UpsertStep) Execute(ctx context.Context, state *SectionState) error {
	res := state.Result
	for _, e := range state.Entries {
		if e.stored != nil && unchanged(e.stored, e.merged) {
			res.Updated += e.rows
			res.Unchanged += e.rows
			continue
		}
		if err := state.ops.save(ctx, state.ledger, e.id, e.merged); err != nil {
			return fmt.Errorf("writing %s %s: %w", state.RecordType, e.id, err)
		}
		if e.stored == nil {
			res.Created++
			res.Updated += e.rows - 1
		} else {
			res.Updated += e.rows
		}
	}
	return nil
}

func sectionSteps() []SectionStep {
	return []SectionStep{
		&ResolveStep{},
		&LoadStep{},
		&MergeStep{},
		&ClassifyStep{},
		&MaskStep{},
		&UpsertStep{},
	}
}
