// Package reconcile merges normalized batches into the ledger. It owns the
// only write path into the ledger store.
package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/identity"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/lock"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/google/uuid"
)

// Options tunes an Engine. Zero values select in-process locking, no
// metrics and four workers.
type Options struct {
	Workers          int
	MaskDescriptions bool
	Locker           lock.Locker
	Metrics          metrics.Recorder
}

type ruleState struct {
	classifier *classifier.Classifier
	err        error
}

// Engine reconciles batches against a ledger. It is safe for concurrent use;
// overlapping batches are serialized per record type in submission order.
type Engine struct {
	ledger  *ledger.Ledger
	seq     *lock.Sequencer
	locker  lock.Locker
	metrics metrics.Recorder
	workers int
	mask    bool
	rules   atomic.Pointer[ruleState]
	now     func() time.Time
}

// New builds an engine classifying with c.
func New(l *ledger.Ledger, c *classifier.Classifier, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Locker == nil {
		opts.Locker = lock.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	e := &Engine{
		ledger:  l,
		seq:     lock.NewSequencer(),
		locker:  opts.Locker,
		metrics: opts.Metrics,
		workers: opts.Workers,
		mask:    opts.MaskDescriptions,
		now:     time.Now,
	}
	e.rules.Store(&ruleState{classifier: c})
	return e
}

// Ledger returns the ledger the engine writes to.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// SetRules compiles rs and makes it the active rule set. An invalid rule set
// is returned as a *domain.ClassificationRuleError and leaves the engine in a
// failed state: transaction sections fail until valid rules are loaded.
func (e *Engine) SetRules(rs classifier.RuleSet) error {
	c, err := classifier.Compile(rs)
	if err != nil {
		e.rules.Store(&ruleState{err: err})
		return err
	}
	e.rules.Store(&ruleState{classifier: c})
	return nil
}

// Classifier returns the active classifier, or the rule error of the failed
// state.
func (e *Engine) Classifier() (*classifier.Classifier, error) {
	st := e.rules.Load()
	if st.err != nil {
		return nil, st.err
	}
	if st.classifier == nil {
		return nil, &domain.ClassificationRuleError{Index: -1, Message: "no rules loaded"}
	}
	return st.classifier, nil
}

// classifierForRun layers the ledger's transfer-typed categories onto the
// active rules.
func (e *Engine) classifierForRun(ctx context.Context) (*classifier.Classifier, error) {
	c, err := e.Classifier()
	if err != nil {
		return nil, err
	}
	cats, err := e.ledger.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	var transfers []string
	for _, cat := range cats {
		if cat.IsTransfer() {
			transfers = append(transfers, cat.Name)
		}
	}
	return c.WithTransferCategories(transfers), nil
}

// Apply reconciles b. Sections run in the fixed order accounts, balances,
// categories, transactions, debts, followed by the debt link pass. A failing
// section does not roll back or stop the others; its failure is reported in
// the result. The returned error is reserved for batches that cannot start.
func (e *Engine) Apply(ctx context.Context, b *Batch) (*Result, error) {
	if b == nil {
		return nil, fmt.Errorf("Apply: nil batch")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = e.now().UTC()
	}

	log := logger.FromContext(ctx).With().Str("batch_id", b.ID).Str("source_kind", string(b.Source)).Logger()
	ctx = logger.WithContext(ctx, log)
	start := e.now()

	// Tickets for every key the batch will touch are taken up front so that
	// batches are ordered by submission on all of them.
	uses := make(map[domain.RecordType]int)
	var present []domain.RecordType
	for _, rt := range domain.RecordTypes {
		if _, ok := b.Sections[rt]; ok {
			present = append(present, rt)
			uses[rt.Collection()]++
		}
	}
	linkPass := uses[domain.RecordAccount] > 0 || uses[domain.RecordDebt] > 0
	if linkPass {
		uses[domain.RecordDebt]++
	}
	keys := make([]string, 0, len(uses))
	for k := range uses {
		keys = append(keys, string(k))
	}
	resv := e.seq.Reserve(keys...)
	defer resv.ReleaseAll()

	done := func(key domain.RecordType) {
		uses[key]--
		if uses[key] == 0 {
			resv.Release(string(key))
		}
	}

	res := &Result{BatchID: b.ID, Sections: make(map[domain.RecordType]*SectionResult, len(present))}
	debtIDs := make(map[string]bool)
	for _, rt := range present {
		sec := b.Sections[rt]
		sr := res.section(rt)
		sr.Received = len(sec.Records) + len(sec.Errors) + sec.Skipped
		sr.RowErrors = append(sr.RowErrors, sec.Errors...)

		e.runSection(ctx, resv, b.ID, rt, sec.Records, sr)
		done(rt.Collection())

		if rt == domain.RecordDebt {
			for _, rec := range sec.Records {
				if id, err := identity.StableID(rec); err == nil {
					debtIDs[id] = true
				}
			}
		}
	}

	if linkPass {
		sr := res.section(linkOwner(present))
		if sr.Outcome != OutcomeFailed {
			err := e.withKey(ctx, resv, domain.RecordDebt, func(ctx context.Context) error {
				orphans, err := e.linkDebts(ctx, debtIDs)
				res.Orphans = orphans
				return err
			})
			for _, w := range res.Orphans {
				sr.Warnings = append(sr.Warnings, w.String())
			}
			if err != nil {
				e.failSection(ctx, sr, err)
			}
			e.metrics.OrphanDebts(len(res.Orphans))
		}
		done(domain.RecordDebt)
	}

	for _, sr := range res.Sections {
		sr.finish()
		e.recordSection(sr)
	}
	res.Duration = e.now().Sub(start)

	log.Info().
		Interface("record_counts", b.Counts()).
		Int("orphans", len(res.Orphans)).
		Int("failed_sections", len(res.Failed())).
		Dur("duration", res.Duration).
		Msg("Batch reconciled")
	return res, nil
}

// linkOwner is the section the debt link pass reports under: debts when the
// batch carries them, otherwise the last account-collection section.
func linkOwner(present []domain.RecordType) domain.RecordType {
	owner := domain.RecordAccount
	for _, rt := range present {
		if rt == domain.RecordDebt {
			return rt
		}
		if rt.Collection() == domain.RecordAccount {
			owner = rt
		}
	}
	return owner
}

func (e *Engine) runSection(ctx context.Context, resv *lock.Reservation, batchID string, rt domain.RecordType, records []domain.Record, sr *SectionResult) {
	state := &SectionState{
		RecordType: rt,
		BatchID:    batchID,
		Records:    records,
		Result:     sr,
		ledger:     e.ledger,
		ops:        opsFor(rt),
		workers:    e.workers,
		mask:       e.mask,
	}

	err := e.withKey(ctx, resv, rt.Collection(), func(ctx context.Context) error {
		if rt == domain.RecordTransaction {
			c, err := e.classifierForRun(ctx)
			if err != nil {
				return err
			}
			state.classifier = c
		}
		for _, step := range sectionSteps() {
			if err := step.Execute(ctx, state); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.failSection(ctx, sr, err)
		return
	}

	log := logger.FromContext(ctx)
	for _, re := range sr.RowErrors {
		log.Warn().Str("record_type", string(rt)).Int("row", re.Row).Str("kind", string(re.Kind)).Str("field", re.Field).Msg(re.Message)
	}
	log.Debug().Str("record_type", string(rt)).Int("created", sr.Created).Int("updated", sr.Updated).Int("unchanged", sr.Unchanged).Msg("Section reconciled")
}

// withKey runs fn once the batch's turn for key has come and the
// cross-process lock is held.
func (e *Engine) withKey(ctx context.Context, resv *lock.Reservation, key domain.RecordType, fn func(context.Context) error) error {
	if err := resv.Acquire(ctx, string(key)); err != nil {
		return domain.Unavailable("waiting for "+string(key), err)
	}
	unlock, err := e.locker.Lock(ctx, string(key))
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("key", string(key)).Msg("Failed to release lock")
		}
	}()
	return fn(ctx)
}

func (e *Engine) failSection(ctx context.Context, sr *SectionResult, err error) {
	sr.fail(err)
	log := logger.FromContext(ctx)
	log.Error().Err(err).
		Str("record_type", string(sr.RecordType)).
		Bool("retryable", sr.Retryable).
		Msg("Section failed")
}

func (e *Engine) recordSection(sr *SectionResult) {
	e.metrics.RecordsUpserted(sr.RecordType, "created", sr.Created)
	e.metrics.RecordsUpserted(sr.RecordType, "updated", sr.Updated-sr.Unchanged)
	e.metrics.RecordsUpserted(sr.RecordType, "unchanged", sr.Unchanged)
	kinds := make(map[domain.RowErrorKind]int)
	for _, re := range sr.RowErrors {
		kinds[re.Kind]++
	}
	for k, n := range kinds {
		e.metrics.RowErrors(sr.RecordType, k, n)
	}
	if sr.Outcome == OutcomeFailed {
		e.metrics.SectionFailed(sr.RecordType, sr.Retryable)
	}
}

// ReclassifyResult reports a reclassification run.
type ReclassifyResult struct {
	Examined int `json:"examined"`
	Changed  int `json:"changed"`
}

// Reclassify re-runs the active rules over every stored transaction and
// rewrites those whose flags or categories changed.
func (e *Engine) Reclassify(ctx context.Context) (ReclassifyResult, error) {
	var out ReclassifyResult
	if _, err := e.Classifier(); err != nil {
		return out, err
	}

	resv := e.seq.Reserve(string(domain.RecordTransaction))
	defer resv.ReleaseAll()

	err := e.withKey(ctx, resv, domain.RecordTransaction, func(ctx context.Context) error {
		c, err := e.classifierForRun(ctx)
		if err != nil {
			return err
		}
		txs, err := e.ledger.Transactions(ctx)
		if err != nil {
			return fmt.Errorf("listing transactions: %w", err)
		}
		for _, tx := range txs {
			out.Examined++
			next := c.Apply(tx)
			if unchanged(tx, next) {
				continue
			}
			if err := e.ledger.PutTransaction(ctx, next); err != nil {
				return fmt.Errorf("writing transaction %s: %w", tx.ID, err)
			}
			out.Changed++
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("Reclassify: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Int("examined", out.Examined).Int("changed", out.Changed).Msg("Ledger reclassified")
	return out, nil
}

// RecordBatch appends b to the audit log.
func (e *Engine) RecordBatch(ctx context.Context, b domain.SyncBatch) error {
	if err := e.ledger.AppendBatch(ctx, b); err != nil {
		return fmt.Errorf("RecordBatch: %w", err)
	}
	return nil
}

// Batches returns the newest audit entries; limit <= 0 returns all.
func (e *Engine) Batches(ctx context.Context, limit int) ([]domain.SyncBatch, error) {
	return e.ledger.Batches(ctx, limit)
}
