// Package gateway is the entry point for push syncs and file uploads. It
// validates payload shape, hands normalized batches to the reconciliation
// engine, retries sections that failed for transient reasons and returns a
// structured result.
package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
	"github.com/dvloznov/finance-reconciler/internal/source"
	"github.com/google/uuid"
)

// Status is the overall outcome of a sync.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFail    Status = "fail"
)

// SyncResult is returned for every accepted payload, whatever happened to
// its sections.
type SyncResult struct {
	Status     Status                                         `json:"status"`
	Message    string                                         `json:"message,omitempty"` // set when Status is fail
	BatchID    string                                         `json:"batch_id"`
	SourceKind domain.SourceKind                              `json:"source_kind"`
	Created    int                                            `json:"created"`
	Updated    int                                            `json:"updated"`
	Unchanged  int                                            `json:"unchanged"`
	Warnings   []string                                       `json:"warnings"`
	PerType    map[domain.RecordType]*reconcile.SectionResult `json:"per_type"`
	RowErrors  []domain.RowError                              `json:"row_errors,omitempty"`
	Orphans    []domain.OrphanDebtWarning                     `json:"orphans,omitempty"`
	Attempts   int                                            `json:"attempts"`
	Retryable  bool                                           `json:"retryable"` // every failed section may be resubmitted
}

// Options tunes a Gateway.
type Options struct {
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	Metrics      metrics.Recorder
}

// Gateway turns payloads into engine calls.
type Gateway struct {
	engine  *reconcile.Engine
	opts    Options
	metrics metrics.Recorder
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a Gateway in front of engine.
func New(engine *reconcile.Engine, opts Options) *Gateway {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	return &Gateway{engine: engine, opts: opts, metrics: m, now: time.Now, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine returns the engine behind the gateway.
func (g *Gateway) Engine() *reconcile.Engine {
	return g.engine
}

// Sync handles a live push body.
func (g *Gateway) Sync(ctx context.Context, body []byte) (*SyncResult, error) {
	p, err := DecodePayload(body)
	if err != nil {
		return nil, err
	}
	return g.SyncPayload(ctx, p, domain.SourceLivePush)
}

// Upload handles one uploaded file of parsed rows, given as a JSON array.
func (g *Gateway) Upload(ctx context.Context, rt domain.RecordType, body []byte) (*SyncResult, error) {
	rows, err := DecodeRows(rt, body)
	if err != nil {
		return nil, err
	}
	return g.SyncPayload(ctx, Payload{rt: rows}, domain.SourceUpload)
}

// UploadCSV handles one uploaded CSV export.
func (g *Gateway) UploadCSV(ctx context.Context, rt domain.RecordType, r io.Reader) (*SyncResult, error) {
	rows, err := source.ReadCSV(r, rt)
	if err != nil {
		return nil, domain.InvalidPayload(string(rt), "unreadable CSV: %v", err)
	}
	return g.SyncPayload(ctx, Payload{rt: rows}, domain.SourceUpload)
}

// SyncPayload validates and normalizes every section before any write; a
// shape error rejects the whole payload. Accepted payloads always produce a
// SyncResult, recorded in the batch audit log.
func (g *Gateway) SyncPayload(ctx context.Context, p Payload, kind domain.SourceKind) (*SyncResult, error) {
	start := g.now()

	b := &reconcile.Batch{
		ID:         uuid.NewString(),
		Source:     kind,
		ReceivedAt: start.UTC(),
		Sections:   make(map[domain.RecordType]source.Result, len(p)),
	}
	for _, rt := range p.Types() {
		res, err := source.NormalizeValue(ctx, p[rt], rt, g.opts.Workers)
		if err != nil {
			return nil, err
		}
		b.Sections[rt] = res
	}

	log := logger.FromContext(ctx).With().Str("batch_id", b.ID).Str("source_kind", string(kind)).Logger()
	ctx = logger.WithContext(ctx, log)

	res, err := g.engine.Apply(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("SyncPayload: %w", err)
	}
	attempts := 1

	for attempts <= g.opts.MaxRetries {
		retry := retryable(res)
		if len(retry) == 0 {
			break
		}
		backoff := g.opts.RetryBackoff * time.Duration(attempts)
		log.Warn().Interface("record_types", retry).Int("attempt", attempts+1).Dur("backoff", backoff).Msg("Retrying failed sections")
		if err := g.sleep(ctx, backoff); err != nil {
			break
		}

		rb := &reconcile.Batch{
			ID:         b.ID,
			Source:     kind,
			ReceivedAt: b.ReceivedAt,
			Sections:   make(map[domain.RecordType]source.Result, len(retry)),
		}
		for _, rt := range retry {
			rb.Sections[rt] = b.Sections[rt]
		}
		again, err := g.engine.Apply(ctx, rb)
		if err != nil {
			return nil, fmt.Errorf("SyncPayload: %w", err)
		}
		attempts++
		mergeRetry(res, again, retry)
	}

	out := buildResult(res, kind, attempts)
	elapsed := g.now().Sub(start)

	audit := domain.SyncBatch{
		BatchID:      b.ID,
		ReceivedAt:   b.ReceivedAt,
		SourceKind:   kind,
		RecordCounts: b.Counts(),
		Status:       string(out.Status),
		Created:      out.Created,
		Updated:      out.Updated,
		Warnings:     len(out.Warnings),
	}
	if err := g.engine.RecordBatch(ctx, audit); err != nil {
		log.Error().Err(err).Msg("Failed to record sync batch")
	}

	g.metrics.BatchProcessed(kind, string(out.Status), elapsed)
	log.Info().
		Str("status", string(out.Status)).
		Int("created", out.Created).
		Int("updated", out.Updated).
		Int("unchanged", out.Unchanged).
		Int("warnings", len(out.Warnings)).
		Int("attempts", attempts).
		Dur("duration", elapsed).
		Msg("Sync completed")
	return out, nil
}

// retryable lists failed sections that asked to be retried.
func retryable(res *reconcile.Result) []domain.RecordType {
	var out []domain.RecordType
	for _, rt := range res.Failed() {
		if res.Sections[rt].Retryable {
			out = append(out, rt)
		}
	}
	return out
}

// mergeRetry replaces the retried sections of res with their new outcome.
// An orphan reported again by the retry's link pass replaces the earlier
// report of the same debt.
func mergeRetry(res, again *reconcile.Result, retried []domain.RecordType) {
	for _, rt := range retried {
		if sec, ok := again.Sections[rt]; ok {
			res.Sections[rt] = sec
		}
	}

	seen := make(map[string]int, len(res.Orphans))
	orphans := make([]domain.OrphanDebtWarning, 0, len(res.Orphans)+len(again.Orphans))
	for _, list := range [][]domain.OrphanDebtWarning{res.Orphans, again.Orphans} {
		for _, o := range list {
			if i, ok := seen[o.DebtID]; ok {
				orphans[i] = o
				continue
			}
			seen[o.DebtID] = len(orphans)
			orphans = append(orphans, o)
		}
	}
	res.Orphans = orphans
}

func buildResult(res *reconcile.Result, kind domain.SourceKind, attempts int) *SyncResult {
	out := &SyncResult{
		BatchID:    res.BatchID,
		SourceKind: kind,
		PerType:    res.Sections,
		Orphans:    res.Orphans,
		Attempts:   attempts,
		Warnings:   []string{},
	}

	failed, total := 0, 0
	allRetryable := true
	var failures []string
	for _, rt := range domain.RecordTypes {
		sec, ok := res.Sections[rt]
		if !ok {
			continue
		}
		total++
		out.Created += sec.Created
		out.Updated += sec.Updated
		out.Unchanged += sec.Unchanged
		out.RowErrors = append(out.RowErrors, sec.RowErrors...)
		for _, re := range sec.RowErrors {
			out.Warnings = append(out.Warnings, re.Error())
		}
		out.Warnings = append(out.Warnings, sec.Warnings...)
		if sec.Outcome == reconcile.OutcomeFailed {
			failed++
			allRetryable = allRetryable && sec.Retryable
			failures = append(failures, fmt.Sprintf("%s failed: %s", rt, sec.Error))
			out.Warnings = append(out.Warnings, failures[len(failures)-1])
		}
	}
	out.Retryable = failed > 0 && allRetryable

	switch {
	case total > 0 && failed == total:
		out.Status = StatusFail
		out.Message = strings.Join(failures, "; ")
	case failed > 0 || len(out.Warnings) > 0:
		out.Status = StatusPartial
	default:
		out.Status = StatusSuccess
	}
	return out
}
