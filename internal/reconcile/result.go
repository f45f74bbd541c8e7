package reconcile

import (
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/source"
)

// Outcome is the final state of one record-type section.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "success_with_warnings"
	OutcomeFailed  Outcome = "failed"
)

// Batch is one normalized reconciliation run. Sections holds only the record
// types present in the input; absent types are not touched.
type Batch struct {
	ID         string
	Source     domain.SourceKind
	ReceivedAt time.Time
	Sections   map[domain.RecordType]source.Result
}

// Counts returns the number of input rows per record type.
func (b *Batch) Counts() map[domain.RecordType]int {
	out := make(map[domain.RecordType]int, len(b.Sections))
	for rt, s := range b.Sections {
		out[rt] = len(s.Records) + len(s.Errors) + s.Skipped
	}
	return out
}

// SectionResult reports what happened to one record type.
type SectionResult struct {
	RecordType domain.RecordType `json:"record_type"`
	Outcome    Outcome           `json:"outcome"`
	Received   int               `json:"received"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Unchanged  int               `json:"unchanged"`
	RowErrors  []domain.RowError `json:"row_errors,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Error      string            `json:"error,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`

	err error
}

// Err is the error that failed the section, nil otherwise.
func (s *SectionResult) Err() error {
	return s.err
}

func (s *SectionResult) fail(err error) {
	s.Outcome = OutcomeFailed
	s.err = err
	s.Error = err.Error()
	s.Retryable = domain.IsRetryable(err)
}

func (s *SectionResult) finish() {
	if s.Outcome == OutcomeFailed {
		return
	}
	if len(s.RowErrors) > 0 || len(s.Warnings) > 0 {
		s.Outcome = OutcomeWarning
		return
	}
	s.Outcome = OutcomeSuccess
}

// Result is the outcome of Engine.Apply.
type Result struct {
	BatchID  string                               `json:"batch_id"`
	Sections map[domain.RecordType]*SectionResult `json:"sections"`
	Orphans  []domain.OrphanDebtWarning           `json:"orphans,omitempty"`
	Duration time.Duration                        `json:"-"`
}

func (r *Result) section(rt domain.RecordType) *SectionResult {
	s, ok := r.Sections[rt]
	if !ok {
		s = &SectionResult{RecordType: rt}
		r.Sections[rt] = s
	}
	return s
}

// Failed returns the record types whose section failed, in processing order.
func (r *Result) Failed() []domain.RecordType {
	var out []domain.RecordType
	for _, rt := range domain.RecordTypes {
		if s, ok := r.Sections[rt]; ok && s.Outcome == OutcomeFailed {
			out = append(out, rt)
		}
	}
	return out
}
