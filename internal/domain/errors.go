package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPayloadShape marks a top-level input that is not the expected
	// mapping or array. Nothing is written when it is returned.
	ErrInvalidPayloadShape = errors.New("invalid payload shape")

	// ErrStoreUnavailable marks an infrastructure failure of the ledger store.
	// Re-submitting the whole batch is safe.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// InvalidPayloadError describes why a payload was rejected.
type InvalidPayloadError struct {
	Section string // empty when the top level is wrong
	Reason  string
}

func (e *InvalidPayloadError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("invalid payload shape: %s", e.Reason)
	}
	return fmt.Sprintf("invalid payload shape: section %q %s", e.Section, e.Reason)
}

func (e *InvalidPayloadError) Is(target error) bool {
	return target == ErrInvalidPayloadShape
}

// InvalidPayload builds an InvalidPayloadError.
func InvalidPayload(section, format string, args ...any) error {
	return &InvalidPayloadError{Section: section, Reason: fmt.Sprintf(format, args...)}
}

// RowErrorKind classifies a per-row failure.
type RowErrorKind string

const (
	RowMalformedDebt RowErrorKind = "malformed_debt_row"
	RowNotAMapping   RowErrorKind = "not_a_mapping"
	RowMissingField  RowErrorKind = "missing_field"
	RowInvalidAmount RowErrorKind = "invalid_amount"
	RowInvalidDate   RowErrorKind = "invalid_date"
	RowInvalidValue  RowErrorKind = "invalid_value"
)

// RowError is a parse failure of one input row. The row is skipped and the
// batch continues.
type RowError struct {
	RecordType RecordType   `json:"record_type"`
	Row        int          `json:"row"` // zero-based index in the section
	Kind       RowErrorKind `json:"kind"`
	Field      string       `json:"field,omitempty"`
	Message    string       `json:"message"`
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s row %d: %s: %s", e.RecordType, e.Row, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s row %d: %s (%s): %s", e.RecordType, e.Row, e.Kind, e.Field, e.Message)
}

// OrphanDebtWarning is raised for an active debt that does not resolve to
// exactly one known account. The debt is still persisted.
type OrphanDebtWarning struct {
	DebtID     string   `json:"debt_id"`
	DebtName   string   `json:"debt_name"`
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates,omitempty"`
}

func (w OrphanDebtWarning) String() string {
	if len(w.Candidates) > 0 {
		return fmt.Sprintf("orphan debt %q: %s (%s)", w.DebtName, w.Reason, strings.Join(w.Candidates, ", "))
	}
	return fmt.Sprintf("orphan debt %q: %s", w.DebtName, w.Reason)
}

// StoreUnavailableError wraps the underlying infrastructure failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Retryable is always true: upserts are idempotent.
func (e *StoreUnavailableError) Retryable() bool { return true }

// Unavailable wraps err as a StoreUnavailableError for op.
func Unavailable(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}

// ClassificationRuleError reports a malformed classification rule set. Index
// is -1 when the set as a whole is unreadable.
type ClassificationRuleError struct {
	Rule    string
	Index   int
	Message string
}

func (e *ClassificationRuleError) Error() string {
	if e.Index < 0 {
		return "classification rules: " + e.Message
	}
	if e.Rule == "" {
		return fmt.Sprintf("classification rules: rule %d: %s", e.Index, e.Message)
	}
	return fmt.Sprintf("classification rules: rule %d (%s): %s", e.Index, e.Rule, e.Message)
}

// IsRetryable reports whether err, or anything it wraps, asks to be retried.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
