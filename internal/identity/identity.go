// Package identity computes the deduplication keys of canonical records and
// resolves debts to the accounts they belong to.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// FingerprintPrefix marks a StableId synthesized from transaction content.
const FingerprintPrefix = "fp_"

const debtPrefix = "debt_"

// StableID returns the ledger key of a record. Transactions without an
// explicit ID are fingerprinted; a transaction that has neither an ID nor the
// fields needed for a fingerprint cannot be keyed and is an error.
func StableID(rec domain.Record) (string, error) {
	switch r := rec.(type) {
	case domain.Transaction:
		return TransactionID(r)
	case *domain.Transaction:
		return TransactionID(*r)
	case domain.AccountBalance:
		return accountID(r.Account)
	case *domain.AccountBalance:
		return accountID(r.Account)
	case domain.Category:
		return categoryID(r.Name)
	case *domain.Category:
		return categoryID(r.Name)
	case domain.DebtRecord:
		return DebtID(r.Name)
	case *domain.DebtRecord:
		return DebtID(r.Name)
	}
	return "", fmt.Errorf("StableID: unsupported record %T", rec)
}

// TransactionID returns the explicit transaction ID when present, else the
// content fingerprint.
func TransactionID(tx domain.Transaction) (string, error) {
	if id := strings.TrimSpace(tx.ID); id != "" {
		return id, nil
	}
	if tx.Date.IsZero() || !tx.Amount.Valid {
		return "", fmt.Errorf("TransactionID: transaction has no ID and no date/amount to fingerprint")
	}
	return Fingerprint(tx), nil
}

// Fingerprint is deterministic over {date, normalized description, amount,
// account}: rows that differ only in description casing or spacing, or in
// amount scale ("1050" vs "1050.00"), share a fingerprint.
func Fingerprint(tx domain.Transaction) string {
	parts := []string{
		tx.Date.String(),
		NormalizeText(tx.Description),
		tx.Amount.Decimal.StringFixed(2),
		strings.ToLower(strings.TrimSpace(tx.Account.AccountID)),
		strings.ToLower(strings.TrimSpace(tx.Account.Institution)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return FingerprintPrefix + hex.EncodeToString(sum[:])[:32]
}

// IsFingerprint reports whether id was synthesized rather than source-given.
func IsFingerprint(id string) bool {
	return strings.HasPrefix(id, FingerprintPrefix)
}

// DebtID keys debts by their normalized display name.
func DebtID(name string) (string, error) {
	n := NormalizeText(name)
	if n == "" {
		return "", fmt.Errorf("DebtID: debt has no name")
	}
	return debtPrefix + n, nil
}

func accountID(key domain.AccountKey) (string, error) {
	if strings.TrimSpace(key.AccountID) == "" {
		return "", fmt.Errorf("StableID: account has no ID or name")
	}
	return key.ID(), nil
}

func categoryID(name string) (string, error) {
	n := NormalizeText(name)
	if n == "" {
		return "", fmt.Errorf("StableID: category has no name")
	}
	return n, nil
}

// NormalizeText lower-cases s and collapses all whitespace runs to one space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
