package reconcile

import (
	"context"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
)

// sameRecord ignores provenance and treats nil and empty slices alike, so a
// re-submitted record that only differs in SourceBatch is not rewritten.
var sameRecord = []cmp.Option{
	cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) }),
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(domain.Transaction{}, "SourceBatch"),
	cmpopts.IgnoreFields(domain.AccountBalance{}, "SourceBatch"),
	cmpopts.IgnoreFields(domain.Category{}, "SourceBatch"),
	cmpopts.IgnoreFields(domain.DebtRecord{}, "SourceBatch"),
}

func unchanged(stored, merged domain.Record) bool {
	return cmp.Equal(stored, merged, sameRecord...)
}

// ops binds one record type to its ledger accessors and merge policy.
type ops interface {
	load(ctx context.Context, l *ledger.Ledger, id string) (domain.Record, error)
	save(ctx context.Context, l *ledger.Ledger, id string, rec domain.Record) error
	merge(stored, incoming domain.Record) domain.Record
	stamp(rec domain.Record, id, batchID string) domain.Record
}

type typedOps[T domain.Record] struct {
	get     func(ctx context.Context, l *ledger.Ledger, id string) (T, bool, error)
	put     func(ctx context.Context, l *ledger.Ledger, id string, v T) error
	mergeFn func(stored, incoming T) T
	stampFn func(v T, id, batchID string) T
}

func (o typedOps[T]) load(ctx context.Context, l *ledger.Ledger, id string) (domain.Record, error) {
	v, ok, err := o.get(ctx, l, id)
	if err != nil || !ok {
		return nil, err
	}
	return v, nil
}

func (o typedOps[T]) save(ctx context.Context, l *ledger.Ledger, id string, rec domain.Record) error {
	return o.put(ctx, l, id, rec.(T))
}

func (o typedOps[T]) merge(stored, incoming domain.Record) domain.Record {
	if stored == nil {
		return incoming
	}
	return o.mergeFn(stored.(T), incoming.(T))
}

func (o typedOps[T]) stamp(rec domain.Record, id, batchID string) domain.Record {
	return o.stampFn(rec.(T), id, batchID)
}

func opsFor(rt domain.RecordType) ops {
	switch rt {
	case domain.RecordTransaction:
		return transactionOps
	case domain.RecordAccount, domain.RecordBalance:
		return accountOps
	case domain.RecordCategory:
		return categoryOps
	case domain.RecordDebt:
		return debtOps
	}
	return nil
}

var transactionOps = typedOps[domain.Transaction]{
	get: func(ctx context.Context, l *ledger.Ledger, id string) (domain.Transaction, bool, error) {
		return l.Transaction(ctx, id)
	},
	put: func(ctx context.Context, l *ledger.Ledger, _ string, tx domain.Transaction) error {
		return l.PutTransaction(ctx, tx)
	},
	mergeFn: mergeTransaction,
	stampFn: func(tx domain.Transaction, id, batchID string) domain.Transaction {
		tx.ID = id
		tx.SourceBatch = batchID
		return tx
	},
}

var accountOps = typedOps[domain.AccountBalance]{
	get: func(ctx context.Context, l *ledger.Ledger, id string) (domain.AccountBalance, bool, error) {
		return l.Account(ctx, id)
	},
	put: func(ctx context.Context, l *ledger.Ledger, _ string, acc domain.AccountBalance) error {
		return l.PutAccount(ctx, acc)
	},
	mergeFn: mergeAccount,
	stampFn: func(acc domain.AccountBalance, _, batchID string) domain.AccountBalance {
		if acc.Class == domain.ClassUnknown {
			acc.Class = acc.Type.DefaultClass()
		}
		acc.SourceBatch = batchID
		return acc
	},
}

var categoryOps = typedOps[domain.Category]{
	get: func(ctx context.Context, l *ledger.Ledger, id string) (domain.Category, bool, error) {
		return l.Category(ctx, id)
	},
	put: func(ctx context.Context, l *ledger.Ledger, id string, c domain.Category) error {
		return l.PutCategory(ctx, id, c)
	},
	mergeFn: mergeCategory,
	stampFn: func(c domain.Category, _, batchID string) domain.Category {
		c.SourceBatch = batchID
		return c
	},
}

var debtOps = typedOps[domain.DebtRecord]{
	get: func(ctx context.Context, l *ledger.Ledger, id string) (domain.DebtRecord, bool, error) {
		return l.Debt(ctx, id)
	},
	put: func(ctx context.Context, l *ledger.Ledger, id string, d domain.DebtRecord) error {
		return l.PutDebt(ctx, id, d)
	},
	mergeFn: mergeDebt,
	stampFn: func(d domain.DebtRecord, _, batchID string) domain.DebtRecord {
		d.SourceBatch = batchID
		return d
	},
}

// Field-level merge: whatever the incoming record carries wins, whatever it
// leaves empty is kept from the stored record. Classification flags are not
// merged; they are recomputed on the merged record.
func mergeTransaction(stored, in domain.Transaction) domain.Transaction {
	out := stored
	if in.ID != "" {
		out.ID = in.ID
	}
	if !in.Date.IsZero() {
		out.Date = in.Date
	}
	if strings.TrimSpace(in.Description) != "" {
		out.Description = in.Description
	}
	if in.Amount.Valid {
		out.Amount = in.Amount
	}
	if in.Account.AccountID != "" {
		out.Account.AccountID = in.Account.AccountID
	}
	if in.Account.Institution != "" {
		out.Account.Institution = in.Account.Institution
	}
	if in.AccountName != "" {
		out.AccountName = in.AccountName
	}
	if len(in.RawCategory) > 0 {
		out.RawCategory = append([]string(nil), in.RawCategory...)
	}
	return out
}

// Balances are overwritten wholesale when present; there is no history at
// this layer.
func mergeAccount(stored, in domain.AccountBalance) domain.AccountBalance {
	out := stored
	if in.Account.AccountID != "" {
		out.Account = in.Account
	}
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.Balance.Valid {
		out.Balance = in.Balance
	}
	if in.Type != domain.AccountUnknown {
		out.Type = in.Type
	}
	if in.Class != domain.ClassUnknown {
		out.Class = in.Class
	}
	if in.Group != "" {
		out.Group = in.Group
	}
	if in.LastUpdate != "" {
		out.LastUpdate = in.LastUpdate
	}
	return out
}

// Category rows always carry the whole row, so Hidden follows the incoming
// row even when false.
func mergeCategory(stored, in domain.Category) domain.Category {
	out := stored
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.Group != "" {
		out.Group = in.Group
	}
	if in.Type != "" {
		out.Type = in.Type
	}
	out.Hidden = in.Hidden
	return out
}

// The account link is owned by the link pass and survives the merge.
func mergeDebt(stored, in domain.DebtRecord) domain.DebtRecord {
	out := stored
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.ExplicitAccountID != "" {
		out.ExplicitAccountID = in.ExplicitAccountID
	}
	out.IsActive = in.IsActive
	if in.InterestRate.Valid {
		out.InterestRate = in.InterestRate
	}
	if in.MinimumPayment.Valid {
		out.MinimumPayment = in.MinimumPayment
	}
	if in.PriorityRank != 0 {
		out.PriorityRank = in.PriorityRank
	}
	if in.CurrentBalance.Valid {
		out.CurrentBalance = in.CurrentBalance
	}
	if in.OriginalBalance.Valid {
		out.OriginalBalance = in.OriginalBalance
	}
	return out
}
