package source

import (
	"fmt"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// Adapter turns one raw row of a given record type into a canonical record.
// A nil record with a nil error means the row carries nothing (blank rows,
// repeated header rows) and is skipped.
type Adapter interface {
	RecordType() domain.RecordType
	Adapt(index int, row any) (domain.Record, *domain.RowError)
}

var adapters = map[domain.RecordType]Adapter{
	domain.RecordTransaction: transactionAdapter{},
	domain.RecordAccount:     accountAdapter{rt: domain.RecordAccount},
	domain.RecordBalance:     accountAdapter{rt: domain.RecordBalance},
	domain.RecordCategory:    categoryAdapter{},
	domain.RecordDebt:        debtAdapter{},
}

func adapterFor(rt domain.RecordType) (Adapter, error) {
	a, ok := adapters[rt]
	if !ok {
		return nil, fmt.Errorf("no source adapter for record type %q", rt)
	}
	return a, nil
}

func rowError(rt domain.RecordType, index int, kind domain.RowErrorKind, field, format string, args ...any) *domain.RowError {
	return &domain.RowError{
		RecordType: rt,
		Row:        index,
		Kind:       kind,
		Field:      field,
		Message:    fmt.Sprintf(format, args...),
	}
}

type transactionAdapter struct{}

func (transactionAdapter) RecordType() domain.RecordType { return domain.RecordTransaction }

// Adapt reads a transaction row. A row carrying a transaction ID may be
// partial; without one, date and amount are needed to fingerprint it.
func (transactionAdapter) Adapt(index int, row any) (domain.Record, *domain.RowError) {
	const rt = domain.RecordTransaction

	f, rerr := keyed(rt, index, row)
	if rerr != nil {
		return nil, rerr
	}
	if f.blank() {
		return nil, nil
	}

	tx := domain.Transaction{
		ID:          f.str("Transaction ID", "Transaction Id", "TransactionID", "ID"),
		Description: f.str("Description", "Full Description", "Memo"),
		RawCategory: f.all("Category", "Subcategory"),
	}

	if v, field, ok := f.get("Date", "Transaction Date", "Posted Date"); ok {
		d, err := toDate(v)
		if err != nil {
			return nil, rowError(rt, index, domain.RowInvalidDate, field, "%v", err)
		}
		tx.Date = d
	} else if tx.ID == "" {
		return nil, rowError(rt, index, domain.RowMissingField, "Date", "date is required without a transaction ID")
	}

	amount, present, rerr := transactionAmount(f, index)
	if rerr != nil {
		return nil, rerr
	}
	if present {
		tx.Amount = decimal.NewNullDecimal(amount)
	} else if tx.ID == "" {
		return nil, rowError(rt, index, domain.RowMissingField, "Amount", "amount is required without a transaction ID")
	}

	name := f.str("Account", "Account Name")
	tx.AccountName = name
	tx.Account = domain.AccountKey{
		AccountID:   firstNonEmpty(f.str("Account ID", "Account Id", "Account #"), name),
		Institution: f.str("Institution"),
	}

	return tx, nil
}

// transactionAmount reads a signed Amount column, or derives one from
// credit/debit column pairs: credits are money in, debits money out.
func transactionAmount(f fields, index int) (decimal.Decimal, bool, *domain.RowError) {
	const rt = domain.RecordTransaction

	if v, field, ok := f.get("Amount"); ok {
		d, err := toDecimal(v)
		if err != nil {
			return decimal.Zero, false, rowError(rt, index, domain.RowInvalidAmount, field, "%v", err)
		}
		return d, true, nil
	}

	credit, creditField, hasCredit := f.get("Credit", "Deposit", "Deposits", "Money In")
	debit, debitField, hasDebit := f.get("Debit", "Withdrawal", "Withdrawals", "Money Out")
	if !hasCredit && !hasDebit {
		return decimal.Zero, false, nil
	}

	amount := decimal.Zero
	if hasCredit {
		d, err := toDecimal(credit)
		if err != nil {
			return decimal.Zero, false, rowError(rt, index, domain.RowInvalidAmount, creditField, "%v", err)
		}
		amount = amount.Add(d.Abs())
	}
	if hasDebit {
		d, err := toDecimal(debit)
		if err != nil {
			return decimal.Zero, false, rowError(rt, index, domain.RowInvalidAmount, debitField, "%v", err)
		}
		amount = amount.Sub(d.Abs())
	}
	return amount, true, nil
}

// accountAdapter reads both the accounts sheet and balance pushes. A balance
// row must carry a balance.
type accountAdapter struct {
	rt domain.RecordType
}

func (a accountAdapter) RecordType() domain.RecordType { return a.rt }

func (a accountAdapter) Adapt(index int, row any) (domain.Record, *domain.RowError) {
	f, rerr := keyed(a.rt, index, row)
	if rerr != nil {
		return nil, rerr
	}
	if f.blank() {
		return nil, nil
	}

	id := f.str("Account ID", "Account Id", "Account #", "AccountID")
	name := f.str("Account", "Name", "Account Name")
	if id == "" && name == "" {
		return nil, rowError(a.rt, index, domain.RowMissingField, "Account", "account ID or name is required")
	}

	acc := domain.AccountBalance{
		Account: domain.AccountKey{
			AccountID:   firstNonEmpty(id, name),
			Institution: f.str("Institution"),
		},
		Name:       name,
		Type:       domain.ParseAccountType(f.str("Type", "Account Type")),
		Group:      f.str("Group"),
		LastUpdate: f.str("Last Update", "Updated"),
	}

	acc.Class = domain.ParseAccountClass(f.str("Class"))
	if acc.Class == domain.ClassUnknown {
		acc.Class = acc.Type.DefaultClass()
	}

	if v, field, ok := f.get("Balance", "Last Balance", "Current Balance"); ok {
		d, err := toDecimal(v)
		if err != nil {
			return nil, rowError(a.rt, index, domain.RowInvalidAmount, field, "%v", err)
		}
		acc.Balance = decimal.NewNullDecimal(d)
	} else if a.rt == domain.RecordBalance {
		return nil, rowError(a.rt, index, domain.RowMissingField, "Balance", "balance is required")
	}

	return acc, nil
}

type categoryAdapter struct{}

func (categoryAdapter) RecordType() domain.RecordType { return domain.RecordCategory }

func (categoryAdapter) Adapt(index int, row any) (domain.Record, *domain.RowError) {
	const rt = domain.RecordCategory

	f, rerr := keyed(rt, index, row)
	if rerr != nil {
		return nil, rerr
	}
	if f.blank() {
		return nil, nil
	}

	name := f.str("Category", "Name")
	if name == "" {
		return nil, rowError(rt, index, domain.RowMissingField, "Category", "category name is required")
	}

	hide := f.str("Hide From Reports", "Hide", "Hidden")
	return domain.Category{
		Name:   name,
		Group:  f.str("Group"),
		Type:   f.str("Type"),
		Hidden: strings.EqualFold(hide, "hide") || domain.ParseBool(hide),
	}, nil
}

// debtAdapter reads positional debt planner tuples:
// [active, name, spacer, rate, minPmt, rank, startBal, currBal] with an
// optional ninth explicit account ID.
type debtAdapter struct{}

func (debtAdapter) RecordType() domain.RecordType { return domain.RecordDebt }

func (debtAdapter) Adapt(index int, row any) (domain.Record, *domain.RowError) {
	const rt = domain.RecordDebt

	tuple, ok := row.([]any)
	if !ok {
		if strs, isStrings := row.([]string); isStrings {
			tuple = make([]any, len(strs))
			for i, s := range strs {
				tuple[i] = s
			}
		} else {
			return nil, rowError(rt, index, domain.RowMalformedDebt, "", "expected a positional tuple, got %T", row)
		}
	}

	// Spreadsheet exports pad rows past the last column; a trailing empty
	// cell inside the first nine positions is still a value.
	for len(tuple) > 9 && isEmpty(tuple[len(tuple)-1]) {
		tuple = tuple[:len(tuple)-1]
	}
	blank := true
	for _, v := range tuple {
		if !isEmpty(v) {
			blank = false
			break
		}
	}
	if blank {
		return nil, nil
	}
	if len(tuple) != 8 && len(tuple) != 9 {
		return nil, rowError(rt, index, domain.RowMalformedDebt, "", "expected 8 positions, got %d", len(tuple))
	}

	name := toString(tuple[1])
	if name == "" {
		return nil, rowError(rt, index, domain.RowMalformedDebt, "name", "debt name is empty")
	}
	if strings.EqualFold(name, "account") || strings.EqualFold(name, "name") {
		return nil, nil
	}

	debt := domain.DebtRecord{
		Name:     debtDisplayName(name),
		IsActive: toBool(tuple[0]),
	}

	decimals := []struct {
		pos   int
		field string
		dst   *decimal.NullDecimal
		parse func(any) (decimal.Decimal, error)
	}{
		{3, "interest_rate", &debt.InterestRate, toRate},
		{4, "minimum_payment", &debt.MinimumPayment, toDecimal},
		{6, "original_balance", &debt.OriginalBalance, toDecimal},
		{7, "current_balance", &debt.CurrentBalance, toDecimal},
	}
	for _, d := range decimals {
		if isEmpty(tuple[d.pos]) {
			continue
		}
		v, err := d.parse(tuple[d.pos])
		if err != nil {
			return nil, rowError(rt, index, domain.RowInvalidValue, d.field, "%v", err)
		}
		*d.dst = decimal.NewNullDecimal(v)
	}

	if !isEmpty(tuple[5]) {
		rank, err := toInt(tuple[5])
		if err != nil {
			return nil, rowError(rt, index, domain.RowInvalidValue, "priority_rank", "%v", err)
		}
		debt.PriorityRank = rank
	}

	if len(tuple) == 9 {
		debt.ExplicitAccountID = toString(tuple[8])
	}

	return debt, nil
}

// debtDisplayName turns grouped student loan rows into a readable account
// name: "Group Id:Ae - xxxx79ae (BDB5)" becomes "Student Loan (Group Ae)".
// Everything from the first dash on is a masked account number.
func debtDisplayName(name string) string {
	const prefix = "group id:"
	if strings.HasPrefix(strings.ToLower(name), prefix) {
		group, _, _ := strings.Cut(name[len(prefix):], "-")
		return fmt.Sprintf("Student Loan (Group %s)", strings.TrimSpace(group))
	}
	return name
}
