package reconcile

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// daysPerMonth is the average month length used for monthly averages.
var daysPerMonth = decimal.NewFromFloat(30.44)

// Period is an inclusive date range; a zero bound is open.
type Period struct {
	Start civil.Date `json:"start,omitzero"`
	End   civil.Date `json:"end,omitzero"`
}

// Contains reports whether d falls inside p.
func (p Period) Contains(d civil.Date) bool {
	if !p.Start.IsZero() && d.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && d.After(p.End) {
		return false
	}
	return true
}

// SurplusReport is the cash-flow view of a period. Lateral transactions are
// excluded from every total except LateralExcluded; side-hustle income is
// reported on its own and does not count toward the surplus basis.
type SurplusReport struct {
	Period           Period                     `json:"period"`
	Account          *domain.AccountKey         `json:"account,omitempty"`
	Transactions     int                        `json:"transactions"`
	SurplusBasis     decimal.Decimal            `json:"surplus_basis"`
	Income           decimal.Decimal            `json:"income"`
	Expenses         decimal.Decimal            `json:"expenses"`
	LateralExcluded  decimal.Decimal            `json:"lateral_excluded"`
	LateralCount     int                        `json:"lateral_count"`
	SideHustleIncome decimal.Decimal            `json:"side_hustle_income"`
	Months           decimal.Decimal            `json:"months"`
	MonthlyIncome    decimal.Decimal            `json:"monthly_income"`
	MonthlyExpenses  decimal.Decimal            `json:"monthly_expenses"`
	MonthlySurplus   decimal.Decimal            `json:"monthly_surplus"`
	IncomeByCategory map[string]decimal.Decimal `json:"income_by_category"`
}

// Surplus derives the surplus basis on read from the stored transactions,
// optionally restricted to one account.
func (e *Engine) Surplus(ctx context.Context, p Period, account *domain.AccountKey) (*SurplusReport, error) {
	var (
		txs []domain.Transaction
		err error
	)
	if account != nil {
		txs, err = e.ledger.TransactionsByAccount(ctx, *account)
	} else {
		txs, err = e.ledger.Transactions(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("Surplus: %w", err)
	}
	return ComputeSurplus(txs, p, account), nil
}

// ComputeSurplus is the pure part of Surplus.
func ComputeSurplus(txs []domain.Transaction, p Period, account *domain.AccountKey) *SurplusReport {
	r := &SurplusReport{Period: p, Account: account, IncomeByCategory: make(map[string]decimal.Decimal)}

	var first, last civil.Date
	for _, tx := range txs {
		if !tx.Amount.Valid || tx.Date.IsZero() || !p.Contains(tx.Date) {
			continue
		}
		r.Transactions++
		if first.IsZero() || tx.Date.Before(first) {
			first = tx.Date
		}
		if last.IsZero() || tx.Date.After(last) {
			last = tx.Date
		}

		amt := tx.Amount.Decimal
		if tx.IsSideHustle && amt.IsPositive() {
			r.SideHustleIncome = r.SideHustleIncome.Add(amt)
		}
		if tx.IsLateral {
			r.LateralExcluded = r.LateralExcluded.Add(amt.Abs())
			r.LateralCount++
			continue
		}

		r.SurplusBasis = r.SurplusBasis.Add(amt)
		if amt.IsPositive() {
			r.Income = r.Income.Add(amt)
			cat := classifier.PrimaryCategory(tx.RawCategory)
			r.IncomeByCategory[cat] = r.IncomeByCategory[cat].Add(amt)
		} else {
			r.Expenses = r.Expenses.Add(amt.Neg())
		}
	}

	// An explicit period wins over the span of the data.
	from, to := first, last
	if !p.Start.IsZero() {
		from = p.Start
	}
	if !p.End.IsZero() {
		to = p.End
	}
	r.Months = months(from, to)
	r.MonthlyIncome = r.Income.Div(r.Months).Round(2)
	r.MonthlyExpenses = r.Expenses.Div(r.Months).Round(2)
	r.MonthlySurplus = r.MonthlyIncome.Sub(r.MonthlyExpenses)
	return r
}

// months is the span in average-length months, never less than one.
func months(from, to civil.Date) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return one
	}
	m := decimal.NewFromInt(int64(to.DaysSince(from))).Div(daysPerMonth).Round(4)
	if m.LessThan(one) {
		return one
	}
	return m
}

// BalanceSummary aggregates the accounts and debts collections.
type BalanceSummary struct {
	Accounts        int             `json:"accounts"`
	Assets          decimal.Decimal `json:"assets"`
	Liabilities     decimal.Decimal `json:"liabilities"`
	NetWorth        decimal.Decimal `json:"net_worth"`
	ActiveDebts     int             `json:"active_debts"`
	DebtBalance     decimal.Decimal `json:"debt_balance"`
	MinimumPayments decimal.Decimal `json:"minimum_payments"`
	WeightedRate    decimal.Decimal `json:"weighted_rate"` // balance-weighted APR of active debts
	OrphanDebts     int             `json:"orphan_debts"`
}

// BalanceSummary derives net worth and debt totals on read.
func (e *Engine) BalanceSummary(ctx context.Context) (*BalanceSummary, error) {
	accounts, err := e.ledger.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("BalanceSummary: %w", err)
	}
	debts, err := e.ledger.Debts(ctx)
	if err != nil {
		return nil, fmt.Errorf("BalanceSummary: %w", err)
	}
	list := make([]domain.DebtRecord, 0, len(debts))
	for _, d := range debts {
		list = append(list, d)
	}
	return ComputeBalanceSummary(accounts, list), nil
}

// ComputeBalanceSummary is the pure part of BalanceSummary. Liability
// balances count by magnitude whatever sign the source used.
func ComputeBalanceSummary(accounts []domain.AccountBalance, debts []domain.DebtRecord) *BalanceSummary {
	s := &BalanceSummary{}
	for _, acc := range accounts {
		if !acc.Balance.Valid {
			continue
		}
		s.Accounts++
		class := acc.Class
		if class == domain.ClassUnknown {
			class = acc.Type.DefaultClass()
		}
		if class == domain.ClassLiability {
			s.Liabilities = s.Liabilities.Add(acc.Balance.Decimal.Abs())
		} else {
			s.Assets = s.Assets.Add(acc.Balance.Decimal)
		}
	}
	s.NetWorth = s.Assets.Sub(s.Liabilities)

	var weighted decimal.Decimal
	for _, d := range debts {
		if !d.IsActive {
			continue
		}
		s.ActiveDebts++
		if !d.Linked {
			s.OrphanDebts++
		}
		bal := d.CurrentBalance.Decimal.Abs()
		s.DebtBalance = s.DebtBalance.Add(bal)
		s.MinimumPayments = s.MinimumPayments.Add(d.MinimumPayment.Decimal)
		weighted = weighted.Add(bal.Mul(d.InterestRate.Decimal))
	}
	if s.DebtBalance.IsPositive() {
		s.WeightedRate = weighted.Div(s.DebtBalance).Round(4)
	}
	return s
}
