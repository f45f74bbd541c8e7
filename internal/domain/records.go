package domain

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// RecordType identifies one kind of canonical record. The values double as the
// section keys of a push payload.
type RecordType string

const (
	RecordTransaction RecordType = "transactions"
	RecordAccount     RecordType = "accounts"
	RecordBalance     RecordType = "balances"
	RecordCategory    RecordType = "categories"
	RecordDebt        RecordType = "debts"
)

// RecordTypes lists every record type in reconciliation order: accounts and
// balances first so debts arriving in the same batch can link against them.
var RecordTypes = []RecordType{
	RecordAccount,
	RecordBalance,
	RecordCategory,
	RecordTransaction,
	RecordDebt,
}

// ParseRecordType accepts the payload key as well as singular forms.
func ParseRecordType(s string) (RecordType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transactions", "transaction", "txns":
		return RecordTransaction, true
	case "accounts", "account":
		return RecordAccount, true
	case "balances", "balance":
		return RecordBalance, true
	case "categories", "category":
		return RecordCategory, true
	case "debts", "debt":
		return RecordDebt, true
	}
	return "", false
}

// Collection returns the ledger collection the record type is stored in.
// Accounts and balances share one collection keyed by AccountKey.
func (t RecordType) Collection() RecordType {
	if t == RecordBalance {
		return RecordAccount
	}
	return t
}

// SourceKind tells where a batch came from.
type SourceKind string

const (
	SourceUpload   SourceKind = "upload"
	SourceLivePush SourceKind = "live_push"
)

// Record is implemented by every canonical record.
type Record interface {
	Kind() RecordType
}

// AccountKey uniquely identifies one financial account.
type AccountKey struct {
	AccountID   string `json:"account_id"`
	Institution string `json:"institution,omitempty"`
}

// IsZero reports whether the key carries no account.
func (k AccountKey) IsZero() bool {
	return k.AccountID == ""
}

// ID is the ledger key of the account. Institution is case-folded, the account
// ID is kept verbatim.
func (k AccountKey) ID() string {
	inst := strings.ToLower(strings.TrimSpace(k.Institution))
	if inst == "" {
		return k.AccountID
	}
	return inst + ":" + k.AccountID
}

func (k AccountKey) String() string {
	return k.ID()
}

// Transaction is the canonical transaction.
type Transaction struct {
	ID           string              `json:"id"`
	Date         civil.Date          `json:"date,omitzero"`
	Description  string              `json:"description,omitempty"`
	Amount       decimal.NullDecimal `json:"amount"` // money in positive, money out negative
	Account      AccountKey          `json:"account"`
	AccountName  string              `json:"account_name,omitempty"`
	RawCategory  []string            `json:"raw_category,omitempty"`
	IsLateral    bool                `json:"is_lateral"`
	IsSideHustle bool                `json:"is_side_hustle,omitempty"`
	ClassifiedBy string              `json:"classified_by,omitempty"` // name of the rule that matched
	SourceBatch  string              `json:"source_batch,omitempty"`
}

func (Transaction) Kind() RecordType { return RecordTransaction }

// Institution returns the institution of the owning account.
func (t Transaction) Institution() string {
	return t.Account.Institution
}

// Category returns the primary category or an empty string.
func (t Transaction) Category() string {
	if len(t.RawCategory) == 0 {
		return ""
	}
	return t.RawCategory[0]
}

// AccountType is the kind of financial account.
type AccountType string

const (
	AccountUnknown    AccountType = ""
	AccountChecking   AccountType = "Checking"
	AccountSavings    AccountType = "Savings"
	AccountCredit     AccountType = "Credit"
	AccountLoan       AccountType = "Loan"
	AccountMortgage   AccountType = "Mortgage"
	AccountInvestment AccountType = "Investment"
	AccountOther      AccountType = "Other"
)

// ParseAccountType maps loose source spellings onto AccountType.
func ParseAccountType(s string) AccountType {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return AccountUnknown
	case strings.Contains(v, "check"), v == "depository", v == "cash":
		return AccountChecking
	case strings.Contains(v, "saving"):
		return AccountSavings
	case strings.Contains(v, "credit"):
		return AccountCredit
	case strings.Contains(v, "mortgage"):
		return AccountMortgage
	case strings.Contains(v, "loan"):
		return AccountLoan
	case strings.Contains(v, "invest"), strings.Contains(v, "brokerage"), strings.Contains(v, "retire"):
		return AccountInvestment
	}
	return AccountOther
}

// AccountClass separates assets from liabilities.
type AccountClass string

const (
	ClassUnknown   AccountClass = ""
	ClassAsset     AccountClass = "Asset"
	ClassLiability AccountClass = "Liability"
)

// ParseAccountClass maps a source value onto AccountClass.
func ParseAccountClass(s string) AccountClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asset", "assets":
		return ClassAsset
	case "liability", "liabilities", "debt":
		return ClassLiability
	}
	return ClassUnknown
}

// DefaultClass is the class implied by an account type.
func (t AccountType) DefaultClass() AccountClass {
	switch t {
	case AccountCredit, AccountLoan, AccountMortgage:
		return ClassLiability
	case AccountUnknown:
		return ClassUnknown
	}
	return ClassAsset
}

// AccountBalance is one account and its current balance.
type AccountBalance struct {
	Account     AccountKey          `json:"account"`
	Name        string              `json:"name,omitempty"`
	Balance     decimal.NullDecimal `json:"balance"`
	Type        AccountType         `json:"type,omitempty"`
	Class       AccountClass        `json:"class,omitempty"`
	Group       string              `json:"group,omitempty"`
	LastUpdate  string              `json:"last_update,omitempty"`
	SourceBatch string              `json:"source_batch,omitempty"`
}

func (AccountBalance) Kind() RecordType { return RecordAccount }

// Category is one entry of the category taxonomy.
type Category struct {
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	Type        string `json:"type,omitempty"` // Expense, Income or Transfer
	Hidden      bool   `json:"hidden,omitempty"`
	SourceBatch string `json:"source_batch,omitempty"`
}

func (Category) Kind() RecordType { return RecordCategory }

// IsTransfer reports whether the category is typed as a transfer.
func (c Category) IsTransfer() bool {
	return strings.EqualFold(strings.TrimSpace(c.Type), "transfer")
}

// DebtRecord is one row of the debt planner.
type DebtRecord struct {
	Name              string              `json:"name"`
	Account           AccountKey          `json:"account"`                       // resolved link, zero while orphaned
	ExplicitAccountID string              `json:"explicit_account_id,omitempty"` // optional link supplied by the source
	Linked            bool                `json:"linked"`
	IsActive          bool                `json:"is_active"`
	InterestRate      decimal.NullDecimal `json:"interest_rate"`
	MinimumPayment    decimal.NullDecimal `json:"minimum_payment"`
	PriorityRank      int                 `json:"priority_rank,omitempty"`
	CurrentBalance    decimal.NullDecimal `json:"current_balance"`
	OriginalBalance   decimal.NullDecimal `json:"original_balance"`
	SourceBatch       string              `json:"source_batch,omitempty"`
}

func (DebtRecord) Kind() RecordType { return RecordDebt }

// SyncBatch is the audit record of one reconciliation run.
type SyncBatch struct {
	BatchID      string             `json:"batch_id"`
	ReceivedAt   time.Time          `json:"received_at"`
	SourceKind   SourceKind         `json:"source_kind"`
	RecordCounts map[RecordType]int `json:"record_counts"`
	Status       string             `json:"status"`
	Created      int                `json:"created"`
	Updated      int                `json:"updated"`
	Warnings     int                `json:"warnings"`
}
