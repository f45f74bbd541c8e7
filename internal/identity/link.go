package identity

import (
	"sort"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// LinkStatus is the outcome of resolving a debt to an account.
type LinkStatus string

const (
	LinkLinked    LinkStatus = "linked"
	LinkOrphan    LinkStatus = "orphan"
	LinkAmbiguous LinkStatus = "ambiguous"
)

// Link is the resolved account of one debt.
type Link struct {
	Key        domain.AccountKey
	Status     LinkStatus
	Candidates []string // account IDs that matched when ambiguous
}

// ResolveDebtAccount links a debt to exactly one account. An explicit account
// ID on the debt wins when that account exists; otherwise the debt name must
// match exactly one account display name, case-insensitively. There is no
// fuzzy or fingerprint fallback.
func ResolveDebtAccount(debt domain.DebtRecord, accounts []domain.AccountBalance) Link {
	if explicit := strings.TrimSpace(debt.ExplicitAccountID); explicit != "" {
		for _, acc := range accounts {
			if acc.Account.AccountID == explicit || strings.EqualFold(acc.Account.ID(), explicit) {
				return Link{Key: acc.Account, Status: LinkLinked}
			}
		}
	}

	name := NormalizeText(debt.Name)
	if name == "" {
		return Link{Status: LinkOrphan}
	}

	var matches []domain.AccountKey
	for _, acc := range accounts {
		if NormalizeText(DisplayName(acc)) == name {
			matches = append(matches, acc.Account)
		}
	}

	switch len(matches) {
	case 0:
		return Link{Status: LinkOrphan}
	case 1:
		return Link{Key: matches[0], Status: LinkLinked}
	}

	candidates := make([]string, len(matches))
	for i, m := range matches {
		candidates[i] = m.ID()
	}
	sort.Strings(candidates)
	return Link{Status: LinkAmbiguous, Candidates: candidates}
}

// DisplayName is the name an account is known by in the debt planner.
func DisplayName(acc domain.AccountBalance) string {
	if acc.Name != "" {
		return acc.Name
	}
	return acc.Account.AccountID
}
