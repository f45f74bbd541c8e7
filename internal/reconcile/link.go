package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/identity"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

// linkDebts resolves every stored debt against the current accounts and
// persists link changes. It warns about active debts that are orphaned and
// either arrived in this batch or just lost their link; orphans that were
// already reported by an earlier batch stay quiet.
func (e *Engine) linkDebts(ctx context.Context, inBatch map[string]bool) ([]domain.OrphanDebtWarning, error) {
	log := logger.FromContext(ctx)

	accounts, err := e.ledger.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("linkDebts: listing accounts: %w", err)
	}
	debts, err := e.ledger.Debts(ctx)
	if err != nil {
		return nil, fmt.Errorf("linkDebts: listing debts: %w", err)
	}

	ids := make([]string, 0, len(debts))
	for id := range debts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var warnings []domain.OrphanDebtWarning
	for _, id := range ids {
		debt := debts[id]
		link := identity.ResolveDebtAccount(debt, accounts)
		linked := link.Status == identity.LinkLinked
		lost := false

		if linked != debt.Linked || link.Key != debt.Account {
			wasLinked := debt.Linked
			debt.Linked = linked
			debt.Account = link.Key
			if err := e.ledger.PutDebt(ctx, id, debt); err != nil {
				return warnings, fmt.Errorf("linkDebts: writing debt %s: %w", id, err)
			}
			log.Debug().Str("debt_id", id).Bool("linked", linked).Str("account", link.Key.ID()).Msg("Debt link changed")
			lost = wasLinked && !linked
		}

		if linked || !debt.IsActive || !(inBatch[id] || lost) {
			continue
		}
		w := orphanWarning(id, debt, link)
		log.Warn().Str("debt_id", id).Str("debt_name", debt.Name).Str("reason", w.Reason).Msg("Orphan debt")
		warnings = append(warnings, w)
	}
	return warnings, nil
}

func orphanWarning(id string, debt domain.DebtRecord, link identity.Link) domain.OrphanDebtWarning {
	w := domain.OrphanDebtWarning{DebtID: id, DebtName: debt.Name}
	switch {
	case link.Status == identity.LinkAmbiguous:
		w.Reason = fmt.Sprintf("name matches %d accounts", len(link.Candidates))
		w.Candidates = link.Candidates
	case debt.ExplicitAccountID != "":
		w.Reason = fmt.Sprintf("account %q not found and no account is named %q", debt.ExplicitAccountID, debt.Name)
	default:
		w.Reason = fmt.Sprintf("no account named %q", debt.Name)
	}
	return w
}
