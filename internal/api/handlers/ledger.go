package handlers

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/dvloznov/finance-reconciler/internal/api/middleware"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
)

// LedgerHandler serves read access to the reconciled ledger.
type LedgerHandler struct {
	engine *reconcile.Engine
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(engine *reconcile.Engine) *LedgerHandler {
	return &LedgerHandler{engine: engine}
}

// ListTransactions handles GET /api/finance/transactions
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	start, err := queryDate(r, "start")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := queryDate(r, "end")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var txs []domain.Transaction
	if key := queryAccount(r); key != nil {
		txs, err = h.engine.Ledger().TransactionsByAccount(ctx, *key)
	} else {
		txs, err = h.engine.Ledger().Transactions(ctx)
	}
	if err != nil {
		writeErr(w, r, err, "Listing transactions")
		return
	}

	period := reconcile.Period{Start: start, End: end}
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if period.Contains(tx.Date) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": out,
		"count":        len(out),
	})
}

// ListAccounts handles GET /api/finance/accounts
func (h *LedgerHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.engine.Ledger().Accounts(r.Context())
	if err != nil {
		writeErr(w, r, err, "Listing accounts")
		return
	}
	if accounts == nil {
		accounts = []domain.AccountBalance{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// debtView is a stored debt with its ledger key.
type debtView struct {
	ID string `json:"id"`
	domain.DebtRecord
}

// ListDebts handles GET /api/finance/debts
func (h *LedgerHandler) ListDebts(w http.ResponseWriter, r *http.Request) {
	debts, err := h.engine.Ledger().Debts(r.Context())
	if err != nil {
		writeErr(w, r, err, "Listing debts")
		return
	}

	out := make([]debtView, 0, len(debts))
	for id, d := range debts {
		out = append(out, debtView{ID: id, DebtRecord: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityRank != out[j].PriorityRank {
			return out[i].PriorityRank < out[j].PriorityRank
		}
		return out[i].ID < out[j].ID
	})

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"debts": out,
		"count": len(out),
	})
}

// ListCategories handles GET /api/finance/categories
func (h *LedgerHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.engine.Ledger().Categories(r.Context())
	if err != nil {
		writeErr(w, r, err, "Listing categories")
		return
	}
	if categories == nil {
		categories = []domain.Category{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"categories": categories,
		"count":      len(categories),
	})
}

// Surplus handles GET /api/finance/surplus
func (h *LedgerHandler) Surplus(w http.ResponseWriter, r *http.Request) {
	start, err := queryDate(r, "start")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := queryDate(r, "end")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		middleware.WriteError(w, http.StatusBadRequest, "end is before start")
		return
	}

	report, err := h.engine.Surplus(r.Context(), reconcile.Period{Start: start, End: end}, queryAccount(r))
	if err != nil {
		writeErr(w, r, err, "Computing surplus")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, report)
}

// Summary handles GET /api/finance/summary
func (h *LedgerHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.BalanceSummary(r.Context())
	if err != nil {
		writeErr(w, r, err, "Computing summary")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, summary)
}

// ListBatches handles GET /api/finance/batches
func (h *LedgerHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	batches, err := h.engine.Batches(r.Context(), limit)
	if err != nil {
		writeErr(w, r, err, "Listing batches")
		return
	}
	if batches == nil {
		batches = []domain.SyncBatch{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}
