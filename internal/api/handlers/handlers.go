// Package handlers implements the HTTP endpoints of the reconciliation
// service.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/api/middleware"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

// RetryAfter is advertised on 503 responses.
const RetryAfter = 5 * time.Second

// writeErr maps an error onto the status contract: payload shape problems are
// 400, rule errors 422, store outages 503 and everything else 500.
func writeErr(w http.ResponseWriter, r *http.Request, err error, action string) {
	var ruleErr *domain.ClassificationRuleError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.Is(err, domain.ErrInvalidPayloadShape):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooLarge):
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
	case errors.As(err, &ruleErr):
		middleware.WriteError(w, http.StatusUnprocessableEntity, ruleErr.Error())
	case domain.IsRetryable(err):
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg(action + " failed")
		middleware.WriteUnavailable(w, RetryAfter, "Ledger store unavailable, retry later")
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg(action + " failed")
		middleware.WriteError(w, http.StatusInternalServerError, action+" failed")
	}
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return data, nil
}

// queryDate parses an optional yyyy-mm-dd query parameter.
func queryDate(r *http.Request, name string) (civil.Date, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(v)
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid %s %q, want YYYY-MM-DD", name, v)
	}
	return d, nil
}

// queryAccount reads the optional account_id / institution filter.
func queryAccount(r *http.Request) *domain.AccountKey {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("account_id"))
	if id == "" {
		return nil
	}
	return &domain.AccountKey{AccountID: id, Institution: strings.TrimSpace(q.Get("institution"))}
}
