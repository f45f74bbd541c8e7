// Package api assembles the HTTP surface of the reconciliation service.
package api

import (
	"net/http"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/api/handlers"
	"github.com/dvloznov/finance-reconciler/internal/api/middleware"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/gateway"
	"github.com/dvloznov/finance-reconciler/internal/gcsuploader"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the services the router dispatches to. Archive, Publisher,
// JobStore and MetricsHandler are optional.
type Deps struct {
	Gateway        *gateway.Gateway
	Archive        gcsuploader.Archive
	Publisher      jobs.Publisher
	JobStore       jobs.JobStore
	RulesPath      string
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	StoreState     func() string
	Server         config.ServerConfig
	Log            zerolog.Logger
}

// NewRouter returns the fully wrapped HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}

	engine := d.Gateway.Engine()
	syncHandler := handlers.NewSyncHandler(d.Gateway, d.Archive, d.Publisher)
	ledgerHandler := handlers.NewLedgerHandler(engine)
	rulesHandler := handlers.NewRulesHandler(engine, d.RulesPath)

	r := mux.NewRouter()
	r.Use(middleware.Metrics(d.Metrics))

	fin := r.PathPrefix("/api/finance").Subrouter()
	fin.HandleFunc("/sync", syncHandler.Sync).Methods(http.MethodPost)
	fin.HandleFunc("/txns/sync", syncHandler.Sync).Methods(http.MethodPost)
	fin.HandleFunc("/uploads/{recordType}", syncHandler.Upload).Methods(http.MethodPost)
	fin.HandleFunc("/uploads/{recordType}/async", syncHandler.UploadAsync).Methods(http.MethodPost)

	fin.HandleFunc("/transactions", ledgerHandler.ListTransactions).Methods(http.MethodGet)
	fin.HandleFunc("/accounts", ledgerHandler.ListAccounts).Methods(http.MethodGet)
	fin.HandleFunc("/debts", ledgerHandler.ListDebts).Methods(http.MethodGet)
	fin.HandleFunc("/categories", ledgerHandler.ListCategories).Methods(http.MethodGet)
	fin.HandleFunc("/surplus", ledgerHandler.Surplus).Methods(http.MethodGet)
	fin.HandleFunc("/summary", ledgerHandler.Summary).Methods(http.MethodGet)
	fin.HandleFunc("/batches", ledgerHandler.ListBatches).Methods(http.MethodGet)

	fin.HandleFunc("/reclassify", rulesHandler.Reclassify).Methods(http.MethodPost)
	fin.HandleFunc("/rules/reload", rulesHandler.Reload).Methods(http.MethodPost)

	if d.JobStore != nil {
		jobsHandler := handlers.NewJobsHandler(d.JobStore)
		r.HandleFunc("/api/jobs", jobsHandler.ListJobs).Methods(http.MethodGet)
		r.HandleFunc("/api/jobs/{jobID}", jobsHandler.GetJob).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", health(d.StoreState)).Methods(http.MethodGet)
	if d.MetricsHandler != nil {
		r.Handle("/metrics", d.MetricsHandler).Methods(http.MethodGet)
	}

	// Subrouters resolve their own misses; the root handlers never see them.
	for _, router := range []*mux.Router{r, fin} {
		router.NotFoundHandler = http.HandlerFunc(notFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}

	return middleware.Recovery(d.Log)(
		middleware.RequestID(
			middleware.Logger(d.Log)(
				middleware.CORS(
					middleware.RateLimit(d.Server.RateLimitRPS, d.Server.RateLimitBurst)(
						middleware.MaxBody(d.Server.MaxBodyBytes)(r),
					),
				),
			),
		),
	)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, http.StatusNotFound, "Can't find "+r.URL.Path+" on this server!")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func health(storeState func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		}
		if storeState != nil {
			state := storeState()
			body["store"] = state
			if state == "open" {
				body["status"] = "degraded"
			}
		}
		middleware.WriteJSON(w, http.StatusOK, body)
	}
}
