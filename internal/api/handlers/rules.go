package handlers

import (
	"net/http"

	"github.com/dvloznov/finance-reconciler/internal/api/middleware"
	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
)

// RulesHandler manages the classification rule set.
type RulesHandler struct {
	engine    *reconcile.Engine
	rulesPath string
}

// NewRulesHandler creates a rules handler. rulesPath is reread on reload
// when the request carries no body; empty falls back to the built-in rules.
func NewRulesHandler(engine *reconcile.Engine, rulesPath string) *RulesHandler {
	return &RulesHandler{engine: engine, rulesPath: rulesPath}
}

// Reclassify handles POST /api/finance/reclassify
func (h *RulesHandler) Reclassify(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Reclassify(r.Context())
	if err != nil {
		writeErr(w, r, err, "Reclassify")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// Reload handles POST /api/finance/rules/reload. A YAML body replaces the
// active rules directly.
func (h *RulesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeErr(w, r, err, "Reloading rules")
		return
	}

	var rs classifier.RuleSet
	source := "body"
	switch {
	case len(body) > 0:
		rs, err = classifier.ParseRules(body)
	case h.rulesPath != "":
		source = h.rulesPath
		rs, err = classifier.LoadRules(h.rulesPath)
	default:
		source = "default"
		rs = classifier.DefaultRules()
	}
	if err == nil {
		err = h.engine.SetRules(rs)
	}
	if err != nil {
		writeErr(w, r, err, "Reloading rules")
		return
	}

	c, err := h.engine.Classifier()
	if err != nil {
		writeErr(w, r, err, "Reloading rules")
		return
	}
	log := logger.FromContext(r.Context())
	log.Info().Str("source", source).Int("version", c.Version()).Msg("Classification rules reloaded")

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"source":  source,
		"version": c.Version(),
		"rules":   c.RuleNames(),
	})
}
