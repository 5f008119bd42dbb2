package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/cache"
	"github.com/elimaine/clawfactory-sub000/pkg/capture"
	"github.com/elimaine/clawfactory-sub000/pkg/config"
	"github.com/elimaine/clawfactory-sub000/pkg/keymanager"
	"github.com/elimaine/clawfactory-sub000/pkg/logging"
	"github.com/elimaine/clawfactory-sub000/pkg/middleware"
	"github.com/elimaine/clawfactory-sub000/pkg/redact"
	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

// maxAdminBody bounds JSON bodies accepted by the control plane. Hook
// exchanges carry full request and response bodies, so the limit is generous.
const maxAdminBody = 32 << 20

// Options wires the admin API to the running pipeline.
type Options struct {
	Toggle    *storage.Toggle
	Reader    storage.Reader
	Engine    *redact.Engine
	Hook      *capture.Hook
	Feed      *capture.Feed
	Config    *config.Store
	Encrypted bool
	Redis     *cache.Client
}

// AdminAPI serves the control plane: capture toggle, log queries, rule
// management, hook ingestion and the live feed.
type AdminAPI struct {
	toggle    *storage.Toggle
	reader    storage.Reader
	engine    *redact.Engine
	hook      *capture.Hook
	feed      *capture.Feed
	cfg       *config.Store
	encrypted bool
	redis     *cache.Client
	live      *liveHub
}

// NewAdminAPI creates a new admin API handler
func NewAdminAPI(opts Options) *AdminAPI {
	return &AdminAPI{
		toggle:    opts.Toggle,
		reader:    opts.Reader,
		engine:    opts.Engine,
		hook:      opts.Hook,
		feed:      opts.Feed,
		cfg:       opts.Config,
		encrypted: opts.Encrypted,
		redis:     opts.Redis,
		live:      newLiveHub(opts.Feed),
	}
}

// RegisterRoutes registers admin endpoints
func (api *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	auth := middleware.AdminAuth(api.cfg)
	protect := func(h http.HandlerFunc) http.Handler { return auth(h) }

	// Capture toggle
	mux.Handle("/admin/capture", protect(api.handleCapture))

	// Log queries
	mux.Handle("/admin/entries", protect(api.handleEntries))
	mux.Handle("/admin/entries/", protect(api.handleEntry))
	mux.Handle("/admin/stats", protect(api.handleStats))
	mux.Handle("/admin/count", protect(api.handleCount))

	// Redaction rules
	mux.Handle("/admin/rules", protect(api.handleRules))
	mux.Handle("/admin/rules/", protect(api.handleRule))
	testLimiter := middleware.NewLocalRateLimiter(5, 10)
	mux.Handle("/admin/rules/test", auth(testLimiter(http.HandlerFunc(api.handleTestRule))))

	// Live feed and hook ingestion
	mux.Handle("/admin/live", protect(api.live.handleWS))
	mux.Handle("/hook/exchange", protect(api.handleHookExchange))

	// System
	mux.HandleFunc("/health", api.handleHealth)
}

// handleCapture reads or flips the capture toggle
func (api *AdminAPI) handleCapture(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"enabled":   api.toggle.Enabled(),
			"encrypted": api.encrypted,
		})
	case http.MethodPut, http.MethodPost:
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeBody(w, r, &req); err != nil || req.Enabled == nil {
			respondError(w, http.StatusBadRequest, "Body must be {\"enabled\": true|false}")
			return
		}
		if err := api.toggle.Set(*req.Enabled); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to set capture state: %v", err))
			return
		}
		logging.L.Info("capture toggled", zap.Bool("enabled", *req.Enabled))
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"enabled":   api.toggle.Enabled(),
			"encrypted": api.encrypted,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEntries lists records newest first
func (api *AdminAPI) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := r.URL.Query()
	q := storage.Query{
		Provider: params.Get("provider"),
		Search:   params.Get("q"),
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset, "status": &q.Status} {
		raw := params.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
			return
		}
		*dst = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	entries, err := api.reader.List(ctx, q)
	if err != nil {
		respondReadError(w, err)
		return
	}

	limit := q.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if limit > storage.MaxListLimit {
		limit = storage.MaxListLimit
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"limit":   limit,
		"offset":  q.Offset,
	})
}

// handleEntry returns one record by id
func (api *AdminAPI) handleEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/admin/entries/")
	if id == "" || strings.Contains(id, "/") {
		respondError(w, http.StatusNotFound, "Entry not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rec, ok, err := api.reader.Get(ctx, id)
	if err != nil {
		respondReadError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "Entry not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleStats returns aggregate statistics over the whole log
func (api *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := api.reader.Stats(ctx)
	if err != nil {
		respondReadError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (api *AdminAPI) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	n, err := api.reader.Count(ctx)
	if err != nil {
		respondReadError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": n})
}

// handleRules lists the effective rules, replaces the user document or
// creates a single rule.
func (api *AdminAPI) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.respondRules(w, http.StatusOK, nil)

	case http.MethodPut:
		var doc redact.RuleSet
		if err := decodeBody(w, r, &doc); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		dropped, err := api.engine.Save(doc)
		if err != nil {
			respondRuleError(w, err)
			return
		}
		if len(dropped) > 0 {
			logging.L.Warn("rule document entries dropped", zap.Strings("dropped", dropped))
		}
		api.respondRules(w, http.StatusOK, dropped)

	case http.MethodPost:
		var rule redact.Rule
		if err := decodeBody(w, r, &rule); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		created, err := api.engine.Create(rule)
		if err != nil {
			respondRuleError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRule updates or deletes one rule by id
func (api *AdminAPI) handleRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/rules/")
	if id == "" || strings.Contains(id, "/") {
		respondError(w, http.StatusNotFound, "Rule not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rule, ok := api.engine.Rule(id)
		if !ok {
			respondError(w, http.StatusNotFound, "Rule not found")
			return
		}
		respondJSON(w, http.StatusOK, rule)

	case http.MethodPut, http.MethodPatch:
		var upd redact.RuleUpdate
		if err := decodeBody(w, r, &upd); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		rule, err := api.engine.Update(id, upd)
		if err != nil {
			respondRuleError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rule)

	case http.MethodDelete:
		if err := api.engine.Delete(id); err != nil {
			respondRuleError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"message": "Rule deleted",
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTestRule evaluates a candidate rule against a sample without
// touching the stored rule set.
func (api *AdminAPI) handleTestRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Pattern     string `json:"pattern"`
		Replacement string `json:"replacement"`
		Sample      string `json:"sample"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := redact.TestRule(req.Pattern, req.Replacement, req.Sample, api.cfg.Get().Redaction.TestTimeout)
	if errors.Is(err, redact.ErrRuleTimeout) {
		respondJSON(w, http.StatusOK, result)
		return
	}
	if err != nil {
		respondRuleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleHookExchange records an exchange reported by an external
// interception layer.
func (api *AdminAPI) handleHookExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in capture.HookExchange
	if err := decodeBody(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !api.toggle.Enabled() {
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"recorded": false,
			"reason":   "capture disabled",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rec, err := api.hook.Ingest(ctx, in)
	switch {
	case errors.Is(err, capture.ErrInvalidExchange):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, capture.ErrNotModelCall):
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"recorded": false,
			"reason":   "not a model call",
		})
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	case rec == nil:
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"recorded": false,
		})
	default:
		respondJSON(w, http.StatusCreated, map[string]interface{}{
			"recorded": true,
			"id":       rec.ID,
		})
	}
}

// handleHealth returns system health
func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"capture":   api.toggle.Enabled(),
	}
	if api.feed != nil {
		health["live_subscribers"] = api.feed.Subscribers()
	}

	if api.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := api.redis.Ping(ctx); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["redis"] = "healthy"
		}
	}

	respondJSON(w, http.StatusOK, health)
}

func (api *AdminAPI) respondRules(w http.ResponseWriter, status int, dropped []string) {
	body := map[string]interface{}{
		"rules":           api.engine.EffectiveRules(),
		"builtin_version": redact.BuiltinVersion,
	}
	if dropped != nil {
		body["dropped"] = dropped
	}
	respondJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(v)
}

func respondReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, keymanager.ErrNoKey) {
		respondError(w, http.StatusServiceUnavailable, "Capture log is encrypted and no key is available")
		return
	}
	respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read capture log: %v", err))
}

func respondRuleError(w http.ResponseWriter, err error) {
	var invalid *redact.ValidationError
	switch {
	case errors.As(err, &invalid):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": invalid.Error(),
			"field": invalid.Field,
		})
	case errors.Is(err, redact.ErrTooManyRules):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, redact.ErrDuplicateID):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, redact.ErrBuiltinRule):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, redact.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
