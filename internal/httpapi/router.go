package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/llmproxy/proxy/internal/apikeys"
	"github.com/llmproxy/proxy/internal/apperr"
	"github.com/llmproxy/proxy/internal/formats"
	"github.com/llmproxy/proxy/internal/idempotency"
	"github.com/llmproxy/proxy/internal/metrics"
	"github.com/llmproxy/proxy/internal/pipeline"
	"github.com/llmproxy/proxy/internal/providers"
	"github.com/llmproxy/proxy/internal/store"
)

// Store is the persistence surface the router needs beyond what the
// pipeline already wraps: resolving legacy keys and listing what a machine
// has configured, for the model-catalogue endpoints of spec §6.
type Store interface {
	KeyStore
	ListConnections(ctx context.Context, machineID, provider string) ([]store.ProviderConnection, error)
	ListCombos(ctx context.Context, machineID string) ([]store.Combo, error)
}

// Router dispatches the HTTP surface of spec §6 onto the request pipeline.
// Grounded on the teacher's internal/server.Manager (the http.Server half)
// paired with cmd/agentflow/middleware.go (the handler-chain half); this
// package owns routing and auth, internal/server owns the listener.
type Router struct {
	mux       *http.ServeMux
	pipe      *pipeline.Pipeline
	store     Store
	verifier  *apikeys.Verifier
	executors map[string]providers.Executor
	require   bool
	metrics   *metrics.Collector
	tracing   bool
	idem      idempotency.Manager
	logger    *zap.Logger
}

// WithTracing enables the OTel tracing middleware, left off by default since
// it requires telemetry.Init to have registered a real tracer provider.
func (rt *Router) WithTracing(enabled bool) *Router {
	rt.tracing = enabled
	return rt
}

// WithIdempotency enables Idempotency-Key caching on non-streaming chat
// endpoints. A nil manager (the default) disables the feature entirely.
func (rt *Router) WithIdempotency(m idempotency.Manager) *Router {
	rt.idem = m
	return rt
}

// Mount registers an additional handler (e.g. internal/admin.Handler) at
// pattern on the router's own mux, so it shares the same listener as the
// rest of spec §6's HTTP surface.
func (rt *Router) Mount(pattern string, h http.Handler) {
	rt.mux.Handle(pattern, h)
}

// WithMetrics attaches a Prometheus collector, returning the same Router for
// chaining at construction time in cmd/proxy.
func (rt *Router) WithMetrics(m *metrics.Collector) *Router {
	rt.metrics = m
	return rt
}

// NewRouter builds a Router with every route registered in both its bare and
// {machineId}-prefixed forms.
func NewRouter(pipe *pipeline.Pipeline, st Store, verifier *apikeys.Verifier, executors map[string]providers.Executor, requireAPIKey bool, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Router{
		mux:       http.NewServeMux(),
		pipe:      pipe,
		store:     st,
		verifier:  verifier,
		executors: executors,
		require:   requireAPIKey,
		logger:    logger,
	}
	rt.registerRoutes()
	return rt
}

// Handler returns the fully wrapped handler (middleware chain + mux) ready
// to hand to an *http.Server (spec §4.7, §6).
func (rt *Router) Handler(corsOrigins []string) http.Handler {
	chain := []Middleware{
		RequestID(),
		Recovery(rt.logger),
		RequestLogger(rt.logger),
		CORS(corsOrigins),
	}
	if rt.tracing {
		chain = append(chain, OTelTracing())
	}
	if rt.metrics != nil {
		chain = append(chain, MetricsMiddleware(rt.metrics))
	}
	return Chain(rt.mux, chain...)
}

func (rt *Router) registerRoutes() {
	rt.both("GET /health", rt.handleHealth)
	rt.both("GET /v1/verify", rt.handleVerify)

	rt.both("POST /v1/chat/completions", rt.proxy(formats.OpenAI))
	rt.both("POST /v1/messages", rt.proxy(formats.Claude))
	rt.both("POST /v1/responses", rt.proxy(formats.OpenAIResponses))
	rt.both("POST /v1/embeddings", rt.proxy(formats.OpenAI))
	rt.both("POST /v1/api/chat", rt.proxy(formats.Ollama))

	rt.both("GET /v1/models", rt.handleModelsOpenAI)
	rt.both("GET /v1beta/models", rt.handleModelsGemini)
	rt.both("GET /api/tags", rt.handleOllamaTags)

	rt.both("POST /forward", rt.handleForward)
	rt.both("POST /forward-raw", rt.handleForwardRaw)
}

// both registers pattern at its bare form and again prefixed with
// /{machineId}, per spec §4.7's "legacy prefixed form of all of the above".
func (rt *Router) both(pattern string, h http.HandlerFunc) {
	rt.mux.HandleFunc(pattern, h)
	method, path, _ := splitPattern(pattern)
	rt.mux.HandleFunc(method+" /{machineId}"+path, h)
}

func splitPattern(pattern string) (method, path string, ok bool) {
	for i, c := range pattern {
		if c == ' ' {
			return pattern[:i], pattern[i+1:], true
		}
	}
	return "", pattern, false
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleVerify(w http.ResponseWriter, r *http.Request) {
	machineID, err := rt.authenticate(r)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "machineId": machineID})
}

// proxy builds the handler shared by every chat-style endpoint: decode body,
// authenticate, dispatch through the pipeline, write the client-visible
// result in whichever shape the pipeline produced.
func (rt *Router) proxy(source formats.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machineID, err := rt.authenticate(r)
		if err != nil {
			rt.writeAPIError(w, err)
			return
		}

		var body formats.Payload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			rt.writeAPIError(w, apperr.New(apperr.CodeInvalidRequest, "malformed JSON body").WithHTTPStatus(http.StatusBadRequest))
			return
		}

		model, _ := body["model"].(string)
		stream, _ := body["stream"].(bool)

		var idemKey string
		if rt.idem != nil && !stream {
			if clientKey := r.Header.Get("Idempotency-Key"); clientKey != "" {
				idemKey = rt.idem.Key(machineID, clientKey)
				if cached, ok, err := rt.idem.Get(r.Context(), idemKey); err == nil && ok {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotency-Replayed", "true")
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write(cached)
					return
				}
			}
		}

		req := pipeline.Request{
			MachineID:    machineID,
			Model:        model,
			SourceFormat: source,
			Body:         body,
			Stream:       stream,
		}

		if stream {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
		}

		out, err := rt.pipe.Handle(r.Context(), req, w)
		if err != nil {
			if stream {
				// First byte may already be written; the client gets a
				// terminated stream rather than a rewritten status.
				rt.logger.Warn("stream dispatch failed", zap.Error(err))
				return
			}
			rt.writeAPIError(w, err)
			return
		}
		if !stream {
			status := firstNonZero(out.StatusCode, http.StatusOK)
			if idemKey != "" && status < 300 {
				if err := rt.idem.Set(r.Context(), idemKey, out.Body, idempotency.DefaultTTL); err != nil {
					rt.logger.Warn("failed to cache idempotent response", zap.Error(err))
				}
			}
			writeJSON(w, status, out.Body)
		}
	}
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func (rt *Router) authenticate(r *http.Request) (string, error) {
	pathMachineID := r.PathValue("machineId")
	key := extractKey(r)
	if !rt.require && pathMachineID != "" {
		// Legacy prefixed routes may carry the machine id in the path alone;
		// an operator that disabled key enforcement accepts that as-is.
		return pathMachineID, nil
	}
	return resolveMachine(r.Context(), rt.store, rt.verifier, pathMachineID, key)
}

func (rt *Router) writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := err.(*apperr.Error); ok && e.HTTPStatus != 0 {
		status = e.HTTPStatus
	}
	if e, ok := err.(*apperr.Error); ok && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apperr.ToEnvelope(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

