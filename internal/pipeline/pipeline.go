// Package pipeline wires credential selection, token refresh, format
// translation, dispatch, and fallback together into the single request flow
// of spec §4.6. It assumes the caller (internal/httpapi) has already
// authenticated the request; Handle starts at model resolution.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmproxy/proxy/internal/apperr"
	"github.com/llmproxy/proxy/internal/credpool"
	"github.com/llmproxy/proxy/internal/formats"
	"github.com/llmproxy/proxy/internal/providers"
	"github.com/llmproxy/proxy/internal/sse"
	"github.com/llmproxy/proxy/internal/store"
)

// maxConnectionAttemptsPerModel bounds how many different credentials a
// single canonical model is retried against before the pipeline moves on to
// the next combo candidate (or gives up); spec §4.6 does not name an exact
// cap, so this mirrors the teacher's RetryableProvider default of 3.
const maxConnectionAttemptsPerModel = 3

// Refresher is the seam internal/refresh.Refresher satisfies.
type Refresher interface {
	Ensure(ctx context.Context, conn *store.ProviderConnection) bool
}

// Store is the persistence surface the pipeline needs beyond what credpool
// already owns.
type Store interface {
	GetConnection(ctx context.Context, connectionID string) (*store.ProviderConnection, error)
	ResolveAlias(ctx context.Context, machineID, alias string) (string, bool, error)
	GetCombo(ctx context.Context, machineID, name string) (*store.Combo, error)
	AsyncRecordUsage(rec *store.UsageRecord)
}

// Pool is the seam internal/credpool.Pool satisfies.
type Pool interface {
	Select(ctx context.Context, machineID, provider, excludeID, model string) (*credpool.CredentialView, error)
	MarkFailure(ctx context.Context, connectionID string, httpStatus int, errorCode, errorBody, model string) error
	MarkSuccess(ctx context.Context, connectionID string) error
}

// Metrics is the seam internal/metrics.Collector satisfies. Optional: a nil
// Metrics disables recording rather than requiring a no-op implementation.
type Metrics interface {
	RecordProviderRequest(provider, model string, statusCode int, duration time.Duration, promptTokens, completionTokens int)
}

// Notifier is the seam internal/admin.Hub satisfies, optionally pushing a
// live request-fingerprint feed.
type Notifier interface {
	NotifyRequestFingerprint(machineID, provider, model string, statusCode int, streaming bool, duration time.Duration)
}

// Pipeline runs one chat/completion request end to end.
type Pipeline struct {
	store     Store
	pool      Pool
	refresher Refresher
	registry  *formats.Registry
	executors map[string]providers.Executor
	metrics   Metrics
	notifier  Notifier
	logger    *zap.Logger
}

// New constructs a Pipeline. executors is keyed by canonical provider name
// (internal/providers.Catalogue's keys).
func New(st Store, pool Pool, refresher Refresher, registry *formats.Registry, executors map[string]providers.Executor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:     st,
		pool:      pool,
		refresher: refresher,
		registry:  registry,
		executors: executors,
		logger:    logger.With(zap.String("component", "pipeline")),
	}
}

// WithMetrics attaches a metrics recorder, returning the same Pipeline for
// chaining at construction time in cmd/proxy.
func (p *Pipeline) WithMetrics(m Metrics) *Pipeline {
	p.metrics = m
	return p
}

// WithNotifier attaches an admin feed notifier, returning the same Pipeline
// for chaining at construction time in cmd/proxy.
func (p *Pipeline) WithNotifier(n Notifier) *Pipeline {
	p.notifier = n
	return p
}

// Request is everything Handle needs beyond machine/auth context.
type Request struct {
	MachineID    string
	Model        string // alias, combo name, or literal "provider/model"
	SourceFormat formats.Format
	Body         formats.Payload
	Stream       bool
}

// Outcome is returned to internal/httpapi once a candidate model+credential
// either succeeds or every candidate is exhausted.
type Outcome struct {
	Provider   string
	Model      string
	StatusCode int
	Stream     *sse.Result
	Body       formats.Payload // set for non-streaming responses
}

// Handle resolves req.Model into one or more canonical "provider/model"
// candidates (alias, then combo, then literal), and tries each in order,
// retrying a bounded number of credentials per candidate before moving to
// the next one (spec §4.6's "first-success" combo semantics).
func (p *Pipeline) Handle(ctx context.Context, req Request, w io.Writer) (*Outcome, error) {
	candidates, err := p.resolveCandidates(ctx, req.MachineID, req.Model)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, candidate := range candidates {
		outcome, err := p.tryCandidate(ctx, req, candidate, w)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !isCombosContinuable(err) {
			return nil, err
		}
		p.logger.Debug("candidate exhausted, trying next combo entry",
			zap.String("provider", candidate.provider), zap.String("model", candidate.model), zap.Error(err))
	}
	return nil, lastErr
}

type canonicalModel struct {
	provider string
	model    string
}

// resolveCandidates implements spec §4.6 step 3: alias resolution, then
// combo expansion, then literal "provider/model" passthrough.
func (p *Pipeline) resolveCandidates(ctx context.Context, machineID, model string) ([]canonicalModel, error) {
	if resolved, ok, err := p.store.ResolveAlias(ctx, machineID, model); err != nil {
		return nil, apperr.New(apperr.CodeInternalError, "resolve alias failed").WithCause(err)
	} else if ok {
		cm, err := splitCanonical(resolved)
		if err != nil {
			return nil, err
		}
		return []canonicalModel{cm}, nil
	}

	if combo, err := p.store.GetCombo(ctx, machineID, model); err == nil && combo != nil {
		var names []string
		if jsonErr := json.Unmarshal([]byte(combo.ModelsJSON), &names); jsonErr != nil {
			return nil, apperr.New(apperr.CodeInternalError, "decode combo models failed").WithCause(jsonErr)
		}
		out := make([]canonicalModel, 0, len(names))
		for _, n := range names {
			cm, err := splitCanonical(n)
			if err != nil {
				return nil, err
			}
			out = append(out, cm)
		}
		return out, nil
	}

	cm, err := splitCanonical(model)
	if err != nil {
		return nil, err
	}
	return []canonicalModel{cm}, nil
}

func splitCanonical(s string) (canonicalModel, error) {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return canonicalModel{}, apperr.New(apperr.CodeModelNotFound, fmt.Sprintf("model %q is not in provider/model form", s)).WithHTTPStatus(400)
	}
	return canonicalModel{provider: provider, model: model}, nil
}

// tryCandidate attempts one canonical model against up to
// maxConnectionAttemptsPerModel distinct credentials.
func (p *Pipeline) tryCandidate(ctx context.Context, req Request, candidate canonicalModel, w io.Writer) (*Outcome, error) {
	executor, ok := p.executors[candidate.provider]
	if !ok {
		return nil, apperr.New(apperr.CodeModelNotFound, fmt.Sprintf("no executor registered for provider %q", candidate.provider)).WithHTTPStatus(400)
	}

	excludeID := ""
	var lastErr error
	for attempt := 0; attempt < maxConnectionAttemptsPerModel; attempt++ {
		cred, err := p.pool.Select(ctx, req.MachineID, candidate.provider, excludeID, candidate.model)
		if err != nil {
			return nil, err
		}

		p.maybeRefresh(ctx, cred)

		translated, err := p.registry.TranslateRequest(req.SourceFormat, executor.Format(), candidate.model, req.Body, req.Stream, formats.Credentials{
			ProjectID: cred.ProjectID, Model: candidate.model,
		})
		if err != nil {
			return nil, apperr.New(apperr.CodeInternalError, "request translation failed").WithCause(err)
		}

		started := time.Now()
		resp, err := executor.Do(ctx, providers.Request{Model: candidate.model, Payload: translated, Stream: req.Stream, Creds: *cred})
		if err != nil {
			lastErr = p.handleFailure(ctx, cred.ConnectionID, 0, err.Error(), candidate.model)
			excludeID = cred.ConnectionID
			continue
		}

		if resp.StatusCode >= 400 {
			errBody := providers.ReadErrorBody(resp)
			lastErr = p.handleFailure(ctx, cred.ConnectionID, resp.StatusCode, errBody, candidate.model)
			excludeID = cred.ConnectionID
			continue
		}

		outcome, err := p.finish(ctx, req, candidate, executor, cred, resp, w, started)
		if err != nil {
			return nil, err
		}
		if err := p.pool.MarkSuccess(ctx, cred.ConnectionID); err != nil {
			p.logger.Warn("failed to mark success", zap.Error(err))
		}
		return outcome, nil
	}
	return nil, lastErr
}

// maybeRefresh loads the full connection row and runs the refresher against
// it, then folds any refreshed token back into the CredentialView used for
// this attempt.
func (p *Pipeline) maybeRefresh(ctx context.Context, cred *credpool.CredentialView) {
	conn, err := p.store.GetConnection(ctx, cred.ConnectionID)
	if err != nil {
		return
	}
	if p.refresher.Ensure(ctx, conn) {
		*cred = credpool.ViewFromConnection(conn)
	}
}

func (p *Pipeline) handleFailure(ctx context.Context, connectionID string, statusCode int, errBody, model string) error {
	errorCode := fmt.Sprintf("http_%d", statusCode)
	if statusCode == 0 {
		errorCode = "network_error"
	}
	if err := p.pool.MarkFailure(ctx, connectionID, statusCode, errorCode, errBody, model); err != nil {
		p.logger.Warn("failed to mark failure", zap.Error(err))
	}
	return apperr.New(apperr.CodeUpstreamError, errBody).WithHTTPStatus(statusCode).WithRetryable(true)
}

// finish drains the upstream response: for streaming requests it runs the
// SSE engine directly into w; for non-streaming requests it decodes the
// single JSON body, translates it if needed, and returns it as Outcome.Body.
func (p *Pipeline) finish(ctx context.Context, req Request, candidate canonicalModel, executor providers.Executor, cred *credpool.CredentialView, resp *providers.Response, w io.Writer, started time.Time) (*Outcome, error) {
	defer resp.Body.Close()

	if req.Stream {
		engine := sse.New(p.registry, p.logger)
		result, err := engine.Run(ctx, resp.Body, w, executor.Format(), req.SourceFormat, "", candidate.model, 0)
		if err != nil {
			return nil, apperr.New(apperr.CodeUpstreamError, "stream translation failed").WithCause(err)
		}
		p.recordUsage(req, candidate, cred, resp.StatusCode, true, result.PromptTokens, result.CompletionTokens, result.TotalTokens, result.ContentLen, result.ThinkingLen, result.TTFT, time.Since(started), "")
		return &Outcome{Provider: candidate.provider, Model: candidate.model, StatusCode: resp.StatusCode, Stream: &result}, nil
	}

	var body formats.Payload
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperr.New(apperr.CodeUpstreamError, "decode upstream response failed").WithCause(err)
	}
	if executor.Format() != req.SourceFormat && p.registry.HasResponseTranslator(executor.Format(), req.SourceFormat) {
		state := formats.NewStreamState()
		chunks, err := p.registry.TranslateResponse(executor.Format(), req.SourceFormat, body, state)
		if err != nil {
			return nil, apperr.New(apperr.CodeUpstreamError, "response translation failed").WithCause(err)
		}
		if len(chunks) > 0 {
			body = chunks[0]
		}
	}
	p.recordUsage(req, candidate, cred, resp.StatusCode, false, 0, 0, 0, 0, 0, 0, time.Since(started), "")
	return &Outcome{Provider: candidate.provider, Model: candidate.model, StatusCode: resp.StatusCode, Body: body}, nil
}

func (p *Pipeline) recordUsage(req Request, candidate canonicalModel, cred *credpool.CredentialView, statusCode int, streaming bool, promptTokens, completionTokens, totalTokens, contentLen, thinkingLen int, ttft, duration time.Duration, errMsg string) {
	if p.metrics != nil {
		p.metrics.RecordProviderRequest(candidate.provider, candidate.model, statusCode, duration, promptTokens, completionTokens)
	}
	if p.notifier != nil {
		p.notifier.NotifyRequestFingerprint(req.MachineID, candidate.provider, candidate.model, statusCode, streaming, duration)
	}
	p.store.AsyncRecordUsage(&store.UsageRecord{
		MachineID:        req.MachineID,
		Provider:         candidate.provider,
		Model:            candidate.model,
		ConnectionID:     cred.ConnectionID,
		SourceFormat:     string(req.SourceFormat),
		TargetFormat:     candidate.provider,
		Streaming:        streaming,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		ContentLen:       contentLen,
		ThinkingLen:      thinkingLen,
		TTFTMillis:       ttft.Milliseconds(),
		DurationMillis:   duration.Milliseconds(),
		StatusCode:       statusCode,
		Error:            errMsg,
	})
}

// isCombosContinuable reports whether a candidate's failure should advance
// to the next combo entry rather than surface immediately. NoCredentials,
// AllRateLimited and UpstreamError advance to the next entry; any other
// pipeline error (bad request, internal error) stops the fan-out.
func isCombosContinuable(err error) bool {
	code := apperr.CodeOf(err)
	return code == apperr.CodeNoCredentials || code == apperr.CodeAllRateLimited || code == apperr.CodeUpstreamError
}
