// Package credpool implements the credential pool and health state machine
// of spec §4.3: per-provider credential selection under a per-machine mutex,
// health-triple bookkeeping on failure/success, the fallback cooldown policy,
// and per-model locks for multi-bucket providers.
package credpool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmproxy/proxy/internal/apperr"
	"github.com/llmproxy/proxy/internal/store"
)

// CredentialView is the read-only projection of a ProviderConnection handed
// to the dispatch layer; it never exposes the GORM row directly so callers
// cannot accidentally bypass the pool's write path.
type CredentialView struct {
	ConnectionID         string
	Provider             string
	APIKey               string
	AccessToken          string
	RefreshToken         string
	ExpiresAt            *time.Time
	ProjectID            string
	ProviderSpecificJSON string
	BackoffLevel         int
}

// ViewFromConnection projects a full ProviderConnection row into the
// read-only CredentialView, exported so internal/pipeline can rebuild a view
// after internal/refresh mutates a connection's tokens in place.
func ViewFromConnection(c *store.ProviderConnection) CredentialView {
	return viewFromConnection(c)
}

func viewFromConnection(c *store.ProviderConnection) CredentialView {
	v := CredentialView{
		ConnectionID:         c.ConnectionID,
		Provider:             c.Provider,
		ProviderSpecificJSON: c.ProviderSpecificJSON,
		BackoffLevel:         c.BackoffLevel,
	}
	if c.APIKey != nil {
		v.APIKey = *c.APIKey
	}
	if c.AccessToken != nil {
		v.AccessToken = *c.AccessToken
	}
	if c.RefreshToken != nil {
		v.RefreshToken = *c.RefreshToken
	}
	if c.ProjectID != nil {
		v.ProjectID = *c.ProjectID
	}
	v.ExpiresAt = c.ExpiresAt
	return v
}

// Store is the persistence surface credpool depends on; satisfied by
// *store.Store, narrowed here so tests can substitute a fake.
type Store interface {
	EnsureMachine(ctx context.Context, machineID string) (*store.Machine, error)
	ListConnections(ctx context.Context, machineID, provider string) ([]store.ProviderConnection, error)
	GetConnection(ctx context.Context, connectionID string) (*store.ProviderConnection, error)
	MarkFailure(ctx context.Context, connectionID, errorCode, errMsg string, rateLimitedUntil *time.Time) error
	MarkSuccess(ctx context.Context, connectionID string) error
	TouchUsage(ctx context.Context, connectionID string, reset bool) error
	ResolveAlias(ctx context.Context, machineID, alias string) (string, bool, error)
}

// Notifier is the seam internal/admin.Hub satisfies, letting the pool push a
// live health-transition feed without depending on internal/admin directly.
type Notifier interface {
	NotifyCredentialHealth(provider, connectionID string, backoffLevel int)
}

// Pool serialises credential selection per machine (spec §5's "only lock on
// the hot path") and classifies failures via the policy table.
type Pool struct {
	store    Store
	locker   Locker
	logger   *zap.Logger
	notifier Notifier

	strategy   string // "fill-first" | "round-robin"
	stickyCap  int

	machMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// WithNotifier attaches an admin feed notifier, returning the same Pool for
// chaining at construction time in cmd/proxy.
func (p *Pool) WithNotifier(n Notifier) *Pool {
	p.notifier = n
	return p
}

// New constructs a Pool. strategy and stickyLimit apply to every machine the
// pool serves (cmd/proxy passes the operator's routing config); the
// per-machine settings stored on store.Machine are not consulted by Select.
func New(st Store, locker Locker, logger *zap.Logger, strategy string, stickyLimit int) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if stickyLimit <= 0 {
		stickyLimit = 3
	}
	return &Pool{
		store:     st,
		locker:    locker,
		logger:    logger.With(zap.String("component", "credpool")),
		strategy:  strategy,
		stickyCap: stickyLimit,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (p *Pool) machineLock(machineID string) *sync.Mutex {
	p.machMu.Lock()
	defer p.machMu.Unlock()
	l, ok := p.locks[machineID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[machineID] = l
	}
	return l
}

// Select implements the contract of spec §4.3: selectCredential(provider,
// excludeId?, model?) -> CredentialView | AllRateLimited | NoCredentials.
func (p *Pool) Select(ctx context.Context, machineID, provider, excludeID, model string) (*CredentialView, error) {
	lock := p.machineLock(machineID)
	lock.Lock()
	defer lock.Unlock()

	provider, err := p.resolveProviderAlias(ctx, machineID, provider)
	if err != nil {
		return nil, err
	}

	all, err := p.store.ListConnections(ctx, machineID, provider)
	if err != nil {
		return nil, apperr.New(apperr.CodeInternalError, "list connections failed").WithCause(err)
	}

	now := time.Now()
	multiBucket := IsMultiBucketProvider(provider)
	eligible := make([]store.ProviderConnection, 0, len(all))
	for _, c := range all {
		if !c.Eligible(now, excludeID) {
			continue
		}
		if multiBucket && model != "" && p.locker.Locked(c.ConnectionID, model) {
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		return nil, p.noneEligibleError(all, now, multiBucket, model)
	}

	chosen := p.choose(eligible)

	if err := p.store.TouchUsage(ctx, chosen.ConnectionID, !p.isStickyContinuation(chosen, eligible)); err != nil {
		p.logger.Warn("failed to persist recency update", zap.Error(err), zap.String("connection_id", chosen.ConnectionID))
	}

	view := viewFromConnection(chosen)
	return &view, nil
}

// resolveProviderAlias is a no-op passthrough today: provider ids in this
// repo are already canonical by the time they reach credpool (alias
// resolution happens on the *model* at the pipeline layer, spec §4.6 step 3).
// Kept as a seam so a future per-provider alias table has somewhere to live.
func (p *Pool) resolveProviderAlias(_ context.Context, _ string, provider string) (string, error) {
	return provider, nil
}

func (p *Pool) noneEligibleError(all []store.ProviderConnection, now time.Time, multiBucket bool, model string) error {
	var earliest *store.ProviderConnection
	for i := range all {
		c := &all[i]
		if !c.IsActive {
			continue
		}
		if c.RateLimitedUntil != nil && c.RateLimitedUntil.After(now) {
			if earliest == nil || c.RateLimitedUntil.Before(*earliest.RateLimitedUntil) {
				earliest = c
			}
		}
	}
	if earliest != nil {
		retryAfter := int(math.Ceil(earliest.RateLimitedUntil.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return apperr.New(apperr.CodeAllRateLimited, fmt.Sprintf("all credentials for provider rate limited: %s", earliest.LastError)).
			WithHTTPStatus(503).
			WithRetryAfter(retryAfter).
			WithProvider(earliest.Provider)
	}

	if multiBucket && model != "" {
		for i := range all {
			c := &all[i]
			if c.IsActive && (c.RateLimitedUntil == nil || !c.RateLimitedUntil.After(now)) {
				return apperr.New(apperr.CodeAllRateLimited, "model temporarily locked on all eligible connections").
					WithHTTPStatus(503).
					WithRetryAfter(60).
					WithProvider(c.Provider)
			}
		}
	}

	return apperr.New(apperr.CodeNoCredentials, "no active credentials configured for provider").WithHTTPStatus(503)
}

// choose applies the configured strategy to the eligible set.
func (p *Pool) choose(eligible []store.ProviderConnection) *store.ProviderConnection {
	if p.strategy == "round-robin" {
		return p.chooseStickyRoundRobin(eligible)
	}
	return p.chooseFillFirst(eligible)
}

func (p *Pool) chooseFillFirst(eligible []store.ProviderConnection) *store.ProviderConnection {
	sorted := append([]store.ProviderConnection(nil), eligible...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &sorted[0]
}

func (p *Pool) chooseStickyRoundRobin(eligible []store.ProviderConnection) *store.ProviderConnection {
	var current *store.ProviderConnection
	for i := range eligible {
		c := &eligible[i]
		if c.LastUsedAt == nil {
			continue
		}
		if current == nil || c.LastUsedAt.After(*current.LastUsedAt) {
			current = c
		}
	}
	if current != nil && current.ConsecutiveUseCount < p.stickyCap {
		return current
	}

	sorted := append([]store.ProviderConnection(nil), eligible...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := sorted[i].LastUsedAt, sorted[j].LastUsedAt
		switch {
		case li == nil && lj == nil:
			return sorted[i].Priority < sorted[j].Priority
		case li == nil:
			return true
		case lj == nil:
			return false
		case li.Equal(*lj):
			return sorted[i].Priority < sorted[j].Priority
		default:
			return li.Before(*lj)
		}
	})
	return &sorted[0]
}

func (p *Pool) isStickyContinuation(chosen *store.ProviderConnection, eligible []store.ProviderConnection) bool {
	if p.strategy != "round-robin" {
		return false
	}
	var current *store.ProviderConnection
	for i := range eligible {
		c := &eligible[i]
		if c.LastUsedAt == nil {
			continue
		}
		if current == nil || c.LastUsedAt.After(*current.LastUsedAt) {
			current = c
		}
	}
	return current != nil && current.ConnectionID == chosen.ConnectionID && current.ConsecutiveUseCount < p.stickyCap
}

// MarkFailure classifies an upstream failure and applies the resulting
// cooldown, either to the connection (DB write) or to a (connection, model)
// pair (in-memory lock only), per spec §4.3.
func (p *Pool) MarkFailure(ctx context.Context, connectionID string, httpStatus int, errorCode, errorBody, model string) error {
	conn, err := p.store.GetConnection(ctx, connectionID)
	if err != nil {
		return apperr.New(apperr.CodeInternalError, "load connection for failure classification").WithCause(err)
	}

	outcome := Classify(httpStatus, errorBody, conn.BackoffLevel, conn.Provider, model)
	if !outcome.Fallback {
		return nil
	}

	if outcome.ModelLockOnly {
		p.locker.Lock(connectionID, model, outcome.Cooldown)
		return nil
	}

	until := time.Now().Add(outcome.Cooldown)
	if err := p.store.MarkFailure(ctx, connectionID, errorCode, errorBody, &until); err != nil {
		return apperr.New(apperr.CodeInternalError, "persist failure").WithCause(err)
	}
	if p.notifier != nil {
		p.notifier.NotifyCredentialHealth(conn.Provider, connectionID, conn.BackoffLevel+1)
	}
	return nil
}

// MarkSuccess clears a connection's error triple and resets backoff to zero.
func (p *Pool) MarkSuccess(ctx context.Context, connectionID string) error {
	if err := p.store.MarkSuccess(ctx, connectionID); err != nil {
		return apperr.New(apperr.CodeInternalError, "persist success").WithCause(err)
	}
	if p.notifier != nil {
		if conn, err := p.store.GetConnection(ctx, connectionID); err == nil {
			p.notifier.NotifyCredentialHealth(conn.Provider, connectionID, 0)
		}
	}
	return nil
}
