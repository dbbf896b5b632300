package routing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"

	"proxy-service/pkg/block"
	"proxy-service/pkg/models"
)

// DefaultMaxRetries bounds how often one request is re-dispatched after blocking
// transport failures.
const DefaultMaxRetries = 3

// PoolStore is implemented by pool.Store.
type PoolStore interface {
	Configure(target string, filters models.Filters, sticky bool)
	GetOrLoad(ctx context.Context, target string) (*models.Pool, error)
	RefreshExcluding(ctx context.Context, target string, excluded []models.ProxyID) (*models.Pool, error)
	Remove(target string)
}

// Selector is implemented by selector.Selector.
type Selector interface {
	Next(pool *models.Pool, strategy models.Strategy) (models.ProxyRecord, error)
}

// Recorder receives every block event. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordBlock(ctx context.Context, event *models.BlockEvent) error
}

// TargetConfig is read once when a target is registered.
type TargetConfig struct {
	// Strategy defaults to random; unknown names fall back to random with a warning.
	Strategy models.Strategy
	Filters  models.Filters
	// Predicate extends status based block detection of responses, optional.
	Predicate block.Predicate
	// MaxRetries of 0 means DefaultMaxRetries, a negative value disables re-dispatch.
	MaxRetries int
	// StickyExclusions keeps every excluded id in the blocked list until the next unfiltered load.
	StickyExclusions bool
}

type targetState struct {
	config   TargetConfig
	detector *block.Detector
}

// Engine attaches proxies to outbound requests and reacts to blocked responses and
// transport failures. Only registered targets are proxied.
type Engine struct {
	store    PoolStore
	selector Selector
	recorder Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	targets map[string]*targetState
}

type Option func(*Engine)

// WithRecorder reports block events to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

func NewEngine(store PoolStore, selector Selector, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		selector: selector,
		logger:   logger,
		targets:  make(map[string]*targetState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register enables proxying for target and loads its pool. A failed load is logged;
// the next routed request tries again.
func (e *Engine) Register(ctx context.Context, target string, config TargetConfig) error {
	if target == "" {
		return fmt.Errorf("target name is required")
	}

	strategy, ok := models.ParseStrategy(string(config.Strategy))
	if !ok {
		e.logger.Warn("unknown selection strategy, using default",
			"target", target,
			"strategy", config.Strategy,
			"default", strategy)
	}
	config.Strategy = strategy
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	e.store.Configure(target, config.Filters, config.StickyExclusions)

	e.mu.Lock()
	e.targets[target] = &targetState{
		config:   config,
		detector: block.NewDetector(config.Predicate),
	}
	e.mu.Unlock()

	e.logger.Info("proxying enabled", "target", target, "strategy", strategy)

	if _, err := e.store.GetOrLoad(ctx, target); err != nil {
		e.logger.Error("failed to load proxy pool", "target", target, "error", err)
	}
	return nil
}

// Deregister disables proxying for target and drops its pool.
func (e *Engine) Deregister(target string) {
	e.mu.Lock()
	_, ok := e.targets[target]
	delete(e.targets, target)
	e.mu.Unlock()

	if ok {
		e.store.Remove(target)
		e.logger.Info("proxying disabled", "target", target)
	}
}

// Enabled reports whether target is registered.
func (e *Engine) Enabled(target string) bool {
	_, ok := e.target(target)
	return ok
}

// Targets lists the registered targets.
func (e *Engine) Targets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.targets))
	for name := range e.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) target(name string) (*targetState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts, ok := e.targets[name]
	return ts, ok
}

// Route attaches a proxy to req and returns the request to dispatch. Requests for
// unregistered targets and requests opted out with WithProxyDisabled are returned
// unchanged. Selection failures never fail the request: it goes out without a proxy.
func (e *Engine) Route(req *http.Request) *http.Request {
	return e.route(req, TargetFromContext(req.Context()), nil)
}

func (e *Engine) route(req *http.Request, target string, carry *RoutingContext) *http.Request {
	ctx := req.Context()
	ts, ok := e.target(target)
	if !ok || proxyDisabled(ctx) {
		return req
	}

	rc := newRoutingContext(target)
	if carry != nil {
		rc.RequestID = carry.RequestID
		rc.Attempt = carry.Attempt
		rc.DontFilter = carry.DontFilter
	}

	out := req.Clone(withRoutingContext(ctx, rc))
	if carry != nil && carry.authHeader != "" {
		out.Header.Del(proxyAuthorizationHeader)
	}

	pool, err := e.store.GetOrLoad(ctx, target)
	if err != nil {
		rc.State = StateFailedSoft
		e.logger.Error("proxy pool unavailable, sending request without proxy",
			"target", target,
			"url", req.URL.Redacted(),
			"error", err)
		return out
	}

	record, err := e.selector.Next(pool, ts.config.Strategy)
	if err != nil {
		rc.State = StateFailedSoft
		e.logger.Error("no proxy found for the given target",
			"target", target,
			"url", req.URL.Redacted(),
			"error", err)
		return out
	}

	endpoint, creds, err := SplitCredentials(record.URL)
	if err != nil {
		rc.State = StateFailedSoft
		e.logger.Error("unusable proxy record, sending request without proxy",
			"target", target,
			"proxy_id", record.ID,
			"error", err)
		return out
	}

	rc.Proxy = endpoint
	rc.ProxyID = record.ID
	rc.credentials = creds
	if creds != nil && (endpoint.Scheme == "http" || endpoint.Scheme == "https") {
		rc.authHeader = BasicAuth(creds)
		// HTTPS requests travel inside the CONNECT tunnel, see ProxyConnectHeader.
		if out.URL.Scheme != "https" {
			out.Header.Set(proxyAuthorizationHeader, rc.authHeader)
		}
	}
	rc.State = StateRouted

	e.logger.Debug("processing request using proxy",
		"target", target,
		"url", req.URL.Redacted(),
		"proxy", endpoint.String(),
		"proxy_id", record.ID,
		"attempt", rc.Attempt)
	return out
}

// OnResponse inspects the response of a routed request. A blocked response gets its
// proxy excluded from the target's pool, but the response itself is returned as-is.
func (e *Engine) OnResponse(req *http.Request, resp *http.Response) *http.Response {
	rc := FromContext(req.Context())
	if rc == nil || rc.State != StateRouted {
		return resp
	}
	ts, ok := e.target(rc.Target)
	if !ok {
		return resp
	}

	if !ts.detector.IsBlockedResponse(resp) || rc.ProxyID == "" {
		rc.State = StateSucceeded
		return resp
	}

	rc.Blocked = true
	rc.State = StateBlockedRetry
	e.logger.Warn("proxy blocked by response",
		"target", rc.Target,
		"proxy_id", rc.ProxyID,
		"status", resp.StatusCode,
		"url", req.URL.Redacted())

	e.exclude(req.Context(), rc, &models.BlockEvent{
		Reason:     "status",
		StatusCode: resp.StatusCode,
	})
	return resp
}

// OnError inspects a transport failure of a routed request. For blocking failure kinds
// the proxy is excluded and a copy of the request routed through a fresh proxy is
// returned for re-dispatch, unless the request's context has already ended. Otherwise
// it returns nil and err unchanged.
func (e *Engine) OnError(req *http.Request, err error) (*http.Request, error) {
	rc := FromContext(req.Context())
	if rc == nil || rc.State != StateRouted {
		return nil, err
	}
	ts, ok := e.target(rc.Target)
	if !ok {
		return nil, err
	}

	rc.ErrorKind = block.Classify(err)
	if !ts.detector.IsBlockedError(err) || rc.ProxyID == "" {
		rc.State = StateFailed
		return nil, err
	}

	rc.Blocked = true
	e.logger.Warn("proxy blocked by transport failure",
		"target", rc.Target,
		"proxy_id", rc.ProxyID,
		"kind", rc.ErrorKind,
		"url", req.URL.Redacted(),
		"error", err)

	event := &models.BlockEvent{
		Reason:    "transport",
		ErrorKind: string(rc.ErrorKind),
	}

	// A retry would fail on the same ended context without reaching its proxy.
	if cerr := req.Context().Err(); cerr != nil {
		rc.State = StateBlockedExhausted
		e.exclude(req.Context(), rc, event)
		e.logger.Error("request context ended, not re-dispatching",
			"target", rc.Target,
			"url", req.URL.Redacted(),
			"attempts", rc.Attempt+1,
			"error", cerr)
		return nil, err
	}

	if rc.Attempt >= ts.config.MaxRetries {
		rc.State = StateBlockedExhausted
		e.exclude(req.Context(), rc, event)
		e.logger.Error("giving up on request after repeated proxy failures",
			"target", rc.Target,
			"url", req.URL.Redacted(),
			"attempts", rc.Attempt+1)
		return nil, err
	}

	retry, rerr := rewind(req)
	if rerr != nil {
		rc.State = StateBlockedExhausted
		e.exclude(req.Context(), rc, event)
		e.logger.Error("request cannot be re-dispatched",
			"target", rc.Target,
			"url", req.URL.Redacted(),
			"error", rerr)
		return nil, err
	}

	rc.State = StateBlockedRetry
	event.Retried = true
	e.exclude(req.Context(), rc, event)

	return e.route(retry, rc.Target, &RoutingContext{
		RequestID:  rc.RequestID,
		Attempt:    rc.Attempt + 1,
		DontFilter: true,
		authHeader: rc.authHeader,
	}), nil
}

// rewind returns a request whose body can be sent again.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not rewindable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	out := req.WithContext(req.Context())
	out.Body = body
	return out, nil
}

// exclude refreshes the target's pool without the blocked proxy. Failures are logged
// and never reach the caller.
func (e *Engine) exclude(ctx context.Context, rc *RoutingContext, event *models.BlockEvent) {
	ctx = context.WithoutCancel(ctx)

	if _, err := e.store.RefreshExcluding(ctx, rc.Target, []models.ProxyID{rc.ProxyID}); err != nil {
		e.logger.Error("failed to refresh proxy pool",
			"target", rc.Target,
			"excluded", rc.ProxyID,
			"error", err)
	}

	if e.recorder == nil {
		return
	}
	event.ID = uuid.New()
	event.Target = rc.Target
	event.ProxyID = string(rc.ProxyID)
	if rc.Proxy != nil {
		event.ProxyURL = rc.Proxy.String()
	}
	if err := e.recorder.RecordBlock(ctx, event); err != nil {
		e.logger.Error("failed to record block event",
			"target", rc.Target,
			"proxy_id", rc.ProxyID,
			"error", err)
	}
}

// Proxy is meant for http.Transport.Proxy. It returns the endpoint chosen by Route,
// or nil to connect directly. SOCKS5 endpoints carry their credentials since the
// SOCKS handshake has no header to put them in.
func (e *Engine) Proxy(req *http.Request) (*url.URL, error) {
	rc := FromContext(req.Context())
	if rc == nil || rc.Proxy == nil {
		return nil, nil
	}
	u := *rc.Proxy
	if rc.credentials != nil && (u.Scheme == "socks5" || u.Scheme == "socks5h") {
		u.User = rc.credentials
	}
	return &u, nil
}

// ProxyConnectHeader is meant for http.Transport.GetProxyConnectHeader so CONNECT
// tunnels for HTTPS targets authenticate like plain HTTP requests do.
func (e *Engine) ProxyConnectHeader(ctx context.Context, proxyURL *url.URL, target string) (http.Header, error) {
	rc := FromContext(ctx)
	if rc == nil || rc.authHeader == "" {
		return nil, nil
	}
	return http.Header{proxyAuthorizationHeader: []string{rc.authHeader}}, nil
}
