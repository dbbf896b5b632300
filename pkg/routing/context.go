package routing

import (
	"context"
	"net/url"

	"github.com/google/uuid"

	"proxy-service/pkg/block"
	"proxy-service/pkg/models"
)

// State is the lifecycle of a RoutingContext.
type State string

const (
	StateUnrouted         State = "unrouted"
	StateRouted           State = "routed"
	StateSucceeded        State = "succeeded"
	StateBlockedRetry     State = "blocked_retry"
	StateBlockedExhausted State = "blocked_exhausted"
	StateFailed           State = "failed"
	// StateFailedSoft means no proxy could be attached and the request goes out directly.
	StateFailedSoft State = "failed_soft"
)

// RoutingContext is the per-request routing record carried in the request context.
type RoutingContext struct {
	RequestID string
	Target    string

	// Proxy is the endpoint with credentials stripped, nil when unproxied.
	Proxy   *url.URL
	ProxyID models.ProxyID

	State     State
	Blocked   bool
	ErrorKind block.Kind

	// Attempt counts re-dispatches after blocking transport failures.
	Attempt int
	// DontFilter asks the pipeline to send the request again even if it was seen before.
	// It is informational for callers that deduplicate requests; Transport re-dispatches
	// retries itself and never reads it.
	DontFilter bool

	credentials *url.Userinfo
	authHeader  string
}

type contextKey int

const (
	targetKey contextKey = iota
	disabledKey
	routingKey
)

// WithTarget scopes requests made with ctx to a target.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, targetKey, target)
}

// WithProxyDisabled opts requests made with ctx out of proxying.
func WithProxyDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, disabledKey, true)
}

// TargetFromContext returns the target set with WithTarget.
func TargetFromContext(ctx context.Context) string {
	target, _ := ctx.Value(targetKey).(string)
	return target
}

func proxyDisabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(disabledKey).(bool)
	return disabled
}

// FromContext returns the RoutingContext attached by Engine.Route, or nil.
func FromContext(ctx context.Context) *RoutingContext {
	rc, _ := ctx.Value(routingKey).(*RoutingContext)
	return rc
}

func withRoutingContext(ctx context.Context, rc *RoutingContext) context.Context {
	return context.WithValue(ctx, routingKey, rc)
}

func newRoutingContext(target string) *RoutingContext {
	return &RoutingContext{
		RequestID: uuid.NewString(),
		Target:    target,
		State:     StateUnrouted,
	}
}
