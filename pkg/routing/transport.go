package routing

import (
	"net/http"
)

// Transport is an http.RoundTripper that routes every request through the engine and
// re-dispatches requests whose proxy failed at the transport level.
type Transport struct {
	engine *Engine
	base   http.RoundTripper
	target string
}

// NewTransport returns a Transport for target on top of a copy of
// http.DefaultTransport wired to the engine's proxy hooks. Requests carrying their own
// target through WithTarget keep it.
func (e *Engine) NewTransport(target string) *Transport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = e.Proxy
	base.GetProxyConnectHeader = e.ProxyConnectHeader
	return e.WrapTransport(base, target)
}

// WrapTransport routes requests through base. base must consult Engine.Proxy for the
// proxy endpoint to take effect.
func (e *Engine) WrapTransport(base http.RoundTripper, target string) *Transport {
	return &Transport{engine: e, base: base, target: target}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.target != "" && TargetFromContext(req.Context()) == "" {
		req = req.WithContext(WithTarget(req.Context(), t.target))
	}

	routed := t.engine.Route(req)
	for {
		resp, err := t.base.RoundTrip(routed)
		if err == nil {
			return t.engine.OnResponse(routed, resp), nil
		}
		retry, err := t.engine.OnError(routed, err)
		if retry == nil {
			return nil, err
		}
		routed = retry
	}
}

// CloseIdleConnections closes idle connections of the base transport.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if ci, ok := t.base.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}
