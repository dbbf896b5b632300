package routing

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"proxy-service/pkg/models"
	"proxy-service/pkg/pool"
	"proxy-service/pkg/selector"
)

// fakeDirectory hands out its records minus the excluded ids.
type fakeDirectory struct {
	mu       sync.Mutex
	records  []models.ProxyRecord
	err      error
	excluded [][]models.ProxyID
}

func (d *fakeDirectory) Fetch(ctx context.Context, target string, filters models.Filters, excluded []models.ProxyID) (*models.Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.excluded = append(d.excluded, excluded)
	if d.err != nil {
		return nil, d.err
	}
	skip := make(map[models.ProxyID]bool)
	for _, id := range excluded {
		skip[id] = true
	}
	var out []models.ProxyRecord
	for _, r := range d.records {
		if !skip[r.ID] {
			out = append(out, r)
		}
	}
	return models.NewPool(target, out), nil
}

func (d *fakeDirectory) calls() [][]models.ProxyID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]models.ProxyID(nil), d.excluded...)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []models.BlockEvent
	err    error
}

func (r *fakeRecorder) RecordBlock(ctx context.Context, event *models.BlockEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return r.err
}

func twoProxies() []models.ProxyRecord {
	return []models.ProxyRecord{
		{ID: "1", URL: "http://u:p@h1:8080"},
		{ID: "2", URL: "http://h2:8080"},
	}
}

func newTestEngine(t *testing.T, dir *fakeDirectory, config TargetConfig, opts ...Option) *Engine {
	t.Helper()
	store := pool.NewStore(dir, nil)
	e := NewEngine(store, selector.New(rand.NewSource(1), nil), nil, opts...)
	if err := e.Register(context.Background(), "shop", config); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return e
}

func newRequest(t *testing.T, ctx context.Context) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://shop.example.com/item", nil)
	if err != nil {
		t.Fatalf("http.NewRequest() error = %v", err)
	}
	return req
}

func routed(t *testing.T, e *Engine) *http.Request {
	t.Helper()
	return e.Route(newRequest(t, WithTarget(context.Background(), "shop")))
}

func refusedErr() error {
	return &net.OpError{
		Op:  "proxyconnect",
		Net: "tcp",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
	}
}

func TestRouteRoundRobin(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{Strategy: models.StrategyRoundRobin})

	tests := []struct {
		proxy  string
		id     models.ProxyID
		header string
	}{
		{proxy: "http://h1:8080", id: "1", header: "Basic dTpw"},
		{proxy: "http://h2:8080", id: "2", header: ""},
		{proxy: "http://h1:8080", id: "1", header: "Basic dTpw"},
	}

	for i, tc := range tests {
		req := routed(t, e)
		rc := FromContext(req.Context())
		if rc == nil {
			t.Fatalf("request %d: no routing context", i)
		}
		if rc.State != StateRouted {
			t.Errorf("request %d: State = %q, want %q", i, rc.State, StateRouted)
		}
		if rc.Proxy.String() != tc.proxy {
			t.Errorf("request %d: Proxy = %v, want %v", i, rc.Proxy, tc.proxy)
		}
		if rc.ProxyID != tc.id {
			t.Errorf("request %d: ProxyID = %v, want %v", i, rc.ProxyID, tc.id)
		}
		if got := req.Header.Get("Proxy-Authorization"); got != tc.header {
			t.Errorf("request %d: Proxy-Authorization = %q, want %q", i, got, tc.header)
		}
	}

	if n := len(dir.calls()); n != 1 {
		t.Errorf("directory calls = %d, want 1", n)
	}
}

func TestRouteDoesNotModifyInput(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()[:1]}
	e := newTestEngine(t, dir, TargetConfig{})

	req := newRequest(t, WithTarget(context.Background(), "shop"))
	out := e.Route(req)
	if out == req {
		t.Fatal("Route() returned the input request")
	}
	if req.Header.Get("Proxy-Authorization") != "" {
		t.Error("Route() set Proxy-Authorization on the input request")
	}
	if FromContext(req.Context()) != nil {
		t.Error("Route() attached a routing context to the input request")
	}
}

func TestRoutePassThrough(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{})

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{name: "Disabled", ctx: WithProxyDisabled(WithTarget(context.Background(), "shop"))},
		{name: "Unregistered target", ctx: WithTarget(context.Background(), "other")},
		{name: "No target", ctx: context.Background()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := newRequest(t, tc.ctx)
			out := e.Route(req)
			if out != req {
				t.Error("Route() did not return the request unchanged")
			}
			if FromContext(out.Context()) != nil {
				t.Error("Route() attached a routing context")
			}
			if p, err := e.Proxy(out); p != nil || err != nil {
				t.Errorf("Proxy() = %v, %v, want direct", p, err)
			}
		})
	}
}

func TestRouteDirectoryFailure(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("directory down")}
	e := newTestEngine(t, dir, TargetConfig{})

	req := routed(t, e)
	rc := FromContext(req.Context())
	if rc == nil {
		t.Fatal("no routing context")
	}
	if rc.State != StateFailedSoft {
		t.Errorf("State = %q, want %q", rc.State, StateFailedSoft)
	}
	if rc.Proxy != nil {
		t.Errorf("Proxy = %v, want nil", rc.Proxy)
	}
	if p, _ := e.Proxy(req); p != nil {
		t.Errorf("Proxy() = %v, want direct", p)
	}

	// the load is retried on the next request
	dir.mu.Lock()
	dir.err = nil
	dir.records = twoProxies()
	dir.mu.Unlock()

	req = routed(t, e)
	if rc := FromContext(req.Context()); rc.State != StateRouted {
		t.Errorf("State after recovery = %q, want %q", rc.State, StateRouted)
	}
}

func TestRouteEmptyPool(t *testing.T) {
	dir := &fakeDirectory{}
	e := newTestEngine(t, dir, TargetConfig{})

	req := routed(t, e)
	if rc := FromContext(req.Context()); rc.State != StateFailedSoft {
		t.Errorf("State = %q, want %q", rc.State, StateFailedSoft)
	}
}

func TestOnResponse(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantState State
		wantCalls int
	}{
		{name: "Success", status: http.StatusOK, wantState: StateSucceeded, wantCalls: 1},
		{name: "Server error is not a block", status: http.StatusInternalServerError, wantState: StateSucceeded, wantCalls: 1},
		{name: "Service unavailable", status: http.StatusServiceUnavailable, wantState: StateBlockedRetry, wantCalls: 2},
		{name: "Forbidden", status: http.StatusForbidden, wantState: StateBlockedRetry, wantCalls: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := &fakeDirectory{records: twoProxies()}
			e := newTestEngine(t, dir, TargetConfig{Strategy: models.StrategyRoundRobin})

			req := routed(t, e)
			resp := &http.Response{StatusCode: tc.status}
			if got := e.OnResponse(req, resp); got != resp {
				t.Error("OnResponse() did not return the response unchanged")
			}
			rc := FromContext(req.Context())
			if rc.State != tc.wantState {
				t.Errorf("State = %q, want %q", rc.State, tc.wantState)
			}
			calls := dir.calls()
			if len(calls) != tc.wantCalls {
				t.Fatalf("directory calls = %d, want %d", len(calls), tc.wantCalls)
			}
			if tc.wantCalls == 2 && !reflect.DeepEqual(calls[1], []models.ProxyID{"1"}) {
				t.Errorf("excluded = %v, want [1]", calls[1])
			}
		})
	}
}

func TestBlockedProxyIsNotSelectedAgain(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{Strategy: models.StrategyRandom})

	for {
		req := routed(t, e)
		if FromContext(req.Context()).ProxyID == "1" {
			e.OnResponse(req, &http.Response{StatusCode: http.StatusServiceUnavailable})
			break
		}
	}

	for i := 0; i < 20; i++ {
		req := routed(t, e)
		if id := FromContext(req.Context()).ProxyID; id != "2" {
			t.Fatalf("request %d routed through %v after 1 was blocked", i, id)
		}
	}
}

func TestOnResponsePredicate(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{
		Predicate: blockStatus(http.StatusTooManyRequests),
	})

	req := routed(t, e)
	e.OnResponse(req, &http.Response{StatusCode: http.StatusTooManyRequests})
	if rc := FromContext(req.Context()); rc.State != StateBlockedRetry {
		t.Errorf("State = %q, want %q", rc.State, StateBlockedRetry)
	}
}

type blockStatus int

func (s blockStatus) IsBlocked(resp *http.Response) bool {
	return resp.StatusCode == int(s)
}

func TestOnResponseRecordsEvent(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	rec := &fakeRecorder{err: errors.New("database down")}
	e := newTestEngine(t, dir, TargetConfig{Strategy: models.StrategyRoundRobin}, WithRecorder(rec))

	req := routed(t, e)
	e.OnResponse(req, &http.Response{StatusCode: http.StatusGatewayTimeout})

	if len(rec.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Target != "shop" || ev.ProxyID != "1" || ev.StatusCode != http.StatusGatewayTimeout || ev.Reason != "status" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ProxyURL != "http://h1:8080" {
		t.Errorf("event ProxyURL = %q, want credentials stripped", ev.ProxyURL)
	}
}

func TestOnErrorRetriesThroughFreshProxy(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	rec := &fakeRecorder{}
	e := newTestEngine(t, dir, TargetConfig{Strategy: models.StrategyRoundRobin}, WithRecorder(rec))

	req := routed(t, e)
	first := FromContext(req.Context())

	retry, err := e.OnError(req, refusedErr())
	if err != nil {
		t.Fatalf("OnError() error = %v, want retry", err)
	}
	if retry == nil {
		t.Fatal("OnError() returned no retry request")
	}

	if first.State != StateBlockedRetry || !first.Blocked {
		t.Errorf("first attempt State = %q, Blocked = %v", first.State, first.Blocked)
	}
	if first.ErrorKind != "connection_refused" {
		t.Errorf("ErrorKind = %q, want connection_refused", first.ErrorKind)
	}

	rc := FromContext(retry.Context())
	if rc.ProxyID != "2" || rc.Proxy.String() != "http://h2:8080" {
		t.Errorf("retry routed through %v (%v), want 2", rc.ProxyID, rc.Proxy)
	}
	if !rc.DontFilter {
		t.Error("retry DontFilter = false, want true")
	}
	if rc.Attempt != 1 {
		t.Errorf("retry Attempt = %d, want 1", rc.Attempt)
	}
	if rc.RequestID != first.RequestID {
		t.Errorf("retry RequestID = %q, want %q", rc.RequestID, first.RequestID)
	}
	if got := retry.Header.Get("Proxy-Authorization"); got != "" {
		t.Errorf("retry Proxy-Authorization = %q, want it removed", got)
	}

	calls := dir.calls()
	if !reflect.DeepEqual(calls[len(calls)-1], []models.ProxyID{"1"}) {
		t.Errorf("excluded = %v, want [1]", calls[len(calls)-1])
	}
	if len(rec.events) != 1 || !rec.events[0].Retried || rec.events[0].ErrorKind != "connection_refused" {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestOnErrorNonBlocking(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{})

	tests := []struct {
		name string
		err  error
	}{
		{name: "Malformed response", err: errors.New("malformed HTTP response")},
		{name: "Canceled", err: context.Canceled},
		{name: "DNS failure", err: &net.DNSError{Err: "no such host", Name: "h1", IsNotFound: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := len(dir.calls())
			req := routed(t, e)
			retry, err := e.OnError(req, tc.err)
			if retry != nil {
				t.Error("OnError() returned a retry request")
			}
			if err != tc.err {
				t.Errorf("OnError() error = %v, want %v", err, tc.err)
			}
			if rc := FromContext(req.Context()); rc.State != StateFailed {
				t.Errorf("State = %q, want %q", rc.State, StateFailed)
			}
			if after := len(dir.calls()); after != before {
				t.Errorf("directory calls = %d, want %d", after, before)
			}
		})
	}
}

func TestOnErrorExhausted(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{Strategy: models.StrategyRoundRobin, MaxRetries: 1})

	req := routed(t, e)
	retry, err := e.OnError(req, refusedErr())
	if retry == nil || err != nil {
		t.Fatalf("first OnError() = %v, %v, want retry", retry, err)
	}

	cause := refusedErr()
	again, err := e.OnError(retry, cause)
	if again != nil {
		t.Fatal("OnError() retried past MaxRetries")
	}
	if err != cause {
		t.Errorf("OnError() error = %v, want %v", err, cause)
	}
	if rc := FromContext(retry.Context()); rc.State != StateBlockedExhausted {
		t.Errorf("State = %q, want %q", rc.State, StateBlockedExhausted)
	}
}

func TestOnErrorRequestDeadline(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{Strategy: models.StrategyRoundRobin, MaxRetries: 3})

	ctx, cancel := context.WithTimeout(WithTarget(context.Background(), "shop"), time.Millisecond)
	defer cancel()
	req := e.Route(newRequest(t, ctx))
	<-ctx.Done()

	before := len(dir.calls())
	retry, err := e.OnError(req, context.DeadlineExceeded)
	if retry != nil {
		t.Error("OnError() re-dispatched a request whose deadline passed")
	}
	if err != context.DeadlineExceeded {
		t.Errorf("OnError() error = %v, want %v", err, context.DeadlineExceeded)
	}

	rc := FromContext(req.Context())
	if rc.State != StateBlockedExhausted || !rc.Blocked {
		t.Errorf("State = %q, Blocked = %v", rc.State, rc.Blocked)
	}
	if rc.ErrorKind != "timeout" {
		t.Errorf("ErrorKind = %q, want timeout", rc.ErrorKind)
	}

	calls := dir.calls()
	if len(calls) != before+1 {
		t.Fatalf("directory calls = %d, want %d", len(calls), before+1)
	}
	if !reflect.DeepEqual(calls[len(calls)-1], []models.ProxyID{"1"}) {
		t.Errorf("excluded = %v, want [1]", calls[len(calls)-1])
	}
}

func TestDisabledRequestHooks(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{})

	req := e.Route(newRequest(t, WithProxyDisabled(WithTarget(context.Background(), "shop"))))
	before := len(dir.calls())

	resp := &http.Response{StatusCode: http.StatusServiceUnavailable}
	if got := e.OnResponse(req, resp); got != resp {
		t.Error("OnResponse() replaced the response of a disabled request")
	}

	cause := refusedErr()
	retry, err := e.OnError(req, cause)
	if retry != nil {
		t.Error("OnError() retried a disabled request")
	}
	if err != cause {
		t.Errorf("OnError() error = %v, want %v", err, cause)
	}
	if after := len(dir.calls()); after != before {
		t.Errorf("directory calls = %d, want %d", after, before)
	}
}

func TestOnErrorBody(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{})
	ctx := WithTarget(context.Background(), "shop")

	t.Run("Rewindable", func(t *testing.T) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://shop.example.com/", strings.NewReader("payload"))
		if err != nil {
			t.Fatalf("http.NewRequest() error = %v", err)
		}
		out := e.Route(req)
		io.ReadAll(out.Body)

		retry, err := e.OnError(out, refusedErr())
		if retry == nil || err != nil {
			t.Fatalf("OnError() = %v, %v, want retry", retry, err)
		}
		body, _ := io.ReadAll(retry.Body)
		if string(body) != "payload" {
			t.Errorf("retry body = %q, want %q", body, "payload")
		}
	})

	t.Run("Not rewindable", func(t *testing.T) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://shop.example.com/", io.NopCloser(strings.NewReader("payload")))
		if err != nil {
			t.Fatalf("http.NewRequest() error = %v", err)
		}
		out := e.Route(req)

		cause := refusedErr()
		retry, err := e.OnError(out, cause)
		if retry != nil {
			t.Error("OnError() retried a request with a consumed body")
		}
		if err != cause {
			t.Errorf("OnError() error = %v, want %v", err, cause)
		}
		if rc := FromContext(out.Context()); rc.State != StateBlockedExhausted {
			t.Errorf("State = %q, want %q", rc.State, StateBlockedExhausted)
		}
	})
}

func TestProxyHooks(t *testing.T) {
	tests := []struct {
		name       string
		record     string
		wantProxy  string
		wantHeader string
	}{
		{name: "HTTP with credentials", record: "http://u:p@h1:8080", wantProxy: "http://h1:8080", wantHeader: "Basic dTpw"},
		{name: "HTTP without credentials", record: "http://h2:8080", wantProxy: "http://h2:8080"},
		{name: "SOCKS5 keeps credentials", record: "socks5://u:p@s1:1080", wantProxy: "socks5://u:p@s1:1080"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := &fakeDirectory{records: []models.ProxyRecord{{ID: "1", URL: tc.record}}}
			e := newTestEngine(t, dir, TargetConfig{})

			req := routed(t, e)
			p, err := e.Proxy(req)
			if err != nil {
				t.Fatalf("Proxy() error = %v", err)
			}
			if p.String() != tc.wantProxy {
				t.Errorf("Proxy() = %v, want %v", p, tc.wantProxy)
			}

			target, _ := url.Parse("https://shop.example.com")
			h, err := e.ProxyConnectHeader(req.Context(), p, target.Host)
			if err != nil {
				t.Fatalf("ProxyConnectHeader() error = %v", err)
			}
			if got := h.Get("Proxy-Authorization"); got != tc.wantHeader {
				t.Errorf("CONNECT Proxy-Authorization = %q, want %q", got, tc.wantHeader)
			}
		})
	}
}

func TestRegisterUnknownStrategy(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{Strategy: "fastest"})

	req := routed(t, e)
	if rc := FromContext(req.Context()); rc.State != StateRouted {
		t.Errorf("State = %q, want %q", rc.State, StateRouted)
	}
}

func TestRegisterAndDeregister(t *testing.T) {
	dir := &fakeDirectory{records: twoProxies()}
	e := newTestEngine(t, dir, TargetConfig{})

	if err := e.Register(context.Background(), "", TargetConfig{}); err == nil {
		t.Error("Register() expected error for an empty target")
	}
	if !e.Enabled("shop") {
		t.Fatal("Enabled(shop) = false after Register")
	}
	if got := e.Targets(); !reflect.DeepEqual(got, []string{"shop"}) {
		t.Errorf("Targets() = %v, want [shop]", got)
	}
	if n := len(dir.calls()); n != 1 {
		t.Errorf("directory calls after Register = %d, want 1", n)
	}

	e.Deregister("shop")
	if e.Enabled("shop") {
		t.Error("Enabled(shop) = true after Deregister")
	}
	req := newRequest(t, WithTarget(context.Background(), "shop"))
	if out := e.Route(req); out != req {
		t.Error("Route() proxied a deregistered target")
	}
}
