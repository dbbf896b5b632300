package block

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindNone              Kind = ""
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindConnectionReset   Kind = "connection_reset"
	KindConnectionAborted Kind = "connection_aborted"
	KindIO                Kind = "io"
	KindDNS               Kind = "dns"
	KindCanceled          Kind = "canceled"
	KindOther             Kind = "other"
)

// Blocking reports whether failures of this kind mean the proxy was blocked.
func (k Kind) Blocking() bool {
	switch k {
	case KindTimeout, KindConnectionRefused, KindConnectionReset, KindConnectionAborted, KindIO:
		return true
	default:
		return false
	}
}

// Classify maps a transport error onto a Kind. The order matters: DNS failures and
// cancellation win over the generic network error they are wrapped in.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindConnectionReset
	case errors.Is(err, syscall.ECONNABORTED):
		return KindConnectionAborted
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindIO
	}
	return KindOther
}

// Predicate lets callers extend status based classification of responses.
type Predicate interface {
	IsBlocked(resp *http.Response) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(resp *http.Response) bool

func (f PredicateFunc) IsBlocked(resp *http.Response) bool {
	return f(resp)
}

// StatusPredicate reports responses with one of the listed status codes as blocked.
type StatusPredicate []int

func (p StatusPredicate) IsBlocked(resp *http.Response) bool {
	for _, code := range p {
		if resp.StatusCode == code {
			return true
		}
	}
	return false
}

var blockedStatuses = map[int]struct{}{
	http.StatusForbidden:          {},
	http.StatusServiceUnavailable: {},
	http.StatusGatewayTimeout:     {},
}

// Detector decides whether a response or a transport failure means the proxy is blocked.
// It holds no state besides the optional predicate.
type Detector struct {
	predicate Predicate
}

func NewDetector(predicate Predicate) *Detector {
	return &Detector{predicate: predicate}
}

// IsBlockedResponse is true for 403, 503 and 504 regardless of the predicate; for any
// other status the predicate, when set, decides.
func (d *Detector) IsBlockedResponse(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	if _, ok := blockedStatuses[resp.StatusCode]; ok {
		return true
	}
	if d != nil && d.predicate != nil {
		return d.predicate.IsBlocked(resp)
	}
	return false
}

// IsBlockedError never consults the predicate.
func (d *Detector) IsBlockedError(err error) bool {
	return Classify(err).Blocking()
}
