package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/capture"
	"github.com/elimaine/clawfactory-sub000/pkg/logging"
)

// upstream is one provider: its base URL, reverse proxy and breaker.
type upstream struct {
	key     string
	base    *url.URL
	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker
}

func newUpstream(g *Gateway, key, rawURL string, opts Options) (*upstream, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL for %s: %w", key, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL for %s: %q needs scheme and host", key, rawURL)
	}

	failures := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provider-" + key,
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.L.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	up := &upstream{key: key, base: base, breaker: cb}
	up.proxy = &httputil.ReverseProxy{
		Rewrite:        up.rewrite,
		Transport:      &breakerTransport{key: key, cb: cb, next: opts.Transport},
		FlushInterval:  -1,
		ModifyResponse: g.modifyResponse,
		ErrorHandler:   g.handleError,
		ErrorLog:       zap.NewStdLog(logging.L),
	}
	return up, nil
}

// target joins the provider base URL with the caller's path and query.
func (u *upstream) target(path, rawQuery string) *url.URL {
	t := *u.base
	t.Path = strings.TrimRight(u.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	t.RawPath = ""
	t.RawQuery = rawQuery
	return &t
}

func (u *upstream) rewrite(pr *httputil.ProxyRequest) {
	ex := exchangeFrom(pr.Out.Context())
	pr.Out.URL = u.target(ex.path, pr.In.URL.RawQuery)
	pr.Out.Host = ""
	capture.StripHopHeaders(pr.Out.Header)
	// Let the transport negotiate compression so the captured copy is
	// always decoded.
	pr.Out.Header.Del("Accept-Encoding")

	ex.URL = pr.Out.URL.String()
	ex.RequestHeaders = pr.Out.Header.Clone()
}

var errServerStatus = errors.New("upstream server error")

// breakerTransport counts transport errors and 5xx answers against the
// provider's breaker and refuses requests while it is open.
type breakerTransport struct {
	key  string
	cb   *gobreaker.CircuitBreaker
	next http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}

	var resp *http.Response
	_, err := t.cb.Execute(func() (interface{}, error) {
		var err error
		resp, err = next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})

	switch {
	case err == nil, errors.Is(err, errServerStatus):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		breakerRejections.WithLabelValues(t.key).Inc()
		return nil, fmt.Errorf("%w: circuit open for %s", ErrUpstreamUnavailable, t.key)
	default:
		return nil, err
	}
}
