package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/capture"
	"github.com/elimaine/clawfactory-sub000/pkg/logging"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

const maxRequestBody = 32 << 20

// Options tune the upstream side of the gateway.
type Options struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 300 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	return o
}

// Gateway relays /{provider}/{path...} to the provider's base URL and hands
// every completed exchange to the recorder. The provider table is fixed at
// construction.
type Gateway struct {
	upstreams map[string]*upstream
	keys      []string
	recorder  *capture.Recorder
	timeout   time.Duration

	// drainMu keeps pending.Add from racing pending.Wait: finish adds under
	// the read lock, Wait drains under the write lock.
	drainMu sync.RWMutex
	pending sync.WaitGroup
}

func New(providers map[string]string, recorder *capture.Recorder, opts Options) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	opts = opts.withDefaults()

	g := &Gateway{
		upstreams: make(map[string]*upstream, len(providers)),
		recorder:  recorder,
		timeout:   opts.Timeout,
	}
	for key, rawURL := range providers {
		up, err := newUpstream(g, key, rawURL, opts)
		if err != nil {
			return nil, err
		}
		g.upstreams[key] = up
		g.keys = append(g.keys, key)
	}
	sort.Strings(g.keys)
	return g, nil
}

// Providers lists the valid provider keys.
func (g *Gateway) Providers() []string {
	return append([]string{}, g.keys...)
}

// Wait blocks until every pending record has been persisted. Exchanges that
// finish meanwhile queue behind it and are persisted afterwards.
func (g *Gateway) Wait() {
	g.drainMu.Lock()
	defer g.drainMu.Unlock()
	g.pending.Wait()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider, path, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if err := g.Forward(w, r, provider, path); err != nil {
		logging.L.Debug("request not forwarded", zap.String("provider", provider), zap.Error(err))
	}
}

// Forward relays r to providerKey at path. The upstream call is detached from
// the client's cancellation so the exchange is recorded even when the caller
// goes away. Unknown providers are answered with 404 and leave no record.
func (g *Gateway) Forward(w http.ResponseWriter, r *http.Request, providerKey, path string) error {
	up, ok := g.upstreams[providerKey]
	if !ok {
		respondUnknownProvider(w, providerKey, g.keys)
		return fmt.Errorf("%w %q (valid: %s)", ErrUnknownProvider, providerKey, strings.Join(g.keys, ", "))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "could not read request body", providerKey)
		return fmt.Errorf("read request body: %w", err)
	}

	ex := &exchange{
		Exchange: capture.Exchange{
			ID:             uuid.NewString(),
			Start:          time.Now(),
			Source:         capture.SourceRelay,
			Provider:       providerKey,
			Method:         r.Method,
			Path:           "/" + strings.TrimLeft(path, "/"),
			URL:            up.target(path, r.URL.RawQuery).String(),
			RequestHeaders: r.Header.Clone(),
			RequestBody:    body,
			Streaming:      capture.IsStreamingRequest(body),
		},
		path: path,
	}
	inflight.Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), g.timeout)
	ex.cancel = cancel
	out := r.WithContext(context.WithValue(ctx, exchangeKey{}, ex))
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))

	up.proxy.ServeHTTP(w, out)
	return nil
}

type exchangeKey struct{}

// exchange is the in-flight state of one relayed call.
type exchange struct {
	capture.Exchange
	path   string
	cancel context.CancelFunc
}

func exchangeFrom(ctx context.Context) *exchange {
	return ctx.Value(exchangeKey{}).(*exchange)
}

func (g *Gateway) modifyResponse(resp *http.Response) error {
	ex := exchangeFrom(resp.Request.Context())
	ex.Status = resp.StatusCode
	ex.ResponseHeaders = resp.Header.Clone()
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		ex.Streaming = true
	}
	resp.Body = &teeBody{src: resp.Body, ex: ex, g: g}
	return nil
}

// handleError answers a failed upstream call with a synthetic status and
// records the failure.
func (g *Gateway) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ex := exchangeFrom(r.Context())
	status, kind, wrapped := classify(err)

	logging.L.Warn("upstream request failed",
		zap.String("provider", ex.Provider),
		zap.String("id", ex.ID),
		zap.String("kind", kind),
		zap.Error(err))
	upstreamErrors.WithLabelValues(ex.Provider, kind).Inc()

	ex.Status = status
	ex.Err = wrapped.Error()
	g.finish(ex)

	respondError(w, status, kind, wrapped.Error(), ex.Provider)
}

func classify(err error) (int, string, error) {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable", err
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout, "upstream_timeout", fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	default:
		return http.StatusBadGateway, "upstream_unreachable", fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
}

// finish closes out an exchange and persists it in the background.
func (g *Gateway) finish(ex *exchange) {
	ex.cancel()
	ex.Duration = time.Since(ex.Start)
	inflight.Dec()
	upstreamLatency.WithLabelValues(ex.Provider).Observe(ex.Duration.Seconds())

	if g.recorder == nil {
		return
	}
	done := ex.Exchange
	g.drainMu.RLock()
	g.pending.Add(1)
	g.drainMu.RUnlock()
	go func() {
		defer g.pending.Done()
		g.recorder.Record(context.Background(), done)
	}()
}

// teeBody relays the upstream body while keeping a copy. On Close it drains
// whatever the client did not read, then finishes the exchange.
type teeBody struct {
	src io.ReadCloser
	buf bytes.Buffer
	ex  *exchange
	g   *Gateway

	readErr error
	once    sync.Once
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	t.buf.Write(p[:n])
	if err != nil && err != io.EOF {
		t.readErr = err
	}
	return n, err
}

func (t *teeBody) Close() error {
	if t.readErr == nil {
		if _, err := io.Copy(&t.buf, t.src); err != nil {
			t.readErr = err
		}
	}
	err := t.src.Close()

	t.once.Do(func() {
		t.ex.ResponseBody = t.buf.Bytes()
		if t.readErr != nil {
			_, kind, wrapped := classify(t.readErr)
			upstreamErrors.WithLabelValues(t.ex.Provider, kind).Inc()
			t.ex.Err = wrapped.Error()
		}
		t.g.finish(t.ex)
	})
	return err
}

func respondError(w http.ResponseWriter, status int, kind, message, provider string) {
	body, _ := sjson.SetBytes(nil, "error.type", kind)
	body, _ = sjson.SetBytes(body, "error.message", message)
	if provider != "" {
		body, _ = sjson.SetBytes(body, "error.provider", provider)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func respondUnknownProvider(w http.ResponseWriter, key string, valid []string) {
	body, _ := sjson.SetBytes(nil, "error.type", "unknown_provider")
	body, _ = sjson.SetBytes(body, "error.message", fmt.Sprintf("unknown provider %q", key))
	body, _ = sjson.SetBytes(body, "error.providers", valid)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write(body)
}
