// Package dispatch forwards validated JSON-RPC requests to the selected
// upstream, applies timeouts, retries once via the fallback on primary
// failure, and reports POST outcomes to the circuit breaker. Per spec
// §4.6, only actuallyUsedFallback == false successes are billable.
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"rpcgateway/internal/breaker"
	"rpcgateway/internal/logging"
)

// Response is the outcome of a dispatched call.
type Response struct {
	StatusCode          int
	Body                []byte
	Header              http.Header
	ActuallyUsedFallback bool
	CorrelationID        string
	Err                   error
}

// Dispatcher forwards requests to primary/fallback upstreams guarded by
// a Breaker. The underlying HTTP clients are constructed once at
// startup (spec §9: "fallback HTTP client re-created per call" is the
// anti-pattern being replaced) and reused across every dispatched
// request.
type Dispatcher struct {
	breaker *breaker.Breaker

	requestTimeout  time.Duration
	fallbackBudget  time.Duration

	primaryClient  *http.Client
	fallbackClient *http.Client
}

// Config parameterizes a Dispatcher.
type Config struct {
	Breaker                  *breaker.Breaker
	RequestTimeout           time.Duration
	FallbackTimeoutBudget    time.Duration
	AllowInsecureUpstreamTLS bool
}

func New(cfg Config) *Dispatcher {
	transport := &http.Transport{}
	if cfg.AllowInsecureUpstreamTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in, see configs.AllowInsecureUpstreamTLS
	}

	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 10 * time.Second
	}
	fallbackBudget := cfg.FallbackTimeoutBudget
	if fallbackBudget <= 0 {
		fallbackBudget = 15 * time.Second
	}

	return &Dispatcher{
		breaker:        cfg.Breaker,
		requestTimeout: reqTimeout,
		fallbackBudget: fallbackBudget,
		primaryClient:  &http.Client{Timeout: reqTimeout, Transport: transport},
		fallbackClient: &http.Client{Timeout: fallbackBudget, Transport: transport},
	}
}

// DispatchPOST forwards body to the breaker-selected upstream, retrying
// once on the fallback if the primary attempt fails. It returns the
// response the client should see, along with whether fallback traffic
// was actually used (which the caller must use to skip aggregator
// credit, per spec §4.6).
func (d *Dispatcher) DispatchPOST(ctx context.Context, clientHeaders http.Header, body []byte) Response {
	correlationID := uuid.NewString()
	route := d.breaker.NextRoute()

	if route.UsesFallback {
		resp := d.call(ctx, d.fallbackClient, route.URL, sanitizedFallbackHeaders(clientHeaders), body, correlationID)
		resp.ActuallyUsedFallback = true
		return resp
	}

	primaryResp := d.call(ctx, d.primaryClient, route.URL, primaryHeaders(clientHeaders), body, correlationID)
	if primaryResp.Err == nil && primaryResp.StatusCode < 500 {
		d.breaker.Success()
		return primaryResp
	}

	d.breaker.Failure()
	logging.Warnf("dispatch[%s]: primary failed (%v), retrying via fallback", correlationID, primaryResp.Err)

	fallbackURL := d.breaker.Snapshot().FallbackURL
	if fallbackURL == "" {
		return primaryResp
	}

	fallbackResp := d.call(ctx, d.fallbackClient, fallbackURL, sanitizedFallbackHeaders(clientHeaders), body, correlationID)
	if fallbackResp.Err == nil && fallbackResp.StatusCode < 500 {
		fallbackResp.ActuallyUsedFallback = true
		return fallbackResp
	}

	// Both primary and the immediate fallback retry failed.
	if fallbackResp.StatusCode != 0 {
		fallbackResp.ActuallyUsedFallback = true
		if len(fallbackResp.Body) == 0 && fallbackResp.Err != nil {
			fallbackResp.Body = []byte(fallbackResp.Err.Error())
		}
		return fallbackResp
	}
	primaryResp.StatusCode = http.StatusInternalServerError
	if len(primaryResp.Body) == 0 && primaryResp.Err != nil {
		primaryResp.Body = []byte(primaryResp.Err.Error())
	}
	return primaryResp
}

// DispatchGET performs the diagnostic GET / probe: try primary, then
// fallback. Neither outcome touches the breaker (spec §4.6: GET
// outcomes are ignored).
func (d *Dispatcher) DispatchGET(ctx context.Context, correlationID string) Response {
	snap := d.breaker.Snapshot()

	primaryResp := d.getOnce(ctx, d.primaryClient, snap.PrimaryURL, correlationID)
	if primaryResp.Err == nil {
		return primaryResp
	}

	if snap.FallbackURL == "" {
		return primaryResp
	}
	fallbackResp := d.getOnce(ctx, d.fallbackClient, snap.FallbackURL, correlationID)
	fallbackResp.ActuallyUsedFallback = true
	return fallbackResp
}

func (d *Dispatcher) getOnce(ctx context.Context, client *http.Client, url, correlationID string) Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{Err: err, CorrelationID: correlationID}
	}
	req.Header.Set("X-Proxy-Correlation-Id", correlationID)

	resp, err := client.Do(req)
	if err != nil {
		return Response{Err: err, CorrelationID: correlationID}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	return Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header, CorrelationID: correlationID}
}

func (d *Dispatcher) call(ctx context.Context, client *http.Client, url string, headers http.Header, body []byte, correlationID string) Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{Err: err, CorrelationID: correlationID}
	}
	req.Header = headers
	req.Header.Set("X-Proxy-Correlation-Id", correlationID)

	resp, err := client.Do(req)
	if err != nil {
		return Response{Err: err, CorrelationID: correlationID}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Err: err, CorrelationID: correlationID}
	}

	return Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header, CorrelationID: correlationID}
}

func primaryHeaders(client http.Header) http.Header {
	h := client.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")
	return h
}

// sanitizedFallbackHeaders carries only Content-Type and a pass-through
// User-Agent, per spec §4.6.
func sanitizedFallbackHeaders(client http.Header) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if ua := client.Get("User-Agent"); ua != "" {
		h.Set("User-Agent", ua)
	}
	return h
}
