// Package resiliency wraps outbound HTTP with the patterns every intel
// adapter shares: a pooled long-lived transport, bounded retries with
// deterministic backoff, and a per-host circuit breaker so one dead
// provider endpoint stops consuming retries quickly.
package resiliency

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/retry"
)

// Config bounds the shared client.
type Config struct {
	// RequestTimeout bounds one attempt end to end.
	RequestTimeout time.Duration
	// ConnectTimeout bounds dialing.
	ConnectTimeout time.Duration
	// MaxConns and MaxIdleConns size the connection pool.
	MaxConns     int
	MaxIdleConns int
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// BreakerThreshold consecutive failures open a host's breaker;
	// BreakerReset is how long it stays open before a probe.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultConfig matches the pipeline's outbound budget: 60 s requests,
// 10 s connects, 100 connections with 50 kept alive.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		MaxConns:         100,
		MaxIdleConns:     50,
		MaxRetries:       3,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}
}

// Transport is an http.RoundTripper adding retries and per-host circuit
// breaking over a pooled base transport. Responses with 5xx status are
// treated as failures; 4xx pass through untouched, they are the caller's
// problem.
type Transport struct {
	base    http.RoundTripper
	policy  retry.Policy
	retries int
	sleep   func(time.Duration)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewTransport builds the shared transport.
func NewTransport(cfg Config) *Transport {
	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	return &Transport{
		base:     base,
		policy:   retry.Policy{BaseMs: 100, MaxMs: 2000, MaxJitterMs: 50, MaxAttempts: cfg.MaxRetries + 1},
		retries:  cfg.MaxRetries,
		sleep:    time.Sleep,
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// NewClient returns an *http.Client over a fresh Transport, ready to hand
// to the provider adapters.
func NewClient(cfg Config) *http.Client {
	return &http.Client{
		Transport: NewTransport(cfg),
		Timeout:   cfg.RequestTimeout,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	br := t.breaker(req.URL.Host)
	if !br.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", req.URL.Host)
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = t.base.RoundTrip(req)
		if err == nil && resp.StatusCode < 500 {
			br.Success()
			return resp, nil
		}
		if attempt >= t.retries || req.Context().Err() != nil {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		// Requests with bodies cannot be replayed without a GetBody.
		if req.Body != nil && req.GetBody == nil {
			break
		}
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				break
			}
			req.Body = body
		}
		t.sleep(t.policy.Backoff(req.URL.Host, req.URL.Path, attempt))
	}

	br.Failure()
	return resp, err
}

func (t *Transport) breaker(host string) *CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	br, ok := t.breakers[host]
	if !ok {
		br = NewCircuitBreaker(host, t.cfg.BreakerThreshold, t.cfg.BreakerReset)
		t.breakers[host] = br
	}
	return br
}

// Breaker states.
const (
	stateClosed   = "CLOSED"
	stateOpen     = "OPEN"
	stateHalfOpen = "HALF_OPEN"
)

// CircuitBreaker is a consecutive-failure breaker: threshold failures
// open it, the reset timeout admits a single probe, a probe success
// closes it again.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        stateClosed,
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success resets the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

// Failure records one failed request and opens the breaker at threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

// State reports the current breaker state, for diagnostics.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
