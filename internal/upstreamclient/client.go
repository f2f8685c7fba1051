// Package upstreamclient implements the Upstream Client (spec.md §4.8): a
// bounded-timeout HTTP fetch against a route's upstream, with hop-by-hop
// header stripping and outcome classification.
package upstreamclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Outcome classifies how an upstream fetch ended (spec.md §4.8).
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeConnectError  Outcome = "connect_error"
	OutcomeProtocolError Outcome = "protocol_error"
)

// hopByHopHeaders are stripped from both the outbound request and the
// inbound response, per RFC 7230 §6.1 (mirrors chproxy's reverse proxy,
// which delegates this to net/http/httputil.ReverseProxy's own table).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response is a fetched upstream response, already drained into Body.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Outcome Outcome
	Latency time.Duration
}

// Config holds the Client's tunables (spec.md §4.8 / §6 env vars).
type Config struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	IdleConnTimeout       time.Duration
	ExpectContinueTimeout time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxResponseBodyBytes  int64
	OutboundQPS           float64 // 0 disables the process-wide outbound rate guard
	OutboundBurst         int
}

// Client performs bounded-timeout fetches against upstream origins.
type Client struct {
	http            *http.Client
	maxBody         int64
	outboundLimiter *rate.Limiter
}

// New builds a Client with its own dedicated Transport, following chproxy's
// reverseProxy construction (explicit DialContext/idle-conn/handshake
// timeouts rather than relying on http.DefaultTransport).
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.ExpectContinueTimeout <= 0 {
		cfg.ExpectContinueTimeout = 1 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 200
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 50
	}
	if cfg.MaxResponseBodyBytes <= 0 {
		cfg.MaxResponseBodyBytes = 10 << 20 // 10MiB
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}

	c := &Client{
		http:    &http.Client{Transport: transport},
		maxBody: cfg.MaxResponseBodyBytes,
	}
	if cfg.OutboundQPS > 0 {
		burst := cfg.OutboundBurst
		if burst <= 0 {
			burst = int(cfg.OutboundQPS)
			if burst < 1 {
				burst = 1
			}
		}
		c.outboundLimiter = rate.NewLimiter(rate.Limit(cfg.OutboundQPS), burst)
	}
	return c
}

// Fetch issues method against targetURL with the given body and inbound
// headers (already stripped of hop-by-hop entries by the caller's choice to
// pass a cleaned Header, or left to CleanHeader below), bounded by timeout.
// It never returns a transport error to the caller: any failure is folded
// into Response.Outcome so the pipeline can classify it uniformly.
func (c *Client) Fetch(ctx context.Context, method, targetURL string, header http.Header, body io.Reader, timeout time.Duration) (Response, error) {
	if c.outboundLimiter != nil {
		if err := c.outboundLimiter.Wait(ctx); err != nil {
			return Response{Outcome: OutcomeConnectError}, nil
		}
	}

	fetchCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, method, targetURL, body)
	if err != nil {
		return Response{Outcome: OutcomeProtocolError}, nil
	}
	req.Header = CleanHeader(header)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Response{Outcome: classifyError(err), Latency: latency}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Response{Outcome: OutcomeProtocolError, Latency: time.Since(start)}, nil
	}
	if int64(len(respBody)) > c.maxBody {
		return Response{Outcome: OutcomeProtocolError, Latency: time.Since(start)}, nil
	}

	return Response{
		Status:  resp.StatusCode,
		Header:  CleanHeader(resp.Header),
		Body:    respBody,
		Outcome: OutcomeOK,
		Latency: time.Since(start),
	}, nil
}

// CleanHeader returns a copy of h with hop-by-hop headers removed, safe to
// forward either to an upstream or back to the gateway's own client.
// X-API-Key is also stripped: it authenticates callers to the gateway and
// must never reach the origin.
func CleanHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("X-API-Key")
	if connection := h.Get("Connection"); connection != "" {
		for _, token := range strings.Split(connection, ",") {
			out.Del(strings.TrimSpace(token))
		}
	}
	return out
}

func classifyError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return OutcomeConnectError
	}
	return OutcomeConnectError
}
