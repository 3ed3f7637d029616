// Package externalmodule implements thin HTTP clients for the engine's three
// soft dependencies — Fetch, Geo, and Scribe — each satisfying
// dispatch.ExternalModuleClient. All three are out-of-process collaborators
// specified only by HTTP contract (per_ spec.md §6); this package owns
// nothing about their internals, only how to call them, retry them, and
// fail fast when they are unhealthy, per spec.md §6, mirroring
// pkg/embeddings.Client's breaker+retry wiring for the engine's one other
// HTTP-backed dependency.
package externalmodule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/logx"
	"autosint/pkg/resilience/circuit"
	"autosint/pkg/resilience/retry"
)

//nolint:gochecknoglobals // package-level metrics, registered once regardless of how many Clients are constructed
var (
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "external_module_request_duration_seconds",
		Help:    "Latency of requests to external modules (fetch, geo, scribe).",
		Buckets: prometheus.DefBuckets,
	}, []string{"module", "method"})
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "external_module_requests_total",
		Help: "Count of external module requests by outcome.",
	}, []string{"module", "method", "outcome"})
)

// Client is a thin JSON-over-HTTP client for one external module. The same
// type backs Fetch, Geo, and Scribe — they share an identical transport
// contract (dispatch.ExternalModuleClient), differing only in base URL and
// the name used for metrics, logging, and circuit-breaker keying.
type Client struct {
	name    string // "fetch", "geo", or "scribe" — also the TaxonomyError.Dependency value
	baseURL string
	http    *http.Client
	breaker circuit.Breaker
	retry   *retry.Policy
	logger  *logx.Logger
}

// NewFetch builds the client for the Fetch module (POST /fetch, POST
// /search, GET /sources, POST /sources/{id}/query, POST /browse, the
// browser-session routes), grounded on fetch/src/routes.rs.
func NewFetch(cfg config.ExternalModuleConfig, breakers *circuit.Registry, retryCfg retry.Config) *Client {
	return newClient("fetch", cfg.FetchBaseURL, breakers, retryCfg)
}

// NewGeo builds the client for the Geo module (/context, /spatial/*,
// /terrain, /borders, /features), grounded on geo/src/main.rs's route table
// and spec.md §6's endpoint list.
func NewGeo(cfg config.ExternalModuleConfig, breakers *circuit.Registry, retryCfg retry.Config) *Client {
	return newClient("geo", cfg.GeoBaseURL, breakers, retryCfg)
}

// NewScribe builds the client for the Scribe module (POST /transcribe, GET
// /transcribe/{id} with optional long-poll, DELETE /transcribe/{id}), per
// spec.md §6. No Rust handler exists for Scribe in the retrieval pack — its
// contract is taken directly from the specification.
func NewScribe(cfg config.ExternalModuleConfig, breakers *circuit.Registry, retryCfg retry.Config) *Client {
	return newClient("scribe", cfg.ScribeBaseURL, breakers, retryCfg)
}

func newClient(name, baseURL string, breakers *circuit.Registry, retryCfg retry.Config) *Client {
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
		breaker: breakers.Get(name),
		retry:   retry.NewPolicy(retryCfg, retry.ShouldRetry),
		logger:  logx.NewLogger(name),
	}
}

// Get issues a GET request with the given query parameters and returns the
// raw response body. Satisfies dispatch.ExternalModuleClient.
func (c *Client) Get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		vals := url.Values{}
		for k, v := range query {
			vals.Set(k, v)
		}
		u += "?" + vals.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil)
}

// Post issues a POST request with body marshaled as JSON and returns the
// raw response body. Satisfies dispatch.ExternalModuleClient.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorValidation, c.name, "failed to marshal request body", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, payload)
}

// Delete issues a DELETE request, discarding any response body. Satisfies
// dispatch.ExternalModuleClient.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, c.baseURL+path, nil)
	return err
}

// Healthy reports whether the module's /health endpoint responds 2xx within
// timeout. Failures here do not flow through the retry/circuit machinery —
// a health probe is itself the circuit-recovery signal, not a call to guard.
func (c *Client) Healthy(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// do runs one HTTP round trip behind the module's circuit breaker and retry
// policy, always surfacing failures as ErrorSoftDependency per spec.md §4:
// Fetch/Geo/Scribe failures are returned as error tool_results for the LLM
// to adapt to, never escalated to a hard-dependency circuit that suspends
// the investigation.
func (c *Client) do(ctx context.Context, method, fullURL string, body []byte) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorSoftDependency, c.name,
			fmt.Sprintf("%s is unavailable (circuit %s)", c.name, c.breaker.State()), &circuit.Error{Dependency: c.name, State: c.breaker.State()})
	}

	start := time.Now()

	var respBody []byte
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if reqErr != nil {
			return fmt.Errorf("%s: building request: %w", c.name, reqErr)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return fmt.Errorf("%s: request failed: %w", c.name, doErr)
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("%s: reading response: %w", c.name, readErr)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("%s: %s returned status %d: %s", c.name, method, resp.StatusCode, strings.TrimSpace(string(data)))
		}

		respBody = data
		return nil
	})

	requestLatency.WithLabelValues(c.name, method).Observe(time.Since(start).Seconds())
	c.breaker.Record(err == nil)

	if err != nil {
		requestCount.WithLabelValues(c.name, method, "error").Inc()
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorSoftDependency, c.name, fmt.Sprintf("%s %s failed", method, fullURL), err)
	}
	requestCount.WithLabelValues(c.name, method, "success").Inc()
	return respBody, nil
}
