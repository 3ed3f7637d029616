package llmprovider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/logx"
	"autosint/pkg/resilience/circuit"
	"autosint/pkg/resilience/retry"
)

// contextKey namespaces context values the way pkg/logx's agentIDKey does,
// so investigation IDs threaded through ctx never collide with another
// package's key of the same underlying string.
type contextKey string

const investigationIDKey contextKey = "investigation_id"

// WithInvestigationID tags ctx with an investigation ID so every LLM call
// made underneath it is attributed to that investigation in the
// llm_tokens_total/llm_cost_usd_total series pkg/metrics.QueryService reads
// back (spec.md §5's investigation-scoped token/cost reporting).
func WithInvestigationID(ctx context.Context, investigationID string) context.Context {
	return context.WithValue(ctx, investigationIDKey, investigationID)
}

func investigationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(investigationIDKey).(string)
	if id == "" {
		return "unknown"
	}
	return id
}

var (
	metricsOnce sync.Once //nolint:gochecknoglobals // promauto registers globally; guard against double-Connect in tests

	requestLatency *prometheus.HistogramVec
	requestCount   *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	costTotal      *prometheus.CounterVec
)

func registerMetrics() {
	metricsOnce.Do(func() {
		requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Latency of LLM completion calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "role"})
		requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Count of LLM completion calls by provider, role, and outcome.",
		}, []string{"provider", "role", "outcome"})
		tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Prompt/completion tokens consumed, by investigation, provider, role, and token type.",
		}, []string{"investigation_id", "provider", "role", "type"})
		costTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_usd_total",
			Help: "Estimated USD cost of LLM completion calls, by investigation, provider, role, and model.",
		}, []string{"investigation_id", "provider", "role", "model"})
	})
}

// guardedClient wraps a provider Client with the circuit breaker and retry
// policy every hard dependency gets, and records per-role metrics.
type guardedClient struct {
	inner    Client
	role     string
	dep      string
	provider string
	breaker  circuit.Breaker
	retry    *retry.Policy
	logger   *logx.Logger
}

func (g *guardedClient) ModelName() string { return g.inner.ModelName() }

func (g *guardedClient) Complete(ctx context.Context, req Request) (Response, error) {
	if !g.breaker.Allow() {
		return Response{}, &circuit.Error{Dependency: g.dep, State: g.breaker.State()}
	}

	start := time.Now()
	var resp Response
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		r, err := g.inner.Complete(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	requestLatency.WithLabelValues(g.dep, g.role).Observe(time.Since(start).Seconds())
	g.breaker.Record(err == nil)
	if err != nil {
		requestCount.WithLabelValues(g.dep, g.role, "error").Inc()
		return Response{}, err
	}
	requestCount.WithLabelValues(g.dep, g.role, "success").Inc()

	investigationID := investigationIDFromContext(ctx)
	tokensTotal.WithLabelValues(investigationID, g.provider, g.role, "prompt").Add(float64(resp.InputTokens))
	tokensTotal.WithLabelValues(investigationID, g.provider, g.role, "completion").Add(float64(resp.OutputTokens))
	costTotal.WithLabelValues(investigationID, g.provider, g.role, g.inner.ModelName()).
		Add(estimateCostUSD(g.provider, g.inner.ModelName(), resp.InputTokens, resp.OutputTokens))
	return resp, nil
}

// Connect builds a Client for one session role from config, wiring a
// circuit breaker keyed "llm:<provider>" and a retry policy into the shared
// registries the engine uses for every hard dependency. The API key is read
// from the environment variable named by cfg.APIKeyEnv (defaulting per
// provider when unset, matching spec.md's default-env-var-name convention).
func Connect(role string, cfg config.LLMRoleConfig, breakers *circuit.Registry, retryCfg retry.Config) (Client, error) {
	registerMetrics()

	apiKeyEnv := cfg.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = defaultAPIKeyEnv(cfg.Provider)
	}
	apiKey := os.Getenv(apiKeyEnv)
	dep := fmt.Sprintf("llm:%s", cfg.Provider)
	if apiKey == "" {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorAuthConfig, dep,
			fmt.Sprintf("environment variable %s is not set", apiKeyEnv), nil)
	}

	var inner Client
	switch cfg.Provider {
	case "anthropic":
		inner = newAnthropicClient(apiKey, cfg.Model, cfg.BaseURL)
	case "openai":
		inner = newOpenAIClient(apiKey, cfg.Model, cfg.BaseURL)
	case "gemini":
		inner = newGeminiClient(apiKey, cfg.Model)
	default:
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorAuthConfig, dep,
			fmt.Sprintf("unsupported llm provider %q", cfg.Provider), nil)
	}

	logger := logx.NewLogger(fmt.Sprintf("llmprovider-%s", role))
	logger.Info("llm client configured: role=%s provider=%s model=%s", role, cfg.Provider, cfg.Model)

	return &guardedClient{
		inner:    inner,
		role:     role,
		dep:      dep,
		provider: cfg.Provider,
		breaker:  breakers.Get(dep),
		retry:    retry.NewPolicy(retryCfg, retry.ShouldRetry),
		logger:   logger,
	}, nil
}

// perMillionTokenUSD is a small, hand-maintained price table for the
// providers/models spec.md §4.3 names as supported. Estimates only — the
// providers' own billing is authoritative; this exists so /metrics and
// pkg/metrics.QueryService can surface an approximate per-investigation
// cost without a live pricing API.
//
//nolint:gochecknoglobals // static pricing table, analogous to a const map
var perMillionTokenUSD = map[string]struct{ input, output float64 }{
	"claude-opus-4":      {15, 75},
	"claude-sonnet-4":    {3, 15},
	"claude-3-5-haiku":   {0.8, 4},
	"gpt-4o":             {2.5, 10},
	"gpt-4o-mini":        {0.15, 0.6},
	"gemini-1.5-pro":     {1.25, 5},
	"gemini-1.5-flash":   {0.075, 0.3},
}

// estimateCostUSD looks up model by prefix match against perMillionTokenUSD
// (provider model strings often carry a date/version suffix, e.g.
// "claude-sonnet-4-20250514") and falls back to 0 for an unrecognized model
// rather than guessing.
func estimateCostUSD(provider, model string, inputTokens, outputTokens int) float64 {
	_ = provider
	for prefix, price := range perMillionTokenUSD {
		if strings.HasPrefix(model, prefix) {
			return float64(inputTokens)/1e6*price.input + float64(outputTokens)/1e6*price.output
		}
	}
	return 0
}

func defaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// Temperature resolves an optional per-role override onto a Request,
// defaulting to 1.0 when the role config leaves it unset — matching
// config.LLMRoleConfig's pointer-means-unset convention.
func Temperature(cfg config.LLMRoleConfig) float64 {
	if cfg.Temperature != nil {
		return *cfg.Temperature
	}
	return 1.0
}
