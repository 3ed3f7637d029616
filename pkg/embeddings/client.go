// Package embeddings implements the embedding pipeline: an OpenAI-backed
// client that turns entity/claim/relationship text into vectors, guarded by
// a circuit breaker and retry policy like every other hard dependency, plus
// the periodic backfill loop that drains embedding_pending records out of
// the graph store.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/logx"
	"autosint/pkg/resilience/circuit"
	"autosint/pkg/resilience/retry"
)

// Client embeds text through an OpenAI-compatible embeddings endpoint.
type Client struct {
	client     openai.Client
	model      string
	dimensions int
	batchSize  int
	breaker    circuit.Breaker
	retry      *retry.Policy
	logger     *logx.Logger
	metrics    *clientMetrics
}

type clientMetrics struct {
	requestLatency prometheus.Histogram
	requestCount   *prometheus.CounterVec
	batchSize      prometheus.Histogram
}

func newMetrics() *clientMetrics {
	return &clientMetrics{
		requestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "embeddings_request_duration_seconds",
			Help:    "Latency of embedding requests to the provider.",
			Buckets: prometheus.DefBuckets,
		}),
		requestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "embeddings_requests_total",
			Help: "Count of embedding requests by outcome.",
		}, []string{"outcome"}),
		batchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "embeddings_batch_size",
			Help:    "Number of texts embedded per request.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
		}),
	}
}

// Connect builds a Client from config, wiring a dedicated circuit breaker
// and retry policy into the shared registries the engine uses for every
// hard dependency. The API key is read from the environment variable named
// by cfg.APIKeyEnv.
func Connect(cfg config.EmbeddingConfig, breakers *circuit.Registry, retryCfg retry.Config) (*Client, error) {
	logger := logx.NewLogger("embeddings")

	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorAuthConfig, "embeddings",
			fmt.Sprintf("environment variable %s is not set", cfg.APIKeyEnv), nil)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = 1536
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger.Info("embeddings client configured: provider=%s model=%s dimensions=%d", cfg.Provider, cfg.Model, dimensions)

	return &Client{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		dimensions: dimensions,
		batchSize:  batchSize,
		breaker:    breakers.Get("embeddings"),
		retry:      retry.NewPolicy(retryCfg, retry.ShouldRetry),
		logger:     logger,
		metrics:    newMetrics(),
	}, nil
}

// Embed returns one vector per input text, in the same order, batching
// requests to the provider's embeddings endpoint at cfg.BatchSize texts per
// call. Satisfies dispatch.EmbeddingClient.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range chunkTexts(texts, c.batchSize) {
		embedded, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, embedded...)
	}
	return out, nil
}

// chunkTexts splits texts into groups of at most batchSize, preserving order.
func chunkTexts(texts []string, batchSize int) [][]string {
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	var chunks [][]string
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunks = append(chunks, texts[start:end])
	}
	return chunks
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.breaker.Allow() {
		return nil, &circuit.Error{Dependency: "embeddings", State: c.breaker.State()}
	}

	start := time.Now()
	c.metrics.batchSize.Observe(float64(len(texts)))

	var resp *openai.CreateEmbeddingResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		r, apiErr := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model:      openai.EmbeddingModel(c.model),
			Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Dimensions: openai.Int(int64(c.dimensions)),
		})
		if apiErr != nil {
			return classifyError(apiErr)
		}
		resp = r
		return nil
	})

	c.metrics.requestLatency.Observe(time.Since(start).Seconds())
	c.breaker.Record(err == nil)
	if err != nil {
		c.metrics.requestCount.WithLabelValues("error").Inc()
		return nil, err
	}
	c.metrics.requestCount.WithLabelValues("success").Inc()

	if len(resp.Data) != len(texts) {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "embeddings",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)), nil)
	}

	sorted := make([]openai.Embedding, len(resp.Data))
	copy(sorted, resp.Data)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	out := make([][]float32, len(sorted))
	for i, e := range sorted {
		if len(e.Embedding) != c.dimensions {
			return nil, apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "embeddings",
				fmt.Sprintf("embedding at index %d has %d dimensions, expected %d", i, len(e.Embedding), c.dimensions), nil)
		}
		vec := make([]float32, len(e.Embedding))
		for j, f := range e.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

// classifyError maps an OpenAI SDK error onto the engine's error taxonomy:
// auth failures never retry, rate limits are classified as rate_limited (the
// retry-after header only appears in the error message; the retry delay does
// not use it), and everything else is treated as a hard-dependency failure.
func classifyError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "embeddings", "embeddings request failed", err)
	}

	switch apiErr.StatusCode {
	case 401, 403:
		return apitypes.NewTaxonomyError(apitypes.ErrorAuthConfig, "embeddings", "embeddings provider rejected credentials", apiErr)
	case 429:
		return apitypes.NewTaxonomyError(apitypes.ErrorRateLimited, "embeddings", retryAfterMessage(apiErr), apiErr)
	default:
		return apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "embeddings",
			fmt.Sprintf("embeddings provider returned status %d", apiErr.StatusCode), apiErr)
	}
}

func retryAfterMessage(apiErr *openai.Error) string {
	if apiErr.Response == nil {
		return "embeddings provider rate-limited the request"
	}
	if v := apiErr.Response.Header.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return fmt.Sprintf("embeddings provider rate-limited the request, retry after %ds", secs)
		}
	}
	return "embeddings provider rate-limited the request"
}
