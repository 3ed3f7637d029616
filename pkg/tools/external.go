package tools

import (
	"encoding/json"
	"fmt"
	"strconv"

	"autosint/pkg/dispatch"
	"autosint/pkg/utils"
)

const maxFetchContentChars = 50000

type fetchMetadata struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Cached      bool   `json:"cached"`
}

type fetchResponse struct {
	Content  string        `json:"content"`
	Metadata fetchMetadata `json:"metadata"`
}

type fetchURLArgs struct {
	URL string `json:"url"`
}

// handleFetchURL proxies to Fetch's POST /fetch, grounded on fetch_url.rs
// and fetch/src/routes.rs's fetch_handler. Fetch is a soft dependency per
// spec.md §7: hctx.Fetch wraps failures as tool_result errors, never opens
// a circuit that would suspend the investigation.
func handleFetchURL(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args fetchURLArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	body, err := hctx.Fetch.Post(hctx.Context, "/fetch", map[string]any{"url": args.URL})
	if err != nil {
		return nil, fmt.Errorf("fetch service request failed: %w", err)
	}

	var resp fetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse fetch response: %w", err)
	}

	content := resp.Content
	if len(content) > maxFetchContentChars {
		content = fmt.Sprintf("%s...\n[content truncated: %d chars total, showing first %d]",
			content[:maxFetchContentChars], len(content), maxFetchContentChars)
	}

	return map[string]any{
		"url":          resp.Metadata.URL,
		"status_code":  resp.Metadata.StatusCode,
		"content_type": resp.Metadata.ContentType,
		"cached":       resp.Metadata.Cached,
		"content":      content,
	}, nil
}

// sourceCatalog is shared by fetch_source_catalog (Processor) and
// list_fetch_sources (Analyst) — both hit Fetch's GET /sources, differing
// only in which role's schema exposes the tool. list_fetch_sources has no
// handler file of its own in the retrieved Rust sources despite being
// referenced from tools/handlers/mod.rs, so it is grounded here on
// fetch_source_catalog.rs's identical /sources call.
func sourceCatalog(hctx *dispatch.HandlerContext) (any, error) {
	body, err := hctx.Fetch.Get(hctx.Context, "/sources", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch service request failed: %w", err)
	}

	var sources []any
	if err := json.Unmarshal(body, &sources); err != nil {
		return nil, fmt.Errorf("failed to parse sources response: %w", err)
	}
	return map[string]any{"sources": sources, "count": len(sources)}, nil
}

func handleFetchSourceCatalog(hctx *dispatch.HandlerContext, _ json.RawMessage) (any, error) {
	return sourceCatalog(hctx)
}

func handleListFetchSources(hctx *dispatch.HandlerContext, _ json.RawMessage) (any, error) {
	return sourceCatalog(hctx)
}

type fetchSourceQueryArgs struct {
	SourceID string         `json:"source_id"`
	Query    string         `json:"query"`
	Params   map[string]any `json:"params"`
}

func handleFetchSourceQuery(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args fetchSourceQueryArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SourceID == "" {
		return nil, fmt.Errorf("source_id is required")
	}

	body := map[string]any{}
	for k, v := range args.Params {
		body[k] = v
	}
	if args.Query != "" {
		body["query"] = args.Query
	}

	resp, err := hctx.Fetch.Post(hctx.Context, fmt.Sprintf("/sources/%s/query", args.SourceID), body)
	if err != nil {
		return nil, fmt.Errorf("fetch service request failed: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse source query response: %w", err)
	}
	return parsed, nil
}

const (
	defaultWebSearchResults = 10
	maxWebSearchResults     = 20
)

type webSearchArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

// handleWebSearch proxies to Fetch's POST /search, grounded on
// routes.rs's search_handler: num_results defaults to 10 and is clamped to
// a ceiling of 20 (request.num_results.unwrap_or(10).min(20)).
func handleWebSearch(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args webSearchArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	numResults := args.NumResults
	if numResults <= 0 {
		numResults = defaultWebSearchResults
	}
	if numResults > maxWebSearchResults {
		numResults = maxWebSearchResults
	}

	body, err := hctx.Fetch.Post(hctx.Context, "/search", map[string]any{
		"query":       args.Query,
		"num_results": numResults,
	})
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	var parsed struct {
		Results []struct {
			URL     string `json:"url"`
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]map[string]any, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, map[string]any{"url": r.URL, "title": r.Title, "snippet": r.Snippet})
	}
	return map[string]any{"query": args.Query, "results": results, "count": len(results)}, nil
}

type browseURLArgs struct {
	URL string `json:"url"`
}

// handleBrowseURL proxies to Fetch's POST /browse, the one-shot rendering
// endpoint spec.md §6's external-module contract lists alongside the
// stateful WS /browse/session protocol the browser_* tools below emulate.
func handleBrowseURL(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args browseURLArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	body, err := hctx.Fetch.Post(hctx.Context, "/browse", map[string]any{"url": args.URL})
	if err != nil {
		return nil, fmt.Errorf("browse request failed: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse browse response: %w", err)
	}
	return parsed, nil
}

// browserSessionAction posts to a synthetic REST path standing in for one
// step of Fetch's stateful WS /browse/session protocol (spec.md §6).
// dispatch.ExternalModuleClient exposes only Get/Post/Delete/Healthy — a
// plain request/response contract — with no long-lived socket, so each
// browser_* tool call is a self-contained POST carrying the session_id the
// first browser_open call returned, rather than holding a live connection
// across tool calls the way a real browser-automation session would. This
// is a documented simplification, not a literal translation of the WS
// protocol.
func browserSessionAction(hctx *dispatch.HandlerContext, action string, args map[string]any) (any, error) {
	body, err := hctx.Fetch.Post(hctx.Context, "/browse/session/"+action, args)
	if err != nil {
		return nil, fmt.Errorf("browser session %s failed: %w", action, err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse browser session response: %w", err)
	}
	return parsed, nil
}

func handleBrowserOpen(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args map[string]any
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	return browserSessionAction(hctx, "open", args)
}

func handleBrowserClick(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	args, err := browserSessionArgs(raw)
	if err != nil {
		return nil, err
	}
	return browserSessionAction(hctx, "click", args)
}

func handleBrowserFill(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	args, err := browserSessionArgs(raw)
	if err != nil {
		return nil, err
	}
	return browserSessionAction(hctx, "fill", args)
}

func handleBrowserScroll(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	args, err := browserSessionArgs(raw)
	if err != nil {
		return nil, err
	}
	return browserSessionAction(hctx, "scroll", args)
}

func handleBrowserClose(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	args, err := browserSessionArgs(raw)
	if err != nil {
		return nil, err
	}
	return browserSessionAction(hctx, "close", args)
}

// browserSessionArgs unmarshals one browser_* tool call's arguments and
// validates session_id is present and a string before the request ever
// reaches Fetch — every action but browser_open is scoped to a session
// browser_open already returned.
func browserSessionArgs(raw json.RawMessage) (map[string]any, error) {
	var args map[string]any
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if _, err := utils.GetMapField[string](args, "session_id"); err != nil {
		return nil, fmt.Errorf("browser session action: %w", err)
	}
	return args, nil
}

type queryGeoArgs struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

var geoOperationPaths = map[string]string{
	"context":          "/context",
	"spatial_nearby":   "/spatial/nearby",
	"spatial_distance": "/spatial/distance",
	"spatial_route":    "/spatial/route",
	"terrain":          "/terrain",
	"borders":          "/borders",
	"features":         "/features",
}

// handleQueryGeo dispatches to one of Geo's POST endpoints (spec.md §6) by
// operation name. The Rust prototype's query_geo.rs is a hardcoded
// "not yet available" stub (Geo ships in a later milestone there); since
// SPEC_FULL.md brings Geo into scope as a real soft dependency, this
// implements the dispatch for real rather than carrying the stub forward.
func handleQueryGeo(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args queryGeoArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	path, ok := geoOperationPaths[args.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown geo operation %q", args.Operation)
	}

	body, err := hctx.Geo.Post(hctx.Context, path, args.Params)
	if err != nil {
		return nil, fmt.Errorf("geo service request failed: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse geo response: %w", err)
	}
	return parsed, nil
}

type submitTranscriptionArgs struct {
	URL      string `json:"url"`
	Platform string `json:"platform"`
}

// handleSubmitTranscription posts to Scribe's POST /transcribe, which
// returns a job_id for a later long-polling get_transcription call
// (spec.md §6). Scribe has no handler file in the Rust retrieval set at
// all — grounded purely on the interface description, same gap recorded
// for browser_* above.
func handleSubmitTranscription(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args submitTranscriptionArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	body, err := hctx.Scribe.Post(hctx.Context, "/transcribe", map[string]any{"url": args.URL, "platform": args.Platform})
	if err != nil {
		return nil, fmt.Errorf("transcription service request failed: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse transcribe response: %w", err)
	}
	return parsed, nil
}

type getTranscriptionArgs struct {
	JobID       string `json:"job_id"`
	Block       bool   `json:"block"`
	TimeoutSecs int    `json:"timeout_seconds"`
}

func handleGetTranscription(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args getTranscriptionArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.JobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	query := map[string]string{}
	if args.Block {
		query["block"] = "true"
		if args.TimeoutSecs > 0 {
			query["timeout"] = strconv.Itoa(args.TimeoutSecs)
		}
	}

	body, err := hctx.Scribe.Get(hctx.Context, "/transcribe/"+args.JobID, query)
	if err != nil {
		return nil, fmt.Errorf("transcription service request failed: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse transcription status response: %w", err)
	}
	return parsed, nil
}
