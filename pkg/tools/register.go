package tools

import "autosint/pkg/dispatch"

// RegisterProcessorTools attaches every Processor-facing handler to d,
// matching tools/handlers/mod.rs's register_processor_tools. The Processor
// writes extracted intelligence back into the graph and pulls from the
// external modules; it never creates work orders or assessments.
func RegisterProcessorTools(d *dispatch.Dispatcher) {
	d.Register("search_entities", handleSearchEntities)
	d.Register("create_entity", handleCreateEntity)
	d.Register("update_entity", handleUpdateEntity)
	d.Register("create_claim", handleCreateClaim)
	d.Register("create_relationship", handleCreateRelationship)
	d.Register("update_relationship", handleUpdateRelationship)
	d.Register("fetch_url", handleFetchURL)
	d.Register("update_entity_with_change_claim", handleUpdateEntityWithChangeClaim)
	d.Register("fetch_source_catalog", handleFetchSourceCatalog)
	d.Register("fetch_source_query", handleFetchSourceQuery)
	d.Register("web_search", handleWebSearch)
	d.Register("batch_extract", handleBatchExtract)

	// Not present in the Rust original's register_processor_tools: browser
	// automation and audio/video transcription are SPEC_FULL.md additions
	// (Fetch's WS /browse/session and Scribe's /transcribe contracts from
	// spec.md §6), given to the Processor since they are source-gathering
	// actions of the same shape as fetch_url and web_search.
	d.Register("browse_url", handleBrowseURL)
	d.Register("browser_open", handleBrowserOpen)
	d.Register("browser_click", handleBrowserClick)
	d.Register("browser_fill", handleBrowserFill)
	d.Register("browser_scroll", handleBrowserScroll)
	d.Register("browser_close", handleBrowserClose)
	d.Register("submit_transcription", handleSubmitTranscription)
	d.Register("get_transcription", handleGetTranscription)
}

// RegisterAnalystTools attaches every Analyst-facing handler to d, matching
// register_analyst_tools. The Analyst reasons over the graph and relational
// store and decides the investigation's course; it never writes claims or
// relationships directly, which are Processor-only concerns.
func RegisterAnalystTools(d *dispatch.Dispatcher) {
	// Graph read tools (shared with Processor where applicable).
	d.Register("search_entities", handleSearchEntities)
	d.Register("get_entity", handleGetEntity)
	d.Register("traverse_relationships", handleTraverseRelationships)
	d.Register("search_relationships", handleSearchRelationships)
	d.Register("search_claims", handleSearchClaims)

	// Assessment store tools.
	d.Register("search_assessments", handleSearchAssessments)
	d.Register("get_assessment", handleGetAssessment)

	// Investigation action tools.
	d.Register("create_work_order", handleCreateWorkOrder)
	d.Register("produce_assessment", handleProduceAssessment)

	// Graph maintenance tools.
	d.Register("merge_entities", handleMergeEntities)

	// Investigation context tools.
	d.Register("get_investigation_history", handleGetInvestigationHistory)
	d.Register("list_fetch_sources", handleListFetchSources)

	// Geographic intelligence.
	d.Register("query_geo", handleQueryGeo)
}
