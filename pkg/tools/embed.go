package tools

import (
	"autosint/pkg/dispatch"
)

// embedOne computes a single embedding, following every Rust handler's
// pattern of degrading to embedding_pending rather than failing the write
// when the embedding provider is unavailable (spec.md §4.6 failure path).
func embedOne(hctx *dispatch.HandlerContext, text string) ([]float32, bool) {
	if hctx.Embeddings == nil {
		return nil, true
	}
	vecs, err := hctx.Embeddings.Embed(hctx.Context, []string{text})
	if err != nil || len(vecs) == 0 {
		return nil, true
	}
	return vecs[0], false
}
