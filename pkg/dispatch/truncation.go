package dispatch

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"autosint/pkg/config"
)

// truncateSearchResults drops lowest-ranked items from a `results` array
// past the configured cap and records how many were omitted, so the LLM
// knows the extent of truncation.
func truncateSearchResults(result string, limits config.ToolResultLimits) string {
	arr := gjson.Get(result, "results")
	if !arr.IsArray() {
		return result
	}
	items := arr.Array()
	max := limits.MaxSearchResults
	if len(items) <= max {
		return result
	}

	total := len(items)
	kept := items[:max]
	vals := make([]any, len(kept))
	for i, v := range kept {
		vals[i] = v.Value()
	}

	out, err := sjson.Set(result, "results", vals)
	if err != nil {
		return result
	}
	out, err = sjson.Set(out, "total_results", total)
	if err != nil {
		return out
	}
	out, err = sjson.Set(out, "truncated", fmt.Sprintf("[%d more results omitted]", total-max))
	if err != nil {
		return out
	}
	return out
}

// truncateEntityDetail truncates free-form properties before core fields
// (id, canonical_name, kind, summary are preserved in full).
func truncateEntityDetail(result string, limits config.ToolResultLimits) string {
	maxChars := limits.MaxEntityDetailChars

	props := gjson.Get(result, "properties")
	out := result
	if props.IsObject() {
		serializedLen := 0
		props.ForEach(func(k, v gjson.Result) bool {
			serializedLen += len(k.String()) + len(v.Raw)
			return true
		})

		if serializedLen > maxChars/2 {
			kept := map[string]any{}
			budget := maxChars / 2
			omitted := 0
			props.ForEach(func(k, v gjson.Result) bool {
				entryLen := len(k.String()) + len(v.Raw)
				if budget >= entryLen {
					budget -= entryLen
					kept[k.String()] = v.Value()
				} else {
					omitted++
				}
				return true
			})
			if omitted > 0 {
				kept["_truncated"] = fmt.Sprintf("[%d properties omitted]", omitted)
			}
			if newOut, err := sjson.Set(out, "properties", kept); err == nil {
				out = newOut
			}
		}
	}

	summary := gjson.Get(out, "summary").String()
	if len(summary) > maxChars {
		if newOut, err := sjson.Set(out, "summary", summary[:maxChars]+"...[truncated]"); err == nil {
			out = newOut
		}
	}

	return out
}

// truncateClaimPreviews shortens each result's content preview before
// ever dropping claim search results entirely.
func truncateClaimPreviews(result string, limits config.ToolResultLimits) string {
	maxPreview := limits.MaxClaimPreviewChars

	arr := gjson.Get(result, "results")
	if !arr.IsArray() {
		return result
	}

	out := result
	items := arr.Array()
	for i, item := range items {
		content := item.Get("content").String()
		if len(content) > maxPreview {
			path := fmt.Sprintf("results.%d.content", i)
			truncated := fmt.Sprintf("%s...[truncated, %d chars total]", content[:maxPreview], len(content))
			if newOut, err := sjson.Set(out, path, truncated); err == nil {
				out = newOut
			}
		}
	}

	return out
}
