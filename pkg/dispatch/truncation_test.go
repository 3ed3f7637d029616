package dispatch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"autosint/pkg/config"
)

func limits() config.ToolResultLimits {
	return config.ToolResultLimits{
		MaxSearchResults:     10,
		MaxEntityDetailChars: 10000,
		MaxClaimPreviewChars: 500,
	}
}

func TestTruncateSearchResults_UnderLimit(t *testing.T) {
	in := `{"results":[{"id":"1"},{"id":"2"}]}`
	out := truncateSearchResults(in, limits())

	require.Len(t, gjson.Get(out, "results").Array(), 2)
	require.False(t, gjson.Get(out, "truncated").Exists())
}

func TestTruncateSearchResults_OverLimit(t *testing.T) {
	items := make([]string, 25)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":"%d"}`, i)
	}
	in := fmt.Sprintf(`{"results":[%s]}`, strings.Join(items, ","))

	out := truncateSearchResults(in, limits())

	require.Len(t, gjson.Get(out, "results").Array(), 10)
	require.EqualValues(t, 25, gjson.Get(out, "total_results").Int())
	require.Contains(t, gjson.Get(out, "truncated").String(), "15 more")
}

func TestTruncateClaimPreviews(t *testing.T) {
	longContent := strings.Repeat("a", 1000)
	in := fmt.Sprintf(`{"results":[{"content":%q}]}`, longContent)

	l := limits()
	l.MaxClaimPreviewChars = 100
	out := truncateClaimPreviews(in, l)

	preview := gjson.Get(out, "results.0.content").String()
	require.Contains(t, preview, "[truncated")
	require.Less(t, len(preview), 200)
}

func TestTruncateEntityDetail_PreservesCoreFields(t *testing.T) {
	in := `{"id":"e1","canonical_name":"Acme Corp","kind":"organization","summary":"short","properties":{"a":"1"}}`
	out := truncateEntityDetail(in, limits())

	require.Equal(t, "e1", gjson.Get(out, "id").String())
	require.Equal(t, "Acme Corp", gjson.Get(out, "canonical_name").String())
}

func TestTruncateEntityDetail_TrimsOversizedProperties(t *testing.T) {
	props := map[string]string{}
	for i := 0; i < 50; i++ {
		props[fmt.Sprintf("field_%d", i)] = strings.Repeat("x", 200)
	}
	parts := make([]string, 0, len(props))
	for k, v := range props {
		parts = append(parts, fmt.Sprintf(`%q:%q`, k, v))
	}
	in := fmt.Sprintf(`{"id":"e1","summary":"ok","properties":{%s}}`, strings.Join(parts, ","))

	l := limits()
	l.MaxEntityDetailChars = 500
	out := truncateEntityDetail(in, l)

	require.True(t, gjson.Get(out, "properties._truncated").Exists())
}
