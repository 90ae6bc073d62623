package modules

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStats(t *testing.T) *UsageStats {
	t.Helper()
	stats, err := NewUsageStats(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = stats.Close() })
	return stats
}

func TestRecordAggregatesByHourFamilyModel(t *testing.T) {
	stats := newTestStats(t)

	stats.Record("a@x.com", "gemini-3-pro-high", 100, 20)
	stats.Record("a@x.com", "gemini-3-pro-high", 50, 10)
	stats.Record("b@x.com", "gemini-claude-sonnet-4-5-thinking", 30, 5)

	history, err := stats.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1, "all requests land in the current hourly bucket")

	hourKey := time.Now().UTC().Format("2006-01-02T15") + ":00:00.000Z"
	hourData, ok := history[hourKey].(map[string]interface{})
	require.True(t, ok, "bucket key is the ISO hour")
	assert.Equal(t, int64(3), hourData["_total"])

	pro := hourData["gemini-pro"].(map[string]interface{})
	assert.Equal(t, int64(2), pro["_subtotal"])
	assert.Equal(t, int64(2), pro["gemini-3-pro"])

	claude := hourData["claude"].(map[string]interface{})
	assert.Equal(t, int64(1), claude["_subtotal"])
}

func TestAccountTotalsSumTokens(t *testing.T) {
	stats := newTestStats(t)

	stats.Record("a@x.com", "gemini-3-pro-high", 100, 20)
	stats.Record("a@x.com", "gemini-2.5-flash", 50, 10)
	stats.Record("", "gemini-3-pro-high", 7, 3)

	totals, err := stats.AccountTotals(context.Background())
	require.NoError(t, err)

	a := totals["a@x.com"].(map[string]interface{})
	assert.Equal(t, int64(2), a["requests"])
	assert.Equal(t, int64(150), a["promptTokens"])
	assert.Equal(t, int64(30), a["candidatesTokens"])

	unknown := totals["unknown"].(map[string]interface{})
	assert.Equal(t, int64(1), unknown["requests"])
}

func TestPruneDropsOldBuckets(t *testing.T) {
	stats := newTestStats(t)

	old := time.Now().AddDate(0, 0, -40).UTC().Format("2006-01-02T15")
	_, err := stats.db.Exec(`
		INSERT INTO usage_stats (hour, account, family, model, count, prompt_tokens, candidates_tokens)
		VALUES (?, ?, ?, ?, ?, 0, 0)`,
		old, "a@x.com", "claude", "claude-sonnet-4-5", 7)
	require.NoError(t, err)
	stats.Record("a@x.com", "gemini-3-pro-high", 0, 0)

	require.NoError(t, stats.prune(context.Background()))

	history, err := stats.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 1, "only the current bucket survives")
}

func TestNilStatsAreSafe(t *testing.T) {
	var stats *UsageStats

	stats.Record("a@x.com", "gemini-3-pro-high", 1, 1)
	history, err := stats.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)

	totals, err := stats.AccountTotals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, totals)
	assert.NoError(t, stats.Close())
}
