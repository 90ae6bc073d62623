// Package modules provides optional feature modules for the gateway server.
package modules

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// retentionDays is how long hourly usage buckets are kept
const retentionDays = 30

// UsageStats records per-account request and token counts in hourly buckets,
// backed by a local SQLite database. A nil UsageStats (stats disabled) is
// safe to call.
type UsageStats struct {
	db       *sql.DB
	mu       sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewUsageStats opens (and creates when missing) the stats database at path
func NewUsageStats(path string) (*UsageStats, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create stats dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS usage_stats (
		hour              TEXT NOT NULL,
		account           TEXT NOT NULL,
		family            TEXT NOT NULL,
		model             TEXT NOT NULL,
		count             INTEGER NOT NULL DEFAULT 0,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		candidates_tokens INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (hour, account, family, model)
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create stats schema: %w", err)
	}

	u := &UsageStats{db: db, stopChan: make(chan struct{})}
	go u.backgroundPrune()
	utils.Info("[UsageStats] Recording usage to %s", path)
	return u, nil
}

// Close stops pruning and closes the database
func (u *UsageStats) Close() error {
	if u == nil {
		return nil
	}
	u.stopOnce.Do(func() { close(u.stopChan) })
	return u.db.Close()
}

func (u *UsageStats) backgroundPrune() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopChan:
			return
		case <-ticker.C:
			if err := u.prune(context.Background()); err != nil {
				utils.Warn("[UsageStats] Prune failed: %v", err)
			}
		}
	}
}

func (u *UsageStats) prune(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC().Format("2006-01-02T15")
	_, err := u.db.ExecContext(ctx, `DELETE FROM usage_stats WHERE hour < ?`, cutoff)
	return err
}

// Record adds one served request to the current hourly bucket, with the token
// counts reported by the backend's response headers (zero when absent).
func (u *UsageStats) Record(account, model string, promptTokens, candidatesTokens int64) {
	if u == nil {
		return
	}
	if account == "" {
		account = "unknown"
	}
	family := string(config.FamilyFromModelName(model))
	if family == "" {
		family = "other"
	}
	hour := time.Now().UTC().Format("2006-01-02T15")

	u.mu.Lock()
	defer u.mu.Unlock()
	_, err := u.db.Exec(`
		INSERT INTO usage_stats (hour, account, family, model, count, prompt_tokens, candidates_tokens)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(hour, account, family, model) DO UPDATE SET
			count = count + 1,
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			candidates_tokens = candidates_tokens + excluded.candidates_tokens`,
		hour, account, family, config.NormalizeModelID(model), promptTokens, candidatesTokens)
	if err != nil {
		utils.Debug("[UsageStats] Failed to record request: %v", err)
	}
}

// History returns the hourly usage buckets within the retention window.
// Shape: { hourISO: { "_total": n, family: { "_subtotal": n, model: n } } }
func (u *UsageStats) History(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if u == nil {
		return result, nil
	}

	rows, err := u.db.QueryContext(ctx, `
		SELECT hour, family, model, SUM(count) FROM usage_stats
		GROUP BY hour, family, model ORDER BY hour`)
	if err != nil {
		return nil, fmt.Errorf("query usage history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hour, family, model string
		var count int64
		if err := rows.Scan(&hour, &family, &model, &count); err != nil {
			return nil, err
		}

		t, err := time.Parse("2006-01-02T15", hour)
		if err != nil {
			continue
		}
		isoKey := t.Format("2006-01-02T15:04:05.000Z")

		hourData, _ := result[isoKey].(map[string]interface{})
		if hourData == nil {
			hourData = map[string]interface{}{"_total": int64(0)}
			result[isoKey] = hourData
		}
		hourData["_total"] = hourData["_total"].(int64) + count

		familyData, _ := hourData[family].(map[string]interface{})
		if familyData == nil {
			familyData = map[string]interface{}{"_subtotal": int64(0)}
			hourData[family] = familyData
		}
		familyData["_subtotal"] = familyData["_subtotal"].(int64) + count

		existing, _ := familyData[model].(int64)
		familyData[model] = existing + count
	}
	return result, rows.Err()
}

// AccountTotals aggregates lifetime request and token counts per account
func (u *UsageStats) AccountTotals(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if u == nil {
		return result, nil
	}

	rows, err := u.db.QueryContext(ctx, `
		SELECT account, SUM(count), SUM(prompt_tokens), SUM(candidates_tokens)
		FROM usage_stats GROUP BY account`)
	if err != nil {
		return nil, fmt.Errorf("query account totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var account string
		var requests, promptTokens, candidatesTokens int64
		if err := rows.Scan(&account, &requests, &promptTokens, &candidatesTokens); err != nil {
			return nil, err
		}
		result[account] = map[string]interface{}{
			"requests":         requests,
			"promptTokens":     promptTokens,
			"candidatesTokens": candidatesTokens,
		}
	}
	return result, rows.Err()
}

// SetupRoutes registers the stats API on a router group
func (u *UsageStats) SetupRoutes(router *gin.RouterGroup) {
	router.GET("/stats/history", u.handleGetHistory)
	router.GET("/stats/accounts", u.handleGetAccountTotals)
}

func (u *UsageStats) handleGetHistory(c *gin.Context) {
	history, err := u.History(c.Request.Context())
	if err != nil {
		utils.Error("[UsageStats] Failed to get history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, history)
}

func (u *UsageStats) handleGetAccountTotals(c *gin.Context) {
	totals, err := u.AccountTotals(c.Request.Context())
	if err != nil {
		utils.Error("[UsageStats] Failed to get account totals: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, totals)
}
