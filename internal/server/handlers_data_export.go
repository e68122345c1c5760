package server

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const exportPageSize = 500

func sanitizeCSVFilename(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "user"
	}
	var b strings.Builder
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	sanitized := strings.Trim(b.String(), "_")
	if sanitized == "" {
		return "user"
	}
	return sanitized
}

// exportAnalysisHistoryCSV downloads the authenticated user's analysis
// rows as CSV, paging through the store in fixed batches. The annotated
// image data URI is left out; the object key points at the archived
// original when archival is enabled.
func (a *App) exportAnalysisHistoryCSV(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var out bytes.Buffer
	writer := csv.NewWriter(&out)
	if err := writer.Write([]string{
		"analysis_id",
		"summary",
		"patterns_json",
		"insights_summary",
		"chart_object_key",
		"created_at_utc",
	}); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to build CSV header")
		return
	}

	offset := 0
	for {
		rows, err := a.store.ListAnalyses(c.Request.Context(), user.ID, exportPageSize+1, offset)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load analysis history")
			return
		}
		rows, hasMore := trimPage(rows, exportPageSize)
		for _, record := range rows {
			objectKey := ""
			if record.ChartObjectKey != nil {
				objectKey = *record.ChartObjectKey
			}
			if err := writer.Write([]string{
				record.ID,
				record.Summary,
				string(record.Patterns),
				record.Insights.Summary,
				objectKey,
				record.CreatedAt.UTC().Format(time.RFC3339),
			}); err != nil {
				writeError(c, http.StatusInternalServerError, "Failed to write CSV rows")
				return
			}
		}
		if !hasMore {
			break
		}
		offset += exportPageSize
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to flush CSV")
		return
	}

	filename := fmt.Sprintf(
		"chartsight_history_%s_%s.csv",
		sanitizeCSVFilename(user.ID),
		time.Now().UTC().Format("20060102_150405"),
	)

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	c.String(http.StatusOK, out.String())
}
