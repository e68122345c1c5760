package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *App) analyzeChart(c *gin.Context) {
	fileHeader, err := c.FormFile("chart")
	if err != nil {
		writeError(c, http.StatusBadRequest, "No chart file uploaded (field name: chart)")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(file)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(imageBytes)); err != nil {
		writeError(c, http.StatusInternalServerError, fmt.Sprintf("cannot identify image file: %v", err))
		return
	}

	detected, err := a.detector.Detect(c.Request.Context(), fileHeader.Filename, imageBytes)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}

	insights := a.insights.Generate(c.Request.Context(), detected.Patterns)
	annotatedDataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(detected.Annotated)
	summary := fmt.Sprintf("%d pattern(s) detected.", len(detected.Patterns))

	patternsJSON, err := json.Marshal(detected.Patterns)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}

	if user, ok := authUserFromContext(c); ok {
		var chartObjectKey *string
		if a.archive != nil {
			contentType := fileHeader.Header.Get("Content-Type")
			key, archiveErr := a.archive.Upload(c.Request.Context(), user.ID, contentType, imageBytes)
			if archiveErr == nil && key != "" {
				chartObjectKey = &key
			}
		}
		a.persist("analysis_history insert", func() error {
			return a.store.InsertAnalysis(c.Request.Context(), AnalysisRecord{
				UserID:         user.ID,
				Patterns:       patternsJSON,
				Summary:        summary,
				AnnotatedImage: annotatedDataURI,
				Insights:       insights,
				ChartObjectKey: chartObjectKey,
			})
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"patterns_detected": json.RawMessage(patternsJSON),
		"summary":           summary,
		"annotated_image":   annotatedDataURI,
		"insights":          insights,
	})
}

func (a *App) getAnalysisHistory(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	page := paginationFromQuery(c, defaultHistoryPageLimit)
	rows, err := a.store.ListAnalyses(c.Request.Context(), user.ID, page.Limit+1, page.Offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load analysis history")
		return
	}
	rows, hasMore := trimPage(rows, page.Limit)

	items := make([]gin.H, 0, len(rows))
	for _, record := range rows {
		items = append(items, gin.H{
			"id":                record.ID,
			"patterns_detected": json.RawMessage(record.Patterns),
			"summary":           record.Summary,
			"annotated_image":   record.AnnotatedImage,
			"insights":          record.Insights,
			"chart_object_key":  record.ChartObjectKey,
			"created_at":        record.CreatedAt.UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"items":    items,
		"has_more": hasMore,
		"offset":   page.Offset,
		"limit":    page.Limit,
	})
}
