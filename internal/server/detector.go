package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"chartsight/internal/config"
)

// DetectResult carries the detector output. Patterns stay opaque raw
// JSON beyond being serializable; the annotated image is PNG bytes.
type DetectResult struct {
	Patterns  []json.RawMessage
	Annotated []byte
}

// PatternDetector is the external chart-pattern model boundary.
type PatternDetector interface {
	Detect(ctx context.Context, filename string, image []byte) (DetectResult, error)
}

// HTTPDetector forwards the uploaded chart to the detection service as
// a multipart request, mirroring the public endpoint's own contract.
type HTTPDetector struct {
	url        string
	httpClient *http.Client
}

func NewHTTPDetector(cfg config.Config) *HTTPDetector {
	timeoutSeconds := cfg.DetectorTimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &HTTPDetector{
		url: strings.TrimSpace(cfg.DetectorURL),
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, filename string, image []byte) (DetectResult, error) {
	if d.url == "" {
		return DetectResult{}, errors.New("DETECTOR_URL is not configured")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("chart", filename)
	if err != nil {
		return DetectResult{}, err
	}
	if _, err := part.Write(image); err != nil {
		return DetectResult{}, err
	}
	if err := writer.Close(); err != nil {
		return DetectResult{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return DetectResult{}, err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := d.httpClient.Do(request)
	if err != nil {
		return DetectResult{}, fmt.Errorf("detector request failed: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return DetectResult{}, fmt.Errorf("detector response read failed: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return DetectResult{}, fmt.Errorf(
			"detector error (%d): %s",
			response.StatusCode,
			truncateRunes(strings.TrimSpace(string(responseBody)), 300),
		)
	}

	var parsed struct {
		Patterns       []json.RawMessage `json:"patterns"`
		AnnotatedImage string            `json:"annotated_image"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return DetectResult{}, fmt.Errorf("detector response malformed: %w", err)
	}

	annotated, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parsed.AnnotatedImage))
	if err != nil {
		return DetectResult{}, fmt.Errorf("detector annotated image malformed: %w", err)
	}
	if parsed.Patterns == nil {
		parsed.Patterns = []json.RawMessage{}
	}
	return DetectResult{
		Patterns:  parsed.Patterns,
		Annotated: annotated,
	}, nil
}
