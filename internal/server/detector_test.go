package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chartsight/internal/config"
)

func TestHTTPDetectorForwardsMultipartUpload(t *testing.T) {
	t.Parallel()

	annotated := []byte("annotated-bytes")
	var gotFilename string
	var gotFieldImage []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("expected multipart request, got %q", r.Header.Get("Content-Type"))
		}
		file, header, err := r.FormFile("chart")
		if err != nil {
			t.Errorf("expected chart form field: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFilename = header.Filename
		uploaded, err := io.ReadAll(file)
		if err != nil {
			t.Errorf("read upload: %v", err)
		}
		gotFieldImage = uploaded

		w.Header().Set("Content-Type", "application/json")
		response := map[string]any{
			"patterns":        []map[string]any{{"label": "double_top", "confidence": 0.9}},
			"annotated_image": base64.StdEncoding.EncodeToString(annotated),
		}
		_ = json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	detector := NewHTTPDetector(config.Config{DetectorURL: server.URL})
	result, err := detector.Detect(context.Background(), "nifty.png", []byte("raw-chart"))
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	if gotFilename != "nifty.png" {
		t.Fatalf("unexpected filename: %q", gotFilename)
	}
	if string(gotFieldImage) != "raw-chart" {
		t.Fatalf("unexpected forwarded bytes: %q", gotFieldImage)
	}
	if len(result.Patterns) != 1 {
		t.Fatalf("expected one pattern, got %d", len(result.Patterns))
	}
	var pattern map[string]any
	if err := json.Unmarshal(result.Patterns[0], &pattern); err != nil {
		t.Fatalf("pattern not valid JSON: %v", err)
	}
	if pattern["label"] != "double_top" {
		t.Fatalf("unexpected pattern: %v", pattern)
	}
	if string(result.Annotated) != string(annotated) {
		t.Fatalf("annotated image not decoded")
	}
}

func TestHTTPDetectorErrorResponses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		body      string
		wantInErr string
	}{
		{
			name:      "upstream_500",
			status:    http.StatusInternalServerError,
			body:      "model crashed",
			wantInErr: "detector error (500): model crashed",
		},
		{
			name:      "malformed_json",
			status:    http.StatusOK,
			body:      "not json at all",
			wantInErr: "detector response malformed",
		},
		{
			name:      "bad_base64_image",
			status:    http.StatusOK,
			body:      `{"patterns":[],"annotated_image":"!!!not-base64!!!"}`,
			wantInErr: "detector annotated image malformed",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			detector := NewHTTPDetector(config.Config{DetectorURL: server.URL})
			_, err := detector.Detect(context.Background(), "chart.png", []byte("img"))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantInErr) {
				t.Fatalf("expected %q in error, got %q", tc.wantInErr, err.Error())
			}
		})
	}
}

func TestHTTPDetectorRequiresConfiguredURL(t *testing.T) {
	t.Parallel()

	detector := NewHTTPDetector(config.Config{})
	_, err := detector.Detect(context.Background(), "chart.png", []byte("img"))
	if err == nil || !strings.Contains(err.Error(), "DETECTOR_URL") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHTTPDetectorDefaultsMissingPatternsToEmpty(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"annotated_image":"%s"}`, base64.StdEncoding.EncodeToString([]byte("img")))
	}))
	defer server.Close()

	detector := NewHTTPDetector(config.Config{DetectorURL: server.URL})
	result, err := detector.Detect(context.Background(), "chart.png", []byte("img"))
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if result.Patterns == nil || len(result.Patterns) != 0 {
		t.Fatalf("expected empty non-nil patterns, got %v", result.Patterns)
	}
}
