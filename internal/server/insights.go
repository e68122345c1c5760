package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// InsightBundle is the AI commentary attached to an analysis. All six
// keys are always present, on every success and failure path.
type InsightBundle struct {
	Summary         string   `json:"summary"`
	Explanations    []string `json:"explanations"`
	EntrySignals    []string `json:"entry_signals"`
	ExitSignals     []string `json:"exit_signals"`
	RiskManagement  []string `json:"risk_management"`
	ConfidenceNotes []string `json:"confidence_notes"`
}

type InsightGenerator struct {
	client AIClient
}

func NewInsightGenerator(client AIClient) *InsightGenerator {
	return &InsightGenerator{client: client}
}

func emptyInsightBundle(summary string) InsightBundle {
	return InsightBundle{
		Summary:         summary,
		Explanations:    []string{},
		EntrySignals:    []string{},
		ExitSignals:     []string{},
		RiskManagement:  []string{},
		ConfidenceNotes: []string{},
	}
}

// Generate asks the model for strictly-JSON commentary on the detected
// patterns. Without a configured credential it returns a fixed offline
// bundle without touching the network; upstream or parse failures
// degrade to a same-shaped fallback instead of surfacing an error.
func (g *InsightGenerator) Generate(ctx context.Context, patterns []json.RawMessage) InsightBundle {
	if g.client == nil || !g.client.Enabled() {
		bundle := emptyInsightBundle(fmt.Sprintf("AI insights unavailable. Set %s to enable.", g.configHint()))
		bundle.Explanations = []string{
			"Connect an AI provider to generate detailed, pattern-aware insights.",
		}
		return bundle
	}

	prompt := buildInsightPrompt(patterns)
	raw, err := g.client.Generate(ctx, "", prompt)
	if err != nil {
		log.Printf("insight generation failed: %v", err)
		return g.failureBundle()
	}

	bundle, ok := parseInsightPayload(raw)
	if !ok {
		log.Printf("insight response was not parseable JSON: %s", truncateRunes(strings.TrimSpace(raw), 300))
		return g.failureBundle()
	}
	return bundle
}

func (g *InsightGenerator) configHint() string {
	if g.client == nil {
		return "GEMINI_API_KEY"
	}
	return g.client.ConfigHint()
}

func (g *InsightGenerator) failureBundle() InsightBundle {
	return emptyInsightBundle(fmt.Sprintf(
		"AI insights unavailable or parsing failed. Check %s and model settings.",
		g.configHint(),
	))
}

func buildInsightPrompt(patterns []json.RawMessage) string {
	encoded := make([]json.RawMessage, 0, len(patterns))
	encoded = append(encoded, patterns...)
	patternsJSON, err := json.Marshal(encoded)
	if err != nil {
		patternsJSON = []byte("[]")
	}
	return "You are an expert trading assistant. Given detected chart patterns with confidences, " +
		"produce a concise professional analysis. Include: \n" +
		"1) Overall market context assumptions;\n" +
		"2) Pattern explanations and implications;\n" +
		"3) Probable entry signals and invalidation levels;\n" +
		"4) Exit/target strategies and risk management;\n" +
		"5) Confidence considerations based on signal overlap.\n" +
		"Return STRICT JSON with keys: summary (string), explanations (array), entry_signals (array), " +
		"exit_signals (array), risk_management (array), confidence_notes (array). Do not include any prose outside JSON.\n" +
		"Patterns: " + string(patternsJSON)
}

// parseInsightPayload is the strict parse step: direct JSON first, then
// the substring between the first '{' and the last '}'. The second
// return value tags the result; callers substitute the fallback bundle
// in the malformed branch.
func parseInsightPayload(raw string) (InsightBundle, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data == nil {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start == -1 || end == -1 || end <= start {
			return InsightBundle{}, false
		}
		snippet := raw[start : end+1]
		if err := json.Unmarshal([]byte(snippet), &data); err != nil || data == nil {
			return InsightBundle{}, false
		}
	}

	bundle := emptyInsightBundle(strings.TrimSpace(toString(data["summary"])))
	bundle.Explanations = toStringList(data["explanations"])
	bundle.EntrySignals = toStringList(data["entry_signals"])
	bundle.ExitSignals = toStringList(data["exit_signals"])
	bundle.RiskManagement = toStringList(data["risk_management"])
	bundle.ConfidenceNotes = toStringList(data["confidence_notes"])
	return bundle, true
}

func toStringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return []string{}
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		text := strings.TrimSpace(toString(item))
		if text != "" {
			result = append(result, text)
		}
	}
	return result
}
