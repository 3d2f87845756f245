package coordinator

import (
	"encoding/json"
	"fmt"
	"strconv"

	"peerlink/store"
)

const defaultConfidence = 0.5

// parseSuggestions reads the "suggestions" list out of a peer's result.
// Peers written against older agents send code_snippet and confidence_score
// instead of payload and confidence; both spellings are accepted. Entries
// that are not objects are skipped.
func parseSuggestions(peer string, result map[string]any) []store.Result {
	raw, _ := result["suggestions"].([]any)
	out := make([]store.Result, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := store.Result{
			Title:       str(m, "title"),
			Description: str(m, "description"),
			Payload:     firstStr(m, "payload", "code_snippet"),
			Explanation: str(m, "explanation"),
			Source:      peer,
			Confidence:  defaultConfidence,
		}
		if r.Title == "" {
			r.Title = peer + " suggestion"
		}
		for _, key := range []string{"confidence", "confidence_score"} {
			if f, ok := toFloat(m[key]); ok {
				r.Confidence = clamp(f)
				break
			}
		}
		out = append(out, r)
	}
	return out
}

// SuggestionMaps converts results into the map form peers exchange.
func SuggestionMaps(results []store.Result) []any {
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{
			"title":       r.Title,
			"description": r.Description,
			"payload":     r.Payload,
			"confidence":  r.Confidence,
			"source":      r.Source,
			"explanation": r.Explanation,
			"score":       r.Score,
		}
	}
	return out
}

// DecodeParam converts params[key], as decoded by either codec, into v.
func DecodeParam(params map[string]any, key string, v any) error {
	raw, ok := params[key]
	if !ok {
		return fmt.Errorf("missing %q", key)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-encoding %q: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding %q: %w", key, err)
	}
	return nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m, k); s != "" {
			return s
		}
	}
	return ""
}

// toFloat accepts whatever numeric type the codec produced.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
