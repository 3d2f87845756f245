package coordinator

import (
	"sort"
	"strings"

	"peerlink/registry"
	"peerlink/store"
)

const (
	typeMatchBonus   = 0.10
	payloadBonus     = 0.05
	explanationBonus = 0.05

	minPayloadLen     = 10
	minExplanationLen = 20
)

// DefaultRoleWeights boosts peers whose analysis tends to be more precise.
var DefaultRoleWeights = map[string]float64{
	registry.RoleCodeAnalysis: 1.2,
	registry.RoleLogAnalysis:  1.1,
}

// DefaultKeywords maps a work category to the words a relevant result is
// expected to mention.
var DefaultKeywords = map[string][]string{
	"name_error":      {"name", "variable", "defined", "undefined"},
	"import_error":    {"import", "module", "install"},
	"attribute_error": {"attribute", "method", "dir"},
	"type_error":      {"type", "argument", "parameter"},
	"index_error":     {"index", "list", "range"},
	"key_error":       {"key", "dictionary", "get"},
	"file_not_found":  {"file", "path", "exists"},
}

// Scorer ranks candidate results. It is a pure function of its inputs.
type Scorer struct {
	RoleWeights map[string]float64 // missing roles weigh 1.0
	Keywords    map[string][]string
}

// DefaultScorer returns a Scorer with DefaultRoleWeights and DefaultKeywords.
func DefaultScorer() Scorer {
	return Scorer{RoleWeights: DefaultRoleWeights, Keywords: DefaultKeywords}
}

// Score computes
//
//	clamp(confidence*weight(role) + 0.10 keyword match + 0.05 payload + 0.05 explanation, 0, 1)
func (s Scorer) Score(r store.Result, role, category string) float64 {
	weight, ok := s.RoleWeights[role]
	if !ok {
		weight = 1.0
	}
	score := clamp(r.Confidence) * weight

	if s.matchesCategory(r, category) {
		score += typeMatchBonus
	}
	if len(strings.TrimSpace(r.Payload)) > minPayloadLen {
		score += payloadBonus
	}
	if len(r.Explanation) > minExplanationLen {
		score += explanationBonus
	}
	return clamp(score)
}

func (s Scorer) matchesCategory(r store.Result, category string) bool {
	keywords, ok := s.Keywords[strings.ToLower(category)]
	if !ok {
		return false
	}
	text := strings.ToLower(r.Title + " " + r.Description)
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// candidate is a result awaiting ranking, tagged with its peer's role.
type candidate struct {
	result store.Result
	role   string
}

// rank scores every candidate, sorts descending (ties keep arrival order)
// and keeps at most topK.
func (s Scorer) rank(cands []candidate, category string, topK int) []store.Result {
	out := make([]store.Result, len(cands))
	for i, c := range cands {
		out[i] = c.result
		out[i].Score = s.Score(c.result, c.role, category)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
