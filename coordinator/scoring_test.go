package coordinator

import (
	"fmt"
	"math/rand"
	"testing"

	"peerlink/registry"
	"peerlink/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	s := DefaultScorer()
	long := "this explanation is comfortably long"

	cases := []struct {
		name     string
		result   store.Result
		role     string
		category string
		want     float64
	}{
		{"plain", store.Result{Title: "x", Confidence: 0.5}, "", "name_error", 0.5},
		{"code weight", store.Result{Title: "x", Confidence: 0.5}, registry.RoleCodeAnalysis, "", 0.6},
		{"log weight", store.Result{Title: "x", Confidence: 0.5}, registry.RoleLogAnalysis, "", 0.55},
		{"keyword in title", store.Result{Title: "Install the module", Confidence: 0.5}, "", "import_error", 0.6},
		{"keyword in description", store.Result{Title: "x", Description: "Check the DICTIONARY", Confidence: 0.5}, "", "key_error", 0.6},
		{"category case-insensitive", store.Result{Title: "bad index", Confidence: 0.5}, "", "INDEX_ERROR", 0.6},
		{"unknown category", store.Result{Title: "install module", Confidence: 0.5}, "", "value_error", 0.5},
		{"payload", store.Result{Title: "x", Payload: "import numpy as np", Confidence: 0.5}, "", "", 0.55},
		{"payload too short after trim", store.Result{Title: "x", Payload: "   x = 1   \n", Confidence: 0.5}, "", "", 0.5},
		{"explanation", store.Result{Title: "x", Explanation: long, Confidence: 0.5}, "", "", 0.55},
		{"explanation too short", store.Result{Title: "x", Explanation: "short", Confidence: 0.5}, "", "", 0.5},
		{"clamped high", store.Result{Title: "variable", Payload: "long enough payload", Explanation: long, Confidence: 1}, registry.RoleCodeAnalysis, "name_error", 1},
		{"negative confidence", store.Result{Title: "x", Confidence: -3}, "", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, s.Score(tc.result, tc.role, tc.category), 1e-9)
		})
	}
}

func TestCustomWeights(t *testing.T) {
	s := Scorer{RoleWeights: map[string]float64{"special": 2}}
	assert.InDelta(t, 0.8, s.Score(store.Result{Confidence: 0.4}, "special", ""), 1e-9)
	assert.InDelta(t, 0.4, s.Score(store.Result{Confidence: 0.4}, registry.RoleCodeAnalysis, ""), 1e-9)
}

func TestRankStableOnTies(t *testing.T) {
	s := DefaultScorer()
	cands := []candidate{
		{result: store.Result{Title: "first", Confidence: 0.5}},
		{result: store.Result{Title: "second", Confidence: 0.5}},
		{result: store.Result{Title: "best", Confidence: 0.9}},
		{result: store.Result{Title: "third", Confidence: 0.5}},
	}

	out := s.rank(cands, "", 10)
	require.Len(t, out, 4)
	titles := []string{out[0].Title, out[1].Title, out[2].Title, out[3].Title}
	assert.Equal(t, []string{"best", "first", "second", "third"}, titles)

	assert.Len(t, s.rank(cands, "", 2), 2)
	assert.Empty(t, s.rank(nil, "", 3))
}

func position(results []store.Result, title string) int {
	for i, r := range results {
		if r.Title == title {
			return i
		}
	}
	return -1
}

// Raising one candidate's confidence never moves it down the ranking.
func TestRankMonotonicInConfidence(t *testing.T) {
	s := DefaultScorer()
	rng := rand.New(rand.NewSource(7))
	roles := []string{"", registry.RoleCodeAnalysis, registry.RoleLogAnalysis}
	titles := []string{"fix name", "check list index", "misc"}

	for round := 0; round < 200; round++ {
		n := 2 + rng.Intn(8)
		cands := make([]candidate, n)
		for i := range cands {
			cands[i] = candidate{
				result: store.Result{
					Title:      fmt.Sprintf("%s #%d", titles[rng.Intn(len(titles))], i),
					Confidence: rng.Float64(),
				},
				role: roles[rng.Intn(len(roles))],
			}
		}
		target := rng.Intn(n)
		name := cands[target].result.Title

		before := position(s.rank(cands, "name_error", n), name)
		cands[target].result.Confidence += rng.Float64() * (1 - cands[target].result.Confidence)
		after := position(s.rank(cands, "name_error", n), name)

		require.LessOrEqual(t, after, before, "round %d", round)
	}
}
