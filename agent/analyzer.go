package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"peerlink/coordinator"
	"peerlink/message"
	"peerlink/store"
)

// Rule turns work of one category whose message matches Pattern into a
// suggestion. An empty Pattern matches every message of the category.
type Rule struct {
	Category    string  `yaml:"category"`
	Pattern     string  `yaml:"pattern"`
	Title       string  `yaml:"title"`
	Description string  `yaml:"description"`
	Payload     string  `yaml:"payload"`
	Explanation string  `yaml:"explanation"`
	Confidence  float64 `yaml:"confidence"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// RuleAnalyzer answers analysis requests from a fixed rule table. It is
// registered with server.RegisterService, so its handler methods become
// analyze_error, suggest_fixes and get_code_context.
type RuleAnalyzer struct {
	rules []compiledRule
}

// NewRuleAnalyzer compiles rules; patterns are case-insensitive.
func NewRuleAnalyzer(rules []Rule) (*RuleAnalyzer, error) {
	ra := &RuleAnalyzer{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		cr := compiledRule{Rule: r}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Category, err)
			}
			cr.re = re
		}
		ra.rules = append(ra.rules, cr)
	}
	return ra, nil
}

// Match returns the suggestions for work in rule order.
func (ra *RuleAnalyzer) Match(work store.Work) []store.Result {
	var out []store.Result
	for _, r := range ra.rules {
		if !strings.EqualFold(r.Category, work.Category) {
			continue
		}
		if r.re != nil && !r.re.MatchString(work.Message) {
			continue
		}
		out = append(out, store.Result{
			Title:       r.Title,
			Description: r.Description,
			Payload:     r.Payload,
			Explanation: r.Explanation,
			Confidence:  r.Confidence,
		})
	}
	return out
}

func (ra *RuleAnalyzer) AnalyzeError(ctx context.Context, req *message.Request) (map[string]any, error) {
	start := time.Now()
	var work store.Work
	if err := coordinator.DecodeParam(req.Params, "work", &work); err != nil {
		return nil, message.Errorf(message.CodeInvalidParams, "%v", err)
	}
	matched := ra.Match(work)

	confidence := 0.0
	for _, r := range matched {
		confidence = max(confidence, r.Confidence)
	}
	return map[string]any{
		"suggestions":     coordinator.SuggestionMaps(matched),
		"confidence":      confidence,
		"processing_time": time.Since(start).Seconds(),
	}, nil
}

// SuggestFixes is the name older coordinators call for code analysis.
func (ra *RuleAnalyzer) SuggestFixes(ctx context.Context, req *message.Request) (map[string]any, error) {
	return ra.AnalyzeError(ctx, req)
}

const defaultContextLines = 10

// GetCodeContext returns the lines around params.line of params.file_path.
func (ra *RuleAnalyzer) GetCodeContext(ctx context.Context, req *message.Request) (map[string]any, error) {
	path, _ := req.Params["file_path"].(string)
	if path == "" {
		return nil, message.Errorf(message.CodeInvalidParams, "file_path is required")
	}
	line := intParam(req.Params, "line", 0)
	radius := intParam(req.Params, "context_lines", defaultContextLines)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		lines []string
		first = 1
		n     = 0
	)
	if line > 0 {
		first = max(1, line-radius)
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
		if n < first {
			continue
		}
		if line > 0 && n > line+radius {
			break
		}
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"file_path":        path,
		"first_line":       first,
		"surrounding_code": strings.Join(lines, "\n"),
	}, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	}
	return def
}
