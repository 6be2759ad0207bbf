package agent

import (
	"encoding/json"
	"strconv"
)

// Provider option keys understood by the built-in backends. Unknown keys are
// ignored.
const (
	OptionTopP            = "top_p"
	OptionReasoningEffort = "reasoning_effort"
	OptionThinkingBudget  = "thinking_budget"
)

func applyProviderOptions(req *CompletionRequest, opts map[string]any) {
	if len(opts) == 0 {
		return
	}
	if v, ok := floatOption(opts[OptionTopP]); ok {
		req.TopP = &v
	}
	if v, ok := opts[OptionReasoningEffort].(string); ok {
		req.ReasoningEffort = v
	}
	if v, ok := floatOption(opts[OptionThinkingBudget]); ok && v > 0 {
		req.ThinkingBudgetTokens = int(v)
	}
}

// floatOption accepts the numeric shapes a decoded JSON or YAML document may
// produce.
func floatOption(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
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
