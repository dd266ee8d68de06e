package runner

import (
	"github.com/signalnine/benchloop/internal/agent"
	"github.com/signalnine/benchloop/internal/docker"
	"github.com/signalnine/benchloop/internal/pricing"
)

func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	switch code {
	case 0:
		return "completed"
	case 2:
		return "gave_up"
	case docker.ExitCancelled:
		return "killed"
	default:
		return "crashed"
	}
}

// SessionCost prefers the agent's own figure and falls back to pricing the
// token usage.
func SessionCost(res agent.Result, prices *pricing.Table, provider, model string) float64 {
	if res.CostUSD > 0 {
		return res.CostUSD
	}
	return prices.Estimate(provider, model, pricing.Tokens{
		Input:      res.Usage.InputTokens,
		Output:     res.Usage.OutputTokens,
		CacheRead:  res.Usage.CacheReadTokens,
		CacheWrite: res.Usage.CacheCreationTokens,
	})
}
