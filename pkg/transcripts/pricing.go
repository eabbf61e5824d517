package transcripts

import "strings"

// modelRate holds USD per million tokens for one model family.
type modelRate struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Published per-1M-token rates by family. Matching is by substring so
// dated variants (claude-sonnet-4-5-20250929) resolve without new rows.
var modelRates = []struct {
	match string
	rate  modelRate
}{
	{"opus", modelRate{Input: 15.0, Output: 75.0, CacheRead: 1.50, CacheWrite: 18.75}},
	{"haiku", modelRate{Input: 1.0, Output: 5.0, CacheRead: 0.10, CacheWrite: 1.25}},
	{"sonnet", modelRate{Input: 3.0, Output: 15.0, CacheRead: 0.30, CacheWrite: 3.75}},
}

// defaultRate covers unknown models.
var defaultRate = modelRate{Input: 3.0, Output: 15.0, CacheRead: 0.30, CacheWrite: 3.75}

func rateFor(model string) modelRate {
	m := strings.ToLower(model)
	for _, r := range modelRates {
		if strings.Contains(m, r.match) {
			return r.rate
		}
	}
	return defaultRate
}

// usageCost prices one usage record.
func usageCost(model string, u tokenUsage) float64 {
	r := rateFor(model)
	cost := float64(u.InputTokens)*r.Input +
		float64(u.OutputTokens)*r.Output +
		float64(u.CacheReadInputTokens)*r.CacheRead +
		float64(u.CacheCreationInputTokens)*r.CacheWrite
	return cost / 1_000_000
}
