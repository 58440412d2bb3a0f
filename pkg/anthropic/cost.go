package anthropic

import (
	"sync"

	"go.uber.org/zap"
)

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
	}
}

// Pricing is USD per million tokens for one model.
type Pricing struct {
	Input         float64
	Output        float64
	CacheWriteMul float64 // multiple of Input; 1.25 when zero
	CacheReadMul  float64 // multiple of Input; 0.1 when zero
}

var (
	pricingMu    sync.RWMutex
	modelPricing = map[string]Pricing{
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
	}
)

// SetPricing overrides or adds the price table entry for model.
func SetPricing(model string, p Pricing) {
	pricingMu.Lock()
	defer pricingMu.Unlock()
	modelPricing[model] = p
}

func lookupPricing(model string) (Pricing, bool) {
	pricingMu.RLock()
	defer pricingMu.RUnlock()
	p, ok := modelPricing[model]
	return p, ok
}

// EstimateCost computes an estimated cost in USD from a TokenUsage and model ID.
// Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := lookupPricing(model)
	if !ok {
		return 0
	}
	writeMul := p.CacheWriteMul
	if writeMul == 0 {
		writeMul = 1.25
	}
	readMul := p.CacheReadMul
	if readMul == 0 {
		readMul = 0.1
	}
	inCost := (float64(u.InputTokens) / 1e6) * p.Input
	outCost := (float64(u.OutputTokens) / 1e6) * p.Output
	cacheWriteCost := (float64(u.CacheCreationInputTokens) / 1e6) * p.Input * writeMul
	cacheReadCost := (float64(u.CacheReadInputTokens) / 1e6) * p.Input * readMul
	return inCost + outCost + cacheWriteCost + cacheReadCost
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u TokenUsage) LogCost(model, phase string) {
	cost := u.EstimateCost(model)
	zap.L().Debug("cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", cost),
	)
}
