package nl2sql

const (
	DefaultInputPricePerMillion  = 0.40
	DefaultOutputPricePerMillion = 1.60
)

// Pricing holds USD prices per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

func DefaultPricing() Pricing {
	return Pricing{InputPerMillion: DefaultInputPricePerMillion, OutputPerMillion: DefaultOutputPricePerMillion}
}

func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1_000_000*p.InputPerMillion +
		float64(completionTokens)/1_000_000*p.OutputPerMillion
}

func (p Pricing) Usage(promptTokens, completionTokens, totalTokens int) Usage {
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		CostUSD:          p.Cost(promptTokens, completionTokens),
	}
}
