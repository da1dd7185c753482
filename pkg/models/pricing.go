package models

// ModelPricing defines per-1K token costs for a provider/model pair.
// An empty Provider or Model matches any value.
type ModelPricing struct {
	Provider       string  `json:"provider,omitempty" yaml:"provider"`
	Model          string  `json:"model" yaml:"model"`
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
	Markup         float64 `json:"markup,omitempty" yaml:"markup"`
}
