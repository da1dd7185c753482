// Package pricing resolves the per-model rate card used to cost ledger entries.
package pricing

import (
	"github.com/pario-ai/tokenmeter/pkg/models"
)

// DefaultMarkup applies when a rate sets no markup.
const DefaultMarkup = 1.0

// Quote is the cost and customer price of one ledger entry.
type Quote struct {
	Cost  float64
	Price float64
}

// Resolver looks up rates by provider and model. Lookup order is exact
// provider+model, then model under any provider, then provider with any
// model, then the catch-all rate.
type Resolver struct {
	exact    map[string]models.ModelPricing
	byModel  map[string]models.ModelPricing
	byProv   map[string]models.ModelPricing
	fallback *models.ModelPricing
}

// New builds a Resolver. Later entries win over earlier ones with the same key.
func New(rates []models.ModelPricing) *Resolver {
	r := &Resolver{
		exact:   make(map[string]models.ModelPricing),
		byModel: make(map[string]models.ModelPricing),
		byProv:  make(map[string]models.ModelPricing),
	}
	for _, p := range rates {
		switch {
		case p.Provider != "" && p.Model != "":
			r.exact[key(p.Provider, p.Model)] = p
		case p.Model != "":
			r.byModel[p.Model] = p
		case p.Provider != "":
			r.byProv[p.Provider] = p
		default:
			rate := p
			r.fallback = &rate
		}
	}
	return r
}

func key(provider, model string) string {
	return provider + "/" + model
}

// Lookup returns the rate for provider and model.
func (r *Resolver) Lookup(provider, model string) (models.ModelPricing, bool) {
	if p, ok := r.exact[key(provider, model)]; ok {
		return p, true
	}
	if p, ok := r.byModel[model]; ok {
		return p, true
	}
	if p, ok := r.byProv[provider]; ok {
		return p, true
	}
	if r.fallback != nil {
		return *r.fallback, true
	}
	return models.ModelPricing{}, false
}

// Quote prices input and output tokens. Unknown models cost nothing.
func (r *Resolver) Quote(provider, model string, input, output int64) Quote {
	p, ok := r.Lookup(provider, model)
	if !ok {
		return Quote{}
	}
	cost := float64(input)/1000*p.PromptCost + float64(output)/1000*p.CompletionCost
	markup := p.Markup
	if markup <= 0 {
		markup = DefaultMarkup
	}
	return Quote{Cost: cost, Price: cost * markup}
}

// Split apportions input and output tokens across parts that sum to
// input+output (or to any total when both are zero), input first. Parts are
// returned in order.
func Split(input, output int64, parts ...int64) [][2]int64 {
	out := make([][2]int64, len(parts))
	for i, n := range parts {
		in := min(n, input)
		input -= in
		o := min(n-in, output)
		output -= o
		out[i] = [2]int64{in, o}
	}
	return out
}
