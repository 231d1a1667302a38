// Package pricing turns token counts into USD amounts using the routing price table.
package pricing

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/config"
)

var perMillion = decimal.NewFromInt(1_000_000)

type Calculator struct {
	routing config.RoutingSource
	logger  *zap.Logger
}

func NewCalculator(routing config.RoutingSource, logger *zap.Logger) *Calculator {
	return &Calculator{routing: routing, logger: logger}
}

// Cost prices a call. An unknown model is priced at the cheapest configured model
// so a stale ledger entry never blocks accounting. The result is never negative.
func (c *Calculator) Cost(model string, inputTokens, outputTokens int) decimal.Decimal {
	r := c.routing.Current()
	spec, ok := r.Model(model)
	if !ok {
		spec = cheapest(r)
		c.logger.Warn("pricing unknown model with cheapest rate",
			zap.String("model", model),
			zap.String("priced_as", spec.ID),
		)
	}

	in := decimal.NewFromInt(int64(max(inputTokens, 0)))
	out := decimal.NewFromInt(int64(max(outputTokens, 0)))

	inCost := in.Div(perMillion).Mul(decimal.NewFromFloat(spec.InputPricePerMillion))
	outCost := out.Div(perMillion).Mul(decimal.NewFromFloat(spec.OutputPricePerMillion))
	return inCost.Add(outCost)
}

func cheapest(r *config.Routing) config.ModelSpec {
	best := r.Models[0]
	for _, m := range r.Models[1:] {
		if m.UnitCost() < best.UnitCost() {
			best = m
		}
	}
	return best
}
