package optimizer

import (
	"math"

	"github.com/raterudder/energyplan/pkg/simulation"
	"github.com/raterudder/energyplan/pkg/types"
)

// Weights scale each objective term into a single aggregate.
type Weights struct {
	Cost            float64
	SelfConsumption float64
	Penalties       map[types.PenaltyKind]float64
}

// WeightingFunc turns a simulation result into an aggregate fitness where lower
// is better.
type WeightingFunc func(res simulation.Result, w Weights) float64

// DefaultWeighting is
//
//	Cost*cost + SelfConsumption*(1 - selfConsumption) + sum(Penalties[k] * magnitude[k])
func DefaultWeighting(res simulation.Result, w Weights) float64 {
	agg := w.Cost*res.Cost + w.SelfConsumption*(1-res.SelfConsumption)
	for _, k := range types.AllPenaltyKinds {
		agg += w.Penalties[k] * res.Penalties[k]
	}
	return agg
}

func fitnessOf(res simulation.Result, agg float64) types.Fitness {
	if math.IsNaN(agg) || math.IsInf(agg, 0) {
		agg = math.Inf(1)
	}
	penalties := make(map[types.PenaltyKind]float64, len(res.Penalties))
	for k, v := range res.Penalties {
		penalties[k] = v
	}
	return types.Fitness{
		Aggregate:       agg,
		Cost:            res.Cost,
		SelfConsumption: res.SelfConsumption,
		PenaltySum:      res.PenaltySum(),
		Penalties:       penalties,
	}
}

// better reports whether a ranks ahead of b: lower aggregate, then lower
// penalty sum, then lower cost.
func better(a, b types.Fitness) bool {
	if a.Aggregate != b.Aggregate {
		return a.Aggregate < b.Aggregate
	}
	if a.PenaltySum != b.PenaltySum {
		return a.PenaltySum < b.PenaltySum
	}
	return a.Cost < b.Cost
}
