// Package optimizer searches the schedule space with a genetic algorithm.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"github.com/raterudder/energyplan/pkg/log"
	"github.com/raterudder/energyplan/pkg/simulation"
	"github.com/raterudder/energyplan/pkg/types"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// ErrAllNonFinite is returned when an entire generation scores a non-finite
// fitness and the search can't make progress.
var ErrAllNonFinite = errors.New("every individual has non-finite fitness")

// Config controls one optimization run.
type Config struct {
	Individuals          int
	Generations          int
	EliteCount           int
	TournamentSize       int
	CrossoverProbability float64
	MutationProbability  float64
	WarmStartMutants     int
	Seed                 int64
	Weights              Weights
	// Weighting defaults to DefaultWeighting.
	Weighting WeightingFunc
	// Workers bounds parallel fitness evaluation. Defaults to the CPU count.
	Workers int
}

// ConfigFromSettings builds a Config from stored settings and a run seed.
func ConfigFromSettings(ctx context.Context, s types.Settings, seed int64) Config {
	return Config{
		Individuals:          s.Individuals,
		Generations:          s.Generations,
		EliteCount:           s.EliteCount,
		TournamentSize:       s.TournamentSize,
		CrossoverProbability: s.CrossoverProbability,
		MutationProbability:  s.MutationProbability,
		WarmStartMutants:     s.WarmStartMutants,
		Seed:                 seed,
		Weights: Weights{
			Cost:            s.CostWeight,
			SelfConsumption: s.SelfConsumptionWeight,
			Penalties:       s.PenaltyWeights(ctx),
		},
	}
}

func (c Config) validate() error {
	if c.Individuals < 2 {
		return fmt.Errorf("individuals must be at least 2: %d", c.Individuals)
	}
	if c.Generations < 1 {
		return fmt.Errorf("generations must be at least 1: %d", c.Generations)
	}
	// at least one elite keeps the best fitness from getting worse
	if c.EliteCount < 1 || c.EliteCount >= c.Individuals {
		return fmt.Errorf("eliteCount must be between 1 and individuals-1: %d", c.EliteCount)
	}
	if c.TournamentSize < 1 {
		return fmt.Errorf("tournamentSize must be at least 1: %d", c.TournamentSize)
	}
	return nil
}

// GenerationStats summarizes the finite fitness values of one generation.
type GenerationStats struct {
	Generation int     `json:"generation"`
	Best       float64 `json:"best"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stdDev"`
	NonFinite  int     `json:"nonFinite"`
}

// Outcome is the result of a run.
type Outcome struct {
	Best    types.Chromosome
	Fitness types.Fitness
	Result  simulation.Result
	// History has one entry for the initial population and one per generation.
	History     []GenerationStats
	Seed        int64
	WarmStarted bool
}

type individual struct {
	genes     types.Chromosome
	fitness   types.Fitness
	evaluated bool
}

// Optimizer runs the genetic search for a single problem. It is not safe for
// concurrent use; create one per run.
type Optimizer struct {
	cfg    Config
	in     simulation.Input
	blocks []types.Block
	rng    *rand.Rand
}

// New validates the configuration and input and returns an Optimizer.
func New(cfg Config, in simulation.Input) (*Optimizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer config: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation input: %w", err)
	}
	if cfg.Weighting == nil {
		cfg.Weighting = DefaultWeighting
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	cfg.TournamentSize = min(cfg.TournamentSize, cfg.Individuals)
	cfg.WarmStartMutants = min(max(cfg.WarmStartMutants, 0), cfg.Individuals-1)
	return &Optimizer{
		cfg:    cfg,
		in:     in,
		blocks: in.Layout.Blocks(),
		// the rng is only ever used from the goroutine calling Run
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Run executes exactly cfg.Generations generations after the initial
// population. A non-nil warm chromosome is injected into the initial population
// together with lightly mutated copies of it. Cancellation is checked between
// generations.
func (o *Optimizer) Run(ctx context.Context, warm types.Chromosome) (Outcome, error) {
	out := Outcome{Seed: o.cfg.Seed}
	if warm != nil {
		if err := o.in.Layout.Validate(warm); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "ignoring invalid warm start seed", slog.Any("error", err))
			warm = nil
		}
	}
	out.WarmStarted = warm != nil

	pop := o.initialPopulation(warm)
	if err := o.evaluate(ctx, pop); err != nil {
		return Outcome{}, err
	}
	stats, err := summarize(0, pop)
	if err != nil {
		return Outcome{}, err
	}
	out.History = append(out.History, stats)

	for gen := 1; gen <= o.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, fmt.Errorf("optimization canceled at generation %d: %w", gen, err)
		}
		pop = o.nextGeneration(pop)
		if err := o.evaluate(ctx, pop); err != nil {
			return Outcome{}, err
		}
		stats, err := summarize(gen, pop)
		if err != nil {
			return Outcome{}, fmt.Errorf("generation %d: %w", gen, err)
		}
		out.History = append(out.History, stats)
		if gen%50 == 0 {
			log.Ctx(ctx).DebugContext(
				ctx,
				"optimizer generation",
				slog.Int("generation", gen),
				slog.Float64("best", stats.Best),
				slog.Float64("mean", stats.Mean),
				slog.Float64("stdDev", stats.StdDev),
			)
		}
	}

	best := pop[rank(pop)[0]]
	res, err := simulation.Simulate(o.in, best.genes)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to decode best chromosome: %w", err)
	}
	out.Best = best.genes.Clone()
	out.Fitness = best.fitness
	out.Result = res

	log.Ctx(ctx).InfoContext(
		ctx,
		"optimization finished",
		slog.Int("generations", o.cfg.Generations),
		slog.Float64("aggregate", best.fitness.Aggregate),
		slog.Float64("cost", best.fitness.Cost),
		slog.Float64("selfConsumption", best.fitness.SelfConsumption),
		slog.Float64("penaltySum", best.fitness.PenaltySum),
		slog.Bool("warmStarted", out.WarmStarted),
		slog.Int64("seed", o.cfg.Seed),
	)
	return out, nil
}

func (o *Optimizer) randomGene(b types.Block) int {
	return b.Min + o.rng.Intn(b.Max-b.Min+1)
}

func (o *Optimizer) randomChromosome() types.Chromosome {
	c := make(types.Chromosome, o.in.Layout.Len())
	for _, b := range o.blocks {
		for i := 0; i < b.Len; i++ {
			c[b.Offset+i] = o.randomGene(b)
		}
	}
	return c
}

func (o *Optimizer) initialPopulation(warm types.Chromosome) []individual {
	pop := make([]individual, 0, o.cfg.Individuals)
	if warm != nil {
		pop = append(pop, individual{genes: warm.Clone()})
		for i := 0; i < o.cfg.WarmStartMutants; i++ {
			pop = append(pop, individual{genes: o.lightMutant(warm)})
		}
	}
	for len(pop) < o.cfg.Individuals {
		pop = append(pop, individual{genes: o.randomChromosome()})
	}
	return pop
}

// lightMutant copies c and changes at least one gene.
func (o *Optimizer) lightMutant(c types.Chromosome) types.Chromosome {
	m := c.Clone()
	if len(m) == 0 {
		return m
	}
	p := max(o.cfg.MutationProbability, 1/float64(len(m)))
	if !o.mutate(m, p) {
		b := o.blocks[o.rng.Intn(len(o.blocks))]
		m[b.Offset+o.rng.Intn(b.Len)] = o.randomGene(b)
	}
	return m
}

// mutate replaces each gene with a random in-bounds value with probability p.
// It reports whether any gene was touched.
func (o *Optimizer) mutate(c types.Chromosome, p float64) bool {
	touched := false
	for _, b := range o.blocks {
		for i := 0; i < b.Len; i++ {
			if o.rng.Float64() < p {
				c[b.Offset+i] = o.randomGene(b)
				touched = true
			}
		}
	}
	return touched
}

// crossover swaps a random segment of every gene block between a and b.
func (o *Optimizer) crossover(a, b types.Chromosome) {
	for _, blk := range o.blocks {
		if blk.Len == 1 {
			if o.rng.Intn(2) == 0 {
				a[blk.Offset], b[blk.Offset] = b[blk.Offset], a[blk.Offset]
			}
			continue
		}
		i, j := o.rng.Intn(blk.Len), o.rng.Intn(blk.Len)
		if i > j {
			i, j = j, i
		}
		for k := blk.Offset + i; k <= blk.Offset+j; k++ {
			a[k], b[k] = b[k], a[k]
		}
	}
}

func (o *Optimizer) tournament(pop []individual) int {
	best := o.rng.Intn(len(pop))
	for i := 1; i < o.cfg.TournamentSize; i++ {
		c := o.rng.Intn(len(pop))
		if better(pop[c].fitness, pop[best].fitness) {
			best = c
		}
	}
	return best
}

func (o *Optimizer) nextGeneration(pop []individual) []individual {
	next := make([]individual, 0, o.cfg.Individuals)
	order := rank(pop)
	// elites carry over untouched along with their fitness
	for i := 0; i < o.cfg.EliteCount; i++ {
		next = append(next, pop[order[i]])
	}
	for len(next) < o.cfg.Individuals {
		a := pop[o.tournament(pop)].genes.Clone()
		b := pop[o.tournament(pop)].genes.Clone()
		if o.rng.Float64() < o.cfg.CrossoverProbability {
			o.crossover(a, b)
		}
		o.mutate(a, o.cfg.MutationProbability)
		o.mutate(b, o.cfg.MutationProbability)
		next = append(next, individual{genes: a})
		if len(next) < o.cfg.Individuals {
			next = append(next, individual{genes: b})
		}
	}
	return next
}

// evaluate scores every individual that has no fitness yet, in parallel.
// Results land by index so the outcome doesn't depend on scheduling.
func (o *Optimizer) evaluate(ctx context.Context, pop []individual) error {
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(o.cfg.Workers)
	for i := range pop {
		if pop[i].evaluated {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := simulation.Simulate(o.in, pop[i].genes)
			if err != nil {
				return err
			}
			pop[i].fitness = fitnessOf(res, o.cfg.Weighting(res, o.cfg.Weights))
			pop[i].evaluated = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var be *simulation.BalanceError
		if errors.As(err, &be) {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"energy balance violated",
				slog.Int("hour", be.Hour),
				slog.Float64("inWh", be.InWh),
				slog.Float64("outWh", be.OutWh),
				slog.Any("chromosome", be.Chromosome),
			)
		}
		return fmt.Errorf("failed to evaluate population: %w", err)
	}
	return nil
}

// rank returns population indices ordered best first. The sort is stable so
// equal individuals keep their population order.
func rank(pop []individual) []int {
	order := make([]int, len(pop))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return better(pop[order[i]].fitness, pop[order[j]].fitness)
	})
	return order
}

func summarize(gen int, pop []individual) (GenerationStats, error) {
	stats := GenerationStats{Generation: gen, Best: math.Inf(1)}
	finite := make([]float64, 0, len(pop))
	for _, ind := range pop {
		if math.IsInf(ind.fitness.Aggregate, 0) || math.IsNaN(ind.fitness.Aggregate) {
			stats.NonFinite++
			continue
		}
		finite = append(finite, ind.fitness.Aggregate)
		stats.Best = min(stats.Best, ind.fitness.Aggregate)
	}
	if len(finite) == 0 {
		return stats, ErrAllNonFinite
	}
	stats.Mean = stat.Mean(finite, nil)
	if len(finite) > 1 {
		stats.StdDev = stat.StdDev(finite, nil)
	}
	return stats, nil
}
