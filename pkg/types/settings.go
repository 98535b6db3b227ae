package types

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/raterudder/energyplan/pkg/log"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// Pause skips scheduled optimization runs. On-demand runs still happen.
	Pause bool `json:"pause"`

	// Planning horizon
	HorizonHours int `json:"horizonHours"`

	// Genetic search
	Individuals          int     `json:"individuals"`
	Generations          int     `json:"generations"`
	EliteCount           int     `json:"eliteCount"`
	TournamentSize       int     `json:"tournamentSize"`
	CrossoverProbability float64 `json:"crossoverProbability"`
	MutationProbability  float64 `json:"mutationProbability"`
	// How many lightly mutated copies of the warm-start seed are added to the
	// first generation.
	WarmStartMutants int `json:"warmStartMutants"`
	// Seed makes a run reproducible. When nil a seed is picked per run and
	// recorded on the plan.
	Seed *int64 `json:"seed,omitempty"`
	// Number of battery power levels per direction. A battery gene ranges over
	// [-BatteryLevels, BatteryLevels].
	BatteryLevels int `json:"batteryLevels"`

	// Objective weights
	CostWeight            float64 `json:"costWeight"`
	SelfConsumptionWeight float64 `json:"selfConsumptionWeight"`
	// Penalties maps a PenaltyKind to its weight (currency per Wh of violation).
	Penalties map[string]float64 `json:"penalties"`

	// Price used for exported energy when no feed-in forecast is available
	// (currency/Wh).
	DefaultFeedInPrice float64 `json:"defaultFeedInPrice"`

	// Providers maps a series or measurement key to the provider kind it is
	// read from.
	Providers map[string]ProviderKind `json:"providers"`

	// Number of consecutive failed runs after which the current plan is
	// reported as stale.
	StaleAfterFailures int `json:"staleAfterFailures"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial search parameters
			if s.HorizonHours == 0 {
				s.HorizonHours = 24
				migrated = true
			}
			if s.Individuals == 0 {
				s.Individuals = 300
				migrated = true
			}
			if s.Generations == 0 {
				s.Generations = 400
				migrated = true
			}
			if s.EliteCount == 0 {
				s.EliteCount = 2
				migrated = true
			}
			if s.TournamentSize == 0 {
				s.TournamentSize = 3
				migrated = true
			}
			if s.CrossoverProbability == 0 {
				s.CrossoverProbability = 0.9
				migrated = true
			}
			if s.MutationProbability == 0 {
				s.MutationProbability = 0.02
				migrated = true
			}
			if s.WarmStartMutants == 0 {
				s.WarmStartMutants = 10
				migrated = true
			}
			if s.BatteryLevels == 0 {
				s.BatteryLevels = 4
				migrated = true
			}
			if s.CostWeight == 0 {
				s.CostWeight = 1
				migrated = true
			}
		case 2:
			// version 2: penalty weights
			if s.Penalties == nil {
				s.Penalties = map[string]float64{
					string(PenaltyEVSoCMiss):       1,
					string(PenaltyApplianceWindow): 1,
					string(PenaltyBatteryEndSoC):   0.01,
				}
				migrated = true
			}
			if s.StaleAfterFailures == 0 {
				s.StaleAfterFailures = 3
				migrated = true
			}
		case 3:
			// version 3: forecast providers
			if s.Providers == nil {
				s.Providers = map[string]ProviderKind{
					string(SeriesPrice):           ProviderKindStorage,
					string(SeriesFeedInPrice):     ProviderKindStorage,
					string(SeriesPV):              ProviderKindStorage,
					string(SeriesLoad):            ProviderKindStorage,
					string(MeasurementBatterySoC): ProviderKindStorage,
					string(MeasurementEVSoC):      ProviderKindStorage,
				}
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}

// Validate checks that the settings can drive an optimization run.
func (s Settings) Validate() error {
	if s.HorizonHours < 1 || s.HorizonHours > 168 {
		return fmt.Errorf("horizonHours must be between 1 and 168: %d", s.HorizonHours)
	}
	if s.Individuals < 2 {
		return fmt.Errorf("individuals must be at least 2: %d", s.Individuals)
	}
	if s.Generations < 1 {
		return fmt.Errorf("generations must be at least 1: %d", s.Generations)
	}
	// at least one elite keeps the best fitness from getting worse
	if s.EliteCount < 1 || s.EliteCount >= s.Individuals {
		return fmt.Errorf("eliteCount must be between 1 and individuals-1: %d", s.EliteCount)
	}
	if s.TournamentSize < 1 || s.TournamentSize > s.Individuals {
		return fmt.Errorf("tournamentSize must be between 1 and individuals: %d", s.TournamentSize)
	}
	if s.CrossoverProbability < 0 || s.CrossoverProbability > 1 {
		return fmt.Errorf("crossoverProbability must be within [0, 1]: %v", s.CrossoverProbability)
	}
	if s.MutationProbability < 0 || s.MutationProbability > 1 {
		return fmt.Errorf("mutationProbability must be within [0, 1]: %v", s.MutationProbability)
	}
	if s.WarmStartMutants < 0 || s.WarmStartMutants >= s.Individuals {
		return fmt.Errorf("warmStartMutants must be between 0 and individuals-1: %d", s.WarmStartMutants)
	}
	if s.BatteryLevels < 1 {
		return fmt.Errorf("batteryLevels must be at least 1: %d", s.BatteryLevels)
	}
	for name, v := range map[string]float64{
		"costWeight":            s.CostWeight,
		"selfConsumptionWeight": s.SelfConsumptionWeight,
		"defaultFeedInPrice":    s.DefaultFeedInPrice,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a finite non-negative number: %v", name, v)
		}
	}
	for kind, w := range s.Penalties {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("penalty weight for %s must be a finite non-negative number: %v", kind, w)
		}
	}
	for key, kind := range s.Providers {
		if !kind.Valid() {
			return fmt.Errorf("unknown provider kind for %s: %q", key, kind)
		}
	}
	return nil
}

// PenaltyWeights returns the weight for every known PenaltyKind. Kinds missing
// from the settings get a weight of 0 and unknown keys are logged and ignored.
func (s Settings) PenaltyWeights(ctx context.Context) map[PenaltyKind]float64 {
	weights := make(map[PenaltyKind]float64, len(AllPenaltyKinds))
	for _, k := range AllPenaltyKinds {
		weights[k] = 0
	}
	// sort so warnings come out in a stable order
	keys := make([]string, 0, len(s.Penalties))
	for k := range s.Penalties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kind := PenaltyKind(k)
		if !kind.Valid() {
			log.Ctx(ctx).WarnContext(ctx, "ignoring unknown penalty kind", slog.String("kind", k))
			continue
		}
		weights[kind] = s.Penalties[k]
	}
	return weights
}

// ProviderFor returns the provider kind configured for the given key, falling
// back to the storage provider.
func (s Settings) ProviderFor(key string) ProviderKind {
	if kind, ok := s.Providers[key]; ok && kind != "" {
		return kind
	}
	return ProviderKindStorage
}
