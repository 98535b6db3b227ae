package types

import (
	"time"
)

// PenaltyKind names a soft constraint that is scored instead of rejected.
type PenaltyKind string

const (
	// PenaltyEVSoCMiss is the EV energy (Wh) missing at its deadline.
	PenaltyEVSoCMiss PenaltyKind = "ev_soc_miss"
	// PenaltyApplianceWindow is the energy (Wh) of appliances that could not
	// run because their start fell outside every allowed window, plus the energy
	// of runs still unfinished when the horizon ends.
	PenaltyApplianceWindow PenaltyKind = "appliance_window"
	// PenaltyBatteryEndSoC is the battery energy (Wh) below the target end SoC.
	PenaltyBatteryEndSoC PenaltyKind = "battery_end_soc"
)

// AllPenaltyKinds is every known PenaltyKind.
var AllPenaltyKinds = []PenaltyKind{
	PenaltyEVSoCMiss,
	PenaltyApplianceWindow,
	PenaltyBatteryEndSoC,
}

// Valid returns true for the known penalty kinds.
func (k PenaltyKind) Valid() bool {
	for _, known := range AllPenaltyKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Fitness is the scored outcome of one chromosome. Lower Aggregate is better.
type Fitness struct {
	Aggregate       float64                 `json:"aggregate"`
	Cost            float64                 `json:"cost"`
	SelfConsumption float64                 `json:"selfConsumption"`
	PenaltySum      float64                 `json:"penaltySum"`
	Penalties       map[PenaltyKind]float64 `json:"penalties,omitempty"`
}

// PlanHour is the simulated operation of one hour. Energy is in Wh.
type PlanHour struct {
	TS          time.Time `json:"ts"`
	PriceWh     float64   `json:"priceWh"`
	FeedInWh    float64   `json:"feedInWh"`
	PVWh        float64   `json:"pvWh"`
	LoadWh      float64   `json:"loadWh"`
	ApplianceWh float64   `json:"applianceWh"`
	// EV energy drawn from the AC bus
	EVChargeWh float64 `json:"evChargeWh"`
	// Energy added to or removed from battery storage
	BatteryChargeWh    float64  `json:"batteryChargeWh"`
	BatteryDischargeWh float64  `json:"batteryDischargeWh"`
	GridChargeWh       float64  `json:"gridChargeWh"`
	ImportWh           float64  `json:"importWh"`
	ExportWh           float64  `json:"exportWh"`
	LossWh             float64  `json:"lossWh"`
	BatterySoC         float64  `json:"batterySoC"`
	EVSoC              float64  `json:"evSoC"`
	Appliances         []string `json:"appliances,omitempty"`
	Cost               float64  `json:"cost"`
	CumulativeCost     float64  `json:"cumulativeCost"`
}

// Plan is a published schedule. A Plan is never modified after it is
// published; a new run produces a new Plan.
type Plan struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"createdAt"`
	HorizonStart time.Time  `json:"horizonStart"`
	HorizonKey   string     `json:"horizonKey"`
	Layout       Layout     `json:"layout"`
	Seed         int64      `json:"seed"`
	Generations  int        `json:"generations"`
	WarmStarted  bool       `json:"warmStarted"`
	Chromosome   Chromosome `json:"chromosome"`
	Fitness      Fitness    `json:"fitness"`
	Hours        []PlanHour `json:"hours"`

	TotalImportWh   float64 `json:"totalImportWh"`
	TotalExportWh   float64 `json:"totalExportWh"`
	TotalLossWh     float64 `json:"totalLossWh"`
	SelfConsumption float64 `json:"selfConsumption"`
}

// WarmStartSeed is the best chromosome of a previous run that can seed the
// next one when the layout matches.
type WarmStartSeed struct {
	HorizonKey   string     `json:"horizonKey"`
	HorizonStart time.Time  `json:"horizonStart"`
	Chromosome   Chromosome `json:"chromosome"`
}

// WarmStartSeed returns the seed that this plan provides.
func (p Plan) WarmStartSeed() WarmStartSeed {
	return WarmStartSeed{
		HorizonKey:   p.HorizonKey,
		HorizonStart: p.HorizonStart,
		Chromosome:   p.Chromosome.Clone(),
	}
}

// RunState is the state of the control loop.
type RunState string

const (
	RunStateIdle            RunState = "idle"
	RunStateAcquiringInputs RunState = "acquiring_inputs"
	RunStateOptimizing      RunState = "optimizing"
	RunStatePublishing      RunState = "publishing"
	RunStateError           RunState = "error"
)

// OptimizationStatus reports the control loop's progress for consumers.
type OptimizationStatus struct {
	State            RunState  `json:"state"`
	LastRunTimestamp time.Time `json:"lastRunTimestamp"`
	LastSuccess      time.Time `json:"lastSuccess"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorStage   RunState  `json:"lastErrorStage,omitempty"`
	// LastCanceled is when a run was last canceled by shutdown. Canceled runs
	// aren't failures.
	LastCanceled time.Time `json:"lastCanceled,omitzero"`
	// ConsecutiveFailures resets on every successful run.
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	PlanStale           bool   `json:"planStale"`
	CurrentPlanID       string `json:"currentPlanID,omitempty"`
}
