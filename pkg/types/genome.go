package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Chromosome is one candidate schedule, encoded as integer genes laid out by a
// Layout.
type Chromosome []int

// Clone returns a copy of the chromosome.
func (c Chromosome) Clone() Chromosome {
	return append(Chromosome(nil), c...)
}

// BlockKind identifies a group of genes that control one device.
type BlockKind string

const (
	// BlockBattery genes range over [-levels, levels]. Negative values allow
	// discharging to cover load at that fraction of max power, positive values
	// charge from the grid and 0 holds.
	BlockBattery BlockKind = "battery"
	// BlockDCCharge genes are 0 or 1. 1 stores surplus PV in the battery, 0
	// exports it.
	BlockDCCharge BlockKind = "dc_charge"
	// BlockEV genes index EVSpec.ChargeLevels.
	BlockEV BlockKind = "ev"
	// BlockAppliance holds the start hour of one appliance. Starts are bounded
	// so the whole run fits inside the horizon.
	BlockAppliance BlockKind = "appliance"
)

// Block is a contiguous run of genes with shared bounds. Max is inclusive.
type Block struct {
	Kind   BlockKind
	Offset int
	Len    int
	Min    int
	Max    int
}

// Layout describes how genes map to devices for a given horizon and set of
// devices.
type Layout struct {
	Hours         int `json:"hours"`
	BatteryLevels int `json:"batteryLevels"`
	EVLevels      int `json:"evLevels"`
	// ApplianceHours has the run duration of every appliance, in spec order.
	ApplianceHours []int `json:"applianceHours,omitempty"`
}

// NewLayout builds the layout for the given devices. Devices that are absent
// contribute no genes.
func NewLayout(hours, batteryLevels int, specs DeviceSpecs) Layout {
	l := Layout{Hours: hours}
	for _, a := range specs.Appliances {
		l.ApplianceHours = append(l.ApplianceHours, max(a.DurationHours, 1))
	}
	if specs.Battery != nil {
		l.BatteryLevels = batteryLevels
	}
	if specs.EV != nil {
		l.EVLevels = len(specs.EV.ChargeLevels)
	}
	return l
}

// Blocks returns the gene blocks in order.
func (l Layout) Blocks() []Block {
	var blocks []Block
	offset := 0
	if l.BatteryLevels > 0 {
		blocks = append(blocks,
			Block{Kind: BlockBattery, Offset: offset, Len: l.Hours, Min: -l.BatteryLevels, Max: l.BatteryLevels},
			Block{Kind: BlockDCCharge, Offset: offset + l.Hours, Len: l.Hours, Min: 0, Max: 1},
		)
		offset += 2 * l.Hours
	}
	if l.EVLevels > 0 {
		blocks = append(blocks, Block{Kind: BlockEV, Offset: offset, Len: l.Hours, Min: 0, Max: l.EVLevels - 1})
		offset += l.Hours
	}
	for _, d := range l.ApplianceHours {
		// a run longer than the horizon can only start at hour 0
		blocks = append(blocks, Block{Kind: BlockAppliance, Offset: offset, Len: 1, Min: 0, Max: max(l.Hours-d, 0)})
		offset++
	}
	return blocks
}

// Len is the total number of genes.
func (l Layout) Len() int {
	n := 0
	for _, b := range l.Blocks() {
		n += b.Len
	}
	return n
}

// Key identifies chromosomes that share this layout. Chromosomes with the same
// key can seed each other.
func (l Layout) Key() string {
	durations := make([]string, len(l.ApplianceHours))
	for i, d := range l.ApplianceHours {
		durations[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("h%d-b%d-ev%d-a%d:%s", l.Hours, l.BatteryLevels, l.EVLevels, len(l.ApplianceHours), strings.Join(durations, ","))
}

// Equal reports whether both layouts describe the same genes.
func (l Layout) Equal(o Layout) bool {
	return l.Key() == o.Key()
}

// Neutral returns a chromosome that holds the battery, stores PV surplus,
// leaves the EV at its first charge level and starts appliances at hour 0.
func (l Layout) Neutral() Chromosome {
	c := make(Chromosome, l.Len())
	for _, b := range l.Blocks() {
		if b.Kind == BlockDCCharge {
			for i := 0; i < b.Len; i++ {
				c[b.Offset+i] = 1
			}
		}
	}
	return c
}

// Validate checks length and per-gene bounds.
func (l Layout) Validate(c Chromosome) error {
	if len(c) != l.Len() {
		return fmt.Errorf("chromosome has %d genes, layout %s expects %d", len(c), l.Key(), l.Len())
	}
	for _, b := range l.Blocks() {
		for i := 0; i < b.Len; i++ {
			g := c[b.Offset+i]
			if g < b.Min || g > b.Max {
				return fmt.Errorf("%s gene %d out of bounds [%d, %d]: %d", b.Kind, i, b.Min, b.Max, g)
			}
		}
	}
	return nil
}

// Shift moves an hourly schedule forward by the given number of elapsed hours
// so that it lines up with a later horizon start. Hours that fall off the front
// are dropped and the tail is filled with neutral genes. Appliance starts move
// earlier by the same amount, clamped to the first hour.
func (l Layout) Shift(c Chromosome, hours int) (Chromosome, error) {
	if err := l.Validate(c); err != nil {
		return nil, err
	}
	if hours < 0 || hours >= l.Hours {
		return nil, fmt.Errorf("cannot shift %d hours within a %d hour horizon", hours, l.Hours)
	}
	out := l.Neutral()
	for _, b := range l.Blocks() {
		if b.Kind == BlockAppliance {
			for i := 0; i < b.Len; i++ {
				out[b.Offset+i] = max(c[b.Offset+i]-hours, 0)
			}
			continue
		}
		copy(out[b.Offset:b.Offset+b.Len-hours], c[b.Offset+hours:b.Offset+b.Len])
	}
	return out, nil
}
