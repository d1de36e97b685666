package insights

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CongestionState is the detector's classification of the fee market.
type CongestionState int

const (
	StateNormal CongestionState = iota
	StateCongested
)

func (s CongestionState) String() string {
	if s == StateCongested {
		return "congested"
	}
	return "normal"
}

// ParseCongestionState is the inverse of CongestionState.String.
func ParseCongestionState(v string) CongestionState {
	if v == "congested" {
		return StateCongested
	}
	return StateNormal
}

// Trend compares the current average with the previous evaluation.
type Trend string

const (
	TrendFlat    Trend = "flat"
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
)

// DetectorConfig holds the hysteresis bounds.
type DetectorConfig struct {
	// Enter is the average above which a cycle counts as breaching.
	Enter decimal.Decimal
	// Exit is the average below which congestion clears. Must not exceed Enter.
	Exit decimal.Decimal
	// EnterCycles is how many consecutive breaching cycles enter congestion.
	EnterCycles int
	// Ceiling, when positive, also counts a window max above it as a breach.
	Ceiling decimal.Decimal
}

// Validate checks the thresholds are usable.
func (c DetectorConfig) Validate() error {
	if !c.Enter.IsPositive() {
		return errors.New("congestion enter threshold must be greater than zero")
	}
	if c.Exit.IsNegative() {
		return errors.New("congestion exit threshold cannot be negative")
	}
	if c.Exit.GreaterThan(c.Enter) {
		return fmt.Errorf("congestion exit threshold %s must not exceed enter threshold %s", c.Exit, c.Enter)
	}
	if c.Ceiling.IsNegative() {
		return errors.New("congestion ceiling cannot be negative")
	}
	return nil
}

// Reading is one cycle's view of the window.
type Reading struct {
	Average decimal.Decimal
	Min     decimal.Decimal
	Max     decimal.Decimal
	Samples int
}

// Assessment is the detector's output for one evaluation.
type Assessment struct {
	State   CongestionState
	Changed bool
	Trend   Trend
}

// Detector classifies Normal/Congested with hysteresis. The only state it
// carries between evaluations is the current classification, the breach
// streak and the previous average.
type Detector struct {
	cfg      DetectorConfig
	state    CongestionState
	breaches int
	prevAvg  decimal.Decimal
	hasPrev  bool
}

// NewDetector validates cfg and returns a detector in the Normal state.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EnterCycles <= 0 {
		cfg.EnterCycles = 1
	}
	return &Detector{cfg: cfg}, nil
}

// State returns the current classification.
func (d *Detector) State() CongestionState {
	return d.state
}

// Restore seeds the detector from a previously persisted assessment.
func (d *Detector) Restore(state CongestionState, avg decimal.Decimal) {
	d.state = state
	d.breaches = 0
	d.prevAvg = avg
	d.hasPrev = true
}

// Config returns the effective thresholds.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Evaluate folds one reading into the detector. An empty window carries no
// evidence: the state is held and the breach streak resets.
func (d *Detector) Evaluate(r Reading) Assessment {
	if r.Samples == 0 {
		d.breaches = 0
		return Assessment{State: d.state, Trend: TrendFlat}
	}

	trend := TrendFlat
	if d.hasPrev {
		switch r.Average.Cmp(d.prevAvg) {
		case 1:
			trend = TrendRising
		case -1:
			trend = TrendFalling
		}
	}
	d.prevAvg = r.Average
	d.hasPrev = true

	prev := d.state
	switch d.state {
	case StateNormal:
		if d.breaching(r) {
			d.breaches++
			if d.breaches >= d.cfg.EnterCycles {
				d.state = StateCongested
				d.breaches = 0
			}
		} else {
			d.breaches = 0
		}
	case StateCongested:
		if d.clear(r) {
			d.state = StateNormal
		}
	}

	return Assessment{State: d.state, Changed: d.state != prev, Trend: trend}
}

func (d *Detector) breaching(r Reading) bool {
	if r.Average.GreaterThan(d.cfg.Enter) {
		return true
	}
	return d.cfg.Ceiling.IsPositive() && r.Max.GreaterThan(d.cfg.Ceiling)
}

func (d *Detector) clear(r Reading) bool {
	if !r.Average.LessThan(d.cfg.Exit) {
		return false
	}
	return !d.cfg.Ceiling.IsPositive() || !r.Max.GreaterThan(d.cfg.Ceiling)
}
