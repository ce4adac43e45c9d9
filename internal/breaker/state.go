// Package breaker provides portfolio-level trading halts: a tiered drawdown
// circuit breaker and a day-scoped loss breaker.
package breaker

import (
	"fmt"
	"strings"
)

// State is the drawdown circuit breaker state.
type State int

const (
	StateNormal State = iota
	StateCaution
	StateWarning
	StateHalted
)

var stateNames = map[State]string{
	StateNormal:  "normal",
	StateCaution: "caution",
	StateWarning: "warning",
	StateHalted:  "halted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name, used when tiers come from config.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name.
func ParseState(name string) (State, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for state, n := range stateNames {
		if n == want {
			return state, nil
		}
	}
	return StateNormal, fmt.Errorf("unknown circuit breaker state %q", name)
}

// DrawdownLevel is one tier of the drawdown circuit breaker.
type DrawdownLevel struct {
	ThresholdPct       float64 `json:"threshold_pct"` // Drawdown in percent, e.g. 5.0
	State              State   `json:"state"`
	PositionMultiplier float64 `json:"position_multiplier"`
	CooldownMinutes    int     `json:"cooldown_minutes"`
}

// DefaultDrawdownLevels returns the 5/10/15% tiers.
func DefaultDrawdownLevels() []DrawdownLevel {
	return []DrawdownLevel{
		{ThresholdPct: 5, State: StateCaution, PositionMultiplier: 0.5, CooldownMinutes: 60},
		{ThresholdPct: 10, State: StateWarning, PositionMultiplier: 0.25, CooldownMinutes: 120},
		{ThresholdPct: 15, State: StateHalted, PositionMultiplier: 0, CooldownMinutes: 240},
	}
}
