// Package validate decides whether a decoded snapshot is plausible enough
// to publish, given the previously accepted snapshot.
//
// Structural checks (markers, device error codes, tariff, voltage range)
// always apply. Continuity checks compare the five cumulative totals against
// the previous accepted snapshot and only apply when one exists: momentary
// noise in instantaneous power or current self-corrects on the next frame,
// but a bad cumulative total corrupts downstream statistics irreversibly,
// so those are checked strictly.
package validate

import (
	"fmt"

	"github.com/meterhub/p1d/pkg/codec"
)

// MaxDelta is the exclusive upper bound on a cumulative field's raw delta
// between two consecutive accepted snapshots. In physical units this is
// 10 kWh on the energy meters and 10 m³ on gas.
const MaxDelta = 10_000

// Policy selects the lower bound of the continuity check.
type Policy int

const (
	// PolicyMonotonic requires 0 <= delta < MaxDelta. Cumulative meters
	// physically cannot decrease; this is the default.
	PolicyMonotonic Policy = iota

	// PolicySymmetric requires -MaxDelta <= delta < MaxDelta, tolerating
	// decreases. Kept as a documented alternate mode for meters that are
	// known to rewind on firmware resets.
	PolicySymmetric
)

func (p Policy) String() string {
	switch p {
	case PolicyMonotonic:
		return "monotonic"
	case PolicySymmetric:
		return "symmetric"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "monotonic":
		return PolicyMonotonic, nil
	case "symmetric":
		return PolicySymmetric, nil
	default:
		return 0, fmt.Errorf("unknown delta policy %q", s)
	}
}

// Validator checks candidate snapshots. The zero value uses PolicyMonotonic.
type Validator struct {
	Policy Policy
}

// Check returns nil when the candidate is acceptable, or a typed rejection
// error (MarkerError, DeviceCodeError, TariffError, VoltageRangeError,
// DeltaError) describing the first failed check. prev may be nil for the
// first frame of a session, in which case only structural checks apply.
func (v Validator) Check(candidate, prev *codec.Snapshot) error {
	if err := checkStructure(candidate); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	return v.checkContinuity(candidate, prev)
}

func checkStructure(s *codec.Snapshot) error {
	if s.Pre0 != codec.Header0 || s.Pre1 != codec.Header1 || s.Pre2 != codec.Header2 {
		return &MarkerError{Kind: "header", Got: [3]byte{s.Pre0, s.Pre1, s.Pre2}}
	}
	if s.Post0 != codec.Trailer0 || s.Post1 != codec.Trailer1 {
		return &MarkerError{Kind: "trailer", Got: [3]byte{s.Post0, s.Post1, 0}}
	}
	if s.IsDeviceError() {
		return &DeviceCodeError{Code: s.DeviceErrorCode()}
	}
	if s.Tariff != 1 && s.Tariff != 2 {
		return &TariffError{Got: s.Tariff}
	}
	for phase, raw := range s.Voltage {
		// Strictly inside (190.0 V, 270.0 V) in the ×0.1 raw domain.
		if raw <= 1900 || raw >= 2700 {
			return &VoltageRangeError{Phase: phase + 1, Raw: raw}
		}
	}
	return nil
}

func (v Validator) checkContinuity(candidate, prev *codec.Snapshot) error {
	totals := []struct {
		field     string
		cur, last uint32
	}{
		{"gas_volume", candidate.GasVolume, prev.GasVolume},
		{"meter_delivered_t1", candidate.MeterDeliveredT1, prev.MeterDeliveredT1},
		{"meter_delivered_t2", candidate.MeterDeliveredT2, prev.MeterDeliveredT2},
		{"meter_injected_t1", candidate.MeterInjectedT1, prev.MeterInjectedT1},
		{"meter_injected_t2", candidate.MeterInjectedT2, prev.MeterInjectedT2},
	}

	lower := int64(0)
	if v.Policy == PolicySymmetric {
		lower = -MaxDelta
	}
	for _, tot := range totals {
		delta := int64(tot.cur) - int64(tot.last)
		if delta < lower || delta >= MaxDelta {
			return &DeltaError{Field: tot.field, Delta: delta}
		}
	}
	return nil
}
