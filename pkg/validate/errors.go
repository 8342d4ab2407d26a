package validate

import "fmt"

// MarkerError reports a header or trailer marker mismatch.
type MarkerError struct {
	Kind string // "header" or "trailer"
	Got  [3]byte
}

func (e *MarkerError) Error() string {
	if e.Kind == "trailer" {
		return fmt.Sprintf("bad trailer marker % X", e.Got[:2])
	}
	return fmt.Sprintf("bad header marker % X", e.Got[:])
}

// DeviceCodeError reports a frame whose timestamp field carries a device
// error code. Informative rather than a parsing fault: the device is
// telling us something is wrong on its side.
type DeviceCodeError struct {
	Code uint32
}

func (e *DeviceCodeError) Error() string {
	return fmt.Sprintf("device reported error code %d", e.Code)
}

// TariffError reports a tariff indicator outside {1, 2}.
type TariffError struct {
	Got uint8
}

func (e *TariffError) Error() string {
	return fmt.Sprintf("tariff %d, must be 1 or 2", e.Got)
}

// VoltageRangeError reports a per-phase voltage outside the plausible
// operating window. Phase is 1-based.
type VoltageRangeError struct {
	Phase int
	Raw   uint16
}

func (e *VoltageRangeError) Error() string {
	return fmt.Sprintf("voltage phase %d out of range: %.1f V", e.Phase, float64(e.Raw)*0.1)
}

// DeltaError reports a cumulative total whose change versus the previous
// accepted snapshot is implausible.
type DeltaError struct {
	Field string
	Delta int64
}

func (e *DeltaError) Error() string {
	return fmt.Sprintf("implausible delta on %s: %d", e.Field, e.Delta)
}
