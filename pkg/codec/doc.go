// Package codec decodes the fixed 60-byte telemetry record emitted by the
// P1 companion device into an immutable Snapshot.
//
// # Wire Format
//
// Every frame is exactly 60 bytes, little-endian, packed with no padding:
//
//	[pre0 pre1 pre2 (1+1+1)]
//	[timestamp (4)]
//	[meter_delivered_t1 meter_delivered_t2 meter_injected_t1 meter_injected_t2 (4 each)]
//	[sum_power_delivered sum_power_injected (2 each)]
//	[power_per_phase_delivered_1..3 power_per_phase_injected_1..3 (2 each)]
//	[voltage_per_phase_1..3 (2 each)]
//	[current_per_phase_1..3 (2 each)]
//	[gas_volume (4)]
//	[tariff (1)]
//	[checksum (2, broken in firmware, never validated)]
//	[post0 post1 (1+1)]
//
// The header marker is {0x42, 0xAA, 0xFF} and the trailer marker is
// {0x55, 0xAA}. The timestamp counts seconds since 2000-01-01T00:00:00Z;
// values at or above 0x80000000 carry a device error code instead.
//
// All integer fields are unsigned scaled integers. Scale factors are fixed
// per field (energy and gas ×0.001, power ×0.001, voltage ×0.1, current
// ×0.01) and exposed both as constants and as scaled accessor methods on
// Snapshot.
//
// The 60-byte total is a binding contract with the device firmware; the
// package refuses to compile if the field widths stop summing to it.
//
// Decode is pure apart from stamping the capture time. It performs no
// validation beyond buffer length; structural and plausibility checks live
// in the validate package.
package codec
