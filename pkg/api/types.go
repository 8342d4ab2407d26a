package api

import (
	"time"

	"github.com/meterhub/p1d/pkg/codec"
	"github.com/meterhub/p1d/pkg/session"
)

// APIResponse is the envelope for every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatusProvider is the slice of the supervisor the API reads from.
type StatusProvider interface {
	Snapshot() *codec.Snapshot
	State() session.State
	Stats() session.Stats
}

// ProbeFunc runs a one-shot connect-then-disconnect check against the
// serial device.
type ProbeFunc func() error

// ServerConfig holds configuration for the status API server.
type ServerConfig struct {
	Listen string
	Probe  ProbeFunc
}

// PhaseReadings groups the per-phase instantaneous values in physical
// units.
type PhaseReadings struct {
	PowerDeliveredKW float64 `json:"power_delivered_kw"`
	PowerInjectedKW  float64 `json:"power_injected_kw"`
	VoltageV         float64 `json:"voltage_v"`
	CurrentA         float64 `json:"current_a"`
}

// SnapshotResponse is the JSON form of an accepted snapshot: scaled values
// for consumers, raw integers for anyone cross-checking against the wire.
type SnapshotResponse struct {
	DeviceTime time.Time `json:"device_time"`
	CapturedAt time.Time `json:"captured_at"`
	Tariff     uint8     `json:"tariff"`

	MeterDeliveredT1KWh float64 `json:"meter_delivered_t1_kwh"`
	MeterDeliveredT2KWh float64 `json:"meter_delivered_t2_kwh"`
	MeterInjectedT1KWh  float64 `json:"meter_injected_t1_kwh"`
	MeterInjectedT2KWh  float64 `json:"meter_injected_t2_kwh"`
	GasVolumeM3         float64 `json:"gas_volume_m3"`

	SumPowerDeliveredKW float64 `json:"sum_power_delivered_kw"`
	SumPowerInjectedKW  float64 `json:"sum_power_injected_kw"`

	Phases [3]PhaseReadings `json:"phases"`

	Raw RawTotals `json:"raw"`
}

// RawTotals carries the unscaled cumulative counters.
type RawTotals struct {
	MeterDeliveredT1 uint32 `json:"meter_delivered_t1"`
	MeterDeliveredT2 uint32 `json:"meter_delivered_t2"`
	MeterInjectedT1  uint32 `json:"meter_injected_t1"`
	MeterInjectedT2  uint32 `json:"meter_injected_t2"`
	GasVolume        uint32 `json:"gas_volume"`
}

// StatusResponse reports the connection state and lifetime counters.
type StatusResponse struct {
	State       string        `json:"state"`
	HasSnapshot bool          `json:"has_snapshot"`
	Stats       session.Stats `json:"stats"`
}

func newSnapshotResponse(s *codec.Snapshot) *SnapshotResponse {
	resp := &SnapshotResponse{
		DeviceTime: s.DeviceTime(),
		CapturedAt: s.CapturedAt,
		Tariff:     s.Tariff,

		MeterDeliveredT1KWh: s.MeterDeliveredT1KWh(),
		MeterDeliveredT2KWh: s.MeterDeliveredT2KWh(),
		MeterInjectedT1KWh:  s.MeterInjectedT1KWh(),
		MeterInjectedT2KWh:  s.MeterInjectedT2KWh(),
		GasVolumeM3:         s.GasVolumeM3(),

		SumPowerDeliveredKW: s.SumPowerDeliveredKW(),
		SumPowerInjectedKW:  s.SumPowerInjectedKW(),

		Raw: RawTotals{
			MeterDeliveredT1: s.MeterDeliveredT1,
			MeterDeliveredT2: s.MeterDeliveredT2,
			MeterInjectedT1:  s.MeterInjectedT1,
			MeterInjectedT2:  s.MeterInjectedT2,
			GasVolume:        s.GasVolume,
		},
	}
	for i := 0; i < 3; i++ {
		resp.Phases[i] = PhaseReadings{
			PowerDeliveredKW: s.PowerDeliveredKW(i),
			PowerInjectedKW:  s.PowerInjectedKW(i),
			VoltageV:         s.VoltageV(i),
			CurrentA:         s.CurrentA(i),
		}
	}
	return resp
}
