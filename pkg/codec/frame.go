package codec

import (
	"encoding/binary"
	"time"
)

// FrameSize is the exact wire size of one telemetry record. It is a binding
// contract with the device firmware.
const FrameSize = 60

// Marker bytes delimiting a frame on the wire.
const (
	Header0 = 0x42
	Header1 = 0xAA
	Header2 = 0xFF

	Trailer0 = 0x55
	Trailer1 = 0xAA
)

// HeaderMarker and TrailerMarker are the frame delimiters as byte slices,
// in wire order. Callers must not mutate them.
var (
	HeaderMarker  = []byte{Header0, Header1, Header2}
	TrailerMarker = []byte{Trailer0, Trailer1}
)

// ErrorCodeThreshold splits the timestamp field: values below it are seconds
// since DeviceEpoch, values at or above it encode a device error code as
// timestamp - ErrorCodeThreshold.
const ErrorCodeThreshold = 0x8000_0000

// DeviceEpoch is the zero point of the device timestamp field.
var DeviceEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Scale factors converting raw field values to physical units.
const (
	ScaleEnergy  = 0.001 // kWh per raw unit
	ScalePower   = 0.001 // kW per raw unit
	ScaleVoltage = 0.1   // V per raw unit
	ScaleCurrent = 0.01  // A per raw unit
	ScaleGas     = 0.001 // m³ per raw unit
)

// Byte offsets of every field within a frame.
const (
	offHeader            = 0
	offTimestamp         = 3
	offMeterDeliveredT1  = 7
	offMeterDeliveredT2  = 11
	offMeterInjectedT1   = 15
	offMeterInjectedT2   = 19
	offSumPowerDelivered = 23
	offSumPowerInjected  = 25
	offPowerDelivered    = 27 // 3 × u16
	offPowerInjected     = 33 // 3 × u16
	offVoltage           = 39 // 3 × u16
	offCurrent           = 45 // 3 × u16
	offGasVolume         = 51
	offTariff            = 55
	offChecksum          = 56
	offTrailer           = 58
)

// Refuse to compile if the field widths stop summing to FrameSize.
const frameLayoutSize = 3 + 5*4 + 14*2 + 4 + 1 + 2 + 2

const (
	_ = uint(FrameSize - frameLayoutSize)
	_ = uint(frameLayoutSize - FrameSize)
)

// Snapshot is the decoded form of one frame. All integer fields hold raw,
// unscaled wire values; use the accessor methods for physical units.
// A Snapshot is constructed once by Decode and never mutated afterwards.
type Snapshot struct {
	Pre0, Pre1, Pre2 uint8

	// Timestamp is seconds since DeviceEpoch, or an error code when at or
	// above ErrorCodeThreshold.
	Timestamp uint32

	MeterDeliveredT1 uint32 // ×0.001 kWh
	MeterDeliveredT2 uint32 // ×0.001 kWh
	MeterInjectedT1  uint32 // ×0.001 kWh
	MeterInjectedT2  uint32 // ×0.001 kWh

	SumPowerDelivered uint16 // ×0.001 kW
	SumPowerInjected  uint16 // ×0.001 kW

	PowerDelivered [3]uint16 // per phase, ×0.001 kW
	PowerInjected  [3]uint16 // per phase, ×0.001 kW
	Voltage        [3]uint16 // per phase, ×0.1 V
	Current        [3]uint16 // per phase, ×0.01 A

	GasVolume uint32 // ×0.001 m³
	Tariff    uint8  // 1 or 2

	// Checksum is carried on the wire but broken in the firmware; it is
	// kept for completeness and never validated.
	Checksum uint16

	Post0, Post1 uint8

	// CapturedAt is the wall-clock time the frame was decoded. It is not
	// carried on the wire.
	CapturedAt time.Time
}

// Decode unpacks a 60-byte frame into a Snapshot and stamps the capture
// time. The framer checks the length before handing buffers over, so a
// wrong-length buffer here means a pipeline bug; it is reported as a
// WrongLengthError rather than a panic so the read loop can keep going.
func Decode(buf []byte) (*Snapshot, error) {
	if len(buf) != FrameSize {
		return nil, &WrongLengthError{Expected: FrameSize, Actual: len(buf)}
	}

	le := binary.LittleEndian
	s := &Snapshot{
		Pre0: buf[offHeader],
		Pre1: buf[offHeader+1],
		Pre2: buf[offHeader+2],

		Timestamp: le.Uint32(buf[offTimestamp:]),

		MeterDeliveredT1: le.Uint32(buf[offMeterDeliveredT1:]),
		MeterDeliveredT2: le.Uint32(buf[offMeterDeliveredT2:]),
		MeterInjectedT1:  le.Uint32(buf[offMeterInjectedT1:]),
		MeterInjectedT2:  le.Uint32(buf[offMeterInjectedT2:]),

		SumPowerDelivered: le.Uint16(buf[offSumPowerDelivered:]),
		SumPowerInjected:  le.Uint16(buf[offSumPowerInjected:]),

		GasVolume: le.Uint32(buf[offGasVolume:]),
		Tariff:    buf[offTariff],
		Checksum:  le.Uint16(buf[offChecksum:]),

		Post0: buf[offTrailer],
		Post1: buf[offTrailer+1],

		CapturedAt: time.Now().UTC(),
	}
	for i := 0; i < 3; i++ {
		s.PowerDelivered[i] = le.Uint16(buf[offPowerDelivered+2*i:])
		s.PowerInjected[i] = le.Uint16(buf[offPowerInjected+2*i:])
		s.Voltage[i] = le.Uint16(buf[offVoltage+2*i:])
		s.Current[i] = le.Uint16(buf[offCurrent+2*i:])
	}
	return s, nil
}

// Encode serializes a Snapshot back into its 60-byte wire form. The device
// only ever transmits; Encode exists for tests, simulators and the decode
// tooling.
func Encode(s *Snapshot) []byte {
	buf := make([]byte, FrameSize)
	le := binary.LittleEndian

	buf[offHeader] = s.Pre0
	buf[offHeader+1] = s.Pre1
	buf[offHeader+2] = s.Pre2

	le.PutUint32(buf[offTimestamp:], s.Timestamp)
	le.PutUint32(buf[offMeterDeliveredT1:], s.MeterDeliveredT1)
	le.PutUint32(buf[offMeterDeliveredT2:], s.MeterDeliveredT2)
	le.PutUint32(buf[offMeterInjectedT1:], s.MeterInjectedT1)
	le.PutUint32(buf[offMeterInjectedT2:], s.MeterInjectedT2)
	le.PutUint16(buf[offSumPowerDelivered:], s.SumPowerDelivered)
	le.PutUint16(buf[offSumPowerInjected:], s.SumPowerInjected)
	for i := 0; i < 3; i++ {
		le.PutUint16(buf[offPowerDelivered+2*i:], s.PowerDelivered[i])
		le.PutUint16(buf[offPowerInjected+2*i:], s.PowerInjected[i])
		le.PutUint16(buf[offVoltage+2*i:], s.Voltage[i])
		le.PutUint16(buf[offCurrent+2*i:], s.Current[i])
	}
	le.PutUint32(buf[offGasVolume:], s.GasVolume)
	buf[offTariff] = s.Tariff
	le.PutUint16(buf[offChecksum:], s.Checksum)
	buf[offTrailer] = s.Post0
	buf[offTrailer+1] = s.Post1

	return buf
}

// IsDeviceError reports whether the timestamp field carries an error code
// instead of a time offset.
func (s *Snapshot) IsDeviceError() bool {
	return s.Timestamp >= ErrorCodeThreshold
}

// DeviceErrorCode returns the error code carried in the timestamp field.
// Only meaningful when IsDeviceError is true.
func (s *Snapshot) DeviceErrorCode() uint32 {
	return s.Timestamp - ErrorCodeThreshold
}

// DeviceTime converts the timestamp field to wall-clock time. Only
// meaningful when IsDeviceError is false.
func (s *Snapshot) DeviceTime() time.Time {
	return DeviceEpoch.Add(time.Duration(s.Timestamp) * time.Second)
}

// Scaled accessors. Raw values stay available through the struct fields.

func (s *Snapshot) MeterDeliveredT1KWh() float64 { return float64(s.MeterDeliveredT1) * ScaleEnergy }
func (s *Snapshot) MeterDeliveredT2KWh() float64 { return float64(s.MeterDeliveredT2) * ScaleEnergy }
func (s *Snapshot) MeterInjectedT1KWh() float64  { return float64(s.MeterInjectedT1) * ScaleEnergy }
func (s *Snapshot) MeterInjectedT2KWh() float64  { return float64(s.MeterInjectedT2) * ScaleEnergy }

func (s *Snapshot) SumPowerDeliveredKW() float64 { return float64(s.SumPowerDelivered) * ScalePower }
func (s *Snapshot) SumPowerInjectedKW() float64  { return float64(s.SumPowerInjected) * ScalePower }

// PowerDeliveredKW returns the delivered power on a phase (0-based).
func (s *Snapshot) PowerDeliveredKW(phase int) float64 {
	return float64(s.PowerDelivered[phase]) * ScalePower
}

// PowerInjectedKW returns the injected power on a phase (0-based).
func (s *Snapshot) PowerInjectedKW(phase int) float64 {
	return float64(s.PowerInjected[phase]) * ScalePower
}

// VoltageV returns the voltage on a phase (0-based).
func (s *Snapshot) VoltageV(phase int) float64 {
	return float64(s.Voltage[phase]) * ScaleVoltage
}

// CurrentA returns the current on a phase (0-based).
func (s *Snapshot) CurrentA(phase int) float64 {
	return float64(s.Current[phase]) * ScaleCurrent
}

// GasVolumeM3 returns the cumulative gas volume in m³.
func (s *Snapshot) GasVolumeM3() float64 { return float64(s.GasVolume) * ScaleGas }
