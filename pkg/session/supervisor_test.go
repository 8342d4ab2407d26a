package session

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterhub/p1d/pkg/codec"
)

// fakePort serves a scripted byte stream, then blocks until closed. Close
// unblocks a pending Read, mirroring real serial port behavior.
type fakePort struct {
	mu        sync.Mutex
	data      []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort(data []byte) *fakePort {
	return &fakePort{data: data, closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.data) > 0 {
		n := copy(b, p.data)
		p.data = p.data[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	<-p.closed
	return 0, io.ErrClosedPipe
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// scriptedOpener hands out one port per connect attempt. Attempts beyond
// the script get an empty blocking port.
type scriptedOpener struct {
	mu    sync.Mutex
	ports []*fakePort
	opens int
}

func (o *scriptedOpener) open() (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if len(o.ports) > 0 {
		p := o.ports[0]
		o.ports = o.ports[1:]
		return p, nil
	}
	return newFakePort(nil), nil
}

func (o *scriptedOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// meterFrame encodes a well-formed frame with the given cumulative totals.
func meterFrame(gas, deliveredT1 uint32, tariff uint8) []byte {
	return codec.Encode(&codec.Snapshot{
		Pre0: codec.Header0, Pre1: codec.Header1, Pre2: codec.Header2,
		Timestamp:        820_000_000,
		MeterDeliveredT1: deliveredT1,
		Voltage:          [3]uint16{2300, 2300, 2300},
		GasVolume:        gas,
		Tariff:           tariff,
		Post0:            codec.Trailer0, Post1: codec.Trailer1,
	})
}

func newTestSupervisor(open Opener) *Supervisor {
	return New(Config{
		Open:              open,
		ConnectRetryDelay: 10 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 2*time.Millisecond, msg)
}

// The end-to-end acceptance scenario: two plausible frames commit, a frame
// with a decreasing gas total is rejected and the last accepted snapshot
// stays put.
func TestStreamAcceptAndReject(t *testing.T) {
	var stream []byte
	stream = append(stream, []byte{0x00, 0x99, codec.Trailer0, codec.Trailer1}...) // pure noise unit
	stream = append(stream, meterFrame(1000, 5000, 1)...)
	stream = append(stream, meterFrame(1050, 5003, 1)...)
	stream = append(stream, meterFrame(500, 5003, 1)...) // gas decreased

	opener := &scriptedOpener{ports: []*fakePort{newFakePort(stream)}}
	sup := newTestSupervisor(opener.open)
	sup.Start()
	defer sup.Stop()

	waitFor(t, func() bool { return sup.Stats().Implausible == 1 }, "rejection never counted")

	stats := sup.Stats()
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(1), stats.NoHeader)
	assert.Equal(t, uint64(0), stats.WrongLength)
	assert.Equal(t, int64(1), stats.ConsecutiveFailures)

	snap := sup.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint32(1050), snap.GasVolume)
	assert.Equal(t, uint32(5003), snap.MeterDeliveredT1)
}

// Eleven consecutive rejections blow the failure budget: the supervisor
// must drop the connection, reconnect without backoff and reset the
// consecutive counter.
func TestFailureBudgetForcesReconnect(t *testing.T) {
	var stream []byte
	for i := 0; i < 11; i++ {
		stream = append(stream, meterFrame(1000, 5000, 9)...) // bad tariff
	}

	opener := &scriptedOpener{ports: []*fakePort{newFakePort(stream)}}
	sup := newTestSupervisor(opener.open)
	sup.Start()
	defer sup.Stop()

	waitFor(t, func() bool { return opener.openCount() >= 2 }, "no reconnect after budget exhausted")
	waitFor(t, func() bool { return sup.State() == StateStreaming }, "second session never reached streaming")
	waitFor(t, func() bool { return sup.Stats().ConsecutiveFailures == 0 }, "failure counter not reset")

	stats := sup.Stats()
	assert.Equal(t, uint64(11), stats.Implausible)
	assert.GreaterOrEqual(t, stats.Reconnects, uint64(1))
	assert.Nil(t, sup.Snapshot())
}

// Wrong-length candidates count as failures but do not stop the stream.
func TestWrongLengthCounted(t *testing.T) {
	var stream []byte
	stream = append(stream, codec.HeaderMarker...)
	stream = append(stream, 0x01, 0x02, 0x03)
	stream = append(stream, codec.TrailerMarker...)
	stream = append(stream, meterFrame(1000, 5000, 2)...)

	opener := &scriptedOpener{ports: []*fakePort{newFakePort(stream)}}
	sup := newTestSupervisor(opener.open)
	sup.Start()
	defer sup.Stop()

	waitFor(t, func() bool { return sup.Stats().Accepted == 1 }, "valid frame not accepted")

	stats := sup.Stats()
	assert.Equal(t, uint64(2), stats.Attempts)
	assert.Equal(t, uint64(1), stats.WrongLength)
	assert.Equal(t, int64(0), stats.ConsecutiveFailures)
}

// After a reconnect the continuity reference starts empty, so a total that
// jumped backwards across sessions is accepted on structural checks alone.
func TestContinuityResetsAcrossSessions(t *testing.T) {
	first := newFakePort(meterFrame(1_000_000, 5000, 1))
	second := newFakePort(meterFrame(500, 5000, 1))

	opener := &scriptedOpener{ports: []*fakePort{first, second}}
	sup := newTestSupervisor(opener.open)
	sup.Start()
	defer sup.Stop()

	waitFor(t, func() bool { return sup.Stats().Accepted == 1 }, "first frame not accepted")
	first.Close() // kill the link

	waitFor(t, func() bool { return sup.Stats().Accepted == 2 }, "frame after reconnect not accepted")
	assert.Equal(t, uint32(500), sup.Snapshot().GasVolume)
	assert.Equal(t, uint64(0), sup.Stats().Implausible)
}

func TestConnectFailureRetriesForever(t *testing.T) {
	var opens atomic.Int32
	open := func() (Port, error) {
		opens.Add(1)
		return nil, errors.New("no such device")
	}

	sup := newTestSupervisor(open)
	sup.Start()
	defer sup.Stop()

	waitFor(t, func() bool { return opens.Load() >= 3 }, "connect loop gave up")
	assert.Nil(t, sup.Snapshot())
}

// Shutdown during the connect backoff must not wait out the delay.
func TestStopDuringBackoff(t *testing.T) {
	sup := New(Config{
		Open:              func() (Port, error) { return nil, errors.New("no such device") },
		ConnectRetryDelay: time.Hour,
		Logger:            zerolog.Nop(),
	})
	sup.Start()

	waitFor(t, func() bool { return sup.State() == StateConnecting }, "never reached connecting")

	stopped := make(chan struct{})
	go func() {
		sup.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the backoff timer")
	}
	assert.Equal(t, StateStopped, sup.State())
}

// Shutdown must abort a read that is blocked waiting for bytes.
func TestStopAbortsBlockedRead(t *testing.T) {
	opener := &scriptedOpener{}
	sup := newTestSupervisor(opener.open)
	sup.Start()

	waitFor(t, func() bool { return sup.State() == StateStreaming }, "never reached streaming")

	stopped := make(chan struct{})
	go func() {
		sup.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the serial read")
	}
}

func TestObserverRegistrationIsIdempotent(t *testing.T) {
	sup := newTestSupervisor((&scriptedOpener{}).open)

	var calls int
	cb := NotifyFunc(func() { calls++ })
	sup.Register(&cb)
	sup.Register(&cb) // second registration must not double notifications

	sup.notifyAll()
	assert.Equal(t, 1, calls)

	sup.Remove(&cb)
	sup.Remove(&cb) // removing twice is a no-op
	sup.notifyAll()
	assert.Equal(t, 1, calls)
}

func TestObserverPanicIsIsolated(t *testing.T) {
	sup := newTestSupervisor((&scriptedOpener{}).open)

	var survived int
	bad := NotifyFunc(func() { panic("subscriber bug") })
	good := NotifyFunc(func() { survived++ })
	sup.Register(&bad)
	sup.Register(&good)

	assert.NotPanics(t, func() { sup.notifyAll() })
	assert.Equal(t, 1, survived)
}

// The notifications counter tracks deliveries, not attempts: an observer
// that panics inside Notify must not be counted.
func TestNotificationMetricCountsDeliveriesOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	sup := New(Config{
		Open:    (&scriptedOpener{}).open,
		Logger:  zerolog.Nop(),
		Metrics: NewMetrics(reg),
	})

	bad := NotifyFunc(func() { panic("subscriber bug") })
	good := NotifyFunc(func() {})
	sup.Register(&bad)
	sup.Register(&good)

	sup.notifyAll()

	assert.Equal(t, 1.0, counterValue(t, reg, "p1d_notifications_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestObserversFirePerAcceptedFrame(t *testing.T) {
	stream := append(meterFrame(1000, 5000, 1), meterFrame(1001, 5001, 1)...)
	opener := &scriptedOpener{ports: []*fakePort{newFakePort(stream)}}
	sup := newTestSupervisor(opener.open)

	var notifies atomic.Int32
	cb := NotifyFunc(func() { notifies.Add(1) })
	sup.Register(&cb)

	sup.Start()
	defer sup.Stop()

	waitFor(t, func() bool { return notifies.Load() == 2 }, "observers not notified per frame")
}

// The instrumented path must work end to end against a real registry.
func TestMetricsInstrumentation(t *testing.T) {
	reg := prometheus.NewRegistry()
	stream := append(meterFrame(1000, 5000, 1), meterFrame(1000, 5000, 9)...) // accept, then bad tariff

	opener := &scriptedOpener{ports: []*fakePort{newFakePort(stream)}}
	sup := New(Config{
		Open:              opener.open,
		ConnectRetryDelay: 10 * time.Millisecond,
		Logger:            zerolog.Nop(),
		Metrics:           NewMetrics(reg),
	})
	sup.Start()
	defer sup.Stop()

	waitFor(t, func() bool { return sup.Stats().Implausible == 1 }, "rejection never counted")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "p1d_frames_total")
	assert.Contains(t, names, "p1d_consecutive_failures")
}

func TestProbeNonexistentDevice(t *testing.T) {
	err := Probe("/dev/p1d-does-not-exist")
	assert.Error(t, err)
}
