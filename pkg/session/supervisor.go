// Package session owns the serial connection lifecycle and drives the
// framer → codec → validator pipeline.
//
// One worker goroutine per device holds the port, the counters and the
// last-accepted snapshot. It reconnects forever: connect failures back off
// for a fixed delay, a desynchronized link (too many consecutive bad
// frames) reconnects immediately, and nothing short of cancellation ends
// the loop. Consumers read the last accepted snapshot through an immutable
// handle swap and may register zero-argument observers that fire on every
// accepted frame.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/meterhub/p1d/pkg/codec"
	"github.com/meterhub/p1d/pkg/framer"
	"github.com/meterhub/p1d/pkg/validate"
)

// Defaults for Config fields left zero.
const (
	DefaultConnectRetryDelay = 5 * time.Second
	DefaultFailureBudget     = 10
)

// State of the supervisor's connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Observer is notified after every accepted frame. Notify carries no
// payload: observers read the current snapshot from the supervisor. It is
// called synchronously from the worker and must not block; a panicking
// observer is isolated and logged. Observer values must be comparable,
// identity keys the subscriber set.
type Observer interface {
	Notify()
}

// NotifyFunc adapts a plain function to Observer. Register the same
// *NotifyFunc pointer that you later remove; identity is pointer-based.
type NotifyFunc func()

func (f *NotifyFunc) Notify() { (*f)() }

// Stats is a point-in-time copy of the supervisor's lifetime counters.
type Stats struct {
	Attempts            uint64 `json:"attempts"`
	Accepted            uint64 `json:"accepted"`
	NoHeader            uint64 `json:"no_header"`
	WrongLength         uint64 `json:"wrong_length"`
	DecodeErrors        uint64 `json:"decode_errors"`
	Implausible         uint64 `json:"implausible"`
	Reconnects          uint64 `json:"reconnects"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
}

// Config for a Supervisor.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0. Ignored when
	// Open is set.
	Device string

	// Open overrides the connection factory. Tests use it to feed the
	// pipeline scripted byte streams.
	Open Opener

	// ConnectRetryDelay is the backoff after a failed connect attempt.
	// It does not apply to a desync-triggered reconnect, which retries
	// immediately. Defaults to DefaultConnectRetryDelay.
	ConnectRetryDelay time.Duration

	// FailureBudget is the number of consecutive counted failures
	// tolerated before the connection is torn down and re-established.
	// Defaults to DefaultFailureBudget.
	FailureBudget int

	// Policy selects the continuity-check mode.
	Policy validate.Policy

	Logger  zerolog.Logger
	Metrics *Metrics
}

// Supervisor runs the read/decode/validate/commit loop for one device.
type Supervisor struct {
	open      Opener
	validator validate.Validator
	retry     time.Duration
	budget    int
	log       zerolog.Logger
	metrics   *Metrics

	state atomic.Int32
	last  atomic.Pointer[codec.Snapshot]

	mu        sync.Mutex
	observers map[Observer]struct{}
	cancel    context.CancelFunc
	done      chan struct{}

	attempts     atomic.Uint64
	accepted     atomic.Uint64
	noHeader     atomic.Uint64
	wrongLength  atomic.Uint64
	decodeErrors atomic.Uint64
	implausible  atomic.Uint64
	reconnects   atomic.Uint64
	consecutive  atomic.Int64
}

// New creates a Supervisor. It does not touch the device until Run or
// Start.
func New(cfg Config) *Supervisor {
	open := cfg.Open
	if open == nil {
		open = SerialOpener(cfg.Device)
	}
	retry := cfg.ConnectRetryDelay
	if retry == 0 {
		retry = DefaultConnectRetryDelay
	}
	budget := cfg.FailureBudget
	if budget == 0 {
		budget = DefaultFailureBudget
	}
	return &Supervisor{
		open:      open,
		validator: validate.Validator{Policy: cfg.Policy},
		retry:     retry,
		budget:    budget,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		observers: make(map[Observer]struct{}),
	}
}

// Start launches the worker goroutine. Use Stop to shut it down.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop cancels the worker and waits for it to exit. Safe to call more than
// once and before Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run is the supervising loop: connect, stream, reconnect, forever. It
// returns only when ctx is cancelled. No failure inside a session escapes;
// a panic is logged and the loop re-enters Connecting.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info().Msg("starting serial read loop")
	for ctx.Err() == nil {
		s.session(ctx)
	}
	s.setState(StateStopped)
	s.log.Info().Msg("serial read loop stopped")
}

// session performs one connect attempt and, if it succeeds, streams until
// the link dies, desynchronizes or ctx is cancelled.
func (s *Supervisor) session(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("session panicked, restarting")
		}
	}()

	s.setState(StateConnecting)
	port, err := s.open()
	if err != nil {
		s.log.Warn().Err(err).Dur("retry_in", s.retry).Msg("connect failed")
		s.sleep(ctx, s.retry)
		return
	}

	log := s.log.With().Str("conn", ksuid.New().String()).Logger()
	log.Info().Msg("connected")

	// Abort the blocking read promptly on shutdown by closing the port
	// under it.
	sessionOver := make(chan struct{})
	defer close(sessionOver)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-sessionOver:
		}
	}()
	defer port.Close()

	s.setState(StateStreaming)
	s.stream(ctx, log, port)

	if ctx.Err() == nil {
		// Desync or transport fault: reconnect immediately, the backoff
		// is reserved for genuine connect failures.
		s.setState(StateReconnecting)
		s.reconnects.Add(1)
		s.metrics.recordReconnect()
	}
}

// stream runs the framer → codec → validator pipeline until the session
// ends. The continuity reference starts empty each session, so the first
// frame after a reconnect only has to pass structural checks.
func (s *Supervisor) stream(ctx context.Context, log zerolog.Logger, port Port) {
	fr := framer.New(port, log)
	var prev *codec.Snapshot

	// A fresh session starts with a clean failure budget.
	consecutive := 0
	s.consecutive.Store(0)
	s.metrics.setConsecutiveFailures(0)

	countFailure := func() (budgetExhausted bool) {
		consecutive++
		s.consecutive.Store(int64(consecutive))
		s.metrics.setConsecutiveFailures(consecutive)
		if consecutive > s.budget {
			log.Error().Int("consecutive", consecutive).Msg("too many consecutive failures, forcing reconnect")
			return true
		}
		return false
	}

	for {
		frame, err := fr.Next()
		if err != nil {
			if errors.Is(err, framer.ErrNoHeader) {
				// Pure noise, not a counted failure.
				s.noHeader.Add(1)
				s.metrics.recordFrame(resultNoHeader)
				continue
			}
			var wl *codec.WrongLengthError
			if errors.As(err, &wl) {
				s.attempts.Add(1)
				s.wrongLength.Add(1)
				s.metrics.recordFrame(resultWrongLength)
				if countFailure() {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				log.Info().Msg("read aborted by shutdown")
			} else {
				log.Error().Err(err).Msg("transport fault")
			}
			return
		}

		s.attempts.Add(1)

		snap, err := codec.Decode(frame)
		if err != nil {
			s.decodeErrors.Add(1)
			s.metrics.recordFrame(resultDecodeError)
			log.Error().Err(err).Hex("frame", frame).Msg("decode failed")
			if countFailure() {
				return
			}
			continue
		}

		if err := s.validator.Check(snap, prev); err != nil {
			s.implausible.Add(1)
			s.metrics.recordFrame(resultImplausible)
			var dc *validate.DeviceCodeError
			if errors.As(err, &dc) {
				log.Warn().Uint32("code", dc.Code).Msg("device reported an error code")
			} else {
				log.Error().Err(err).Hex("frame", frame).Msg("rejecting frame")
			}
			if countFailure() {
				return
			}
			continue
		}

		consecutive = 0
		s.consecutive.Store(0)
		s.metrics.setConsecutiveFailures(0)

		prev = snap
		s.last.Store(snap)
		s.accepted.Add(1)
		s.metrics.recordFrame(resultAccepted)
		s.metrics.setLastAccept(float64(snap.CapturedAt.Unix()))
		log.Debug().
			Uint32("gas", snap.GasVolume).
			Uint32("delivered_t1", snap.MeterDeliveredT1).
			Uint8("tariff", snap.Tariff).
			Msg("accepted frame")

		s.notifyAll()
	}
}

// Register adds an observer. Registering the same observer twice has no
// additional effect.
func (s *Supervisor) Register(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[o] = struct{}{}
}

// Remove drops an observer. Removing an unregistered observer is a no-op.
func (s *Supervisor) Remove(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, o)
}

func (s *Supervisor) notifyAll() {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	delivered := 0
	for _, o := range observers {
		if s.notifyOne(o) {
			delivered++
		}
	}
	s.metrics.recordNotify(delivered)
}

// notifyOne isolates a panicking observer so the rest still get notified.
// Reports whether Notify returned normally.
func (s *Supervisor) notifyOne(o Observer) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("observer panicked during notify")
		}
	}()
	o.Notify()
	return true
}

// Snapshot returns the last accepted snapshot, or nil when none has been
// accepted yet. The returned value is immutable.
func (s *Supervisor) Snapshot() *codec.Snapshot {
	return s.last.Load()
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns a copy of the lifetime counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Attempts:            s.attempts.Load(),
		Accepted:            s.accepted.Load(),
		NoHeader:            s.noHeader.Load(),
		WrongLength:         s.wrongLength.Load(),
		DecodeErrors:        s.decodeErrors.Load(),
		Implausible:         s.implausible.Load(),
		Reconnects:          s.reconnects.Load(),
		ConsecutiveFailures: s.consecutive.Load(),
	}
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
