// Package framer turns a raw serial byte stream into candidate 60-byte
// frames.
//
// The device terminates every transmission unit with the trailer marker
// {0x55, 0xAA}. A unit may carry leading line noise, so the frame start is
// found by scanning the unit backwards for the last occurrence of the
// header marker {0x42, 0xAA, 0xFF}; the candidate frame runs from there to
// the end of the unit, trailer included.
package framer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/meterhub/p1d/pkg/codec"
)

// MaxUnitSize bounds how many bytes Next accumulates while hunting for a
// trailer marker. A unit this large means the link is producing garbage or
// the trailer is never coming; the session should reconnect.
const MaxUnitSize = 64 * 1024

// ErrNoHeader reports a transmission unit with no header marker anywhere.
// Pure line noise: the caller should discard it without counting it against
// the consecutive-failure budget.
var ErrNoHeader = errors.New("no header marker in unit")

// ErrUnitTooLong reports a unit that exceeded MaxUnitSize without a trailer
// marker. Treated like an I/O fault: the link is desynchronized beyond
// recovery by frame-level resync.
var ErrUnitTooLong = fmt.Errorf("unit exceeded %d bytes without trailer", MaxUnitSize)

// Framer extracts candidate frames from a byte stream. Not safe for
// concurrent use; the session worker is its only caller.
type Framer struct {
	r   *bufio.Reader
	log zerolog.Logger
}

// New wraps a byte source, typically an open serial port.
func New(r io.Reader, log zerolog.Logger) *Framer {
	return &Framer{r: bufio.NewReader(r), log: log}
}

// Next blocks until one transmission unit is read and returns the candidate
// frame within it. Error cases:
//
//   - ErrNoHeader: unit held no header marker (noise, not a counted failure)
//   - *codec.WrongLengthError: candidate found but not exactly 60 bytes
//   - ErrUnitTooLong or any transport error: the session should reconnect
//
// The returned buffer is freshly allocated per call.
func (f *Framer) Next() ([]byte, error) {
	unit, err := f.readUnit()
	if err != nil {
		return nil, err
	}

	start := bytes.LastIndex(unit, codec.HeaderMarker)
	if start == -1 {
		f.log.Debug().Hex("unit", unit).Msg("discarding unit without header marker")
		return nil, ErrNoHeader
	}

	frame := unit[start:]
	if len(frame) != codec.FrameSize {
		f.log.Error().
			Int("got", len(frame)).
			Int("want", codec.FrameSize).
			Hex("frame", frame).
			Msg("bad frame length")
		return nil, &codec.WrongLengthError{Expected: codec.FrameSize, Actual: len(frame)}
	}
	return frame, nil
}

// readUnit accumulates bytes up to and including the next trailer marker.
func (f *Framer) readUnit() ([]byte, error) {
	var unit []byte
	for {
		chunk, err := f.r.ReadBytes(codec.Trailer1)
		unit = append(unit, chunk...)
		if err != nil {
			// Partial data before a transport error is of no use.
			return nil, err
		}
		if len(unit) >= 2 && unit[len(unit)-2] == codec.Trailer0 {
			return unit, nil
		}
		if len(unit) > MaxUnitSize {
			return nil, ErrUnitTooLong
		}
	}
}
