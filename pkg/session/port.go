package session

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Serial link parameters fixed by the device protocol.
const (
	BaudRate = 1200
	DataBits = 8
)

// Port is the read side of an open serial connection. Close must unblock a
// pending Read.
type Port interface {
	io.ReadCloser
}

// Opener establishes a connection to the device. Injected so tests can run
// the full session pipeline against scripted byte streams.
type Opener func() (Port, error)

// SerialOpener returns an Opener for the named device with the fixed
// protocol parameters: 1200 baud, 8 data bits, no parity, one stop bit, no
// flow control.
func SerialOpener(device string) Opener {
	return func() (Port, error) {
		mode := &serial.Mode{
			BaudRate: BaudRate,
			DataBits: DataBits,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(device, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", device, err)
		}
		return port, nil
	}
}

// Probe opens the serial device and immediately closes it again. Used by
// setup tooling to validate connectivity before committing configuration;
// never called during steady-state operation.
func Probe(device string) error {
	port, err := SerialOpener(device)()
	if err != nil {
		return err
	}
	return port.Close()
}
