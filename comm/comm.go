/*Package comm provides connections to lab hardware over TCP and RS-232.

Most usages of this package will boil down to:
	1.  pick a CreationFunc for the medium, BackingOffTCPConnMaker or SerialConnMaker
	2.  hand it to NewLink, which pools a single connection and speaks
		newline terminated SCPI over it
	3.  use the Link as an scpi.Transport

A minimal example for a scope on the LAN:

	link := comm.NewLink(comm.BackingOffTCPConnMaker("192.168.100.50:5555", 3*time.Second), '\n', 5*time.Second)
	defer link.Close()
	idn, err := link.Query("*IDN?")
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a closed link or pool is used
	ErrNotConnected = errors.New("not connected to remote")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  Instruments do not like being connection thrashed,
// and a LAN module that is still booting times out rather than refusing.
// A refused connection is not retried
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				if errors.Is(err, syscall.ECONNREFUSED) {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc opening the serial port described
// by conf.  Read timeouts on a serial link are fixed by conf.ReadTimeout
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", conf.Name, err)
		}
		return port, nil
	}
}

// SerialConf makes a serial.Config for an 8N1 instrument port
func SerialConf(name string, baud int, timeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: timeout}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
