package scpi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBlockHeader is matched by every InvalidBlockHeaderError
	ErrInvalidBlockHeader = errors.New("invalid IEEE 488.2 block header")

	// ErrProtocol is matched by every ProtocolError
	ErrProtocol = errors.New("block transfer protocol error")
)

// TransportError is a link-level failure while talking to the instrument,
// for example a write on a closed connection or a query timeout
type TransportError struct {
	// Op is "write", "query" or "read"
	Op string

	// Command is the SCPI text that was being exchanged
	Command string

	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("scpi %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvalidBlockHeaderError is returned when a definite-length block does not
// start with '#' followed by a digit count and that many ASCII digits
type InvalidBlockHeaderError struct {
	// Raw holds the header bytes as received
	Raw []byte

	Reason string
}

func (e *InvalidBlockHeaderError) Error() string {
	return fmt.Sprintf("invalid block header %q: %s", e.Raw, e.Reason)
}

// Is allows errors.Is(err, ErrInvalidBlockHeader)
func (e *InvalidBlockHeaderError) Is(target error) bool { return target == ErrInvalidBlockHeader }

// ProtocolError is a short read during a block transfer.  The bytes that did
// arrive are discarded
type ProtocolError struct {
	// Stage is StageHeader or StagePayload
	Stage string

	// Want and Got are byte counts for the stage
	Want, Got int

	Err error
}

// stages of a block transfer named in ProtocolError
const (
	StageHeader  = "header"
	StagePayload = "payload"
)

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("short block %s read: got %d of %d bytes", e.Stage, e.Got, e.Want)
	}
	return fmt.Sprintf("short block %s read: got %d of %d bytes: %v", e.Stage, e.Got, e.Want, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrProtocol)
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// DeviceError is an entry from the instrument's error queue
type DeviceError struct {
	Code int

	// Message is the full reply, e.g. -113,"Undefined header"
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("instrument error %d: %s", e.Code, e.Message)
}
