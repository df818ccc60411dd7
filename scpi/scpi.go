// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Transport is a command/response link to an instrument.
//
// ReadExact must return the bytes it did manage to read alongside a non-nil
// error when fewer than n arrive before the timeout or the end of the stream.
// A Transport is not safe for concurrent use; one exchange at a time.
type Transport interface {
	// Write sends a single command, appending the link's terminator
	Write(cmd string) error

	// Query sends a command and returns the text reply, terminator stripped
	Query(cmd string) (string, error)

	// ReadLine reads the text reply to a query already sent with Write
	ReadLine() (string, error)

	// ReadExact reads exactly n raw bytes
	ReadExact(n int) ([]byte, error)

	// Timeout returns the read timeout
	Timeout() time.Duration

	// SetTimeout configures the read timeout
	SetTimeout(time.Duration)

	io.Closer
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	T Transport

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
		str := strings.Join(cmds, " ")
		resp, err := s.T.Query(str)
		if err != nil {
			return &TransportError{Op: "query", Command: str, Err: err}
		}
		return checkErrorReply(resp)
	}
	str := strings.Join(cmds, " ")
	if err := s.T.Write(str); err != nil {
		return &TransportError{Op: "write", Command: str, Err: err}
	}
	return nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	str := strings.Join(cmds, " ")
	resp, err := s.T.Query(str)
	if err != nil {
		return "", &TransportError{Op: "query", Command: str, Err: err}
	}
	return strings.TrimRight(resp, "\r\n"), nil
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean.  ON and OFF are understood
// in addition to the forms strconv accepts
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	resp = strings.TrimSpace(resp)
	switch strings.ToUpper(resp) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(resp)
}

// Raw sends a command to the instrument and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return checkErrorReply(str)
}

// maxErrorQueue bounds AllErrors against an instrument that never reports
// an empty queue
const maxErrorQueue = 32

// AllErrors returns all errors from the device as a list.
// Anything other than a queue entry (a transport failure, an unparseable
// reply) is appended and ends the list.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for len(errs) < maxErrorQueue {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(*DeviceError); !ok {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}

// checkErrorReply parses a SYSTem:ERRor? reply such as `0,"No error"` or
// `+0,"No error"`.  A zero code is nil; anything else becomes a DeviceError
func checkErrorReply(reply string) error {
	reply = strings.TrimSpace(reply)
	// with handshaking the error reply is the last ;-separated piece
	if idx := strings.LastIndexByte(reply, ';'); idx >= 0 {
		reply = reply[idx+1:]
	}
	codeS := reply
	if idx := strings.IndexByte(reply, ','); idx >= 0 {
		codeS = reply[:idx]
	}
	code, err := strconv.Atoi(strings.TrimSpace(codeS))
	if err != nil {
		return fmt.Errorf("unparseable error reply %q: %w", reply, err)
	}
	if code == 0 {
		return nil
	}
	return &DeviceError{Code: code, Message: reply}
}
