package oscilloscope

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPreamble is matched by every MalformedPreambleError
var ErrMalformedPreamble = errors.New("malformed waveform preamble")

// fixed positions in the :WAVeform:PREamble? reply,
// <format>,<type>,<points>,<count>,<xincrement>,<xorigin>,<xreference>,<yincrement>,<yorigin>,<yreference>
const (
	idxPoints     = 2
	idxXIncrement = 4
	idxXOrigin    = 5
	idxYIncrement = 7
	idxYOrigin    = 8
	idxYReference = 9

	preambleFields = 10
)

// Preamble describes how to convert raw samples of a transfer to physical units
type Preamble struct {
	// Points is the declared number of samples
	Points int `json:"points" yaml:"points"`

	// XIncrement is the time between samples in seconds
	XIncrement float64 `json:"x_increment" yaml:"x_increment"`

	// XOrigin is the time of the first sample in seconds
	XOrigin float64 `json:"x_origin" yaml:"x_origin"`

	// YIncrement is volts per raw code
	YIncrement float64 `json:"y_increment" yaml:"y_increment"`

	// YOrigin is the vertical offset in volts.  Informational, see Calibrate
	YOrigin float64 `json:"y_origin" yaml:"y_origin"`

	// YReference is the nominal center code, 127 for 8-bit data.  Informational
	YReference int `json:"y_reference" yaml:"y_reference"`
}

// MalformedPreambleError is returned when a preamble reply is missing fields
// or a field does not parse as a number
type MalformedPreambleError struct {
	// Index of the offending field, -1 when there were too few fields
	Index int

	// Field is the name of the offending field
	Field string

	// Reply is the full reply as received
	Reply string

	Err error
}

func (e *MalformedPreambleError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed preamble %q: %v", e.Reply, e.Err)
	}
	return fmt.Sprintf("malformed preamble %q: field %d (%s): %v", e.Reply, e.Index, e.Field, e.Err)
}

func (e *MalformedPreambleError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrMalformedPreamble)
func (e *MalformedPreambleError) Is(target error) bool { return target == ErrMalformedPreamble }

// ParsePreamble parses a comma separated :WAVeform:PREamble? reply.
// All six fields used for scaling must be present and numeric; nothing is defaulted
func ParsePreamble(reply string) (Preamble, error) {
	var p Preamble
	reply = strings.TrimSpace(reply)
	fields := strings.Split(reply, ",")
	if len(fields) < preambleFields {
		return p, &MalformedPreambleError{
			Index: -1,
			Reply: reply,
			Err:   fmt.Errorf("%d fields, need at least %d", len(fields), preambleFields)}
	}
	var err error
	floatAt := func(idx int, name string, dst *float64) {
		if err != nil {
			return
		}
		v, perr := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
		if perr != nil {
			err = &MalformedPreambleError{Index: idx, Field: name, Reply: reply, Err: perr}
			return
		}
		*dst = v
	}
	intAt := func(idx int, name string, dst *int) {
		if err != nil {
			return
		}
		v, perr := strconv.Atoi(strings.TrimSpace(fields[idx]))
		if perr != nil {
			err = &MalformedPreambleError{Index: idx, Field: name, Reply: reply, Err: perr}
			return
		}
		*dst = v
	}
	intAt(idxPoints, "points", &p.Points)
	floatAt(idxXIncrement, "x_increment", &p.XIncrement)
	floatAt(idxXOrigin, "x_origin", &p.XOrigin)
	floatAt(idxYIncrement, "y_increment", &p.YIncrement)
	floatAt(idxYOrigin, "y_origin", &p.YOrigin)
	intAt(idxYReference, "y_reference", &p.YReference)
	if err != nil {
		return Preamble{}, err
	}
	if p.Points < 0 {
		return Preamble{}, &MalformedPreambleError{
			Index: idxPoints,
			Field: "points",
			Reply: reply,
			Err:   fmt.Errorf("negative point count %d", p.Points)}
	}
	return p, nil
}
