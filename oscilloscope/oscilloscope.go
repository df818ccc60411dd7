// Package oscilloscope provides type definitions for oscilloscope captures
// and the conversion from raw ADC codes to physical units
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Capture is a single channel waveform acquired from a scope.
// Time and Voltage always have the same length
type Capture struct {
	// Time is the time of each sample in seconds
	Time []float64 `json:"time"`

	// Voltage is each sample in volts
	Voltage []float64 `json:"voltage"`

	// Preamble is the scaling the scope reported for the transfer
	Preamble Preamble `json:"preamble"`

	// Metadata holds free-form information supplied by the user,
	// e.g. channel, probe gain, generator frequency
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Len is the number of samples in the capture
func (c Capture) Len() int {
	return len(c.Voltage)
}

// Validate checks that the time and voltage axes agree in length
func (c Capture) Validate() error {
	if len(c.Time) != len(c.Voltage) {
		return fmt.Errorf("capture has %d time samples but %d voltage samples", len(c.Time), len(c.Voltage))
	}
	return nil
}

// TimeRange returns the min and max of the time axis, (0, 0) if empty
func (c Capture) TimeRange() [2]float64 {
	return minmax(c.Time)
}

// VoltageRange returns the min and max of the voltage samples, (0, 0) if empty
func (c Capture) VoltageRange() [2]float64 {
	return minmax(c.Voltage)
}

func minmax(a []float64) [2]float64 {
	if len(a) == 0 {
		return [2]float64{0, 0}
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range a {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return [2]float64{lo, hi}
}

// EncodeCSV writes the capture as a two column CSV, time and voltage,
// in streaming fashion
func (c Capture) EncodeCSV(w io.Writer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	row := []string{"time", "voltage"}
	if err := writer.Write(row); err != nil {
		return err
	}
	for i := 0; i < len(c.Time); i++ {
		row[0] = strconv.FormatFloat(c.Time[i], 'G', -1, 64)
		row[1] = strconv.FormatFloat(c.Voltage[i], 'G', -1, 64)
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
