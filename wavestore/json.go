package wavestore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nasa-jpl/wavecap/oscilloscope"
)

// number is a float64 whose JSON form carries NaN and the infinities, as the
// strings "NaN", "Infinity" and "-Infinity"
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(f)
}

func (n *number) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch s {
		case "NaN":
			*n = number(math.NaN())
		case "Infinity":
			*n = number(math.Inf(1))
		case "-Infinity":
			*n = number(math.Inf(-1))
		default:
			return fmt.Errorf("%q is not a number", s)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

// span is a min, max pair
type span [2]number

func toSpan(r [2]float64) span { return span{number(r[0]), number(r[1])} }

func (s span) floats() [2]float64 { return [2]float64{float64(s[0]), float64(s[1])} }

// storedPreamble is oscilloscope.Preamble with non-finite values allowed
type storedPreamble struct {
	Points     int    `json:"points"`
	XIncrement number `json:"x_increment"`
	XOrigin    number `json:"x_origin"`
	YIncrement number `json:"y_increment"`
	YOrigin    number `json:"y_origin"`
	YReference int    `json:"y_reference"`
}

func storePreamble(p oscilloscope.Preamble) storedPreamble {
	return storedPreamble{
		Points:     p.Points,
		XIncrement: number(p.XIncrement),
		XOrigin:    number(p.XOrigin),
		YIncrement: number(p.YIncrement),
		YOrigin:    number(p.YOrigin),
		YReference: p.YReference,
	}
}

func (s storedPreamble) preamble() oscilloscope.Preamble {
	return oscilloscope.Preamble{
		Points:     s.Points,
		XIncrement: float64(s.XIncrement),
		XOrigin:    float64(s.XOrigin),
		YIncrement: float64(s.YIncrement),
		YOrigin:    float64(s.YOrigin),
		YReference: s.YReference,
	}
}

// encodeMetadata prepares metadata for the sidecar.  Integral floats are
// written with a decimal point so decodeMetadata gives them back as float64.
// Non-finite floats have no JSON form and are refused
func encodeMetadata(v interface{}, key string) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			var err error
			if out[k], err = encodeMetadata(e, key+"."+k); err != nil {
				return nil, err
			}
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			var err error
			if out[i], err = encodeMetadata(e, fmt.Sprintf("%s[%d]", key, i)); err != nil {
				return nil, err
			}
		}
		return out, nil
	case float32:
		return encodeFloat(float64(x), 32, key)
	case float64:
		return encodeFloat(x, 64, key)
	}
	return v, nil
}

func encodeFloat(f float64, bits int, key string) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &NonFiniteError{Field: key, Value: f}
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s), nil
}

// decodeMetadata replaces the json.Numbers of a sidecar decoded with
// UseNumber: integers become int64, everything else float64
func decodeMetadata(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		for k, e := range x {
			x[k] = decodeMetadata(e)
		}
	case []interface{}:
		for i, e := range x {
			x[i] = decodeMetadata(e)
		}
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	}
	return v
}
