package oscilloscope

// Calibrate converts raw 8-bit codes to a time axis and voltages.
//
// Voltages are centered on the mean of raw itself, not on the preamble's
// YReference or YOrigin: (raw[i] - mean(raw)) * YIncrement.  The reported
// reference and the actual center of the data disagree on some scopes and
// the disagreement shows up as a DC offset.  Times are i*XIncrement + XOrigin.
//
// An empty raw gives two empty, non-nil slices
func Calibrate(raw []byte, p Preamble) (t, v []float64) {
	n := len(raw)
	t = make([]float64, n)
	v = make([]float64, n)
	if n == 0 {
		return t, v
	}
	var sum float64
	for _, b := range raw {
		sum += float64(b)
	}
	mean := sum / float64(n)
	for i, b := range raw {
		v[i] = (float64(b) - mean) * p.YIncrement
		t[i] = float64(i)*p.XIncrement + p.XOrigin
	}
	return t, v
}
