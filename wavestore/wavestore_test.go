package wavestore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nasa-jpl/wavecap/oscilloscope"
)

func randomCapture(n int) oscilloscope.Capture {
	rng := rand.New(rand.NewSource(1))
	c := oscilloscope.Capture{
		Time:    make([]float64, n),
		Voltage: make([]float64, n),
		Preamble: oscilloscope.Preamble{
			Points: n, XIncrement: 1e-6, XOrigin: -5e-4,
			YIncrement: 0.04, YOrigin: -0.12, YReference: 127},
		Metadata: map[string]interface{}{"channel": "CHAN1"},
	}
	for i := 0; i < n; i++ {
		c.Time[i] = rng.NormFloat64()
		c.Voltage[i] = rng.NormFloat64() * 1e-3
	}
	return c
}

func sameBits(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := randomCapture(1000)
	paths, err := Save(filepath.Join(dir, "run1"), c)
	if err != nil {
		t.Fatal(err)
	}
	if paths.Array != filepath.Join(dir, "run1.fits") || paths.Sidecar != filepath.Join(dir, "run1.json") {
		t.Errorf("unexpected paths %+v", paths)
	}
	got, err := Load(filepath.Join(dir, "run1"))
	if err != nil {
		t.Fatal(err)
	}
	if !sameBits(got.Time, c.Time) {
		t.Error("time array did not round trip bit for bit")
	}
	if !sameBits(got.Voltage, c.Voltage) {
		t.Error("voltage array did not round trip bit for bit")
	}
	if got.Preamble != c.Preamble {
		t.Errorf("expected preamble %+v, got %+v", c.Preamble, got.Preamble)
	}
	if !reflect.DeepEqual(got.Metadata, c.Metadata) {
		t.Errorf("expected metadata %v, got %v", c.Metadata, got.Metadata)
	}
}

func TestSidecarContents(t *testing.T) {
	dir := t.TempDir()
	c := randomCapture(1000)
	paths, err := Save(filepath.Join(dir, "run1"), c)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(paths.Sidecar)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"preamble", "metadata", "num_samples", "time_range", "voltage_range", "array_crc32"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("sidecar lacks %s", key)
		}
	}
	if doc["num_samples"].(float64) != 1000 {
		t.Errorf("expected 1000 samples, got %v", doc["num_samples"])
	}
	pre := doc["preamble"].(map[string]interface{})
	for _, key := range []string{"points", "x_increment", "x_origin", "y_increment", "y_origin", "y_reference"} {
		if _, ok := pre[key]; !ok {
			t.Errorf("preamble lacks %s", key)
		}
	}
	s, err := ReadSummary(paths.Sidecar)
	if err != nil {
		t.Fatal(err)
	}
	if s.TimeRange != c.TimeRange() || s.VoltageRange != c.VoltageRange() {
		t.Errorf("ranges were not recomputed on save: %v %v", s.TimeRange, s.VoltageRange)
	}
}

func TestSaveIgnoresExtensionAndLeavesNoTemporaries(t *testing.T) {
	dir := t.TempDir()
	if _, err := Save(filepath.Join(dir, "sub", "run2.npz"), randomCapture(10)); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 || names[0] != "run2.fits" || names[1] != "run2.json" {
		t.Errorf("expected only run2.fits and run2.json, got %v", names)
	}
	if _, err := Load(filepath.Join(dir, "sub", "run2.json")); err != nil {
		t.Errorf("loading by the sidecar name: %v", err)
	}
}

func TestLoadMissingArray(t *testing.T) {
	dir := t.TempDir()
	paths, err := Save(filepath.Join(dir, "run3"), randomCapture(10))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(paths.Array); err != nil {
		t.Fatal(err)
	}
	_, err = Load(filepath.Join(dir, "run3"))
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not found, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, paths.Array) || !strings.Contains(msg, paths.Sidecar) {
		t.Errorf("expected both paths in %q", msg)
	}
}

func TestLoadMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	paths, err := Save(filepath.Join(dir, "run4"), randomCapture(10))
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(paths.Sidecar)
	var nf *NotFoundError
	if _, err := Load(paths.Array); !errors.As(err, &nf) {
		t.Fatalf("expected a *NotFoundError, got %v", err)
	}
}

func TestEmptyCapture(t *testing.T) {
	dir := t.TempDir()
	c := oscilloscope.Capture{Time: []float64{}, Voltage: []float64{}}
	if _, err := Save(filepath.Join(dir, "empty"), c); err != nil {
		t.Fatal(err)
	}
	s, err := ReadSummary(filepath.Join(dir, "empty"))
	if err != nil {
		t.Fatal(err)
	}
	if s.NumSamples != 0 || s.TimeRange != [2]float64{0, 0} || s.VoltageRange != [2]float64{0, 0} {
		t.Errorf("expected zero samples and (0, 0) ranges, got %+v", s)
	}
	got, err := Load(filepath.Join(dir, "empty"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 0 || got.Metadata == nil {
		t.Errorf("expected an empty capture with empty metadata, got %d samples, metadata %v", got.Len(), got.Metadata)
	}
}

func rewriteSidecar(t *testing.T, path string, edit func(map[string]interface{})) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	edit(doc)
	if b, err = json.Marshal(doc); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCountMismatch(t *testing.T) {
	dir := t.TempDir()
	paths, err := Save(filepath.Join(dir, "run5"), randomCapture(100))
	if err != nil {
		t.Fatal(err)
	}
	rewriteSidecar(t, paths.Sidecar, func(doc map[string]interface{}) { doc["num_samples"] = 99 })
	if _, err := Load(paths.Sidecar); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected a corrupt capture, got %v", err)
	}
}

func TestLoadChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	paths, err := Save(filepath.Join(dir, "run6"), randomCapture(100))
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(paths.Array)
	if err != nil {
		t.Fatal(err)
	}
	b[len(b)-1] ^= 0xff
	if err := os.WriteFile(paths.Array, b, 0o644); err != nil {
		t.Fatal(err)
	}
	var ce *CorruptError
	if _, err := Load(paths.Array); !errors.As(err, &ce) {
		t.Fatalf("expected a *CorruptError, got %v", err)
	}
	if ce.Path != paths.Array {
		t.Errorf("expected the array path in the error, got %s", ce.Path)
	}
}

func TestLoadWithoutChecksum(t *testing.T) {
	dir := t.TempDir()
	paths, err := Save(filepath.Join(dir, "run7"), randomCapture(20))
	if err != nil {
		t.Fatal(err)
	}
	rewriteSidecar(t, paths.Sidecar, func(doc map[string]interface{}) { delete(doc, "array_crc32") })
	if _, err := Load(paths.Sidecar); err != nil {
		t.Errorf("a sidecar without a checksum should load, got %v", err)
	}
}

func TestSaveRejectsMismatchedAxes(t *testing.T) {
	dir := t.TempDir()
	c := oscilloscope.Capture{Time: []float64{0, 1}, Voltage: []float64{0}}
	if _, err := Save(filepath.Join(dir, "bad"), c); err == nil {
		t.Fatal("expected mismatched axes to be refused")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("nothing should be written, found %d entries", len(entries))
	}
}

func TestNonFiniteSamplesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := oscilloscope.Capture{
		Time:    []float64{0, 1e-6, 2e-6},
		Voltage: []float64{math.NaN(), 1, math.Inf(1)},
		Preamble: oscilloscope.Preamble{
			Points: 3, XIncrement: 1e-6, XOrigin: math.Inf(-1),
			YIncrement: math.NaN(), YOrigin: 0, YReference: 127},
	}
	paths, err := Save(filepath.Join(dir, "nf"), c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Load(paths.Sidecar)
	if err != nil {
		t.Fatal(err)
	}
	if !sameBits(got.Voltage, c.Voltage) || !sameBits(got.Time, c.Time) {
		t.Errorf("arrays did not round trip: %v %v", got.Time, got.Voltage)
	}
	if !math.IsInf(got.Preamble.XOrigin, -1) || !math.IsNaN(got.Preamble.YIncrement) || got.Preamble.XIncrement != 1e-6 {
		t.Errorf("non-finite preamble did not round trip: %+v", got.Preamble)
	}
	s, err := ReadSummary(paths.Sidecar)
	if err != nil {
		t.Fatal(err)
	}
	if s.VoltageRange != [2]float64{1, math.Inf(1)} {
		t.Errorf("expected voltage range [1, +Inf], got %v", s.VoltageRange)
	}
}

func TestNonFiniteMetadataLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	c := randomCapture(10)
	c.Metadata = map[string]interface{}{"probe": map[string]interface{}{"gain": math.Inf(1)}}
	_, err := Save(filepath.Join(dir, "nf"), c)
	var nf *NonFiniteError
	if !errors.As(err, &nf) || !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected a *NonFiniteError, got %v", err)
	}
	if nf.Field != "metadata.probe.gain" {
		t.Errorf("expected the nested key, got %s", nf.Field)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("a refused capture must leave nothing behind, found %d entries", len(entries))
	}
}

func TestFailedSidecarRemovesArray(t *testing.T) {
	dir := t.TempDir()
	// a directory where the sidecar should go makes its rename fail
	if err := os.Mkdir(filepath.Join(dir, "run8.json"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run8.json", "keep"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Save(filepath.Join(dir, "run8"), randomCapture(10)); err == nil {
		t.Fatal("expected the save to fail")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "run8.json" {
			t.Errorf("left behind %s", e.Name())
		}
	}
}

func TestMetadataNumbersKeepTheirKind(t *testing.T) {
	dir := t.TempDir()
	c := randomCapture(10)
	c.Metadata = map[string]interface{}{
		"gain":    int64(10),
		"big":     int64(1<<53 + 1),
		"scale":   2.5,
		"whole":   3.0,
		"channel": "CHAN1",
		"taps":    []interface{}{int64(1), 0.5},
	}
	paths, err := Save(filepath.Join(dir, "meta"), c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Load(paths.Array)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Metadata, c.Metadata) {
		t.Errorf("expected metadata %#v, got %#v", c.Metadata, got.Metadata)
	}
	s, err := ReadSummary(paths.Sidecar)
	if err != nil {
		t.Fatal(err)
	}
	if s.Metadata["big"] != int64(1<<53+1) {
		t.Errorf("large integer lost precision: %v", s.Metadata["big"])
	}
}
