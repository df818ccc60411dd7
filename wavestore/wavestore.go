/*Package wavestore persists oscilloscope captures as two files sharing a base
name: a FITS binary table holding the time and voltage arrays, and a JSON
sidecar holding the preamble, user metadata, sample count and ranges.

The pair is one unit.  Save writes both, Load requires both and checks they
agree.  A capture saved as run1 produces run1.fits and run1.json; Save and
Load ignore any extension on the path they are given.

Metadata values round trip through JSON.  Floats come back as float64 and
integers of any Go type as int64.  NaN and the infinities are fine in the
arrays and the preamble but have no place in metadata.
*/
package wavestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/wavecap/oscilloscope"
)

const (
	// ArrayExt is the extension of the array store
	ArrayExt = ".fits"

	// SidecarExt is the extension of the sidecar
	SidecarExt = ".json"

	tableName = "WAVEFORM"
	timeCol   = "TIME"
	voltCol   = "VOLTAGE"
)

var (
	// ErrNotFound is matched by NotFoundError, as is fs.ErrNotExist
	ErrNotFound = errors.New("capture not found")

	// ErrCorrupt is matched by CorruptError
	ErrCorrupt = errors.New("corrupt capture")

	// ErrNonFinite is matched by NonFiniteError
	ErrNonFinite = errors.New("non-finite metadata")

	crcTable = crc.NewTable(crc.CRC32)
)

// NotFoundError is returned by Load when either file of a capture is missing
type NotFoundError struct {
	ArrayPath   string
	SidecarPath string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("waveform files not found, looking for %s and %s", e.ArrayPath, e.SidecarPath)
}

// Is allows errors.Is(err, ErrNotFound) and errors.Is(err, fs.ErrNotExist)
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == fs.ErrNotExist
}

// CorruptError is returned by Load when the two files disagree or the array
// store does not match its recorded checksum
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt capture %s: %s", e.Path, e.Reason)
}

// Is allows errors.Is(err, ErrCorrupt)
func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// NonFiniteError is returned by Save when a metadata value is NaN or infinite
type NonFiniteError struct {
	// Field is the path to the value, e.g. metadata.probe.gain
	Field string
	Value float64
}

func (e *NonFiniteError) Error() string {
	return fmt.Sprintf("%s is %v, which JSON cannot carry", e.Field, e.Value)
}

// Is allows errors.Is(err, ErrNonFinite)
func (e *NonFiniteError) Is(target error) bool { return target == ErrNonFinite }

// Paths are the two files of a capture
type Paths struct {
	Array   string `json:"array"`
	Sidecar string `json:"sidecar"`
}

// PathsFor returns the files of the capture at path, whatever its extension
func PathsFor(path string) Paths {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return Paths{Array: base + ArrayExt, Sidecar: base + SidecarExt}
}

// sidecar is the JSON document written next to the array store
type sidecar struct {
	Preamble     storedPreamble         `json:"preamble"`
	Metadata     map[string]interface{} `json:"metadata"`
	NumSamples   int                    `json:"num_samples"`
	TimeRange    span                   `json:"time_range"`
	VoltageRange span                   `json:"voltage_range"`
	ArrayFile    string                 `json:"array_file"`
	ArrayCRC32   *uint32                `json:"array_crc32,omitempty"`
	Saved        time.Time              `json:"saved"`
}

// Summary is the content of a sidecar, for listing captures without
// reading their arrays
type Summary struct {
	Preamble     oscilloscope.Preamble  `json:"preamble"`
	Metadata     map[string]interface{} `json:"metadata"`
	NumSamples   int                    `json:"num_samples"`
	TimeRange    [2]float64             `json:"time_range"`
	VoltageRange [2]float64             `json:"voltage_range"`
	Saved        time.Time              `json:"saved"`
}

// Save writes c to the two files for path, creating parent directories.
// Both files are written to temporary names before either is renamed into
// place; if the pair cannot be placed, neither is left behind
func Save(path string, c oscilloscope.Capture) (Paths, error) {
	p := PathsFor(path)
	if err := c.Validate(); err != nil {
		return p, err
	}
	meta := c.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	stored, err := encodeMetadata(meta, "metadata")
	if err != nil {
		return p, err
	}
	if err := os.MkdirAll(filepath.Dir(p.Array), 0o755); err != nil {
		return p, err
	}

	cw := &crcWriter{crc: crcTable.InitCrc()}
	arrTmp, err := stage(p.Array, func(w io.Writer) error {
		cw.w = w
		return writeArrays(cw, c)
	})
	if err != nil {
		return p, fmt.Errorf("writing %s: %w", p.Array, err)
	}
	sum := crcTable.CRC32(cw.crc)

	sc := sidecar{
		Preamble:     storePreamble(c.Preamble),
		Metadata:     stored.(map[string]interface{}),
		NumSamples:   c.Len(),
		TimeRange:    toSpan(c.TimeRange()),
		VoltageRange: toSpan(c.VoltageRange()),
		ArrayFile:    filepath.Base(p.Array),
		ArrayCRC32:   &sum,
		Saved:        time.Now().UTC(),
	}
	scTmp, err := stage(p.Sidecar, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sc)
	})
	if err != nil {
		os.Remove(arrTmp)
		return p, fmt.Errorf("writing %s: %w", p.Sidecar, err)
	}

	if err = os.Rename(arrTmp, p.Array); err != nil {
		os.Remove(arrTmp)
		os.Remove(scTmp)
		return p, err
	}
	if err = os.Rename(scTmp, p.Sidecar); err != nil {
		os.Remove(p.Array)
		os.Remove(scTmp)
		return p, err
	}
	return p, nil
}

// Load reads the capture saved at path
func Load(path string) (oscilloscope.Capture, error) {
	var c oscilloscope.Capture
	p := PathsFor(path)
	if !exists(p.Array) || !exists(p.Sidecar) {
		return c, &NotFoundError{ArrayPath: p.Array, SidecarPath: p.Sidecar}
	}
	sc, err := readSidecar(p.Sidecar)
	if err != nil {
		return c, err
	}
	raw, err := os.ReadFile(p.Array)
	if err != nil {
		return c, err
	}
	if sc.ArrayCRC32 != nil {
		got := crcTable.CRC32(crcTable.UpdateCrc(crcTable.InitCrc(), raw))
		if got != *sc.ArrayCRC32 {
			return c, &CorruptError{Path: p.Array,
				Reason: fmt.Sprintf("CRC-32 %08x, sidecar records %08x", got, *sc.ArrayCRC32)}
		}
	}
	t, v, err := readArrays(bytes.NewReader(raw))
	if err != nil {
		return c, fmt.Errorf("reading %s: %w", p.Array, err)
	}
	if len(v) != sc.NumSamples {
		return c, &CorruptError{Path: p.Array,
			Reason: fmt.Sprintf("%d samples, sidecar records %d", len(v), sc.NumSamples)}
	}
	c.Time = t
	c.Voltage = v
	c.Preamble = sc.Preamble.preamble()
	c.Metadata = sc.Metadata
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	return c, nil
}

// ReadSummary reads only the sidecar of the capture at path
func ReadSummary(path string) (Summary, error) {
	p := PathsFor(path)
	if !exists(p.Sidecar) {
		return Summary{}, &NotFoundError{ArrayPath: p.Array, SidecarPath: p.Sidecar}
	}
	sc, err := readSidecar(p.Sidecar)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Preamble:     sc.Preamble.preamble(),
		Metadata:     sc.Metadata,
		NumSamples:   sc.NumSamples,
		TimeRange:    sc.TimeRange.floats(),
		VoltageRange: sc.VoltageRange.floats(),
		Saved:        sc.Saved,
	}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readSidecar(path string) (sidecar, error) {
	var sc sidecar
	f, err := os.Open(path)
	if err != nil {
		return sc, err
	}
	defer f.Close()
	dec := json.NewDecoder(bufio.NewReader(f))
	dec.UseNumber()
	if err := dec.Decode(&sc); err != nil {
		return sc, &CorruptError{Path: path, Reason: err.Error()}
	}
	for k, v := range sc.Metadata {
		sc.Metadata[k] = decodeMetadata(v)
	}
	return sc, nil
}

// writeArrays streams c as a FITS file with an empty primary HDU carrying the
// preamble and a binary table of TIME and VOLTAGE
func writeArrays(w io.Writer, c oscilloscope.Capture) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	prim := fitsio.NewImage(8, nil)
	defer prim.Close()
	err = prim.Header().Append(preambleCards(c.Preamble)...)
	if err != nil {
		return err
	}
	if err = fits.Write(prim); err != nil {
		return err
	}

	tbl, err := fitsio.NewTable(tableName, []fitsio.Column{
		{Name: timeCol, Format: "D", Unit: "s"},
		{Name: voltCol, Format: "D", Unit: "V"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	for i := range c.Time {
		if err = tbl.Write(&c.Time[i], &c.Voltage[i]); err != nil {
			return err
		}
	}
	return fits.Write(tbl)
}

func readArrays(r io.Reader) (t, v []float64, err error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	defer fits.Close()
	var tbl *fitsio.Table
	for _, hdu := range fits.HDUs() {
		if t, ok := hdu.(*fitsio.Table); ok && hdu.Name() == tableName {
			tbl = t
			break
		}
	}
	if tbl == nil {
		return nil, nil, fmt.Errorf("no %s table", tableName)
	}
	n := tbl.NumRows()
	t = make([]float64, 0, n)
	v = make([]float64, 0, n)
	if n == 0 {
		return t, v, nil
	}
	rows, err := tbl.Read(0, n)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ti, vi float64
		if err = rows.Scan(&ti, &vi); err != nil {
			return nil, nil, err
		}
		t = append(t, ti)
		v = append(v, vi)
	}
	return t, v, rows.Err()
}

// preambleCards describes the preamble in the primary header.  FITS has no
// literal for NaN or the infinities, those keys are left out; the sidecar
// holds the full preamble
func preambleCards(p oscilloscope.Preamble) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "POINTS", Value: p.Points, Comment: "declared number of samples"},
	}
	for _, c := range []fitsio.Card{
		{Name: "XINCR", Value: p.XIncrement, Comment: "[s] time between samples"},
		{Name: "XORIGIN", Value: p.XOrigin, Comment: "[s] time of first sample"},
		{Name: "YINCR", Value: p.YIncrement, Comment: "[V] volts per code"},
		{Name: "YORIGIN", Value: p.YOrigin, Comment: "[V] vertical offset"},
	} {
		if f := c.Value.(float64); !math.IsNaN(f) && !math.IsInf(f, 0) {
			cards = append(cards, c)
		}
	}
	return append(cards, fitsio.Card{Name: "YREF", Value: p.YReference, Comment: "nominal center code"})
}

// crcWriter passes writes through while accumulating their CRC
type crcWriter struct {
	w   io.Writer
	crc uint64
}

func (c *crcWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.crc = crcTable.UpdateCrc(c.crc, b[:n])
	return n, err
}

// stage writes a temporary file in the directory of path, for renaming into
// place once everything it belongs with is written too
func stage(path string, fn func(io.Writer) error) (tmp string, err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(name)
		}
	}()
	bw := bufio.NewWriter(f)
	if err = fn(bw); err != nil {
		return "", err
	}
	if err = bw.Flush(); err != nil {
		return "", err
	}
	if err = f.Sync(); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	if err = os.Chmod(name, 0o644); err != nil {
		return "", err
	}
	return name, nil
}
