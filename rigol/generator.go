package rigol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nasa-jpl/wavecap/scpi"
)

// DefaultGeneratorSettle is the wait between generator commands
const DefaultGeneratorSettle = 50 * time.Millisecond

var shapes = map[string]struct{}{
	"SIN": {}, "SINUSOID": {},
	"SQU": {}, "SQUARE": {},
	"RAMP": {},
	"PULS": {}, "PULSE": {},
	"NOIS": {}, "NOISE": {},
	"DC":   {},
	"USER": {},
}

// Waveform is a generator output setting
type Waveform struct {
	// Shape is the APPLy function, SIN, SQU, RAMP, PULS, NOIS, DC or USER
	Shape string `json:"shape"`

	// Frequency in Hz
	Frequency float64 `json:"frequency"`

	// Amplitude in volts peak to peak
	Amplitude float64 `json:"amplitude"`

	// Offset in volts
	Offset float64 `json:"offset"`

	// Phase in degrees
	Phase float64 `json:"phase"`
}

// FunctionGenerator is an interface to a DG series function generator
type FunctionGenerator struct {
	scpi.SCPI

	// Settle is the wait between commands
	Settle time.Duration

	// CloseSettle is the wait after closing
	CloseSettle time.Duration

	// Sleep performs the settle waits, time.Sleep if nil
	Sleep func(time.Duration)

	Log *zap.Logger

	mu sync.Mutex
}

// write sends a setting.  With handshaking, a rejected command also drains
// whatever else is in the instrument's error queue into the log
func (g *FunctionGenerator) write(cmds ...string) error {
	err := g.Write(cmds...)
	var de *scpi.DeviceError
	if g.Handshaking && errors.As(err, &de) {
		if rest, _ := g.AllErrorsString(); rest != "" {
			g.logger().Warn("generator error queue", zap.String("command", strings.Join(cmds, " ")), zap.String("errors", rest))
		}
	}
	return err
}

// NewGenerator wraps a transport to a function generator
func NewGenerator(t scpi.Transport, log *zap.Logger) *FunctionGenerator {
	if log == nil {
		log = zap.NewNop()
	}
	return &FunctionGenerator{
		SCPI:        scpi.SCPI{T: t},
		Settle:      DefaultGeneratorSettle,
		CloseSettle: DefaultCloseSettle,
		Log:         log,
	}
}

// NormalizeOutput maps "1", "ch1", "CH1" to CH1 and likewise for CH2
func NormalizeOutput(ch string) (string, error) {
	up := strings.ToUpper(strings.TrimSpace(ch))
	up = strings.TrimPrefix(up, "CH")
	if up == "1" || up == "2" {
		return "CH" + up, nil
	}
	return "", fmt.Errorf("%w %q", ErrBadChannel, ch)
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func (g *FunctionGenerator) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if g.Sleep != nil {
		g.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (g *FunctionGenerator) logger() *zap.Logger {
	if g.Log == nil {
		return zap.NewNop()
	}
	return g.Log
}

// outputCmd is the OUTPut header for a normalized channel
func outputCmd(ch string) string {
	if ch == "CH1" {
		return "OUTP1"
	}
	return "OUTP:" + ch
}

// Apply configures channel to output w in Vpp units and enables the output.
// CH1 takes the plain command forms, CH2 the :CH2 suffixed ones
func (g *FunctionGenerator) Apply(channel string, w Waveform) error {
	ch, err := NormalizeOutput(channel)
	if err != nil {
		return err
	}
	shape := strings.ToUpper(strings.TrimSpace(w.Shape))
	if _, ok := shapes[shape]; !ok {
		return fmt.Errorf("unknown waveform shape %q", w.Shape)
	}
	args := fmtNum(w.Frequency) + ", " + fmtNum(w.Amplitude) + ", " + fmtNum(w.Offset)
	var cmds []string
	if ch == "CH1" {
		cmds = []string{
			"VOLT:UNIT VPP",
			"APPL:" + shape + " " + args,
			"PHAS " + fmtNum(w.Phase),
			outputCmd(ch) + " ON",
		}
	} else {
		cmds = []string{
			"VOLT:UNIT:" + ch + " VPP",
			"APPL:" + shape + ":" + ch + " " + args,
			"PHAS:" + ch + " " + fmtNum(w.Phase),
			outputCmd(ch) + " ON",
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cmd := range cmds {
		if i > 0 {
			g.sleep(g.Settle)
		}
		if err := g.write(cmd); err != nil {
			return err
		}
	}
	g.logger().Debug("applied waveform", zap.String("channel", ch), zap.String("shape", shape),
		zap.Float64("frequency", w.Frequency), zap.Float64("amplitude", w.Amplitude))
	return nil
}

// SetOutput turns channel's output on or off
func (g *FunctionGenerator) SetOutput(channel string, on bool) error {
	ch, err := NormalizeOutput(channel)
	if err != nil {
		return err
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.write(outputCmd(ch), state)
}

// GetOutput returns true if channel's output is on
func (g *FunctionGenerator) GetOutput(channel string) (bool, error) {
	ch, err := NormalizeOutput(channel)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ReadBool(outputCmd(ch) + "?")
}

// Raw sends a command and returns the reply, if it was a query
func (g *FunctionGenerator) Raw(str string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.SCPI.Raw(str)
}

// Close hangs up and waits CloseSettle
func (g *FunctionGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return closeSettled(g.T, g.CloseSettle, g.sleep)
}
