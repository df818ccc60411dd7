package rigol

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nasa-jpl/wavecap/oscilloscope"
	"github.com/nasa-jpl/wavecap/scpi"
)

// State is a step of an acquisition
type State int

const (
	// Idle is before anything was sent
	Idle State = iota

	// Configured is after source, mode and format were set
	Configured

	// QuerySent is after the data query was written
	QuerySent

	// HeaderRead is after the block header was decoded
	HeaderRead

	// PayloadRead is after every payload byte arrived
	PayloadRead

	// Calibrated is after conversion to physical units
	Calibrated

	// Done is a successful acquisition
	Done

	// Failed is an acquisition that errored
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case QuerySent:
		return "query sent"
	case HeaderRead:
		return "header read"
	case PayloadRead:
		return "payload read"
	case Calibrated:
		return "calibrated"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CaptureError is the failure of an acquisition.  State is the last state
// reached before the failure
type CaptureError struct {
	Channel string
	State   State
	Err     error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s failed after %s: %v", e.Channel, e.State, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

const dataQuery = ":WAV:DATA?"

// acquisition is one pass through the capture state machine
type acquisition struct {
	scope   *Scope
	channel string
	state   State

	pre oscilloscope.Preamble
	raw []byte
	out oscilloscope.Capture
}

func (a *acquisition) advance(s State) {
	a.state = s
	a.scope.logger().Debug("capture state", zap.String("channel", a.channel), zap.Stringer("state", s))
	if a.scope.Progress != nil {
		a.scope.Progress(s)
	}
}

func (a *acquisition) fail(err error) error {
	last := a.state
	a.advance(Failed)
	return &CaptureError{Channel: a.channel, State: last, Err: err}
}

func (a *acquisition) run() (oscilloscope.Capture, error) {
	if err := a.configure(); err != nil {
		return oscilloscope.Capture{}, a.fail(err)
	}
	pre, err := a.preamble()
	if err != nil {
		return oscilloscope.Capture{}, a.fail(err)
	}
	a.pre = pre
	if err := a.read(); err != nil {
		return oscilloscope.Capture{}, a.fail(err)
	}
	a.calibrate()
	a.advance(Done)
	return a.out, nil
}

// configure selects the source, normal mode and byte format
func (a *acquisition) configure() error {
	ch, err := NormalizeChannel(a.channel)
	if err != nil {
		return err
	}
	a.channel = ch
	s := a.scope
	for _, cmd := range [][]string{
		{":WAV:SOUR", ch},
		{":WAV:MODE", "NORM"},
		{":WAV:FORM", "BYTE"},
	} {
		if err := s.Write(cmd...); err != nil {
			return err
		}
		s.sleep(s.Settle)
	}
	a.advance(Configured)
	return nil
}

func (a *acquisition) preamble() (oscilloscope.Preamble, error) {
	reply, err := a.scope.ReadString(":WAV:PRE?")
	if err != nil {
		return oscilloscope.Preamble{}, err
	}
	return oscilloscope.ParsePreamble(reply)
}

// read transfers the block under the data timeout
func (a *acquisition) read() error {
	s := a.scope
	br := scpi.BlockReader{
		HeaderSize: s.HeaderSize,
		Settle:     s.BlockSettle,
		Sleep:      s.sleep,
		Trace: func(stage scpi.BlockStage, h scpi.BlockHeader) {
			switch stage {
			case scpi.BlockQuerySent:
				a.advance(QuerySent)
			case scpi.BlockHeaderRead:
				s.logger().Debug("block header", zap.Int("digits", h.Digits), zap.Int("length", h.Length))
				a.advance(HeaderRead)
			case scpi.BlockPayloadRead:
				a.advance(PayloadRead)
			}
		},
	}
	timeout := s.DataTimeout
	if timeout <= 0 {
		timeout = DefaultDataTimeout
	}
	return scpi.WithTimeout(s.T, timeout, func() error {
		raw, err := br.Read(s.T, dataQuery)
		a.raw = raw
		return err
	})
}

func (a *acquisition) calibrate() {
	if len(a.raw) != a.pre.Points {
		a.scope.logger().Debug("block length differs from preamble",
			zap.Int("points", a.pre.Points), zap.Int("received", len(a.raw)))
	}
	t, v := oscilloscope.Calibrate(a.raw, a.pre)
	a.out = oscilloscope.Capture{Time: t, Voltage: v, Preamble: a.pre}
	a.advance(Calibrated)
	a.scope.logger().Debug("captured", zap.String("channel", a.channel), zap.Int("samples", len(v)))
}
