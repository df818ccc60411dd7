package rigol

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nasa-jpl/wavecap/oscilloscope"
	"github.com/nasa-jpl/wavecap/scpi"
)

const testPreamble = "0,0,100,1,1.000000e-06,-5.000000e-05,0,4.000000e-02,0,127"

func rampPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(100 + i%50)
	}
	return b
}

func scriptedScope() (*Scope, *scpi.Mock, *[]time.Duration) {
	m := scpi.NewMock()
	m.Replies[":WAV:PRE?"] = testPreamble
	m.Blocks[dataQuery] = scpi.Block(rampPayload(100))
	var slept []time.Duration
	s := NewScope(m, nil)
	s.Sleep = func(d time.Duration) { slept = append(slept, d) }
	return s, m, &slept
}

func TestCaptureEndToEnd(t *testing.T) {
	s, m, slept := scriptedScope()
	var states []State
	s.Progress = func(st State) { states = append(states, st) }

	c, err := s.Capture("CHAN1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 100 || len(c.Time) != 100 {
		t.Fatalf("expected 100 samples, got %d voltages and %d times", c.Len(), len(c.Time))
	}
	for i := 1; i < len(c.Time); i++ {
		if c.Time[i] <= c.Time[i-1] {
			t.Fatalf("time not strictly increasing at %d: %g <= %g", i, c.Time[i], c.Time[i-1])
		}
	}
	var sum float64
	for _, v := range c.Voltage {
		sum += v
	}
	if mean := sum / float64(c.Len()); math.Abs(mean) > 1e-9 {
		t.Errorf("expected zero mean voltage, got %g", mean)
	}
	want := oscilloscope.Preamble{Points: 100, XIncrement: 1e-6, XOrigin: -5e-5, YIncrement: 0.04, YOrigin: 0, YReference: 127}
	if c.Preamble != want {
		t.Errorf("expected preamble %+v, got %+v", want, c.Preamble)
	}
	if c.Time[0] != -5e-5 {
		t.Errorf("expected the first sample at the x origin, got %g", c.Time[0])
	}

	sent := []string{":WAV:SOUR CHAN1", ":WAV:MODE NORM", ":WAV:FORM BYTE", ":WAV:PRE?", ":WAV:DATA?"}
	if len(m.Sent) != len(sent) {
		t.Fatalf("expected commands %q, got %q", sent, m.Sent)
	}
	for i := range sent {
		if m.Sent[i] != sent[i] {
			t.Errorf("command %d: expected %q got %q", i, sent[i], m.Sent[i])
		}
	}
	if len(m.Timeouts) != 2 || m.Timeouts[0] != 30*time.Second || m.Timeouts[1] != 5*time.Second {
		t.Errorf("expected the timeout raised to 30s then restored to 5s, got %v", m.Timeouts)
	}
	settles := []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond}
	if len(*slept) != len(settles) {
		t.Fatalf("expected settles %v, got %v", settles, *slept)
	}
	for i := range settles {
		if (*slept)[i] != settles[i] {
			t.Errorf("settle %d: expected %v got %v", i, settles[i], (*slept)[i])
		}
	}
	wantStates := []State{Configured, QuerySent, HeaderRead, PayloadRead, Calibrated, Done}
	if len(states) != len(wantStates) {
		t.Fatalf("expected states %v, got %v", wantStates, states)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("state %d: expected %v got %v", i, wantStates[i], states[i])
		}
	}
}

func TestCaptureNormalizesChannel(t *testing.T) {
	s, m, _ := scriptedScope()
	if _, err := s.Capture("ch2"); err != nil {
		t.Fatal(err)
	}
	if m.Sent[0] != ":WAV:SOUR CHAN2" {
		t.Errorf("expected CHAN2 to be selected, got %q", m.Sent[0])
	}
}

func captureErr(t *testing.T, err error) *CaptureError {
	t.Helper()
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a *CaptureError, got %v", err)
	}
	return ce
}

func TestCaptureNoPreamble(t *testing.T) {
	s, m, _ := scriptedScope()
	delete(m.Replies, ":WAV:PRE?")
	_, err := s.Capture("CHAN1")
	ce := captureErr(t, err)
	if ce.State != Configured {
		t.Errorf("expected failure after configured, got %v", ce.State)
	}
	var te *scpi.TransportError
	if !errors.As(err, &te) {
		t.Errorf("expected a transport error inside, got %v", err)
	}
	if len(m.Timeouts) != 0 {
		t.Errorf("timeout should not be touched before the block read, got %v", m.Timeouts)
	}
}

func TestCaptureMalformedPreamble(t *testing.T) {
	s, m, _ := scriptedScope()
	m.Replies[":WAV:PRE?"] = "0,0,100"
	_, err := s.Capture("CHAN1")
	if !errors.Is(err, oscilloscope.ErrMalformedPreamble) {
		t.Fatalf("expected a malformed preamble, got %v", err)
	}
	if ce := captureErr(t, err); ce.State != Configured {
		t.Errorf("expected failure after configured, got %v", ce.State)
	}
}

func TestCaptureBadHeaderRestoresTimeout(t *testing.T) {
	s, m, _ := scriptedScope()
	m.Blocks[dataQuery] = []byte("X9000000010abcdefghij")
	_, err := s.Capture("CHAN1")
	if !errors.Is(err, scpi.ErrInvalidBlockHeader) {
		t.Fatalf("expected an invalid block header, got %v", err)
	}
	if ce := captureErr(t, err); ce.State != QuerySent {
		t.Errorf("expected failure after the query was sent, got %v", ce.State)
	}
	if m.Timeout() != 5*time.Second {
		t.Errorf("expected the timeout restored to 5s, got %v", m.Timeout())
	}
}

func TestCaptureShortPayload(t *testing.T) {
	s, m, _ := scriptedScope()
	m.Blocks[dataQuery] = append([]byte("#9000000100"), rampPayload(10)...)
	_, err := s.Capture("CHAN1")
	if !errors.Is(err, scpi.ErrProtocol) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
	if ce := captureErr(t, err); ce.State != HeaderRead {
		t.Errorf("expected failure after the header, got %v", ce.State)
	}
	if m.Timeout() != 5*time.Second {
		t.Errorf("expected the timeout restored to 5s, got %v", m.Timeout())
	}
}

func TestCaptureBadChannel(t *testing.T) {
	s, m, _ := scriptedScope()
	_, err := s.Capture("CHAN9")
	if !errors.Is(err, ErrBadChannel) {
		t.Fatalf("expected a bad channel, got %v", err)
	}
	if ce := captureErr(t, err); ce.State != Idle {
		t.Errorf("expected failure while idle, got %v", ce.State)
	}
	if len(m.Sent) != 0 {
		t.Errorf("nothing should be sent for a bad channel, sent %q", m.Sent)
	}
}

func TestCaptureWriteFailure(t *testing.T) {
	s, m, _ := scriptedScope()
	m.Errors[":WAV:SOUR CHAN1"] = errors.New("broken pipe")
	_, err := s.Capture("CHAN1")
	var te *scpi.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected a transport error, got %v", err)
	}
	if ce := captureErr(t, err); ce.State != Idle {
		t.Errorf("expected failure while idle, got %v", ce.State)
	}
}

// flaky fails the first ReadExact calls
type flaky struct {
	*scpi.Mock
	failures int
}

func (f *flaky) ReadExact(n int) ([]byte, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("i/o timeout")
	}
	return f.Mock.ReadExact(n)
}

func count(cmds []string, cmd string) int {
	var n int
	for _, c := range cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestCaptureRetryRecovers(t *testing.T) {
	m := scpi.NewMock()
	m.Replies[":WAV:PRE?"] = testPreamble
	m.Blocks[dataQuery] = scpi.Block(rampPayload(100))
	s := NewScope(&flaky{Mock: m, failures: 1}, nil)
	s.Sleep = func(time.Duration) {}
	s.Retries = 2
	s.RetryDelay = time.Millisecond
	c, err := s.CaptureRetry(context.Background(), "CHAN1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 100 {
		t.Errorf("expected 100 samples, got %d", c.Len())
	}
	if n := count(m.Sent, dataQuery); n != 2 {
		t.Errorf("expected two data queries, got %d", n)
	}
}

func TestCaptureRetryMalformedIsPermanent(t *testing.T) {
	s, m, _ := scriptedScope()
	m.Replies[":WAV:PRE?"] = "garbage"
	s.Retries = 3
	s.RetryDelay = time.Millisecond
	_, err := s.CaptureRetry(context.Background(), "CHAN1")
	if !errors.Is(err, oscilloscope.ErrMalformedPreamble) {
		t.Fatalf("expected a malformed preamble, got %v", err)
	}
	if n := count(m.Sent, ":WAV:PRE?"); n != 1 {
		t.Errorf("expected no retry, preamble queried %d times", n)
	}
}

func TestCaptureRetryGivesUp(t *testing.T) {
	m := scpi.NewMock()
	m.Replies[":WAV:PRE?"] = testPreamble
	s := NewScope(&flaky{Mock: m, failures: 10}, nil)
	s.Sleep = func(time.Duration) {}
	s.Retries = 2
	s.RetryDelay = time.Millisecond
	if _, err := s.CaptureRetry(context.Background(), "CHAN1"); err == nil {
		t.Fatal("expected failure")
	}
	if n := count(m.Sent, dataQuery); n != 3 {
		t.Errorf("expected three attempts, got %d", n)
	}
}

func TestScopePreamble(t *testing.T) {
	s, m, _ := scriptedScope()
	p, err := s.Preamble("1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Points != 100 {
		t.Errorf("expected 100 points, got %d", p.Points)
	}
	if count(m.Sent, dataQuery) != 0 {
		t.Error("preamble alone must not transfer data")
	}
}

func TestNormalizeChannel(t *testing.T) {
	cases := map[string]string{
		"CHAN1": "CHAN1",
		"chan3": "CHAN3",
		"CH2":   "CHAN2",
		"4":     "CHAN4",
		" 1 ":   "CHAN1",
		"math":  "MATH",
	}
	for in, want := range cases {
		got, err := NormalizeChannel(in)
		if err != nil {
			t.Errorf("%q: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: expected %s got %s", in, want, got)
		}
	}
	for _, bad := range []string{"", "CHAN0", "CHAN5", "CH12", "D0"} {
		if _, err := NormalizeChannel(bad); !errors.Is(err, ErrBadChannel) {
			t.Errorf("%q: expected ErrBadChannel, got %v", bad, err)
		}
	}
}

func TestScopeCloseSettles(t *testing.T) {
	s, m, slept := scriptedScope()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.Closed {
		t.Error("transport not closed")
	}
	if len(*slept) != 1 || (*slept)[0] != DefaultCloseSettle {
		t.Errorf("expected a %v settle after close, got %v", DefaultCloseSettle, *slept)
	}
}
