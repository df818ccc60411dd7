package rigol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/nasa-jpl/wavecap/oscilloscope"
	"github.com/nasa-jpl/wavecap/scpi"
)

const (
	// DefaultSettle is the wait after each acquisition configuration command
	DefaultSettle = 200 * time.Millisecond

	// DefaultDataTimeout is the read timeout while a block transfers
	DefaultDataTimeout = 30 * time.Second
)

// ErrBadChannel is returned for a channel name the scope does not have
var ErrBadChannel = errors.New("unknown channel")

// Scope is an interface to a DS1000Z series oscilloscope
type Scope struct {
	scpi.SCPI

	// Settle is the wait after each configuration command
	Settle time.Duration

	// BlockSettle is the wait between the data query and the header read
	BlockSettle time.Duration

	// HeaderSize is the first read of a block, see scpi.BlockReader
	HeaderSize int

	// DataTimeout replaces the transport timeout for the block transfer
	DataTimeout time.Duration

	// CloseSettle is the wait after closing
	CloseSettle time.Duration

	// Retries is how many times CaptureRetry tries again after a failure
	Retries int

	// RetryDelay is the wait between CaptureRetry attempts
	RetryDelay time.Duration

	// Sleep performs the settle waits, time.Sleep if nil
	Sleep func(time.Duration)

	// Progress, if not nil, is called on every capture state transition
	Progress func(State)

	Log *zap.Logger

	mu sync.Mutex
}

// NewScope wraps a transport to a scope with the default timing
func NewScope(t scpi.Transport, log *zap.Logger) *Scope {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scope{
		SCPI:        scpi.SCPI{T: t},
		Settle:      DefaultSettle,
		BlockSettle: scpi.DefaultBlockSettle,
		HeaderSize:  scpi.DefaultHeaderSize,
		DataTimeout: DefaultDataTimeout,
		CloseSettle: DefaultCloseSettle,
		RetryDelay:  time.Second,
		Log:         log,
	}
}

// NormalizeChannel maps "1", "CH1", "chan1" and the like to the CHANn form
// the scope expects.  MATH is accepted as is
func NormalizeChannel(ch string) (string, error) {
	up := strings.ToUpper(strings.TrimSpace(ch))
	switch {
	case up == "MATH":
		return up, nil
	case strings.HasPrefix(up, "CHAN"):
		up = up[4:]
	case strings.HasPrefix(up, "CH"):
		up = up[2:]
	}
	if len(up) == 1 && up[0] >= '1' && up[0] <= '4' {
		return "CHAN" + up, nil
	}
	return "", fmt.Errorf("%w %q", ErrBadChannel, ch)
}

func (s *Scope) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Scope) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Capture acquires the waveform displayed on channel.
//
// The waveform source, mode and format settings are left on the scope
// afterwards.  The transport timeout is restored however the capture ends
func (s *Scope) Capture(channel string) (oscilloscope.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &acquisition{scope: s, channel: channel}
	return a.run()
}

// CaptureRetry is Capture, tried again up to s.Retries more times with
// s.RetryDelay in between.  An unknown channel or a malformed preamble is
// not retried, nor is anything after ctx is done
func (s *Scope) CaptureRetry(ctx context.Context, channel string) (oscilloscope.Capture, error) {
	var c oscilloscope.Capture
	op := func() error {
		var err error
		c, err = s.Capture(channel)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBadChannel) || errors.Is(err, oscilloscope.ErrMalformedPreamble) {
			return backoff.Permanent(err)
		}
		s.logger().Warn("capture failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	retries := s.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.RetryDelay), uint64(retries)), ctx)
	err := backoff.Retry(op, b)
	return c, err
}

// Preamble selects channel and the byte format and returns the preamble the
// scope reports, without transferring data
func (s *Scope) Preamble(channel string) (oscilloscope.Preamble, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &acquisition{scope: s, channel: channel}
	if err := a.configure(); err != nil {
		return oscilloscope.Preamble{}, a.fail(err)
	}
	p, err := a.preamble()
	if err != nil {
		return p, a.fail(err)
	}
	return p, nil
}

// Raw sends a command and returns the reply, if it was a query.
// It waits for any capture in progress
func (s *Scope) Raw(str string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SCPI.Raw(str)
}

// Close hangs up and waits CloseSettle
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeSettled(s.T, s.CloseSettle, s.sleep)
}
