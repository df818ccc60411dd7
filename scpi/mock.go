package scpi

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Mock is a scripted Transport for tests and dry runs.
//
// Queries are answered from Replies.  Writing a command that has an entry in
// Blocks queues those bytes for ReadExact, the way an instrument starts
// streaming after a data query; writing one with an entry in Replies queues
// the reply for ReadLine.  Like the real transports, sending a command
// first discards anything queued and not read.  Errors, keyed by command,
// fail a Write or Query.  Everything sent is recorded in Sent.
type Mock struct {
	mu sync.Mutex

	Replies map[string]string
	Blocks  map[string][]byte
	Errors  map[string]error

	// Sent is every command written or queried, in order
	Sent []string

	// Timeouts is every value passed to SetTimeout, in order
	Timeouts []time.Duration

	// Reads is every size requested of ReadExact, in order
	Reads []int

	// Closed is true after Close
	Closed bool

	timeout time.Duration
	pending []byte
	line    *string
}

// NewMock returns a Mock with empty scripts and a 5s timeout
func NewMock() *Mock {
	return &Mock{
		Replies: map[string]string{},
		Blocks:  map[string][]byte{},
		Errors:  map[string]error{},
		timeout: 5 * time.Second,
	}
}

// Write records cmd and queues its scripted block, if any
func (m *Mock) Write(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return io.ErrClosedPipe
	}
	m.Sent = append(m.Sent, cmd)
	m.pending = nil
	m.line = nil
	if err := m.Errors[cmd]; err != nil {
		return err
	}
	if b, ok := m.Blocks[cmd]; ok {
		m.pending = append([]byte(nil), b...)
	} else if resp, ok := m.Replies[cmd]; ok {
		m.line = &resp
	}
	return nil
}

// Query records cmd and returns its scripted reply
func (m *Mock) Query(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return "", io.ErrClosedPipe
	}
	m.Sent = append(m.Sent, cmd)
	m.pending = nil
	m.line = nil
	if err := m.Errors[cmd]; err != nil {
		return "", err
	}
	resp, ok := m.Replies[cmd]
	if !ok {
		return "", fmt.Errorf("no reply scripted for %q: i/o timeout", cmd)
	}
	return resp, nil
}

// ReadLine returns the reply queued by the last Write, once
func (m *Mock) ReadLine() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return "", io.ErrClosedPipe
	}
	if m.line == nil {
		return "", errors.New("no reply pending: i/o timeout")
	}
	resp := *m.line
	m.line = nil
	return resp, nil
}

// ReadExact hands out queued block bytes.  When fewer than n are queued it
// returns what there is and io.ErrUnexpectedEOF, or io.EOF if nothing is
// queued at all
func (m *Mock) ReadExact(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads = append(m.Reads, n)
	if n <= len(m.pending) {
		out := make([]byte, n)
		copy(out, m.pending)
		m.pending = m.pending[n:]
		return out, nil
	}
	if len(m.pending) == 0 {
		return nil, io.EOF
	}
	out := m.pending
	m.pending = nil
	return out, io.ErrUnexpectedEOF
}

// Timeout returns the current timeout
func (m *Mock) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetTimeout records and applies d
func (m *Mock) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timeouts = append(m.Timeouts, d)
	m.timeout = d
}

// Close marks the mock closed; further exchanges fail
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Pending returns the number of queued bytes not yet read
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Block frames payload as a definite-length block with a nine digit length
// field and the trailing newline instruments send
func Block(payload []byte) []byte {
	out := FormatBlockHeader(len(payload))
	out = append(out, payload...)
	return append(out, '\n')
}
