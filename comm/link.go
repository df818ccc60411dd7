package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// linkIdle is how long a Link keeps its connection open with nothing to do
const linkIdle = 5 * time.Minute

type deadliner interface {
	SetDeadline(time.Time) error
}

// bufConn pairs a connection with the reader used to consume it
type bufConn struct {
	io.ReadWriteCloser
	r *bufio.Reader

	// trailing is set after a raw read, until the terminator the device
	// sends after a binary block has been consumed
	trailing bool
}

// arm sets the deadline of the next exchange.  A timeout <= 0 clears it
func (c *bufConn) arm(timeout time.Duration) {
	d, ok := c.ReadWriteCloser.(deadliner)
	if !ok {
		return
	}
	if timeout <= 0 {
		d.SetDeadline(time.Time{})
		return
	}
	d.SetDeadline(time.Now().Add(timeout))
}

// discard drops anything the device sent that nobody read
func (c *bufConn) discard(term byte) {
	n := c.r.Buffered()
	if n == 0 {
		return
	}
	if c.trailing {
		if b, _ := c.r.Peek(n); bytes.IndexByte(b, term) >= 0 {
			c.trailing = false
		}
	}
	c.r.Discard(n)
}

// skipTrailing consumes the terminator of the last binary block if it is the
// next thing on the wire.  It may arrive well after the payload
func (c *bufConn) skipTrailing(term byte) error {
	if !c.trailing {
		return nil
	}
	c.trailing = false
	for {
		b, err := c.r.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case '\r':
			c.r.Discard(1)
			continue
		case term:
			c.r.Discard(1)
		}
		return nil
	}
}

// Link is a terminated, line oriented connection to an instrument.  It keeps
// a pool of one connection; an exchange that errors destroys the connection
// and the next exchange dials a fresh one, so a half read binary block never
// leaks into a later reply.
//
// Link satisfies scpi.Transport.  Deadlines apply to connections that support
// them (TCP); serial ports time out per their Config
type Link struct {
	pool *Pool
	term byte

	mu      sync.Mutex
	timeout time.Duration
}

// NewLink returns a Link whose connections are made by maker.  term is
// appended to every command and ends every reply.  No connection is made
// until the first exchange or Open
func NewLink(maker CreationFunc, term byte, timeout time.Duration) *Link {
	wrapped := func() (io.ReadWriteCloser, error) {
		c, err := maker()
		if err != nil {
			return nil, err
		}
		return &bufConn{ReadWriteCloser: c, r: bufio.NewReaderSize(c, 64*1024)}, nil
	}
	return &Link{
		pool:    NewPool(1, linkIdle, wrapped),
		term:    term,
		timeout: timeout,
	}
}

// Open connects now instead of on first use
func (l *Link) Open() error {
	return l.exchange(func(*bufConn) error { return nil })
}

func (l *Link) exchange(fn func(*bufConn) error) error {
	rwc, err := l.pool.Get()
	if err != nil {
		return err
	}
	c := rwc.(*bufConn)
	c.arm(l.Timeout())
	err = fn(c)
	l.pool.ReturnWithError(c, err)
	return err
}

func (l *Link) send(c *bufConn, cmd string) error {
	c.discard(l.term)
	buf := make([]byte, 0, len(cmd)+1)
	buf = append(buf, cmd...)
	buf = append(buf, l.term)
	_, err := c.Write(buf)
	return err
}

func (l *Link) readLine(c *bufConn) (string, error) {
	if err := c.skipTrailing(l.term); err != nil {
		return "", err
	}
	line, err := c.r.ReadString(l.term)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Write sends cmd followed by the terminator
func (l *Link) Write(cmd string) error {
	return l.exchange(func(c *bufConn) error {
		return l.send(c, cmd)
	})
}

// Query sends cmd and reads one terminated reply, with the terminator
// and any carriage return stripped
func (l *Link) Query(cmd string) (string, error) {
	var resp string
	err := l.exchange(func(c *bufConn) error {
		if err := l.send(c, cmd); err != nil {
			return err
		}
		var err error
		resp, err = l.readLine(c)
		return err
	})
	return resp, err
}

// ReadLine reads one terminated reply to a command already written
func (l *Link) ReadLine() (string, error) {
	var resp string
	err := l.exchange(func(c *bufConn) error {
		var err error
		resp, err = l.readLine(c)
		return err
	})
	return resp, err
}

// ReadExact reads exactly n bytes.  On error the bytes that did arrive are
// returned with it.  The buffer grows as bytes arrive rather than being sized
// by n up front, n comes off the wire
func (l *Link) ReadExact(n int) ([]byte, error) {
	var buf bytes.Buffer
	err := l.exchange(func(c *bufConn) error {
		_, err := io.CopyN(&buf, c.r, int64(n))
		if errors.Is(err, io.EOF) && buf.Len() > 0 {
			err = io.ErrUnexpectedEOF
		}
		if err == nil {
			c.trailing = true
		}
		return err
	})
	return buf.Bytes(), err
}

// Timeout returns the deadline applied to each exchange
func (l *Link) Timeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timeout
}

// SetTimeout changes the deadline applied to each exchange.  Zero or less
// means none
func (l *Link) SetTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = d
}

// Close hangs up.  The Link cannot be used after
func (l *Link) Close() error {
	return l.pool.Close()
}
