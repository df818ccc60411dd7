package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	mu      sync.Mutex
	slots   chan struct{}           // one token per connection on lease, cap == maximum size
	idle    chan io.ReadWriteCloser // connections not on lease
	timeout time.Duration           // time after all are returned to free all connections
	timer   *time.Timer             // fires reclaim; nil until the first full return
	maker   CreationFunc
	closed  bool
}

// NewPool creates a pool of at most maxSize connections made by maker.
// Idle connections are closed timeout after the last one is returned;
// a timeout <= 0 keeps them open until Close
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		slots:   make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
		timeout: timeout,
		maker:   maker,
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  It is guaranteed that there is no contention for the connection.
//
// When done with it, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
// ReturnWithError picks between the two.
//
// If the error from Get is not nil, you must not return it
// to the pool
func (p *Pool) Get() (io.ReadWriteCloser, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrNotConnected
	}
	p.slots <- struct{}{}

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	select {
	case c := <-p.idle:
		p.mu.Unlock()
		return c, nil
	default:
	}
	p.mu.Unlock()

	c, err := p.maker()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed
func (p *Pool) Put(rwc io.ReadWriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		rwc.Close()
		<-p.slots
		return
	}
	p.idle <- rwc
	<-p.slots
	if len(p.slots) == 0 {
		p.startReclaim()
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad
func (p *Pool) Destroy(rwc io.ReadWriteCloser) {
	rwc.Close()
	<-p.slots
}

// ReturnWithError calls Destroy if err != nil, else Put
func (p *Pool) ReturnWithError(rwc io.ReadWriteCloser, err error) {
	if err != nil {
		p.Destroy(rwc)
		return
	}
	p.Put(rwc)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.idle) + len(p.slots)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.slots)
}

// Close frees every idle connection.  Connections on lease are closed
// as they come back
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.drain()
}

// startReclaim (re)arms the timer that frees idle connections.  mu must be held
func (p *Pool) startReclaim() {
	if p.timeout <= 0 {
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
		return
	}
	p.timer.Reset(p.timeout)
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) != 0 {
		// someone took a lease between the timer firing and now
		return
	}
	p.drain()
}

// drain closes all idle connections.  mu must be held
func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.idle:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
