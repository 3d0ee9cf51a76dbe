package comm

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrNotFromPool is returned by Put and Destroy for a connection the pool did
// not lend
var ErrNotFromPool = errors.New("connection was not leased from this pool")

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int           // maximum number of connections
	timeout time.Duration // time after the last return to free all connections
	maker   CreationFunc

	sem chan struct{} // one token per leased connection

	mu      sync.Mutex
	idle    []io.ReadWriteCloser
	leased  map[io.ReadWriter]io.ReadWriteCloser
	timer   *time.Timer
	created int
}

// NewPool creates a pool of at most maxSize connections made by maker.
// Idle connections are closed timeout after the last one is returned.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		sem:     make(chan struct{}, maxSize),
		leased:  make(map[io.ReadWriter]io.ReadWriteCloser),
	}
}

// Get retrieves a communicator, blocking until one is available if all are
// in use.  It is guaranteed that there is no contention for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.sem <- struct{}{}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leased[c] = c
		return c, nil
	}
	c, err := p.maker()
	if err != nil {
		<-p.sem
		return nil, err
	}
	p.created++
	p.leased[c] = c
	return c, nil
}

func (p *Pool) release(rw io.ReadWriter) (io.ReadWriteCloser, error) {
	c, ok := p.leased[rw]
	if !ok {
		return nil, ErrNotFromPool
	}
	delete(p.leased, rw)
	<-p.sem
	if len(p.leased) == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
	return c, nil
}

// Put returns a healthy connection to the pool
func (p *Pool) Put(rw io.ReadWriter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.release(rw)
	if err != nil {
		return err
	}
	p.idle = append(p.idle, c)
	return nil
}

// Destroy closes a connection and frees its place in the pool
func (p *Pool) Destroy(rw io.ReadWriter) error {
	p.mu.Lock()
	c, err := p.release(rw)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Close()
}

// ReturnWithError puts rw back in the pool if err is nil, and destroys it
// otherwise; a connection that saw an error may hold a partial response
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// reclaim closes every idle connection if none are leased
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.leased) != 0 {
		return
	}
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	p.timer = nil
}

// Close closes every idle connection immediately
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	var first error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.idle = nil
	return first
}

// Size is the maximum number of connections
func (p *Pool) Size() int {
	return p.maxSize
}

// Active is the number of connections currently leased
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// Idle is the number of open connections waiting in the pool
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Created is the number of connections the pool has made over its life
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
