/*Package comm provides connection pooling and line framing for remote
instruments reached over TCP or a serial port.

Most usages of this package will boil down to:
	1.  make a CreationFunc with BackingOffTCPConnMaker or SerialConnMaker
	2.  put it in a Pool sized for the number of concurrent users
	3.  Get a connection, wrap it with NewTerminator and NewTimeout,
		and ReturnWithError when done
*/
package comm

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/scanscope/util"
)

var (
	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrPoolClosed is generated when Get is called on a closed pool
	ErrPoolClosed = errors.New("connection pool is closed")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with an
// exponential backoff.  A refused connection ends the retries at once.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = util.TCPSetup(addr, timeout)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to %s", addr)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens a serial port
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, errors.Wrapf(err, "opening serial port %s", conf.Name)
		}
		return port, nil
	}
}

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	timeout time.Duration           // idle time after which free connections are closed
	conns   chan io.ReadWriteCloser // idle connections
	tokens  chan struct{}           // one token per connection which may exist
	maker   CreationFunc

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewPool creates a pool of at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		tokens:  make(chan struct{}, maxSize),
		maker:   maker,
	}
	for i := 0; i < maxSize; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// Get retrieves a connection from the pool, creating one or blocking until
// one is returned if all are in use.  The caller has exclusive use of the
// connection until it is given back with Put, Destroy or ReturnWithError.
//
// If the error from Get is not nil, you must not return it
// to the pool, or you will cause a panic.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	select {
	case c := <-p.conns:
		return c, nil
	case <-p.tokens:
	}
	// a token allows one new connection
	c, err := p.maker()
	if err != nil {
		p.tokens <- struct{}{}
		return nil, err
	}
	return c, nil
}

// Put restores a communicator to the pool.  Idle connections are closed
// after the pool's timeout.
func (p *Pool) Put(rw io.ReadWriter) {
	p.conns <- rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer == nil {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	p.tokens <- struct{}{}
}

// ReturnWithError destroys the connection if err is not nil, otherwise
// puts it back in the pool
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return p.maxSize - len(p.tokens)
}

// Idle returns the number of connections held by the pool and not in use
func (p *Pool) Idle() int {
	return len(p.conns)
}

// reclaim closes every idle connection
func (p *Pool) reclaim() {
	for {
		select {
		case c := <-p.conns:
			c.Close()
			p.tokens <- struct{}{}
		default:
			return
		}
	}
}

// Close closes idle connections and refuses further Gets
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.reclaim()
}

// Terminator frames writes with a transmit terminator and reads up to a
// receive terminator, which is stripped
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader
	rx byte
	tx byte
}

// NewTerminator wraps rw with line framing
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), rx: rx, tx: tx}
}

// Write sends b followed by the transmit terminator
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, len(b), len(b)+1)
	copy(buf, b)
	n, err := t.rw.Write(append(buf, t.tx))
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read reads one message into b with the receive terminator stripped.
// A message longer than b is truncated.
func (t *Terminator) Read(b []byte) (int, error) {
	msg, err := t.ReadMessage()
	n := copy(b, msg)
	return n, err
}

// ReadMessage reads one message with the receive terminator stripped
func (t *Terminator) ReadMessage() ([]byte, error) {
	buf, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	buf = bytes.TrimSuffix(buf, []byte{t.rx})
	// CRLF devices
	if t.rx == '\n' {
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
	}
	return buf, nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Timeout sets a deadline on the underlying connection before every
// operation, when the connection supports deadlines
type Timeout struct {
	io.ReadWriter
	conn    deadliner
	timeout time.Duration
}

// NewTimeout wraps rw so that each Read or Write must complete within
// timeout.  base is the connection deadlines are set on, and may be nil.
func NewTimeout(rw io.ReadWriter, base interface{}, timeout time.Duration) *Timeout {
	d, _ := base.(deadliner)
	return &Timeout{ReadWriter: rw, conn: d, timeout: timeout}
}

func (t *Timeout) arm() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.SetDeadline(time.Now().Add(t.timeout))
}

// Read reads from the wrapped ReadWriter under a deadline
func (t *Timeout) Read(b []byte) (int, error) {
	if err := t.arm(); err != nil {
		return 0, err
	}
	return t.ReadWriter.Read(b)
}

// Write writes to the wrapped ReadWriter under a deadline
func (t *Timeout) Write(b []byte) (int, error) {
	if err := t.arm(); err != nil {
		return 0, err
	}
	return t.ReadWriter.Write(b)
}
