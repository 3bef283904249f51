/*Package comm provides the transport shared by every instrument driver.

A RemoteDevice owns exactly one connection to one instrument, which may be
a TCP socket, an RS232 port or any other io.ReadWriteCloser produced by a
DialFunc (see package usbtmc).  Most device transports are not reentrant, so
every transaction holds the device's mutex for its whole duration; a manual
command from an operator and a command from the sequencer can never
interleave on the wire.

Most usages of this package will boil down to:
	1.  create a RemoteDevice with NewRemoteDevice and the options your
		hardware needs (terminators, serial settings, pacing)
	2.  Open it
	3.  use Write and Query for single commands, or Transact when a
		command/acknowledge sequence must not be split up

A minimal example for a sensor that answers "RD?" with its temperature:

	rd := comm.NewRemoteDevice("192.168.100.40:2101")
	if err := rd.Open(); err != nil {
		return 0, err
	}
	resp, err := rd.Query([]byte("RD?"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(resp), 64)
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

const defaultTimeout = 3 * time.Second

var (
	// ErrNotConnected is generated when the connection is nil and a transaction is attempted
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTimeout is generated when a read produced nothing before the deadline
	ErrTimeout = errors.New("timed out waiting for remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// DialFunc opens a new connection to a remote
type DialFunc func() (io.ReadWriteCloser, error)

// Option configures a RemoteDevice
type Option func(*RemoteDevice)

// WithTerminators sets the transmit and receive termination bytes.
// The default is a carriage return for both.
func WithTerminators(tx, rx byte) Option {
	return func(rd *RemoteDevice) { rd.term = Terminators{Tx: tx, Rx: rx} }
}

// WithSerial makes the device use an RS232 port.  If conf.Name is empty
// the device address is used.
func WithSerial(conf serial.Config) Option {
	return func(rd *RemoteDevice) {
		c := conf
		rd.serConf = &c
	}
}

// WithTimeout sets the per-transaction deadline
func WithTimeout(d time.Duration) Option {
	return func(rd *RemoteDevice) { rd.Timeout = d }
}

// WithRateLimit paces commands so that no more than burst are sent in any
// window of length every.  Several hotstages drop commands sent back to back.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(rd *RemoteDevice) { rd.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// WithDialer replaces the TCP / serial dialing logic
func WithDialer(d DialFunc) Option {
	return func(rd *RemoteDevice) { rd.dial = d }
}

// RemoteDevice has an address and a single, mutex guarded connection.
// The zero value is not usable, create with NewRemoteDevice.
type RemoteDevice struct {
	// Addr is the network or filesystem address of the remote
	Addr string

	// Timeout is the deadline for a single transaction
	Timeout time.Duration

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	rx      *bufio.Reader
	term    Terminators
	serConf *serial.Config
	dial    DialFunc
	limiter *rate.Limiter
}

// NewRemoteDevice creates a new RemoteDevice.  It is not opened.
func NewRemoteDevice(addr string, opts ...Option) *RemoteDevice {
	rd := &RemoteDevice{
		Addr:    addr,
		Timeout: defaultTimeout,
		term:    Terminators{Tx: '\r', Rx: '\r'},
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Open establishes the connection if it is not already open.
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn != nil {
		return nil
	}
	// we use an exponential backoff, serial servers and USB stacks
	// do not like being connection thrashed.  A refused connection
	// will not get better by waiting and ends the retries early.
	var permanent error
	op := func() error {
		err := rd.open()
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "refused") {
			permanent = err
			return nil
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
	if permanent != nil {
		return permanent
	}
	if err != nil {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	switch {
	case rd.dial != nil:
		conn, err = rd.dial()
	case rd.serConf != nil:
		conf := *rd.serConf
		if conf.Name == "" {
			conf.Name = rd.Addr
		}
		if conf.ReadTimeout == 0 {
			conf.ReadTimeout = rd.Timeout
		}
		conn, err = serial.OpenPort(&conf)
	default:
		conn, err = net.DialTimeout("tcp", rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.conn = conn
	rd.rx = bufio.NewReader(conn)
	return nil
}

// Close the connection.  Closing a closed device is not an error.
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rx = nil
	return err
}

// Connected returns true if the device holds an open connection
func (rd *RemoteDevice) Connected() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.conn != nil
}

// Exchanger is the view of the wire available inside a transaction
type Exchanger interface {
	// Send writes b followed by the transmit terminator
	Send(b []byte) error

	// Recv reads up to the receive terminator and strips it
	Recv() ([]byte, error)

	// SendRaw writes b verbatim
	SendRaw(b []byte) error

	// RecvN reads exactly n bytes
	RecvN(n int) ([]byte, error)
}

// Transact runs fn with exclusive use of the connection
func (rd *RemoteDevice) Transact(fn func(Exchanger) error) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return ErrNotConnected
	}
	return fn(session{rd})
}

// Write sends a single command which produces no response
func (rd *RemoteDevice) Write(b []byte) error {
	return rd.Transact(func(x Exchanger) error {
		return x.Send(b)
	})
}

// Query sends a command and returns the response with the Rx terminator stripped
func (rd *RemoteDevice) Query(b []byte) ([]byte, error) {
	var resp []byte
	err := rd.Transact(func(x Exchanger) error {
		if err := x.Send(b); err != nil {
			return err
		}
		var err error
		resp, err = x.Recv()
		return err
	})
	return resp, err
}

// session implements Exchanger, the lock is held by Transact
type session struct {
	rd *RemoteDevice
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func (s session) arm() {
	if d, ok := s.rd.conn.(deadliner); ok && s.rd.Timeout > 0 {
		d.SetDeadline(time.Now().Add(s.rd.Timeout))
	}
}

func (s session) SendRaw(b []byte) error {
	if s.rd.limiter != nil {
		if err := s.rd.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	s.arm()
	_, err := s.rd.conn.Write(b)
	return err
}

func (s session) Send(b []byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, s.rd.term.Tx)
	return s.SendRaw(buf)
}

func (s session) Recv() ([]byte, error) {
	s.arm()
	term := s.rd.term.Rx
	buf, err := s.rd.rx.ReadBytes(term)
	if err != nil {
		return buf, s.readErr(err, len(buf))
	}
	if !bytes.HasSuffix(buf, []byte{term}) {
		return buf, ErrTerminatorNotFound
	}
	buf = buf[:len(buf)-1]
	if term == '\n' {
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
	}
	return buf, nil
}

func (s session) RecvN(n int) ([]byte, error) {
	s.arm()
	buf := make([]byte, n)
	got, err := io.ReadFull(s.rd.rx, buf)
	if err != nil {
		return buf[:got], s.readErr(err, got)
	}
	return buf, nil
}

// readErr maps the end of a serial read window onto ErrTimeout; the serial
// driver reports an expired read timeout as EOF
func (s session) readErr(err error, got int) error {
	if s.rd.serConf != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return fmt.Errorf("%w after %d bytes", ErrTimeout, got)
	}
	return err
}
