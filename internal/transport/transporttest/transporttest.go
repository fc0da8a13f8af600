// Package transporttest provides an in-memory transport for session tests.
// Everything blocks on channels only, so it can be used inside
// testing/synctest bubbles.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Pulse/internal/protocol"
	"github.com/CZERTAINLY/Pulse/internal/transport"
)

// Peer controls how a Conn answers on its own.
type Peer struct {
	// AckHandshake pushes {} once the handshake frame is written.
	AckHandshake bool
	// EchoHeartbeat pushes a heartbeat back for every heartbeat written.
	EchoHeartbeat bool
}

// Healthy is a peer which completes the handshake and keeps answering heartbeats.
var Healthy = Peer{AckHandshake: true, EchoHeartbeat: true}

type Conn struct {
	peer     Peer
	inbound  chan string
	failures chan error
	closed   chan struct{}
	once     sync.Once
	closes   atomic.Int32

	mx       sync.Mutex
	sent     []string
	writeErr error
	blocked  bool
	hang     chan struct{}
}

func NewConn(peer Peer) *Conn {
	return &Conn{
		peer:     peer,
		inbound:  make(chan string, 64),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (string, error) {
	// closed channel wins over anything still buffered
	select {
	case <-c.closed:
		return "", transport.ErrClosed
	default:
	}
	select {
	case msg := <-c.inbound:
		return msg, nil
	case err := <-c.failures:
		return "", err
	case <-c.closed:
		return "", transport.ErrClosed
	}
}

func (c *Conn) WriteMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mx.Lock()
	err := c.writeErr
	blocked := c.blocked
	if err == nil && !blocked {
		c.sent = append(c.sent, text)
	}
	c.mx.Unlock()
	if err != nil {
		return err
	}
	if blocked {
		// a peer which stopped reading, only a close releases the writer
		<-c.closed
		return transport.ErrClosed
	}

	switch {
	case c.peer.AckHandshake && text == protocol.Handshake():
		c.Push("{}" + protocol.RS)
	case c.peer.EchoHeartbeat && text == protocol.Heartbeat():
		c.Push(protocol.Heartbeat())
	}
	return nil
}

// Close closes the channel once and counts every call. A hanging Conn
// blocks in Close until Release is called.
func (c *Conn) Close() error {
	c.closes.Add(1)
	c.mx.Lock()
	hang := c.hang
	c.mx.Unlock()
	if hang != nil {
		<-hang
	}
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Push delivers msg as if the peer sent it.
func (c *Conn) Push(msg string) {
	select {
	case c.inbound <- msg:
	case <-c.closed:
	}
}

// Fail makes the pending or next ReadMessage return err.
func (c *Conn) Fail(err error) {
	select {
	case c.failures <- err:
	default:
	}
}

// PeerClose closes the channel from the remote side.
func (c *Conn) PeerClose() {
	c.once.Do(func() { close(c.closed) })
}

// FailWrites makes every following WriteMessage return err.
func (c *Conn) FailWrites(err error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.writeErr = err
}

// BlockWrites makes every following WriteMessage block until the Conn is closed.
func (c *Conn) BlockWrites() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.blocked = true
}

// Hang makes Close block until Release.
func (c *Conn) Hang() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.hang == nil {
		c.hang = make(chan struct{})
	}
}

func (c *Conn) Release() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.hang != nil {
		close(c.hang)
		c.hang = nil
	}
}

// Sent returns the frames written so far.
func (c *Conn) Sent() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.sent...)
}

// Count returns how many times frame was written.
func (c *Conn) Count(frame string) int {
	var n int
	for _, s := range c.Sent() {
		if s == frame {
			n++
		}
	}
	return n
}

// Closes returns the number of Close calls.
func (c *Conn) Closes() int {
	return int(c.closes.Load())
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

var ErrDialRefused = errors.New("dial refused")

// Dialer hands out one Conn per identifier.
type Dialer struct {
	peer Peer

	mx      sync.Mutex
	conns   map[string]*Conn
	dials   []string
	refuse  map[string]error
	prepare map[string]func(*Conn)
	hold    chan struct{}
}

func NewDialer(peer Peer) *Dialer {
	return &Dialer{
		peer:    peer,
		conns:   make(map[string]*Conn),
		refuse:  make(map[string]error),
		prepare: make(map[string]func(*Conn)),
	}
}

func (d *Dialer) Dial(ctx context.Context, identifier, credential string) (transport.Conn, error) {
	d.mx.Lock()
	d.dials = append(d.dials, identifier)
	hold := d.hold
	err := d.refuse[identifier]
	prepare := d.prepare[identifier]
	d.mx.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", identifier, err)
	}
	if credential == "" {
		return nil, fmt.Errorf("dialing %s: empty credential: %w", identifier, ErrDialRefused)
	}

	conn := NewConn(d.peer)
	if prepare != nil {
		prepare(conn)
	}
	d.mx.Lock()
	d.conns[identifier] = conn
	d.mx.Unlock()
	return conn, nil
}

// Refuse makes dials of identifier fail with err.
func (d *Dialer) Refuse(identifier string, err error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.refuse[identifier] = err
}

// Prepare runs fn on the Conn created for identifier before it is returned.
func (d *Dialer) Prepare(identifier string, fn func(*Conn)) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.prepare[identifier] = fn
}

// Hold blocks every following Dial until Unhold or until its context ends.
func (d *Dialer) Hold() {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.hold == nil {
		d.hold = make(chan struct{})
	}
}

func (d *Dialer) Unhold() {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.hold != nil {
		close(d.hold)
		d.hold = nil
	}
}

// Conn returns the last Conn created for identifier or nil.
func (d *Dialer) Conn(identifier string) *Conn {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.conns[identifier]
}

// Dials returns identifiers in the order they were dialed.
func (d *Dialer) Dials() []string {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]string(nil), d.dials...)
}
