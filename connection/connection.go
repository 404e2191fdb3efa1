// Package connection owns one TCP (optionally TLS) session to a peer: its
// Reader, Writer, Buffer Pool, and the idempotent shutdown sequencing of
// §4.6. Each Connection runs its own read goroutine; writes are dispatched
// on demand rather than from a dedicated goroutine, since the Writer's own
// mutex already serializes the single-outstanding-message discipline of
// §4.4 (see DESIGN.md for the concurrency model this implements instead of
// a literal single-threaded loop).
package connection

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/logger"
	"github.com/nabbar/chirp/message"
	"github.com/nabbar/chirp/pool"
	"github.com/nabbar/chirp/reader"
	"github.com/nabbar/chirp/remote"
	"github.com/nabbar/chirp/wire"
	"github.com/nabbar/chirp/writer"
	"github.com/nabbar/golib/network/protocol"
)

// initFlag drives idempotent, ordered teardown (§4.6 shutdown sequencing).
type initFlag uint8

const (
	flagSocket initFlag = 1 << iota
	flagPool
	flagReader
	flagWriter
	flagAttached
)

// Delegate is the engine's side of the Connection lifecycle: handshake
// completion, teardown notification, and the shared configuration every
// connection needs.
type Delegate interface {
	// OnHandshakeComplete is called once the peer's Handshake has been
	// decoded; it returns the Remote this connection should attach to,
	// applying the dial-race rule of §4.5.
	OnHandshakeComplete(c *Connection, peerIdentity message.Identity, peerAddr message.Address) *remote.Remote
	// OnClosed is called at the end of Shutdown, after the socket has been
	// closed.
	OnClosed(c *Connection)
	// OnReceive delivers a message to the user; the delegate must release
	// its slot itself if no user callback is installed (§4.3 delivery).
	OnReceive(msg *message.Message)
	Logger() logger.Logger
	OwnIdentity() message.Identity
	OwnPort() uint16
	MaxSlots() int
	MaxMsgSize() uint32
	BufferSize() int
	SendTimeout() time.Duration
	Synchronous() bool
}

// Connection is the TCP client handle of §3.
type Connection struct {
	mu sync.Mutex

	conn   net.Conn
	isTLS  bool
	buffer int

	readerObj *reader.Reader
	writerObj *writer.Writer
	poolObj   *pool.Pool

	rem *remote.Remote

	peerIdentity message.Identity
	peerAddr     message.Address

	lastUse time.Time
	init    initFlag

	shuttingDown bool
	closeTasks   int

	pauseCh  chan struct{}
	resumeCh chan struct{}
	closeCh  chan struct{}

	delegate Delegate
}

// Accept wraps an inbound net.Conn (server-side). tlsCfg is nil when
// encryption is disabled or the peer address is loopback and
// always_encrypt is not set (§4.6 step 1, §6 loopback rule).
func Accept(raw net.Conn, tlsCfg *tls.Config, d Delegate) *Connection {
	c := newConnection(raw, tlsCfg != nil, d)
	if tlsCfg != nil {
		c.conn = tls.Server(raw, tlsCfg)
	}
	return c
}

// Dial opens an outbound connection to addr (§4.6 step 1 connect path).
func Dial(network, addr string, timeout time.Duration, tlsCfg *tls.Config, d Delegate) (*Connection, liberr.Error) {
	raw, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, liberr.CannotConnect.Error(err)
	}

	c := newConnection(raw, tlsCfg != nil, d)
	if tlsCfg != nil {
		c.conn = tls.Client(raw, tlsCfg)
	}
	return c, nil
}

func newConnection(raw net.Conn, isTLS bool, d Delegate) *Connection {
	c := &Connection{
		conn:     raw,
		isTLS:    isTLS,
		delegate: d,
		lastUse:  time.Now(),
		pauseCh:  make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	c.closeTasks = 1 // not decremented: Shutdown tears down synchronously without consulting it
	c.init |= flagSocket

	c.poolObj = pool.New(d.MaxSlots(), c.signalResume)
	c.init |= flagPool

	c.writerObj = writer.New(c)
	c.init |= flagWriter

	c.readerObj = reader.New(c)
	c.init |= flagReader

	return c
}

// Start configures TCP options and kicks off the read goroutine and the
// handshake emission (§4.6 steps 2-4).
func (c *Connection) Start() liberr.Error {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	if err := c.readerObj.Start(); err != nil {
		c.Shutdown(liberr.ProtocolError)
		return err
	}

	go c.readLoop()
	return nil
}

func (c *Connection) signalResume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

func (c *Connection) readLoop() {
	size := c.delegate.BufferSize()
	if size < wire.HandshakeSize {
		size = 1024
	}
	buf := make([]byte, size)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.Shutdown(liberr.UvError)
			return
		}

		if ferr := c.readerObj.Feed(buf[:n]); ferr != nil {
			c.Shutdown(ferr.GetCode())
			return
		}

		for c.readerObj.Paused() {
			select {
			case <-c.resumeCh:
				if rerr := c.readerObj.Resume(); rerr != nil {
					c.Shutdown(rerr.GetCode())
					return
				}
			case <-c.closeCh:
				return
			}
		}
	}
}

// --- reader.Delegate ---

func (c *Connection) Pool() *pool.Pool   { return c.poolObj }
func (c *Connection) MaxMsgSize() uint32 { return c.delegate.MaxMsgSize() }

// remoteAddress builds the peer's Remote key from the socket's actual IP
// and the listening port the peer advertised in its Handshake (§4.1): the
// TCP source port of an inbound connection is ephemeral and useless as a
// Remote key, but the peer's own listen port is not.
func (c *Connection) remoteAddress(listenPort uint16) message.Address {
	var ip net.IP
	if tcp, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		ip = tcp.IP
	}

	proto := protocol.NetworkTCP4
	if ip != nil && ip.To4() == nil {
		proto = protocol.NetworkTCP6
	}

	return message.NewAddress(proto, ip, uint32(listenPort))
}

func (c *Connection) EmitHandshake() liberr.Error {
	h := wire.Handshake{Port: c.delegate.OwnPort(), Identity: c.delegate.OwnIdentity()}
	_, err := c.conn.Write(wire.EncodeHandshake(h))
	if err != nil {
		return liberr.WriteError.Error(err)
	}
	return nil
}

func (c *Connection) OnHandshake(h wire.Handshake) liberr.Error {
	addr := c.remoteAddress(h.Port)

	c.mu.Lock()
	c.peerIdentity = h.Identity
	c.peerAddr = addr
	c.mu.Unlock()

	rem := c.delegate.OnHandshakeComplete(c, h.Identity, addr)

	c.mu.Lock()
	c.rem = rem
	c.init |= flagAttached
	c.mu.Unlock()

	if rem != nil {
		rem.ProcessQueues()
	}
	return nil
}

func (c *Connection) OnControl(e wire.Envelope) liberr.Error {
	c.touch()

	if e.Type.Has(message.TypeAck) {
		if msg, ok := c.writerObj.AckReceived(e.Identity); ok {
			if rem := c.Remote(); rem != nil {
				rem.ClearWaitAck(msg)
			}
		}
		return nil
	}
	// NOOP: refresh timestamps only.
	return nil
}

func (c *Connection) SnapshotAddress(msg *message.Message) {
	c.mu.Lock()
	msg.Address = c.peerAddr
	msg.RemoteIdentity = c.peerIdentity
	c.mu.Unlock()
}

func (c *Connection) OnDeliver(msg *message.Message) {
	c.touch()
	if msg.Type.Has(message.TypeReqAck) {
		msg.MarkSendAck()
	}
	c.delegate.OnReceive(msg)
}

func (c *Connection) Pause() {
	if l := c.delegate.Logger(); l != nil {
		l.Debug("connection: buffer pool exhausted, pausing reads", nil)
	}
}

// --- writer.Delegate ---

func (c *Connection) NextSerial() uint32 {
	if rem := c.Remote(); rem != nil {
		return rem.NextSerial()
	}
	return 0
}

func (c *Connection) WriteBytes(frame []byte) liberr.Error {
	if _, err := c.conn.Write(frame); err != nil {
		return liberr.WriteError.Error(err)
	}
	c.touch()
	return nil
}

func (c *Connection) SendTimeout() time.Duration { return c.delegate.SendTimeout() }

func (c *Connection) ProcessQueues() {
	if rem := c.Remote(); rem != nil {
		rem.ProcessQueues()
	}
}

// ClearWaitAck releases the Remote's synchronous wait_ack gate (§4.6) for
// msg, called by the Writer on write failure before the message's identity
// is lost from w.current.
func (c *Connection) ClearWaitAck(msg *message.Message) {
	if rem := c.Remote(); rem != nil {
		rem.ClearWaitAck(msg)
	}
}

// --- remote.ConnHandle ---

func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.init&flagAttached != 0 && !c.shuttingDown
}

func (c *Connection) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

func (c *Connection) Busy() bool { return c.writerObj.Busy() }

func (c *Connection) Write(msg *message.Message) liberr.Error {
	return c.writerObj.Write(msg)
}

// --- lifecycle ---

func (c *Connection) Remote() *remote.Remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rem
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUse = time.Now()
	c.mu.Unlock()
	if rem := c.Remote(); rem != nil {
		rem.Touch()
	}
}

func (c *Connection) LastUse() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUse
}

// Shutdown implements the idempotent teardown of §4.6. It is safe to call
// more than once; only the first call performs the sequence.
func (c *Connection) Shutdown(reason liberr.CodeError) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	rem := c.rem
	c.mu.Unlock()

	close(c.closeCh)

	if rem != nil {
		rem.Detach(c)
		rem.AbortOne(reason)
	}

	if msg := c.writerObj.Current(); msg != nil {
		// Reached when Shutdown was triggered other than by a write
		// failure (writer.fail takes the message out of w.current and
		// clears its wait_ack gate via ClearWaitAck before calling
		// Shutdown, so this is skipped on that path and the message isn't
		// fired twice).
		if rem != nil {
			rem.ClearWaitAck(msg)
		}
		msg.MarkWriteDone()
		msg.MarkAckReceived()
		msg.MarkFree()
		msg.FireSent(reason)
	}

	_ = c.conn.Close()

	if c.poolObj.Free() {
		// pool memory released: no user still holds a borrowed slot.
	}

	c.delegate.OnClosed(c)
}
