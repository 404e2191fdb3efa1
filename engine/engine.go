/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package engine wires Connection, Remote and Pool together into the
// accept/connect, garbage-collection and dial-race surface of §4.5/§4.6,
// plus the cross-thread send/release bounce of §5.
package engine

import (
	"crypto/tls"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	libatm "github.com/nabbar/chirp/atomic"
	"github.com/nabbar/chirp/config"
	"github.com/nabbar/chirp/connection"
	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/logger"
	"github.com/nabbar/chirp/message"
	"github.com/nabbar/chirp/remote"
	"github.com/nabbar/golib/network/protocol"
)

// Callbacks groups the three user hooks named in §6's init() surface
// (on_receive, on_start, on_done); logging goes through Logger instead of
// on_log, matching the golib convention of an injected logger.Logger.
type Callbacks struct {
	OnReceive func(msg *message.Message)
	OnStart   func()
	OnDone    func()
}

// Engine is the top-level object of §3: it exclusively owns the Remotes, the
// listeners, and the handshake/old-connection sets.
type Engine struct {
	cfg *config.Config
	log logger.Logger
	cb  Callbacks

	identity message.Identity

	// publicPort/alwaysEncrypt back set_public_port/set_always_encrypt
	// (§6 "global" setters): mutable for the handle's lifetime, so they are
	// atomics rather than plain fields read under cfg's immutable snapshot.
	publicPort    atomic.Uint32
	alwaysEncrypt atomic.Bool

	tlsCfg *tls.Config

	// metrics is nil unless the caller passes a Registerer via
	// WithMetrics; collection never blocks delivery on it being present.
	metrics *Metrics

	remotes        libatm.MapTyped[string, *remote.Remote]
	handshakeConns libatm.MapTyped[*connection.Connection, struct{}]
	oldConns       libatm.MapTyped[*connection.Connection, struct{}]

	mu             sync.Mutex
	reconnectStack []*remote.Remote
	reconnectTimer *time.Timer

	gcStop chan struct{}
	grp    *errgroup.Group

	listeners []net.Listener

	closeMu      sync.Mutex
	closing      bool
	closed       bool
	closingTasks int

	sendTS    chan sendRequest
	releaseTS chan releaseRequest
}

type sendRequest struct {
	addr   message.Address
	msg    *message.Message
	onSent func(code liberr.CodeError)
}

type releaseRequest struct {
	msg *message.Message
}

// Option customizes an Engine at construction time, beyond the required
// Config/Logger/Callbacks triple.
type Option func(*Engine)

// WithMetrics registers the engine's Prometheus gauges (connections-active,
// remotes-active, slots-in-use) against reg. Pass a fresh *prometheus.Registry
// per Engine when more than one runs in a process, rather than
// prometheus.DefaultRegisterer, to avoid a duplicate-metric registration
// panic.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = NewMetrics(reg)
	}
}

// New builds an Engine from a validated Config. The caller must call
// Start to begin accepting connections.
func New(cfg *config.Config, log logger.Logger, cb Callbacks, opts ...Option) (*Engine, liberr.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, liberr.ValueError.Error(err)
	}

	id := cfg.Identity
	if id.IsZero() {
		id = message.NewIdentity()
	}

	e := &Engine{
		cfg:            cfg,
		log:            log,
		cb:             cb,
		identity:       id,
		remotes:        libatm.NewMapTyped[string, *remote.Remote](),
		handshakeConns: libatm.NewMapTyped[*connection.Connection, struct{}](),
		oldConns:       libatm.NewMapTyped[*connection.Connection, struct{}](),
		gcStop:         make(chan struct{}),
		grp:            &errgroup.Group{},
		sendTS:         make(chan sendRequest, 64),
		releaseTS:      make(chan releaseRequest, 64),
	}

	e.publicPort.Store(uint32(cfg.PublicPort))
	e.alwaysEncrypt.Store(cfg.AlwaysEncrypt)

	for _, opt := range opts {
		opt(e)
	}

	if !cfg.DisableEncryption {
		if cfg.TLS != nil {
			e.tlsCfg = cfg.TLS.New().TlsConfig("")
		} else {
			return nil, liberr.ValueError.Error(nil)
		}
	}

	return e, nil
}

// Start binds the configured listeners, launches the accept loops, the
// garbage collector and the cross-thread inbox dispatchers (§4.6 step 1-4,
// §5 cross-thread entry points).
func (e *Engine) Start() liberr.Error {
	for _, bind := range []string{e.cfg.BindV4, e.cfg.BindV6} {
		if bind == "" {
			continue
		}
		addr := net.JoinHostPort(bind, strconv.Itoa(int(e.cfg.Port)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			e.shutdownListeners()
			return liberr.EAddrInUse.Error(err)
		}
		e.listeners = append(e.listeners, ln)
		ln := ln
		e.grp.Go(func() error { e.acceptLoop(ln); return nil })
	}

	e.grp.Go(func() error { e.gcLoop(); return nil })
	e.grp.Go(func() error { e.dispatchLoop(); return nil })

	if e.cb.OnStart != nil {
		e.cb.OnStart()
	}
	return nil
}

func (e *Engine) acceptLoop(ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return
		}

		tlsCfg := e.tlsConfigFor(raw.RemoteAddr())
		c := connection.Accept(raw, tlsCfg, e)
		e.handshakeConns.Store(c, struct{}{})
		if serr := c.Start(); serr != nil {
			e.handshakeConns.Delete(c)
		}
	}
}

// tlsConfigFor implements the loopback-bypass rule of §6: loopback peers
// skip TLS unless always_encrypt is set globally.
func (e *Engine) tlsConfigFor(addr net.Addr) *tls.Config {
	if e.tlsCfg == nil {
		return nil
	}
	if e.alwaysEncrypt.Load() {
		return e.tlsCfg
	}
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.IP.IsLoopback() {
		return nil
	}
	return e.tlsCfg
}

func (e *Engine) dispatchLoop() {
	for {
		select {
		case req, ok := <-e.sendTS:
			if !ok {
				return
			}
			req.msg.SetCallbacks(req.onSent, nil)
			_ = e.enqueue(req.addr, req.msg)
		case req, ok := <-e.releaseTS:
			if !ok {
				return
			}
			e.ReleaseSlot(req.msg)
		case <-e.gcStop:
			return
		}
	}
}

// --- §5 public surface: send / send_ts ---

// Send enqueues msg for delivery to addr, matching the synchronous send()
// entry point of §6.
func (e *Engine) Send(addr message.Address, msg *message.Message, onSent func(code liberr.CodeError)) liberr.Error {
	if e.isClosing() {
		return liberr.Shutdown.Error(nil)
	}
	msg.SetCallbacks(onSent, nil)
	return e.enqueue(addr, msg)
}

// SendTS is the thread-safe bounce of send(): it pushes onto a buffered
// channel inbox for the dispatch loop to drain (§5), and fails with
// UV_ERROR instead of blocking when that inbox is full.
func (e *Engine) SendTS(addr message.Address, msg *message.Message, onSent func(code liberr.CodeError)) liberr.Error {
	if e.isClosing() {
		return liberr.Shutdown.Error(nil)
	}
	select {
	case e.sendTS <- sendRequest{addr: addr, msg: msg, onSent: onSent}:
		return nil
	default:
		return liberr.UvError.Error(nil)
	}
}

func (e *Engine) enqueue(addr message.Address, msg *message.Message) liberr.Error {
	if msg.IsUsed() {
		return liberr.Used.Error(nil)
	}

	maxSize := e.cfg.MaxMsgSize
	if maxSize == 0 {
		maxSize = 100 * 1024 * 1024
	}
	if uint32(len(msg.Header))+uint32(len(msg.Data)) > maxSize {
		return liberr.ENoMem.Error(nil)
	}

	msg.MarkUsed()
	r := e.remoteFor(addr)
	r.EnqueueMain(msg, e.cfg.EffectiveReuseTime())
	r.ProcessQueues()
	return nil
}

// ReleaseSlot implements release_slot: returns the message's pool slot
// (resuming paused reads if the pool transitions out of exhaustion) and
// sends the pending ack if one is owed.
func (e *Engine) ReleaseSlot(msg *message.Message) liberr.Error {
	owesAck := msg.OwesAck()
	remoteIdentity := msg.GetRemoteIdentity()

	err := msg.FreeData()
	msg.FireReleased(codeOf(err))

	if owesAck {
		e.sendAckTo(remoteIdentity, msg.GetAddress(), msg.GetIdentity())
	}
	return err
}

// ReleaseSlotTS is the thread-safe bounce of ReleaseSlot.
func (e *Engine) ReleaseSlotTS(msg *message.Message) liberr.Error {
	select {
	case e.releaseTS <- releaseRequest{msg: msg}:
		return nil
	default:
		return liberr.UvError.Error(nil)
	}
}

func (e *Engine) sendAckTo(identity message.Identity, addr message.Address, msgID message.Identity) {
	r := e.remoteFor(addr)
	ack := message.New()
	ack.Identity = msgID
	ack.Type = message.TypeAck
	r.EnqueueControl(ack)
	r.ProcessQueues()
}

func codeOf(err liberr.Error) liberr.CodeError {
	if err == nil {
		return 0
	}
	return err.GetCode()
}

func (e *Engine) isClosing() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closing
}

// --- remote.Delegate: on-demand outbound connect ---

// Connect implements remote.Delegate: it dials addr asynchronously so that
// process_queues never blocks on I/O.
func (e *Engine) Connect(addr message.Address) {
	go func() {
		network := "tcp4"
		if addr.Proto == protocol.NetworkTCP6 {
			network = "tcp6"
		}
		tlsCfg := e.tlsConfigForIP(addr)
		c, err := connection.Dial(network, addr.String(), e.cfg.ConnectTimeout(), tlsCfg, e)
		if err != nil {
			if r, ok := e.remotes.Load(addr.Key()); ok {
				e.scheduleReconnect(r)
			}
			return
		}
		e.handshakeConns.Store(c, struct{}{})
		if serr := c.Start(); serr != nil {
			e.handshakeConns.Delete(c)
		}
	}()
}

func (e *Engine) tlsConfigForIP(addr message.Address) *tls.Config {
	if e.tlsCfg == nil {
		return nil
	}
	if e.alwaysEncrypt.Load() {
		return e.tlsCfg
	}
	if addr.IsLoopback() {
		return nil
	}
	return e.tlsCfg
}

// --- connection.Delegate ---

// OnReceive implements connection.Delegate's delivery hook: it forwards the
// message to the user callback, or releases the slot itself if none is
// installed, per §4.3's "engine must still invoke release_slot" rule.
func (e *Engine) OnReceive(msg *message.Message) {
	if e.cb.OnReceive != nil {
		e.cb.OnReceive(msg)
		return
	}
	_ = e.ReleaseSlot(msg)
}

func (e *Engine) Logger() logger.Logger       { return e.log }
func (e *Engine) OwnIdentity() message.Identity { return e.identity }
func (e *Engine) OwnPort() uint16             { return uint16(e.publicPort.Load()) }

// SetPublicPort implements Handle.SetPublicPort (§6 set_public_port).
func (e *Engine) SetPublicPort(port uint16) { e.publicPort.Store(uint32(port)) }

// SetAlwaysEncrypt implements Handle.SetAlwaysEncrypt (§6 set_always_encrypt).
func (e *Engine) SetAlwaysEncrypt(always bool) { e.alwaysEncrypt.Store(always) }
func (e *Engine) MaxSlots() int               { return e.cfg.ResolvedMaxSlots() }
func (e *Engine) MaxMsgSize() uint32          { return e.cfg.MaxMsgSize }
func (e *Engine) BufferSize() int             { return e.cfg.ResolvedBufferSize() }
func (e *Engine) SendTimeout() time.Duration  { return e.cfg.Timeout }
func (e *Engine) Synchronous() bool           { return e.cfg.Synchronous }

// OnHandshakeComplete implements §4.6 step 5: look up or create the Remote
// for the peer, then attach with the dial-race rule ("last handshake wins",
// §4.5).
func (e *Engine) OnHandshakeComplete(c *connection.Connection, peerIdentity message.Identity, peerAddr message.Address) *remote.Remote {
	e.handshakeConns.Delete(c)

	r := e.remoteFor(peerAddr)
	if prev := r.Attach(c); prev != nil {
		if prevConn, ok := prev.(*connection.Connection); ok && prevConn != c {
			e.oldConns.Store(prevConn, struct{}{})
		}
	}
	e.oldConns.Delete(c)
	return r
}

// OnClosed implements §4.6 shutdown sequencing's final step: the connection
// leaves whatever set it was tracked in.
func (e *Engine) OnClosed(c *connection.Connection) {
	e.handshakeConns.Delete(c)
	e.oldConns.Delete(c)

	if r := c.Remote(); r != nil {
		e.scheduleReconnect(r)
	}
}

func (e *Engine) remoteFor(addr message.Address) *remote.Remote {
	key := addr.Key()
	if r, ok := e.remotes.Load(key); ok {
		return r
	}
	r := remote.New(addr, e.cfg.Synchronous, e)
	actual, loaded := e.remotes.LoadOrStore(key, r)
	if loaded {
		return actual
	}
	return r
}

// scheduleReconnect implements the reconnect debounce of §4.5: the Remote
// is marked CONN_BLOCKED and pushed onto the stack; a single timer serves
// the whole stack.
func (e *Engine) scheduleReconnect(r *remote.Remote) {
	r.SetBlocked(true)

	e.mu.Lock()
	e.reconnectStack = append(e.reconnectStack, r)
	if e.reconnectTimer == nil {
		e.reconnectTimer = time.AfterFunc(remote.ReconnectDelay(), e.fireReconnect)
	}
	e.mu.Unlock()
}

func (e *Engine) fireReconnect() {
	e.mu.Lock()
	stack := e.reconnectStack
	e.reconnectStack = nil
	e.reconnectTimer = nil
	e.mu.Unlock()

	for _, r := range stack {
		r.SetBlocked(false)
		r.ProcessQueues()
	}
}

// gcLoop implements the §4.5 garbage collector: a recurring timer at
// REUSE_TIME/2 + random(0..REUSE_TIME/2) that reclaims idle old connections
// and idle Remotes.
func (e *Engine) gcLoop() {
	for {
		interval := e.cfg.GCInterval(rand.Float64())
		if interval <= 0 {
			interval = time.Second
		}

		select {
		case <-time.After(interval):
			e.gcSweep()
		case <-e.gcStop:
			return
		}
	}
}

func (e *Engine) gcSweep() {
	defer e.collectMetrics()

	reuse := e.cfg.EffectiveReuseTime()

	e.oldConns.Range(func(c *connection.Connection, _ struct{}) bool {
		if time.Since(c.LastUse()) > reuse {
			c.Shutdown(liberr.Shutdown)
		}
		return true
	})

	var stale []string
	e.remotes.Range(func(key string, r *remote.Remote) bool {
		if !r.Blocked() && r.Idle(reuse) {
			stale = append(stale, key)
		}
		return true
	})

	for _, key := range stale {
		if r, ok := e.remotes.LoadAndDelete(key); ok {
			r.AbortAll(liberr.Shutdown)
			if conn := r.Conn(); conn != nil {
				if c, ok := conn.(*connection.Connection); ok {
					c.Shutdown(liberr.Shutdown)
				}
			}
		}
	}
}

func (e *Engine) shutdownListeners() {
	for _, ln := range e.listeners {
		_ = ln.Close()
	}
	e.listeners = nil
}

// Close implements close(): idempotent, returns IN_PROGRESS on the second
// call and never double-invokes on_done (§7, §8 invariant 9).
func (e *Engine) Close() liberr.Error {
	e.closeMu.Lock()
	if e.closing {
		e.closeMu.Unlock()
		return liberr.InProgress.Error(nil)
	}
	e.closing = true
	e.closeMu.Unlock()

	e.shutdownListeners()
	close(e.gcStop)

	e.remotes.Range(func(_ string, r *remote.Remote) bool {
		r.AbortAll(liberr.Shutdown)
		if conn := r.Conn(); conn != nil {
			if c, ok := conn.(*connection.Connection); ok {
				c.Shutdown(liberr.Shutdown)
			}
		}
		return true
	})

	e.handshakeConns.Range(func(c *connection.Connection, _ struct{}) bool {
		c.Shutdown(liberr.Shutdown)
		return true
	})
	e.oldConns.Range(func(c *connection.Connection, _ struct{}) bool {
		c.Shutdown(liberr.Shutdown)
		return true
	})

	_ = e.grp.Wait()

	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()

	if e.cb.OnDone != nil {
		e.cb.OnDone()
	}
	return nil
}
