// Package remote implements the per-peer queueing, probing, reconnect and
// GC-eligibility logic of §4.5. A Remote is the identity of a peer
// (protocol, address, port); it outlives any single Connection and is the
// only thing a producer's send() ever touches directly.
package remote

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/message"
)

// ReconnectDebounceMin / Max bound the uniform random delay armed after any
// connection to a Remote is shut down (§4.5 Reconnect debounce).
const (
	ReconnectDebounceMin = 50 * time.Millisecond
	ReconnectDebounceMax = 550 * time.Millisecond
)

// ConnHandle is the subset of Connection a Remote needs to drive
// process_queues without owning the connection's internals.
type ConnHandle interface {
	Connected() bool
	ShuttingDown() bool
	Busy() bool
	Write(msg *message.Message) liberr.Error
}

// Delegate lets the Remote ask its owner (the engine) to open a new
// connection; the engine performs the actual dial asynchronously and calls
// back into Attach once the handshake completes.
type Delegate interface {
	Connect(addr message.Address)
}

// Remote is the per-peer state of §3. Every method guards its state with
// r.mu, so a Remote may be used from several goroutines (connection read
// loops, the engine's dispatch loop, the reconnect timer, Send callers).
type Remote struct {
	mu sync.Mutex

	Address message.Address

	control *list.List // of *message.Message (ACK/NOOP)
	main    *list.List // of *message.Message (user messages)

	waitAckMessage *message.Message
	synchronous    bool

	serial  uint32
	lastUse time.Time
	blocked bool // CONN_BLOCKED

	conn     ConnHandle
	delegate Delegate
}

func New(addr message.Address, synchronous bool, delegate Delegate) *Remote {
	return &Remote{
		Address:     addr,
		control:     list.New(),
		main:        list.New(),
		synchronous: synchronous,
		serial:      rand.Uint32(),
		lastUse:     time.Now(),
		delegate:    delegate,
	}
}

// NextSerial implements the per-Remote monotonically-wrapping serial
// counter (§3, §9 Open Question 2): it wraps modulo 2^32 implicitly via
// uint32 overflow, and callers must dedupe on (identity, serial) rather
// than assume monotonicity survives the wrap.
func (r *Remote) NextSerial() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serial++
	return r.serial
}

func (r *Remote) Touch() {
	r.mu.Lock()
	r.lastUse = time.Now()
	r.mu.Unlock()
}

func (r *Remote) LastUse() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUse
}

func (r *Remote) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

func (r *Remote) SetBlocked(b bool) {
	r.mu.Lock()
	r.blocked = b
	r.mu.Unlock()
}

// Conn returns the currently attached connection, or nil.
func (r *Remote) Conn() ConnHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Attach implements the dial-race rule of §4.5: the connection whose
// handshake completes last wins. The caller (engine) is responsible for
// moving the previous connection to old_connections.
func (r *Remote) Attach(c ConnHandle) ConnHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conn
	r.conn = c
	return prev
}

// Detach clears the connection pointer only if it still points at c
// (§4.6 shutdown sequencing: "clearing remote.conn only if it still points
// here").
func (r *Remote) Detach(c ConnHandle) {
	r.mu.Lock()
	if r.conn == c {
		r.conn = nil
	}
	r.mu.Unlock()
}

// NeedsProbe reports whether a NOOP should be queued ahead of the next user
// message because the Remote has been idle past 3/4 of REUSE_TIME (§4.5
// Connection-age probe).
func (r *Remote) NeedsProbe(reuseTime time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastUse) > (reuseTime*3)/4
}

// EnqueueControl queues an ACK or NOOP; control messages always win over
// main-queue messages on the same Remote (§4.5, §5 ordering guarantees).
func (r *Remote) EnqueueControl(msg *message.Message) {
	r.mu.Lock()
	r.control.PushBack(msg)
	r.mu.Unlock()
}

// EnqueueMain queues a user message. If the Remote has been idle past the
// probe threshold, a NOOP is queued first transparently.
func (r *Remote) EnqueueMain(msg *message.Message, reuseTime time.Duration) liberr.Error {
	r.mu.Lock()
	if time.Since(r.lastUse) > (reuseTime*3)/4 {
		noop := message.New()
		noop.Type = message.TypeNoop
		r.control.PushBack(noop)
	}
	r.main.PushBack(msg)
	r.mu.Unlock()
	return nil
}

// ProcessQueues implements the priority rules of §4.5. It must be invoked
// on any event that may unblock sending: enqueue, connect complete, write
// complete, ack received, shutdown, debounce expiry.
func (r *Remote) ProcessQueues() {
	r.mu.Lock()

	conn := r.conn
	blocked := r.blocked
	hasWork := r.control.Len() > 0 || r.main.Len() > 0

	if conn == nil {
		if !blocked && hasWork {
			addr := r.Address
			delegate := r.delegate
			r.mu.Unlock()
			if delegate != nil {
				delegate.Connect(addr)
			}
			return
		}
		r.mu.Unlock()
		return
	}

	if !conn.Connected() || conn.ShuttingDown() {
		r.mu.Unlock()
		return
	}

	if conn.Busy() {
		r.mu.Unlock()
		return
	}

	if e := r.control.Front(); e != nil {
		msg := r.control.Remove(e).(*message.Message)
		r.mu.Unlock()
		_ = conn.Write(msg)
		return
	}

	if r.synchronous {
		if r.waitAckMessage != nil {
			r.mu.Unlock()
			return
		}
		e := r.main.Front()
		if e == nil {
			r.mu.Unlock()
			return
		}
		msg := r.main.Remove(e).(*message.Message)
		msg.Type |= message.TypeReqAck
		r.waitAckMessage = msg
		r.mu.Unlock()
		_ = conn.Write(msg)
		return
	}

	e := r.main.Front()
	if e == nil {
		r.mu.Unlock()
		return
	}
	msg := r.main.Remove(e).(*message.Message)
	r.mu.Unlock()
	_ = conn.Write(msg)
}

// ClearWaitAck is called by the connection once the outstanding
// synchronous message finishes (ack received or failed).
func (r *Remote) ClearWaitAck(msg *message.Message) {
	r.mu.Lock()
	if r.waitAckMessage == msg {
		r.waitAckMessage = nil
	}
	r.mu.Unlock()
}

func (r *Remote) WaitAckMessage() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitAckMessage
}

// AbortAll fails every queued message (control, main, and the outstanding
// wait_ack_message) with the given code, matching the engine-close
// cancellation semantics of §5 ("every queued message on every Remote fails
// with SHUTDOWN; callbacks invoked exactly once").
func (r *Remote) AbortAll(code liberr.CodeError) {
	r.mu.Lock()
	pending := make([]*message.Message, 0, r.control.Len()+r.main.Len()+1)
	for e := r.control.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*message.Message))
	}
	for e := r.main.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*message.Message))
	}
	if r.waitAckMessage != nil {
		pending = append(pending, r.waitAckMessage)
		r.waitAckMessage = nil
	}
	r.control.Init()
	r.main.Init()
	r.mu.Unlock()

	for _, m := range pending {
		m.MarkWriteDone()
		m.MarkAckReceived()
		m.MarkFree()
		m.FireSent(code)
	}
}

// AbortOne fails at most one further queued message, matching the "abort
// one message" shutdown-path quirk documented in DESIGN.md (§9 Open
// Question 1): Connection.shutdown calls this, not AbortAll.
func (r *Remote) AbortOne(code liberr.CodeError) {
	r.mu.Lock()
	var msg *message.Message
	if e := r.control.Front(); e != nil {
		msg = r.control.Remove(e).(*message.Message)
	} else if e := r.main.Front(); e != nil {
		msg = r.main.Remove(e).(*message.Message)
	}
	r.mu.Unlock()

	if msg != nil {
		msg.MarkWriteDone()
		msg.MarkAckReceived()
		msg.MarkFree()
		msg.FireSent(code)
	}
}

func (r *Remote) Idle(reuseTime time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastUse) > reuseTime
}

// ReconnectDelay returns a uniform random delay in [50ms, 550ms), per
// §4.5 Reconnect debounce.
func ReconnectDelay() time.Duration {
	span := ReconnectDebounceMax - ReconnectDebounceMin
	return ReconnectDebounceMin + time.Duration(rand.Int63n(int64(span)))
}
