// Package reader implements the per-connection framing state machine of
// §4.3: START -> HANDSHAKE -> WAIT -> SLOT -> HEADER -> DATA -> WAIT. It
// consumes plaintext bytes (fed either straight from the socket or from the
// TLS engine's plaintext output, §4.7) and keeps an explicit resume cursor
// so that partial reads never desynchronize the state.
package reader

import (
	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/message"
	"github.com/nabbar/chirp/pool"
	"github.com/nabbar/chirp/wire"
)

type State int

const (
	StateStart State = iota
	StateHandshake
	StateWait
	StateSlot
	StateHeader
	StateData
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateHandshake:
		return "HANDSHAKE"
	case StateWait:
		return "WAIT"
	case StateSlot:
		return "SLOT"
	case StateHeader:
		return "HEADER"
	case StateData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Delegate is everything the Reader needs from its owning Connection/Remote
// to act on state transitions without knowing their internals.
type Delegate interface {
	Pool() *pool.Pool
	MaxMsgSize() uint32
	// EmitHandshake is called once, from Start, to send our own handshake.
	EmitHandshake() liberr.Error
	// OnHandshake is called when the peer's handshake has been parsed.
	OnHandshake(h wire.Handshake) liberr.Error
	// OnControl handles an ACK or NOOP envelope immediately; it must not block.
	OnControl(e wire.Envelope) liberr.Error
	// SnapshotAddress fills msg.Address / msg.RemoteIdentity from the connection.
	SnapshotAddress(msg *message.Message)
	// OnDeliver hands a fully assembled message to the user receive callback
	// (or calls release_slot itself if none is installed).
	OnDeliver(msg *message.Message)
	// Pause stops the underlying reader; called when the pool is exhausted.
	Pause()
}

// Reader drives one connection's byte stream through the state machine. It
// is not safe for concurrent use; the owning connection must serialize
// Feed/Resume calls (naturally true under the cooperative event loop, §5).
type Reader struct {
	state    State
	delegate Delegate
	buf      []byte

	pendingEnv    wire.Envelope
	pendingSlot   *pool.Slot
	pendingMsg    *message.Message
	headerWritten int
	dataWritten   int
	paused        bool
}

func New(d Delegate) *Reader {
	return &Reader{state: StateStart, delegate: d}
}

func (r *Reader) State() State { return r.state }
func (r *Reader) Paused() bool { return r.paused }

// Start transitions START -> HANDSHAKE and emits our own handshake record,
// per §4.3 START.
func (r *Reader) Start() liberr.Error {
	if r.state != StateStart {
		return nil
	}
	if err := r.delegate.EmitHandshake(); err != nil {
		return err
	}
	r.state = StateHandshake
	return nil
}

// Feed appends newly read bytes and drives the state machine as far as it
// can go, pausing (via delegate.Pause) when the pool is exhausted.
func (r *Reader) Feed(data []byte) liberr.Error {
	r.buf = append(r.buf, data...)
	return r.process()
}

// Resume re-attempts the pending slot acquisition after the owning
// connection has been told the pool is no longer exhausted (§4.5).
func (r *Reader) Resume() liberr.Error {
	r.paused = false
	return r.process()
}

func (r *Reader) process() liberr.Error {
	for {
		switch r.state {
		case StateHandshake:
			if len(r.buf) < wire.HandshakeSize {
				return nil
			}
			h, err := wire.DecodeHandshake(r.buf[:wire.HandshakeSize])
			if err != nil {
				return err
			}
			r.buf = r.buf[wire.HandshakeSize:]
			if err := r.delegate.OnHandshake(h); err != nil {
				return err
			}
			r.state = StateWait

		case StateWait:
			if len(r.buf) < wire.EnvelopeSize {
				return nil
			}
			e, err := wire.DecodeEnvelope(r.buf[:wire.EnvelopeSize])
			if err != nil {
				return err
			}
			if err := wire.CheckSize(e, r.delegate.MaxMsgSize()); err != nil {
				return err
			}
			r.buf = r.buf[wire.EnvelopeSize:]

			if e.Type.Has(message.TypeAck) || e.Type.Has(message.TypeNoop) {
				if err := r.delegate.OnControl(e); err != nil {
					return err
				}
				continue
			}

			r.pendingEnv = e
			r.state = StateSlot

		case StateSlot:
			if r.paused {
				return nil
			}

			slot, ok := r.delegate.Pool().Acquire()
			if !ok {
				r.paused = true
				r.delegate.Pause()
				return nil
			}

			msg := message.New()
			msg.Identity = r.pendingEnv.Identity
			msg.Serial = r.pendingEnv.Serial
			msg.Type = r.pendingEnv.Type
			msg.BindSlot(slot.ID, r.delegate.Pool())
			r.delegate.SnapshotAddress(msg)
			if r.pendingEnv.Type.Has(message.TypeReqAck) {
				msg.MarkSendAck()
			}

			if r.pendingEnv.HeaderLen > 0 {
				if buf := slot.HeaderBuf(int(r.pendingEnv.HeaderLen)); buf != nil {
					msg.Header = buf
				} else {
					msg.Header = make([]byte, r.pendingEnv.HeaderLen)
					msg.SetData(msg.Header, msg.Data, true)
				}
			}
			if r.pendingEnv.DataLen > 0 {
				if buf := slot.DataBuf(int(r.pendingEnv.DataLen)); buf != nil {
					msg.Data = buf
				} else {
					msg.Data = make([]byte, r.pendingEnv.DataLen)
					msg.SetData(msg.Header, msg.Data, true)
				}
			}

			r.pendingSlot = slot
			r.pendingMsg = msg
			r.headerWritten = 0
			r.dataWritten = 0

			if r.pendingEnv.HeaderLen > 0 {
				r.state = StateHeader
			} else if r.pendingEnv.DataLen > 0 {
				r.state = StateData
			} else {
				r.deliver()
			}

		case StateHeader:
			need := int(r.pendingEnv.HeaderLen) - r.headerWritten
			n := min(need, len(r.buf))
			if n > 0 {
				copy(r.pendingMsg.Header[r.headerWritten:r.headerWritten+n], r.buf[:n])
				r.buf = r.buf[n:]
				r.headerWritten += n
			}
			if r.headerWritten < int(r.pendingEnv.HeaderLen) {
				return nil
			}
			if r.pendingEnv.DataLen > 0 {
				r.state = StateData
			} else {
				r.deliver()
			}

		case StateData:
			need := int(r.pendingEnv.DataLen) - r.dataWritten
			n := min(need, len(r.buf))
			if n > 0 {
				copy(r.pendingMsg.Data[r.dataWritten:r.dataWritten+n], r.buf[:n])
				r.buf = r.buf[n:]
				r.dataWritten += n
			}
			if r.dataWritten < int(r.pendingEnv.DataLen) {
				return nil
			}
			r.deliver()

		default:
			return nil
		}
	}
}

// deliver hands the assembled message to the user, retains the pool for the
// duration of the borrow, and returns the state machine to WAIT (§4.3).
func (r *Reader) deliver() {
	msg := r.pendingMsg
	r.delegate.Pool().Retain()

	r.pendingSlot = nil
	r.pendingMsg = nil
	r.state = StateWait

	r.delegate.OnDeliver(msg)
}
