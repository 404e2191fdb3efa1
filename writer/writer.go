// Package writer implements the per-connection write path of §4.4: one
// outstanding message at a time, a per-send timeout, and the WRITE_DONE /
// ACK_RECEIVED "finished" handshake shared with the reader's ack handling.
package writer

import (
	"sync"
	"time"

	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/message"
	"github.com/nabbar/chirp/wire"
)

// Delegate performs the actual byte transmission (straight to the socket,
// or through the TLS engine per §4.7) and owns the per-remote serial
// counter and timestamp refresh.
type Delegate interface {
	// NextSerial increments and returns the remote's serial counter.
	NextSerial() uint32
	// WriteBytes writes the encoded frame (envelope, header and data in one
	// buffer); it may block, and runs on the goroutine that called Write.
	WriteBytes(frame []byte) liberr.Error
	// Shutdown tears the connection down after a write error/timeout.
	Shutdown(reason liberr.CodeError)
	// ProcessQueues re-runs the Remote's §4.5 scheduling after completion.
	ProcessQueues()
	SendTimeout() time.Duration
	// ClearWaitAck drops msg from the Remote's synchronous wait_ack gate
	// (§4.6) if it is still the message being waited on; a no-op otherwise.
	ClearWaitAck(msg *message.Message)
}

// Writer enforces single-outstanding-message-per-connection (§4.4).
type Writer struct {
	mu       sync.Mutex
	delegate Delegate
	current  *message.Message
	timer    *time.Timer
}

func New(d Delegate) *Writer {
	return &Writer{delegate: d}
}

// Busy reports whether a message is currently outstanding (§4.5 rule 3).
func (w *Writer) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil
}

// Write assigns the message's serial, encodes it, and submits the frame.
// It is the caller's responsibility (the Remote's process_queues) to never
// call Write while Busy() is true.
func (w *Writer) Write(msg *message.Message) liberr.Error {
	w.mu.Lock()
	if w.current != nil {
		w.mu.Unlock()
		return liberr.Busy.Error(nil)
	}

	msg.Serial = w.delegate.NextSerial()
	msg.MarkUsed()
	w.current = msg
	w.timer = time.AfterFunc(w.delegate.SendTimeout(), w.onTimeout)
	w.mu.Unlock()

	env := wire.Envelope{
		Identity:  msg.Identity,
		Serial:    msg.Serial,
		Type:      msg.Type,
		HeaderLen: uint16(len(msg.Header)),
		DataLen:   uint32(len(msg.Data)),
	}
	frame := append(wire.EncodeEnvelope(env), msg.Header...)
	frame = append(frame, msg.Data...)

	if err := w.delegate.WriteBytes(frame); err != nil {
		w.fail(liberr.WriteError)
		return err
	}

	w.completeWrite()
	return nil
}

func (w *Writer) onTimeout() {
	w.fail(liberr.Timeout)
}

// completeWrite runs the WRITE_DONE half of §4.4's completion paths.
func (w *Writer) completeWrite() {
	w.mu.Lock()
	msg := w.current
	if msg == nil {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	msg.MarkWriteDone()

	needsAck := msg.Type.Has(message.TypeReqAck)
	if !needsAck {
		msg.MarkAckReceived()
	}
	finished := msg.IsFinished()
	if finished {
		w.current = nil
	}
	w.mu.Unlock()

	if finished {
		msg.MarkFree()
		msg.FireSent(0)
		w.delegate.ProcessQueues()
	}
}

// AckReceived is called by the connection's reader when an ACK matching the
// outstanding message arrives, completing the other half of "finished". It
// returns the message the ack resolved so the caller can clear any
// Remote-level wait_ack_message tracking the same message by identity.
func (w *Writer) AckReceived(identity message.Identity) (*message.Message, bool) {
	w.mu.Lock()
	msg := w.current
	if msg == nil || msg.Identity != identity {
		w.mu.Unlock()
		return nil, false
	}
	msg.MarkAckReceived()
	finished := msg.IsFinished()
	if finished {
		w.current = nil
	}
	w.mu.Unlock()

	if finished {
		msg.MarkFree()
		msg.FireSent(0)
		w.delegate.ProcessQueues()
	}
	return msg, true
}

// fail marks the outstanding message FAILURE (both flags set without
// success), invokes the send callback with the given code, and shuts the
// connection down (§4.4 write error / timeout path).
func (w *Writer) fail(code liberr.CodeError) {
	w.mu.Lock()
	msg := w.current
	w.current = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if msg == nil {
		return
	}

	// The Remote's wait_ack gate (synchronous mode, §4.6) must be released
	// here: once w.current is nil this message's identity is otherwise
	// lost, and a later Shutdown call has nothing left to compare against.
	w.delegate.ClearWaitAck(msg)

	msg.MarkWriteDone()
	msg.MarkAckReceived()
	msg.MarkFree()
	msg.FireSent(code)
	w.delegate.Shutdown(code)
}

// Current returns the message currently outstanding, if any.
func (w *Writer) Current() *message.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
