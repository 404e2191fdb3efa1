package message

import (
	"sync"

	liberr "github.com/nabbar/chirp/errors"
)

// SlotReleaser is implemented by whatever owns a message's pool slot (the
// connection's Buffer Pool, via the reader). Callers do not guard against
// releasing twice: a double release is a fatal logic error and must be
// caught by the releaser, the pool (§4.2).
type SlotReleaser interface {
	ReleaseSlot(slotID int) liberr.Error
}

// Message is the unit of exchange described in §3. Header and Data are
// either pool-owned (small-message optimization, §3 Slot) or heap-owned
// (FlagFreeHeader / FlagFreeData set), in both cases addressed through the
// same []byte so callers never need to know which.
type Message struct {
	mu sync.Mutex

	Identity       Identity
	RemoteIdentity Identity
	Serial         uint32
	Type           Type
	Header         []byte
	Data           []byte
	Address        Address

	flag Flag

	slotID   int
	slotPool SlotReleaser

	onSent     func(code liberr.CodeError)
	onReleased func(code liberr.CodeError)
}

// New allocates a Message with a fresh Identity, matching msg_init.
func New() *Message {
	return &Message{Identity: NewIdentity()}
}

func (m *Message) Flags() Flag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flag
}

func (m *Message) setFlag(bit Flag) {
	m.mu.Lock()
	m.flag.Set(bit)
	m.mu.Unlock()
}

func (m *Message) clearFlag(bit Flag) {
	m.mu.Lock()
	m.flag.Clear(bit)
	m.mu.Unlock()
}

func (m *Message) hasFlag(bit Flag) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flag.Has(bit)
}

// SetAddress implements msg_set_address.
func (m *Message) SetAddress(a Address) {
	m.mu.Lock()
	m.Address = a
	m.mu.Unlock()
}

// GetAddress implements msg_get_address.
func (m *Message) GetAddress() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Address
}

// SetData implements msg_set_data: the header/data slices are stored as
// given, not copied, so the flags are left clear (the caller still owns
// them) unless bufferOwned is true, in which case the Message takes
// responsibility for freeing them on release.
func (m *Message) SetData(header, data []byte, bufferOwned bool) {
	m.mu.Lock()
	m.Header = header
	m.Data = data
	if bufferOwned {
		m.flag.Set(FlagFreeHeader | FlagFreeData)
	}
	m.mu.Unlock()
}

// FreeData implements msg_free_data: returns ownership of header/data back
// to the caller by clearing the buffers the Message no longer needs to
// track, and releases the pool slot if one was acquired.
func (m *Message) FreeData() liberr.Error {
	m.mu.Lock()
	var (
		id   = m.slotID
		pool = m.slotPool
		has  = m.flag.Has(FlagHasSlot)
	)
	m.Header = nil
	m.Data = nil
	m.flag.Clear(FlagFreeHeader | FlagFreeData | FlagHasSlot)
	m.slotPool = nil
	m.mu.Unlock()

	if has && pool != nil {
		return pool.ReleaseSlot(id)
	}
	return nil
}

// GetIdentity implements msg_get_identity.
func (m *Message) GetIdentity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Identity
}

// GetRemoteIdentity implements msg_get_remote_identity.
func (m *Message) GetRemoteIdentity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RemoteIdentity
}

// HasSlot implements msg_has_slot.
func (m *Message) HasSlot() bool {
	return m.hasFlag(FlagHasSlot)
}

// BindSlot attaches the receive-side pool slot this message was decoded
// into so that FreeData / release_slot can return it.
func (m *Message) BindSlot(slotID int, pool SlotReleaser) {
	m.mu.Lock()
	m.slotID = slotID
	m.slotPool = pool
	m.flag.Set(FlagHasSlot)
	m.mu.Unlock()
}

// SetCallbacks wires the send/release completion callbacks invoked exactly
// once per §7's propagation policy.
func (m *Message) SetCallbacks(onSent, onReleased func(code liberr.CodeError)) {
	m.mu.Lock()
	m.onSent = onSent
	m.onReleased = onReleased
	m.mu.Unlock()
}

// FireSent invokes the send callback exactly once; subsequent calls are
// no-ops so that WRITE_DONE/ACK_RECEIVED races can't double-fire it.
func (m *Message) FireSent(code liberr.CodeError) {
	m.mu.Lock()
	cb := m.onSent
	m.onSent = nil
	m.mu.Unlock()

	if cb != nil {
		cb(code)
	}
}

func (m *Message) FireReleased(code liberr.CodeError) {
	m.mu.Lock()
	cb := m.onReleased
	m.onReleased = nil
	m.mu.Unlock()

	if cb != nil {
		cb(code)
	}
}

// MarkUsed / MarkFree track the sender-side USED flag across the
// write -> ack round trip (§3, §4.4).
func (m *Message) MarkUsed()  { m.setFlag(FlagUsed) }
func (m *Message) MarkFree()  { m.clearFlag(FlagUsed) }
func (m *Message) IsUsed() bool { return m.hasFlag(FlagUsed) }

func (m *Message) MarkWriteDone()   { m.setFlag(FlagWriteDone) }
func (m *Message) MarkAckReceived() { m.setFlag(FlagAckReceived) }
func (m *Message) IsFinished() bool { return m.Flags().Finished() }

func (m *Message) MarkSendAck()     { m.setFlag(FlagSendAck) }
func (m *Message) OwesAck() bool    { return m.hasFlag(FlagSendAck) }
