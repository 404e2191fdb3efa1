// Package pool implements the receive-side Buffer Pool described in §4.2:
// a bounded set of preallocated message slots used for admission control on
// inbound messages, refcounted so that a slot borrowed by the user can
// outlive the connection that received it.
package pool

import (
	"math/bits"
	"sync"

	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/message"
)

const (
	// MaxSlots is the hard ceiling on slots per pool (§3 Buffer Pool).
	MaxSlots = 32

	// PreallocHeader / PreallocData set the small-message optimization
	// threshold for Slot buffers (§3 Slot).
	PreallocHeader = 32
	PreallocData   = 1024
)

// Slot is one preallocated (message, header-stash, data-stash) triple.
type Slot struct {
	ID        int
	Msg       *message.Message
	headerBuf [PreallocHeader]byte
	dataBuf   [PreallocData]byte
}

// HeaderBuf returns the stashed header buffer, sized to n, or nil if n
// exceeds PreallocHeader (caller must heap-allocate and set FlagFreeHeader).
func (s *Slot) HeaderBuf(n int) []byte {
	if n > PreallocHeader {
		return nil
	}
	return s.headerBuf[:n]
}

func (s *Slot) DataBuf(n int) []byte {
	if n > PreallocData {
		return nil
	}
	return s.dataBuf[:n]
}

// Pool is the Buffer Pool of §4.2. It is safe for concurrent use because
// Acquire/Release may be called from the reader's I/O goroutine while the
// refcount is touched from the engine loop on connection teardown.
type Pool struct {
	mu       sync.Mutex
	slots    []Slot
	freeMask uint32 // bit i set => slots[i] is free
	refcount int
	onResume func() // invoked when Release transitions exhausted -> non-exhausted
}

// New allocates maxSlots slot records (capped at MaxSlots) and seeds the
// free bitmap from the high bit down, refcount=1, matching init().
func New(maxSlots int, onResume func()) *Pool {
	if maxSlots <= 0 || maxSlots > MaxSlots {
		maxSlots = MaxSlots
	}

	p := &Pool{
		slots:    make([]Slot, maxSlots),
		refcount: 1,
		onResume: onResume,
	}
	for i := range p.slots {
		p.slots[i].ID = i
	}
	if maxSlots == 32 {
		p.freeMask = ^uint32(0)
	} else {
		p.freeMask = (uint32(1) << uint(maxSlots)) - 1
	}

	return p
}

func (p *Pool) MaxSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// UsedSlots is MaxSlots minus the number of set bits in the free mask, so
// used plus free always sums to MaxSlots (invariant 1, §8).
func (p *Pool) UsedSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - bits.OnesCount32(p.freeMask)
}

// Acquire returns the slot corresponding to the highest-numbered free bit,
// deterministically, or (nil, false) if the pool is exhausted (§4.2). The
// exhausted return is what triggers read-pause back-pressure (§4.5, §8.7).
func (p *Pool) Acquire() (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeMask == 0 {
		return nil, false
	}

	idx := bits.Len32(p.freeMask) - 1
	p.freeMask &^= 1 << uint(idx)
	return &p.slots[idx], true
}

// Release marks slotID free. Calling it twice for the same slot is a fatal
// logic error (§4.2) and is detected here rather than silently tolerated.
func (p *Pool) Release(slotID int) liberr.Error {
	p.mu.Lock()

	if slotID < 0 || slotID >= len(p.slots) {
		p.mu.Unlock()
		return liberr.Fatal.Errorf("release: slot id %d out of range", slotID)
	}

	bit := uint32(1) << uint(slotID)
	if p.freeMask&bit != 0 {
		p.mu.Unlock()
		return liberr.Fatal.Errorf("release: double release of slot %d", slotID)
	}

	wasExhausted := p.freeMask == 0
	p.freeMask |= bit
	resume := p.onResume
	p.mu.Unlock()

	if wasExhausted && resume != nil {
		resume()
	}
	return nil
}

// ReleaseSlot implements message.SlotReleaser so a Message can release
// itself back into the pool that issued it. Besides freeing the slot it
// drops the reference the reader took with Retain when it delivered the
// message, ending the user's borrow.
func (p *Pool) ReleaseSlot(slotID int) liberr.Error {
	if err := p.Release(slotID); err != nil {
		return err
	}
	p.Free()
	return nil
}

// Retain / Free are the refcount operations of §4.2: the pool's memory is
// reclaimed only when refcount drops to zero, which lets a user-held slot
// borrow outlive the owning connection.
func (p *Pool) Retain() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

// Free decrements the refcount and reports whether it reached zero.
func (p *Pool) Free() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refcount--
	return p.refcount <= 0
}

func (p *Pool) Refcount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcount
}
