// Package ring implements the bounded single-producer single-consumer slot
// queue that decouples the capture thread from the dispatcher. Writes never
// block: when the ring is full the producer reclaims the oldest unconsumed
// slot, so a slow consumer costs frames, not capture latency.
package ring

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Sentinel errors returned by Push and Pop.
var (
	// ErrOversized rejects a unit larger than one slot. Nothing is
	// displaced and the tail does not advance.
	ErrOversized = errors.New("ring: unit exceeds slot size")
	// ErrCancelled is returned by Pop after Cancel. It is the normal
	// shutdown signal, not a failure.
	ErrCancelled = errors.New("ring: cancelled")
)

// PushResult reports the outcome of an accepted push.
type PushResult struct {
	// Seq is the push sequence number assigned to the stored unit.
	Seq uint64
	// Displaced is true when storing the unit overwrote the oldest
	// unconsumed slot; DisplacedSeq is that unit's push sequence.
	Displaced    bool
	DisplacedSeq uint64
}

// Ring is a bounded queue of fixed-capacity slots. Exactly one goroutine may
// call Push and exactly one may call Pop. The head and tail indices are
// monotonic counters; the slot index is the counter modulo the slot count.
// Slot bytes are written only by the producer and read only by the consumer
// between the corresponding index updates. A failed head CAS in Pop tells
// the consumer the producer displaced the slot and the copy must be
// discarded; a failed head CAS in Push means the consumer just freed a slot.
type Ring struct {
	slots    []byte
	lens     []uint32
	seqs     []uint64
	slotCnt  uint64
	slotSize int

	head atomic.Uint64
	tail atomic.Uint64

	pushSeq   uint64 // producer-local
	displaced atomic.Uint64
	oversized atomic.Uint64

	notify     chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// New creates a ring of slotCount fixed slots of slotSize bytes each.
// slotCount must be at least 2 and slotSize positive.
func New(slotCount, slotSize int) (*Ring, error) {
	if slotCount < 2 {
		return nil, errors.New("ring: slot count must be at least 2")
	}
	if slotSize <= 0 {
		return nil, errors.New("ring: slot size must be positive")
	}
	return &Ring{
		slots:    make([]byte, slotCount*slotSize),
		lens:     make([]uint32, slotCount),
		seqs:     make([]uint64, slotCount),
		slotCnt:  uint64(slotCount),
		slotSize: slotSize,
		notify:   make(chan struct{}, 1),
		cancelCh: make(chan struct{}),
	}, nil
}

// SlotCount returns the number of slots.
func (r *Ring) SlotCount() int { return int(r.slotCnt) }

// SlotSize returns the capacity of one slot in bytes.
func (r *Ring) SlotSize() int { return r.slotSize }

// Push copies b into the next slot and never blocks. When the ring is full
// it reclaims the oldest unconsumed slot and reports the displaced unit's
// sequence in the result. Oversized units are rejected with ErrOversized
// without displacing anything.
func (r *Ring) Push(b []byte) (PushResult, error) {
	if len(b) > r.slotSize {
		r.oversized.Add(1)
		return PushResult{}, ErrOversized
	}

	res := PushResult{Seq: r.pushSeq}
	r.pushSeq++

	t := r.tail.Load()
	for {
		h := r.head.Load()
		if t-h < r.slotCnt {
			break
		}
		// Full: steal the oldest slot. A failed CAS means the consumer
		// just took it, leaving room.
		if r.head.CompareAndSwap(h, h+1) {
			res.Displaced = true
			res.DisplacedSeq = r.seqs[h%r.slotCnt]
			r.displaced.Add(1)
			break
		}
	}

	i := t % r.slotCnt
	copy(r.slots[i*uint64(r.slotSize):], b)
	r.lens[i] = uint32(len(b))
	r.seqs[i] = res.Seq
	r.tail.Store(t + 1)

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return res, nil
}

// Pop blocks until a unit is available or the ring is cancelled, then copies
// the unit into buf (which must be at least SlotSize bytes) and returns its
// effective length and push sequence.
func (r *Ring) Pop(buf []byte) (int, uint64, error) {
	for {
		select {
		case <-r.cancelCh:
			return 0, 0, ErrCancelled
		default:
		}

		h := r.head.Load()
		t := r.tail.Load()
		if h == t {
			select {
			case <-r.cancelCh:
				return 0, 0, ErrCancelled
			case <-r.notify:
			}
			continue
		}

		i := h % r.slotCnt
		n := int(r.lens[i])
		seq := r.seqs[i]
		copy(buf, r.slots[i*uint64(r.slotSize):i*uint64(r.slotSize)+uint64(n)])
		// Claim the slot. Failure means the producer displaced it while
		// we copied; the bytes may be torn, so retry from the new head.
		if r.head.CompareAndSwap(h, h+1) {
			return n, seq, nil
		}
	}
}

// Cancel unblocks all waiters and makes every subsequent Pop return
// ErrCancelled. It is idempotent and safe to call from any goroutine.
func (r *Ring) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Cancelled reports whether Cancel has been called.
func (r *Ring) Cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// TakeDisplaced returns the number of units displaced since the last call
// and resets the counter. The dispatcher uses it to publish rate-limited
// RingDropped events.
func (r *Ring) TakeDisplaced() uint64 {
	return r.displaced.Swap(0)
}

// OversizedCount returns the total number of oversized rejections.
func (r *Ring) OversizedCount() uint64 {
	return r.oversized.Load()
}

// Len returns the number of unconsumed units. It is a snapshot and only
// advisory under concurrent use.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}
