// Package replay tracks witnessed key ids per path secret and answers
// whether an id has definitely or possibly been seen before.
package replay

import (
	"errors"
	"sort"
	"sync"

	"github.com/bridgefall/pathsec/credentials"
)

var (
	// ErrAlreadyExists reports a definite replay. The packet is safe
	// to drop silently.
	ErrAlreadyExists = errors.New("replay: key id already seen")
	// ErrUnknown reports an id whose novelty cannot be proven. Caller
	// policy decides whether to treat it as a replay.
	ErrUnknown = errors.New("replay: key id novelty unknown")
)

const (
	windowBits = 32
	noneSeen   = ^uint64(0)
	// backfillSpan bounds how many ids a single window shift may push
	// into the overflow list.
	backfillSpan = 1 << 16
	// listCap bounds cumulative list growth; the smallest ids are
	// pruned first and subsequently answer ErrUnknown.
	listCap = 1 << 16
)

// Window is a sliding replay cache: a high-water mark, a 32-bit
// recency bitset where bit b tracks maxSeen-(b+1), and a sorted
// overflow list of the ids below the bitset range that were never
// confirmed seen. Each Window guards itself with its own mutex, so
// entries never contend with each other.
type Window struct {
	mu      sync.Mutex
	maxSeen uint64
	bitset  uint32
	list    []uint64
}

// NewWindow returns a window that has observed nothing.
func NewWindow() *Window {
	return &Window{maxSeen: noneSeen}
}

// PreAuthentication is a reserved hook for cheap rejection before the
// packet's AEAD check. It currently accepts everything.
func (w *Window) PreAuthentication(credentials.Credentials) error {
	return nil
}

// PostAuthentication records the packet's key id and reports whether
// it was seen before. It must be called exactly once per packet, after
// the AEAD tag verified, and is the sole gate against replay.
func (w *Window) PostAuthentication(c credentials.Credentials) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.observe(c.KeyID)
}

// MinimumUnseenKeyID returns the next id the peer should send from if
// nothing else is known.
func (w *Window) MinimumUnseenKeyID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxSeen + 1
}

func (w *Window) observe(id uint64) error {
	switch {
	case w.maxSeen == noneSeen:
		w.maxSeen = id
		if id >= windowBits+1 {
			hi := id - windowBits - 1
			w.pushRange(rangeFloor(hi), hi)
		}
		return nil

	case id > w.maxSeen:
		w.shiftTo(id)
		return nil

	case id == w.maxSeen:
		return ErrAlreadyExists

	default:
		delta := w.maxSeen - id
		if delta <= windowBits {
			bit := uint32(1) << (delta - 1)
			if w.bitset&bit != 0 {
				return ErrAlreadyExists
			}
			w.bitset |= bit
			return nil
		}
		i := sort.Search(len(w.list), func(i int) bool { return w.list[i] >= id })
		if i < len(w.list) && w.list[i] == id {
			// Provably never seen: consume the witness so a second
			// arrival cannot be proven again.
			w.list = append(w.list[:i], w.list[i+1:]...)
			return nil
		}
		return ErrUnknown
	}
}

// shiftTo advances the high-water mark to id. Ids that leave the
// bitset without ever being confirmed seen keep their unseen status in
// the overflow list; ids skipped over entirely are backfilled the same
// way, bounded per shift.
func (w *Window) shiftTo(id uint64) {
	delta := id - w.maxSeen

	out := delta
	if out > windowBits {
		out = windowBits
	}
	for b := uint64(windowBits - 1); b >= windowBits-out; b-- {
		if w.maxSeen >= b+1 && w.bitset&(uint32(1)<<b) == 0 {
			w.list = append(w.list, w.maxSeen-1-b)
		}
		if b == 0 {
			break
		}
	}

	if delta > windowBits+1 {
		hi := id - windowBits - 1
		lo := rangeFloor(hi)
		if lo < w.maxSeen+1 {
			lo = w.maxSeen + 1
		}
		w.pushRange(lo, hi)
	}

	if delta > windowBits {
		w.bitset = 0
	} else {
		w.bitset <<= delta
		w.bitset |= uint32(1) << (delta - 1)
	}
	w.maxSeen = id
	w.prune()
}

// pushRange appends the inclusive id range to the sorted list. Callers
// only push ranges strictly above every existing element.
func (w *Window) pushRange(lo, hi uint64) {
	for i := lo; ; i++ {
		w.list = append(w.list, i)
		if i == hi {
			return
		}
	}
}

// rangeFloor clamps a backfill ending at hi to at most backfillSpan-1
// ids, saturating at zero.
func rangeFloor(hi uint64) uint64 {
	if hi < backfillSpan-1 {
		return 0
	}
	return hi - (backfillSpan - 2)
}

func (w *Window) prune() {
	if over := len(w.list) - listCap; over > 0 {
		w.list = append(w.list[:0], w.list[over:]...)
	}
}
