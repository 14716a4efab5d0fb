package ratelimit

import "sync/atomic"

// Slots is a saturating counter bounding concurrent operations. Acquire
// never lets the count exceed the maximum and Release never lets it go
// negative, so a stray double release cannot open extra capacity.
type Slots struct {
	max   int32
	inUse atomic.Int32
}

// NewSlots returns a counter admitting at most max holders.
func NewSlots(max int) *Slots {
	if max < 0 {
		max = 0
	}
	return &Slots{max: int32(max)}
}

// TryAcquire takes one slot if available.
func (s *Slots) TryAcquire() bool {
	return s.TryAcquireN(1)
}

// TryAcquireN takes n slots atomically, or none.
func (s *Slots) TryAcquireN(n int) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := s.inUse.Load()
		if cur+int32(n) > s.max {
			return false
		}
		if s.inUse.CompareAndSwap(cur, cur+int32(n)) {
			return true
		}
	}
}

// Release returns one slot.
func (s *Slots) Release() {
	s.ReleaseN(1)
}

// ReleaseN returns n slots, clamping at zero.
func (s *Slots) ReleaseN(n int) {
	if n <= 0 {
		return
	}
	for {
		cur := s.inUse.Load()
		next := cur - int32(n)
		if next < 0 {
			next = 0
		}
		if s.inUse.CompareAndSwap(cur, next) {
			return
		}
	}
}

// InUse returns the number of held slots.
func (s *Slots) InUse() int { return int(s.inUse.Load()) }

