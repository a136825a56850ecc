package sequence

import (
	"sync/atomic"
)

// Sequence hands out increasing numbers, starting at 1.
type Sequence struct {
	value uint64
}

func (s *Sequence) Next() uint64 {
	return atomic.AddUint64(&s.value, 1)
}

func (s *Sequence) Current() uint64 {
	return atomic.LoadUint64(&s.value)
}

// Next32 wraps at math.MaxUint32 and never returns zero.
func (s *Sequence) Next32() uint32 {
	for {
		if v := uint32(s.Next()); v != 0 {
			return v
		}
	}
}
