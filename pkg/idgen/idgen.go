package idgen

import "sync/atomic"

// Uint64 returns values 1,2,3...
// Zero is never generated, so it can be used to mean "no id".
type Uint64 struct {
	next atomic.Uint64
}

func (u *Uint64) Next() uint64 {
	n := u.next.Add(1)
	if n == 0 {
		n = u.next.Add(1)
	}
	return n
}

// Last returns the most recently generated value, or zero if Next has never been called
func (u *Uint64) Last() uint64 {
	return u.next.Load()
}
