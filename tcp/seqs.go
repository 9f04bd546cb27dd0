package tcp

// Value is a TCP sequence or acknowledgment number: an unsigned 32-bit
// counter compared with wraparound (modulo 2**32) arithmetic per RFC 9293
// §3.4's "Sequence Number Comparisons".
type Value uint32

// Size is a span of sequence-number space: a window size or a count of
// octets in flight.
type Size uint32

// Sizeof returns the distance, measured forward (modulo 2**32) from start to
// end, i.e. the number of sequence numbers in [start, end).
func Sizeof(start, end Value) Size {
	return Size(end - start)
}

// Add returns v advanced by sz sequence numbers, wrapping at 2**32.
func Add(v Value, sz Size) Value {
	return v + Value(sz)
}

// LessThan reports whether v precedes other in sequence-number space. Per
// RFC 1982 serial number arithmetic, this is the sign of the wrapped
// difference rather than a plain unsigned comparison, so it stays correct
// across a 2**32 wraparound.
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v precedes or equals other in sequence-number
// space.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// InWindow reports whether v falls in [start, start+wnd) in sequence-number
// space. A zero-sized window contains nothing.
func (v Value) InWindow(start Value, wnd Size) bool {
	return Sizeof(start, v) < wnd
}

// UpdateForward advances v in place by sz sequence numbers.
func (v *Value) UpdateForward(sz Size) {
	*v = Add(*v, sz)
}
