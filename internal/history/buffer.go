// Package history provides a fixed-capacity, newest-first value buffer used
// for iteration traces and per-timestep logs.
package history

import "math"

// Buffer keeps the most recent Cap() values pushed into it. Older values are
// overwritten once the buffer is full.
type Buffer struct {
	vals []float64
	head int // index of the newest value
	n    int
}

// New returns an empty buffer holding at most capacity values. A capacity
// below one is raised to one.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{vals: make([]float64, capacity), head: -1}
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.vals) }

// Len returns the number of values currently held.
func (b *Buffer) Len() int { return b.n }

// Push records v as the newest value.
func (b *Buffer) Push(v float64) {
	b.head = (b.head + 1) % len(b.vals)
	b.vals[b.head] = v
	if b.n < len(b.vals) {
		b.n++
	}
}

// At returns the i-th newest value (0 is the newest). ok is false when i is
// out of range.
func (b *Buffer) At(i int) (v float64, ok bool) {
	if i < 0 || i >= b.n {
		return 0, false
	}
	idx := (b.head - i + len(b.vals)) % len(b.vals)
	return b.vals[idx], true
}

// Latest returns the newest value, or zero when empty.
func (b *Buffer) Latest() float64 {
	v, _ := b.At(0)
	return v
}

// Values returns a copy of the held values, newest first.
func (b *Buffer) Values() []float64 {
	out := make([]float64, b.n)
	for i := range out {
		out[i], _ = b.At(i)
	}
	return out
}

// MaxAbs returns the position (newest first) and value of the entry with the
// largest magnitude. idx is -1 for an empty buffer.
func (b *Buffer) MaxAbs() (idx int, v float64) {
	idx = -1
	best := -1.0
	for i := 0; i < b.n; i++ {
		cur, _ := b.At(i)
		if a := math.Abs(cur); a > best {
			best = a
			idx = i
			v = cur
		}
	}
	return idx, v
}

// Reset drops all held values while keeping the capacity.
func (b *Buffer) Reset() {
	for i := range b.vals {
		b.vals[i] = 0
	}
	b.head = -1
	b.n = 0
}
