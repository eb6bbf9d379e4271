package packet

import "github.com/gammazero/deque"

// Queue is an ordered FIFO of buffers. Push moves a buffer in; Pop moves it
// out again. It is not safe for concurrent use.
type Queue struct {
	q deque.Deque[*Buffer]
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(b *Buffer) {
	q.q.PushBack(b)
}

// Pop removes the head of the queue, or returns nil when empty.
func (q *Queue) Pop() *Buffer {
	if q.q.Len() == 0 {
		return nil
	}
	return q.q.PopFront()
}

func (q *Queue) Len() int {
	return q.q.Len()
}

// Drain pops every buffer in order and passes it to fn, which takes
// ownership.
func (q *Queue) Drain(fn func(*Buffer)) int {
	n := 0
	for q.q.Len() > 0 {
		fn(q.q.PopFront())
		n++
	}
	return n
}

// ReleaseAll drops every queued buffer.
func (q *Queue) ReleaseAll() {
	q.Drain(func(b *Buffer) { b.Release() })
}
