package tailbuffer

import "sync"

// TailBuffer keeps the most recent bytes written to it, up to a fixed
// capacity. String drains it. It is safe for concurrent use, so it can collect
// a subprocess's stdout and stderr at once.
type TailBuffer struct {
	lock     sync.Mutex
	buf      []byte
	capacity int
	// start indexes the oldest unread byte.
	start int
	// size counts unread bytes.
	size int
}

// NewTailBuffer creates a buffer that retains at most capacity bytes.
func NewTailBuffer(capacity uint) *TailBuffer {
	return &TailBuffer{
		buf:      make([]byte, capacity),
		capacity: int(capacity),
	}
}

// Write implements io.Writer.Write. It always accepts all of p; bytes beyond
// the capacity evict the oldest ones.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := len(p)
	if t.capacity == 0 {
		return n, nil
	}
	if len(p) > t.capacity {
		p = p[len(p)-t.capacity:]
	}
	for _, b := range p {
		end := (t.start + t.size) % t.capacity
		t.buf[end] = b
		if t.size < t.capacity {
			t.size++
		} else {
			t.start = (t.start + 1) % t.capacity
		}
	}
	return n, nil
}

// String drains the buffer and returns its contents.
func (t *TailBuffer) String() string {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := make([]byte, 0, t.size)
	for t.size > 0 {
		out = append(out, t.buf[t.start])
		t.start = (t.start + 1) % t.capacity
		t.size--
	}
	return string(out)
}
