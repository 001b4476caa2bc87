package pool

import (
	"container/list"
	"time"
)

type result struct {
	conn *Conn
	err  error
}

// waiter is a pending acquisition. Its fields other than ch are guarded by
// the pool mutex; ch has room for exactly one result.
type waiter struct {
	ch         chan result
	enqueuedAt time.Time
	elem       *list.Element
	done       bool
}

func newWaiter(now time.Time) *waiter {
	return &waiter{ch: make(chan result, 1), enqueuedAt: now}
}

// fulfill delivers the outcome. It must be called at most once.
func (w *waiter) fulfill(c *Conn, err error) {
	w.done = true
	w.ch <- result{conn: c, err: err}
}

// waitQueue is the FIFO of waiters not yet assigned a connection.
type waitQueue struct {
	l list.List
}

func (q *waitQueue) push(w *waiter) {
	w.elem = q.l.PushBack(w)
}

func (q *waitQueue) front() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*waiter)
}

func (q *waitQueue) remove(w *waiter) {
	if w.elem != nil {
		q.l.Remove(w.elem)
		w.elem = nil
	}
}

func (q *waitQueue) len() int {
	return q.l.Len()
}
