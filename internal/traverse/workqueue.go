// Package traverse implements the Content Summarizer (spec.md §4.9): a
// one-shot parallel recursive directory walk that aggregates length,
// file count, and directory count across an entire subtree.
package traverse

import "sync"

// workQueue is a termination-aware FIFO of directory entries. Termination
// is reached when the queue is empty and no worker is currently
// processing an item (spec.md §4.9): a plain empty-queue check would let
// a worker that is mid-enumeration (and about to add more entries) race
// with workers that see an empty queue and exit early.
type workQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []string
	inFlight  int
	terminated bool
}

func newWorkQueue(root string) *workQueue {
	q := &workQueue{items: []string{root}, inFlight: 0}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// add enqueues entry without blocking.
func (q *workQueue) add(entry string) {
	q.mu.Lock()
	q.items = append(q.items, entry)
	q.mu.Unlock()

	q.cond.Signal()
}

// poll blocks while the queue is empty and the termination condition is
// false; returns ("", false) once termination is reached, signaling the
// caller to exit. A returned item counts as in-flight until unregister is
// called.
func (q *workQueue) poll() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.terminated || (q.inFlight == 0 && len(q.items) == 0) {
			q.terminated = true
			q.cond.Broadcast()

			return "", false
		}

		q.cond.Wait()
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.inFlight++

	return item, true
}

// unregister is called by a worker when done processing an entry. If the
// queue is now empty and no other work is in flight, termination is
// reached and all waiters are woken.
func (q *workQueue) unregister() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight--

	if q.inFlight == 0 && len(q.items) == 0 {
		q.terminated = true
		q.cond.Broadcast()
	}
}
