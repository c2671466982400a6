package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Resource limits from spec.md §4.7, §5: 16 x 4MiB buffers, 8 workers.
const (
	NBuffers  = 16
	BlockSize = 4 * 1024 * 1024
	NWorkers  = 8

	// evictionAge is how old a record must be, with no consumption at all,
	// before it becomes an eviction candidate (spec.md §4.7 eviction
	// policy, rule 3).
	evictionAge = 3 * time.Second
)

// Source is the stream-side collaborator a Prefetcher reads from. Workers
// call ReadAt with the stream's internal remote-read routine — always with
// the speculative-read policy disabled (spec.md §4.7 "Worker protocol").
type Source interface {
	StreamID() string
	ReadAt(ctx context.Context, offset int64, dst []byte) (int, error)
}

// Prefetcher is the process-wide read-ahead cache singleton (spec.md §4.7).
// One mutex covers the free stack, the three lists, and the wake condition
// variable; each buffer's own completion is a separate latch so waiters
// never hold the global lock (spec.md §5).
type Prefetcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	slabs     [][]byte
	freeStack []int

	queue      []*ReadBuffer
	inProgress []*ReadBuffer
	completed  []*ReadBuffer

	logger *slog.Logger

	workerCtx   context.Context
	stopWorkers context.CancelFunc
	workersWG   sync.WaitGroup
}

// New constructs a Prefetcher, preallocates its slab pool, and starts
// NWorkers long-lived workers. Call Close to stop them.
func New(logger *slog.Logger) *Prefetcher {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Prefetcher{
		slabs:     make([][]byte, NBuffers),
		freeStack: make([]int, 0, NBuffers),
		logger:    logger,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < NBuffers; i++ {
		p.slabs[i] = make([]byte, BlockSize)
		p.freeStack = append(p.freeStack, i)
	}

	p.workerCtx, p.stopWorkers = context.WithCancel(context.Background())

	for i := 0; i < NWorkers; i++ {
		p.workersWG.Add(1)

		go p.worker()
	}

	return p
}

// Close stops all workers. Safe to call once; the Prefetcher is unusable
// afterward.
func (p *Prefetcher) Close() {
	p.stopWorkers()
	p.cond.Broadcast()
	p.workersWG.Wait()
}

// QueueReadahead requests a look-ahead read of [offset, offset+length) for
// source. A no-op if an overlapping record already exists for this stream
// in any list, or if no slab is free and none can be evicted (spec.md
// §4.7).
func (p *Prefetcher) QueueReadahead(source Source, offset int64, length int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	streamID := source.StreamID()

	if p.hasOverlap(streamID, offset, length) {
		return
	}

	slab, ok := p.acquireSlabLocked()
	if !ok {
		return
	}

	rb := &ReadBuffer{
		streamID: streamID,
		source:   source,
		offset:   offset,
		length:   length,
		slab:     slab,
		status:   NotAvailable,
		done:     make(chan struct{}),
	}

	p.queue = append(p.queue, rb)
	p.cond.Signal()
}

func (p *Prefetcher) hasOverlap(streamID string, offset int64, length int) bool {
	for _, lists := range [][]*ReadBuffer{p.queue, p.inProgress, p.completed} {
		for _, rb := range lists {
			if rb.overlaps(streamID, offset, length) {
				return true
			}
		}
	}

	return false
}

// acquireSlabLocked returns a free slab index, evicting from completed if
// the free stack is empty. Caller must hold p.mu.
func (p *Prefetcher) acquireSlabLocked() (int, bool) {
	if n := len(p.freeStack); n > 0 {
		slab := p.freeStack[n-1]
		p.freeStack = p.freeStack[:n-1]

		return slab, true
	}

	return p.evictLocked()
}

// evictLocked implements spec.md §4.7's eviction policy, searching
// completed in insertion order. Caller must hold p.mu.
func (p *Prefetcher) evictLocked() (int, bool) {
	if idx := p.findEvictionCandidate(func(rb *ReadBuffer) bool {
		return rb.firstByteConsumed && rb.lastByteConsumed
	}); idx >= 0 {
		return p.removeCompletedLocked(idx), true
	}

	if idx := p.findEvictionCandidate(func(rb *ReadBuffer) bool {
		return rb.anyByteConsumed
	}); idx >= 0 {
		return p.removeCompletedLocked(idx), true
	}

	now := time.Now()

	if idx := p.findEvictionCandidate(func(rb *ReadBuffer) bool {
		return now.Sub(rb.birthday) > evictionAge
	}); idx >= 0 {
		return p.removeCompletedLocked(idx), true
	}

	return 0, false
}

func (p *Prefetcher) findEvictionCandidate(match func(*ReadBuffer) bool) int {
	for i, rb := range p.completed {
		if match(rb) {
			return i
		}
	}

	return -1
}

func (p *Prefetcher) removeCompletedLocked(idx int) int {
	rb := p.completed[idx]
	p.completed = append(p.completed[:idx], p.completed[idx+1:]...)

	return rb.slab
}

// GetBlock serves position from the prefetch cache if available, blocking
// on an in-progress matching record if one exists. Returns the number of
// bytes copied into dst and true on a cache hit/wait-then-hit; returns
// (0, false) on a cache miss, signaling the caller to issue its own
// synchronous read (spec.md §4.7 get_block).
func (p *Prefetcher) GetBlock(source Source, position int64, dst []byte) (int, bool) {
	streamID := source.StreamID()

	p.mu.Lock()

	p.cancelQueuedLocked(streamID, position)

	waitOn := p.findInProgressLocked(streamID, position)
	if waitOn != nil {
		p.mu.Unlock()
		<-waitOn.done
		p.mu.Lock()
	}

	defer p.mu.Unlock()

	for _, rb := range p.completed {
		if rb.streamID != streamID || !rb.covers(position) {
			continue
		}

		return p.copyFromLocked(rb, position, dst), true
	}

	return 0, false
}

// cancelQueuedLocked removes any record for (streamID, position) still
// sitting in the queue — it has not started, so a synchronous read by the
// caller will be faster. Caller must hold p.mu.
func (p *Prefetcher) cancelQueuedLocked(streamID string, position int64) {
	for i, rb := range p.queue {
		if rb.streamID == streamID && rb.requestedCovers(position) {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.freeStack = append(p.freeStack, rb.slab)

			return
		}
	}
}

func (p *Prefetcher) findInProgressLocked(streamID string, position int64) *ReadBuffer {
	for _, rb := range p.inProgress {
		if rb.streamID == streamID && rb.requestedCovers(position) {
			return rb
		}
	}

	return nil
}

// copyFromLocked copies up to len(dst) bytes from rb's backing slab
// starting at position, and updates rb's consumption flags (spec.md §4.7:
// "set first_byte_consumed when copying from offset 0, last_byte_consumed
// when copying through the last filled byte, any_byte_consumed always").
func (p *Prefetcher) copyFromLocked(rb *ReadBuffer, position int64, dst []byte) int {
	relStart := int(position - rb.offset)
	available := rb.filledLength - relStart

	n := len(dst)
	if n > available {
		n = available
	}

	copy(dst[:n], p.slabs[rb.slab][relStart:relStart+n])

	rb.anyByteConsumed = true

	if relStart == 0 {
		rb.firstByteConsumed = true
	}

	if relStart+n == rb.filledLength {
		rb.lastByteConsumed = true
	}

	return n
}

// getNextBlockToRead blocks until the queue is non-empty or the worker
// context is canceled, then removes the front record, marks it Reading,
// and moves it to in_progress (spec.md §4.7).
func (p *Prefetcher) getNextBlockToRead() (*ReadBuffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 {
		if p.workerCtx.Err() != nil {
			return nil, false
		}

		p.cond.Wait()
	}

	rb := p.queue[0]
	p.queue = p.queue[1:]
	rb.status = Reading
	p.inProgress = append(p.inProgress, rb)

	return rb, true
}

// doneReading removes rb from in_progress and either moves it to completed
// (on success) or returns its slab to the free stack, then signals rb's
// completion latch outside the lock (spec.md §4.7).
func (p *Prefetcher) doneReading(rb *ReadBuffer, status Status, bytes int) {
	p.mu.Lock()

	for i, r := range p.inProgress {
		if r == rb {
			p.inProgress = append(p.inProgress[:i], p.inProgress[i+1:]...)

			break
		}
	}

	rb.status = status

	if status == Available && bytes > 0 {
		rb.filledLength = bytes
		rb.birthday = time.Now()
		p.completed = append(p.completed, rb)
	} else {
		p.freeStack = append(p.freeStack, rb.slab)
	}

	p.mu.Unlock()

	close(rb.done)
}

// worker runs without a start barrier: New already finishes slab
// allocation before any worker goroutine is started, so there is nothing
// left to wait for. Each worker loops: take a block, read it, report the
// outcome.
func (p *Prefetcher) worker() {
	defer p.workersWG.Done()

	for {
		rb, ok := p.getNextBlockToRead()
		if !ok {
			return
		}

		n, err := rb.source.ReadAt(p.workerCtx, rb.offset, p.slabs[rb.slab][:rb.length])
		if err != nil {
			p.logger.Warn("prefetch: remote read failed",
				slog.String("stream", rb.streamID), slog.Int64("offset", rb.offset), slog.String("error", err.Error()))
			p.doneReading(rb, Failed, 0)

			continue
		}

		p.doneReading(rb, Available, n)
	}
}
