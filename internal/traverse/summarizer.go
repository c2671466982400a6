package traverse

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cloudshelf/adlsfs-go/internal/model"
	"github.com/cloudshelf/adlsfs-go/internal/rest"
)

// Lister is the subset of *rest.Client a Summarizer needs.
type Lister interface {
	ListStatus(ctx context.Context, path, startAfter string, pageSize int, policy rest.Policy) ([]model.DirectoryEntry, *rest.Response, error)
}

// workerCount and pageSize are the Summarizer's fixed resource limits
// (spec.md §4.9, §5).
const (
	workerCount = 16
	pageSize    = 16000
)

// Summarizer computes a ContentSummary over a subtree via a fixed pool of
// worker goroutines draining a termination-aware work queue (spec.md
// §4.9). One Summarizer serves exactly one Summarize call.
type Summarizer struct {
	client Lister
	policy rest.Policy

	lengthSum      int64
	fileCount      int64
	directoryCount int64
}

// New constructs a Summarizer bound to client. policy governs every
// ListStatus call the traversal issues.
func New(client Lister, policy rest.Policy) *Summarizer {
	return &Summarizer{client: client, policy: policy}
}

// Summarize walks every directory reachable from root and returns the
// aggregate. When one worker's enumeration fails, the errgroup context is
// canceled; other in-flight workers finish their current directory, every
// worker checks the context before polling for more work, and Summarize
// returns the first error once all workers have exited.
func (s *Summarizer) Summarize(ctx context.Context, root string) (model.ContentSummary, error) {
	q := newWorkQueue(root)

	group, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			return s.worker(groupCtx, q)
		})
	}

	if err := group.Wait(); err != nil {
		return model.ContentSummary{}, err
	}

	return model.NewContentSummary(
		atomic.LoadInt64(&s.lengthSum),
		atomic.LoadInt64(&s.fileCount),
		atomic.LoadInt64(&s.directoryCount),
	), nil
}

// worker loops on poll/enumerate/unregister until the queue reaches
// termination or the context is canceled (spec.md §4.9 "Spawns a fixed
// pool (16) of worker threads; each loops on poll/processing/unregister").
func (s *Summarizer) worker(ctx context.Context, q *workQueue) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dir, ok := q.poll()
		if !ok {
			return nil
		}

		err := s.enumerate(ctx, q, dir)
		q.unregister()

		if err != nil {
			return err
		}
	}
}

// enumerate pages through one directory's entries, sequentially within
// this directory (parallelism is across directories, per spec.md §4.9),
// enqueuing subdirectories and folding files into the shared atomics.
func (s *Summarizer) enumerate(ctx context.Context, q *workQueue, dir string) error {
	startAfter := ""

	for {
		entries, _, err := s.client.ListStatus(ctx, dir, startAfter, pageSize, s.policy)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if entry.IsDirectory() {
				atomic.AddInt64(&s.directoryCount, 1)
				q.add(entry.FullPath)

				continue
			}

			atomic.AddInt64(&s.fileCount, 1)
			atomic.AddInt64(&s.lengthSum, entry.Length)
		}

		if len(entries) < pageSize {
			return nil
		}

		startAfter = entries[len(entries)-1].Name
	}
}
