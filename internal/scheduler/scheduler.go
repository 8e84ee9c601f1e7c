// Package scheduler implements the two-semaphore Concurrent Processor of
// spec §4.K on top of golang.org/x/sync/semaphore, grounded in the
// dynamic-resize-on-recommendation pattern the retrieval pack's
// ayo-mwr cron package uses for its own video-request semaphore
// (updateVideoRequestConcurrency swaps in a fresh semaphore.Weighted when
// the recommended concurrency changes between submissions).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/massingest/engine/internal/resource"
)

// Recommender supplies the concurrency level to run at, given a base. The
// Resource Monitor (internal/resource) satisfies this via its Recommend
// method.
type Recommender func(base int) int

// Future is a cancellable handle to one submitted task's eventual result.
type Future struct {
	id     string
	done   chan struct{}
	result any
	err    error
	cancel context.CancelFunc
}

// Wait blocks until the task completes or ctx is done, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ID returns the task id this Future was submitted under.
func (f *Future) ID() string { return f.id }

// Cancel requests cancellation of the in-flight task. Currently-executing
// work finishes its current syscall and observes cancellation at its next
// suspension point (spec §5).
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

type poolKind int

const (
	poolChannels poolKind = iota
	poolDownloads
)

// ProgressCallback is invoked after every task completes (success or
// failure); priority is advisory only (spec §4.K, §9 open question 2 — not
// enforced by a priority queue).
type ProgressCallback func(id string, priority int, err error)

// Processor is the two-semaphore worker pool of spec §4.K: one semaphore
// gating channel-level tasks, one gating per-video download tasks, both
// resized between submissions based on the Resource Monitor's
// recommendation.
type Processor struct {
	mu sync.Mutex

	baseChannels  int
	baseDownloads int
	channelSlots  *semaphore.Weighted
	downloadSlots *semaphore.Weighted
	curChannels   int64
	curDownloads  int64

	recommend Recommender
	onEvent   ProgressCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queueMu sync.Mutex
	queued  int
}

// New constructs a Processor with the given base channel/download
// concurrency. recommend may be nil, in which case no resource-aware
// resizing happens and the pool stays at its base sizes.
func New(baseChannels, baseDownloads int, recommend Recommender, onEvent ProgressCallback) *Processor {
	if baseChannels < 1 {
		baseChannels = 1
	}
	if baseDownloads < 1 {
		baseDownloads = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	if onEvent == nil {
		onEvent = func(string, int, error) {}
	}
	return &Processor{
		baseChannels:  baseChannels,
		baseDownloads: baseDownloads,
		channelSlots:  semaphore.NewWeighted(int64(baseChannels)),
		downloadSlots: semaphore.NewWeighted(int64(baseDownloads)),
		curChannels:   int64(baseChannels),
		curDownloads:  int64(baseDownloads),
		recommend:     recommend,
		onEvent:       onEvent,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// QueueSize reports the number of tasks currently awaiting or holding a
// slot, for the Resource Monitor's sampler to consult.
func (p *Processor) QueueSize() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return p.queued
}

func (p *Processor) resizeBeforeSubmit(kind poolKind) {
	if p.recommend == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case poolChannels:
		rec := p.recommend(p.baseChannels)
		if int64(rec) != p.curChannels {
			// A shrink may leave the old semaphore holding more permits than
			// the new recommendation; that is safe per spec §5 because
			// workers acquiring on the replacement semaphore gate the real
			// concurrency going forward.
			p.channelSlots = semaphore.NewWeighted(int64(rec))
			p.curChannels = int64(rec)
		}
	case poolDownloads:
		rec := p.recommend(p.baseDownloads)
		if int64(rec) != p.curDownloads {
			p.downloadSlots = semaphore.NewWeighted(int64(rec))
			p.curDownloads = int64(rec)
		}
	}
}

func (p *Processor) slotsFor(kind poolKind) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == poolChannels {
		return p.channelSlots
	}
	return p.downloadSlots
}

func (p *Processor) submit(kind poolKind, id string, priority int, f func(ctx context.Context) (any, error)) *Future {
	p.resizeBeforeSubmit(kind)

	taskCtx, cancel := context.WithCancel(p.ctx)
	fut := &Future{id: id, done: make(chan struct{}), cancel: cancel}

	p.queueMu.Lock()
	p.queued++
	p.queueMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(fut.done)
		defer func() {
			p.queueMu.Lock()
			p.queued--
			p.queueMu.Unlock()
		}()

		slots := p.slotsFor(kind)
		if err := slots.Acquire(taskCtx, 1); err != nil {
			fut.err = fmt.Errorf("scheduler: acquire slot for %s: %w", id, err)
			p.onEvent(id, priority, fut.err)
			return
		}
		defer slots.Release(1)

		result, err := f(taskCtx)
		fut.result, fut.err = result, err
		p.onEvent(id, priority, err)
	}()

	return fut
}

// SubmitChannelTask submits f to run under the channel-level semaphore,
// consulting the Resource Monitor and resizing the pool if its
// recommendation has changed since the last submission.
func (p *Processor) SubmitChannelTask(id string, priority int, f func(ctx context.Context) (any, error)) *Future {
	return p.submit(poolChannels, id, priority, f)
}

// SubmitDownloadTask submits f to run under the download-level semaphore.
func (p *Processor) SubmitDownloadTask(id string, priority int, f func(ctx context.Context) (any, error)) *Future {
	return p.submit(poolDownloads, id, priority, f)
}

// WaitResult pairs a Future's id with its outcome for WaitForCompletion's
// aggregate report.
type WaitResult struct {
	ID    string
	Value any
	Err   error
}

// WaitForCompletion waits for every future to finish, or until timeout
// elapses. On timeout, the remaining futures are cancelled and the
// already-completed results are returned as a partial result.
func (p *Processor) WaitForCompletion(futures []*Future, timeout time.Duration) ([]WaitResult, bool) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make([]WaitResult, 0, len(futures))
	for _, fut := range futures {
		value, err := fut.Wait(ctx)
		if err == context.DeadlineExceeded {
			for _, remaining := range futures[len(results):] {
				remaining.Cancel()
			}
			return results, false
		}
		results = append(results, WaitResult{ID: fut.ID(), Value: value, Err: err})
	}
	return results, true
}

// Stop cancels all active work and waits for the pool to drain.
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()
}
