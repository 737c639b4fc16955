package exec

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/graphrt/graphrt/planner"
	"github.com/graphrt/graphrt/session"
	"github.com/graphrt/graphrt/types/tensors"
)

// Run executes the session's whole plan once and returns the fetched tensors
// in the order of fetchNames.
//
// Device streams come from the session's pool and are returned to it on
// success; a failed run closes them instead, since their state is unknown.
// Each non-empty logical stream runs on its own goroutine, synchronized by
// the plan's barriers and notifications.
func Run(st *session.State, feeds map[string]*tensors.Tensor, fetchNames []string,
	allocators map[string]FetchAllocator, logger logr.Logger) ([]*tensors.Tensor, error) {
	deviceStreams, err := st.AcquireDeviceStreamCollection()
	if err != nil {
		return nil, err
	}
	ctx, err := NewContext(st, deviceStreams, feeds, fetchNames, allocators, logger, false)
	if err != nil {
		_ = deviceStreams.Close()
		return nil, err
	}
	if err := runAllStreams(ctx); err != nil {
		_ = deviceStreams.Close()
		return nil, err
	}
	if err := deviceStreams.SyncAll(); err != nil {
		_ = deviceStreams.Close()
		return nil, err
	}
	st.RecycleDeviceStreamCollection(deviceStreams)

	fetches := ctx.CollectFetches()
	for i, t := range fetches {
		if t == nil {
			return nil, errors.Errorf("fetch %q was not produced by the run", fetchNames[i])
		}
	}
	return fetches, nil
}

// runAllStreams drives every stream of the plan to completion, one goroutine
// per non-empty stream. A failing stream releases all waiters so the other
// goroutines unwind instead of parking forever; the first error wins.
func runAllStreams(ctx *Context) error {
	var group errgroup.Group
	for i := range ctx.plan.NumStreams() {
		stream := ctx.plan.Stream(i)
		if stream.NumSteps() == 0 {
			continue
		}
		streamIdx := i
		group.Go(func() error {
			for _, step := range stream.Steps() {
				if err := step.Execute(ctx, streamIdx); err != nil {
					ctx.releaseWaiters()
					return errors.WithMessagef(err, "stream #%d, step %s", streamIdx, step)
				}
			}
			return nil
		})
	}
	return group.Wait()
}

// streamCursor tracks one stream's progress through its window.
type streamCursor struct {
	next, end int
	// arrived records that the BarrierStep at next already registered its
	// arrival, so re-visiting the parked stream does not arrive twice.
	arrived bool
}

// runWindow drives the given region's steps to completion on the calling
// goroutine, the scheduling mode of partial execution. Streams are
// interleaved cooperatively: each pass runs every stream as far as it can go,
// parking it when its next step waits on a barrier or notification that has
// not resolved yet. A pass that makes no progress while steps remain means
// the window's synchronization cannot resolve, and fails.
func runWindow(ctx *Context, region *ProgramRegion) error {
	if !ctx.singleThreaded {
		return errors.New("windowed execution requires a single-threaded execution context")
	}
	cursors := make([]streamCursor, ctx.plan.NumStreams())
	pending := 0
	for i := range cursors {
		start, end := region.StreamRange(i)
		cursors[i] = streamCursor{next: start, end: end}
		pending += end - start
	}

	for pending > 0 {
		progress := false
		for i := range cursors {
			cur := &cursors[i]
			steps := ctx.plan.Stream(i).Steps()
			for cur.next < cur.end {
				ran, err := runCooperative(ctx, steps[cur.next], i, cur)
				if err != nil {
					return errors.WithMessagef(err, "stream #%d, step %s", i, steps[cur.next])
				}
				if !ran {
					break // Parked; try other streams first.
				}
				cur.next++
				cur.arrived = false
				pending--
				progress = true
			}
		}
		if pending > 0 && !progress {
			return errors.Errorf("execution plan deadlock: %s", describeParked(ctx, cursors))
		}
	}
	return nil
}

// runCooperative runs one step without ever blocking the scheduler. Blocking
// steps only run once their wait would return immediately; until then the
// stream reports not-ran and stays parked.
func runCooperative(ctx *Context, step planner.Step, streamIdx int, cur *streamCursor) (ran bool, err error) {
	switch s := step.(type) {
	case *planner.BarrierStep:
		if !cur.arrived {
			ctx.DecrementBarrier(s.BarrierIndex())
			cur.arrived = true
		}
		if !ctx.barriers[s.BarrierIndex()].Done() {
			return false, nil
		}
		// Arrived and complete; the step has nothing left to do.
		return true, nil
	case *planner.WaitOnNotificationStep:
		if !ctx.notifications[s.NotificationIndex()].Activated() {
			return false, nil
		}
		return true, nil
	default:
		if err := step.Execute(ctx, streamIdx); err != nil {
			return false, err
		}
		return true, nil
	}
}

// describeParked lists every stream still waiting and what it waits on, for
// the deadlock error.
func describeParked(ctx *Context, cursors []streamCursor) string {
	var parked []string
	for i, cur := range cursors {
		if cur.next >= cur.end {
			continue
		}
		parked = append(parked, fmt.Sprintf("stream #%d parked at %s", i, ctx.plan.Stream(i).Steps()[cur.next]))
	}
	return strings.Join(parked, "; ")
}
