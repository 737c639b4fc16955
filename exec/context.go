// Package exec drives compiled execution plans: whole-plan runs that fan out
// one goroutine per logical stream, and windowed partial runs that execute a
// program-counter range of the plan and can be resumed where they left off.
package exec

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/internal/xsync"
	"github.com/graphrt/graphrt/planner"
	"github.com/graphrt/graphrt/session"
	"github.com/graphrt/graphrt/streams"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/tensors"
)

// FetchAllocator produces the tensor backing one fetched value, letting the
// caller control where a graph output lands. The returned tensor must have
// the requested shape.
type FetchAllocator func(shape shapes.Shape) (*tensors.Tensor, error)

// Context is the mutable state of one execution of a plan: the value frame,
// the synchronization objects the plan's steps operate on, the device streams
// and the logger. A full run uses a fresh Context; partial execution keeps
// one Context alive across resumptions, updating only feeds, fetches and
// logger in between.
//
// A Context must not be shared by concurrent runs.
type Context struct {
	session        *session.State
	plan           *planner.Plan
	deviceStreams  *streams.Collection
	singleThreaded bool
	logger         logr.Logger

	values          []*tensors.Tensor // Frame, by value index.
	fetchIndexes    []int
	fetchAllocators map[int]FetchAllocator // By value index.

	notifications []streams.Notification
	barriers      []*xsync.Countdown

	poisonOnce sync.Once
}

var _ planner.StepContext = (*Context)(nil)

// NewContext builds the execution context for one run of the session's plan.
//
// The device stream collection must have one stream per logical stream of the
// plan; the Context borrows it but does not own it. Initializers are
// installed into the value frame first, then the feeds. A zero logger
// defaults to the session's logger. singleThreaded fixes the scheduling mode
// for the life of the Context: partial execution requires true.
func NewContext(st *session.State, deviceStreams *streams.Collection,
	feeds map[string]*tensors.Tensor, fetchNames []string, allocators map[string]FetchAllocator,
	logger logr.Logger, singleThreaded bool) (*Context, error) {
	if st == nil {
		return nil, errors.New("execution context needs a session")
	}
	plan := st.Plan()
	if deviceStreams == nil || deviceStreams.Len() != plan.NumStreams() {
		return nil, errors.Errorf("execution context needs one device stream per logical stream (%d), got %d",
			plan.NumStreams(), collectionLen(deviceStreams))
	}
	if logger.GetSink() == nil {
		logger = st.Logger()
	}

	ctx := &Context{
		session:        st,
		plan:           plan,
		deviceStreams:  deviceStreams,
		singleThreaded: singleThreaded,
		logger:         logger,
		values:         make([]*tensors.Tensor, st.Graph().NumValues()),
	}
	for idx, t := range st.InitializedTensors() {
		ctx.values[idx] = t
	}

	// Notifications belong to the stream that activates them.
	owners := plan.NotificationOwners()
	ctx.notifications = make([]streams.Notification, len(owners))
	for i, owner := range owners {
		ctx.notifications[i] = deviceStreams.Stream(owner).MakeNotification()
	}
	// Barriers have two parties: the consumer's arrival and the producer's
	// trigger.
	ctx.barriers = make([]*xsync.Countdown, plan.NumBarriers())
	for i := range ctx.barriers {
		ctx.barriers[i] = xsync.NewCountdown(2)
	}

	if err := ctx.UpdateFeeds(feeds); err != nil {
		return nil, err
	}
	if err := ctx.UpdateFetches(fetchNames, allocators); err != nil {
		return nil, err
	}

	validStreams := 0
	for i := range plan.NumStreams() {
		if plan.Stream(i).NumSteps() > 0 {
			validStreams++
		}
	}
	logger.V(1).Info("execution context created",
		"values", len(ctx.values), "notifications", len(ctx.notifications),
		"barriers", len(ctx.barriers), "validStreams", validStreams,
		"singleThreaded", singleThreaded)
	return ctx, nil
}

func collectionLen(c *streams.Collection) int {
	if c == nil {
		return 0
	}
	return c.Len()
}

// UpdateFeeds installs the given tensors into the value frame, keyed by value
// name. On a resumption, feeds for values already produced overwrite them.
func (c *Context) UpdateFeeds(feeds map[string]*tensors.Tensor) error {
	g := c.session.Graph()
	for name, t := range feeds {
		if t == nil {
			return errors.Errorf("feed %q is nil", name)
		}
		idx, err := g.ValueIndex(name)
		if err != nil {
			return errors.WithMessage(err, "installing feeds")
		}
		c.values[idx] = t
	}
	return nil
}

// UpdateFetches records which values the run should produce as outputs, and
// optional per-fetch allocators consulted when the producing kernel allocates
// the value.
func (c *Context) UpdateFetches(fetchNames []string, allocators map[string]FetchAllocator) error {
	indexes, err := c.session.ValueIndexes(fetchNames)
	if err != nil {
		return errors.WithMessage(err, "resolving fetches")
	}
	byIndex := make(map[int]FetchAllocator, len(allocators))
	for name, alloc := range allocators {
		idx, err := c.session.Graph().ValueIndex(name)
		if err != nil {
			return errors.WithMessage(err, "resolving fetch allocators")
		}
		if alloc == nil {
			return errors.Errorf("fetch allocator for %q is nil", name)
		}
		byIndex[idx] = alloc
	}
	c.fetchIndexes = indexes
	c.fetchAllocators = byIndex
	return nil
}

// SetLogger replaces the context's logger, as partial execution does on each
// resumption. A zero logger falls back to the session's.
func (c *Context) SetLogger(logger logr.Logger) {
	if logger.GetSink() == nil {
		logger = c.session.Logger()
	}
	c.logger = logger
}

// Logger currently in use.
func (c *Context) Logger() logr.Logger { return c.logger }

// Value returns the tensor currently bound to the given value index, or nil
// if it was neither fed nor produced yet.
func (c *Context) Value(valueIndex int) *tensors.Tensor { return c.values[valueIndex] }

// CollectFetches returns the current tensor of every fetch, in the order the
// fetch names were given. Fetches not yet produced are nil; whole-plan runs
// treat that as an error, windowed runs as "not yet computed".
func (c *Context) CollectFetches() []*tensors.Tensor {
	fetches := make([]*tensors.Tensor, len(c.fetchIndexes))
	for i, idx := range c.fetchIndexes {
		fetches[i] = c.values[idx]
	}
	return fetches
}

// RunKernel executes the kernel bound to the node with the given topological
// index. Part of the planner.StepContext surface.
func (c *Context) RunKernel(streamIdx, nodeIdx int) error {
	n := c.session.Graph().Node(nodeIdx)
	c.logger.V(2).Info("launching kernel", "node", n.String(), "stream", streamIdx)
	if err := c.session.Kernel(nodeIdx).Compute(computeContext{ctx: c, node: n, streamIdx: streamIdx}); err != nil {
		return errors.WithMessagef(err, "running node %s on stream #%d", n, streamIdx)
	}
	return nil
}

// ActivateNotification signals the notification. Part of planner.StepContext.
func (c *Context) ActivateNotification(notificationIdx int) error {
	c.notifications[notificationIdx].Activate()
	return nil
}

// WaitNotification blocks the stream until the notification is activated.
// Part of planner.StepContext.
func (c *Context) WaitNotification(streamIdx, notificationIdx int) error {
	c.notifications[notificationIdx].Wait()
	return nil
}

// DecrementBarrier counts one party as arrived. Part of planner.StepContext.
func (c *Context) DecrementBarrier(barrierIdx int) {
	c.barriers[barrierIdx].Dec()
}

// WaitBarrier blocks until both parties arrived. Part of planner.StepContext.
func (c *Context) WaitBarrier(barrierIdx int) {
	c.barriers[barrierIdx].Wait()
}

// releaseWaiters force-resolves every notification and barrier so that no
// stream stays parked after another stream failed. The frame is left as-is;
// the run's error has already made it unusable.
func (c *Context) releaseWaiters() {
	c.poisonOnce.Do(func() {
		for _, n := range c.notifications {
			n.Activate()
		}
		for _, b := range c.barriers {
			b.Release()
		}
	})
}

// computeContext adapts a Context and one node into the surface kernels
// compute against.
type computeContext struct {
	ctx       *Context
	node      *graph.Node
	streamIdx int
}

func (c computeContext) Node() *graph.Node { return c.node }

func (c computeContext) NumInputs() int { return len(c.node.Inputs()) }

func (c computeContext) Input(i int) (*tensors.Tensor, error) {
	if i < 0 || i >= len(c.node.Inputs()) {
		return nil, errors.Errorf("node %s has no input #%d", c.node, i)
	}
	idx := c.node.InputValueIndexes()[i]
	t := c.ctx.values[idx]
	if t == nil {
		return nil, errors.Errorf("node %s input %q was neither fed nor produced by an earlier step",
			c.node, c.ctx.session.Graph().ValueName(idx))
	}
	return t, nil
}

func (c computeContext) Output(i int, shape shapes.Shape) (*tensors.Tensor, error) {
	if i < 0 || i >= len(c.node.Outputs()) {
		return nil, errors.Errorf("node %s has no output #%d", c.node, i)
	}
	idx := c.node.OutputValueIndexes()[i]
	if t := c.ctx.values[idx]; t != nil {
		// Preallocated, e.g. fed ahead or allocated by an earlier resumption.
		if !t.Shape().Equal(shape) {
			return nil, errors.Errorf("node %s output %q is preallocated as %s, kernel wants %s",
				c.node, c.ctx.session.Graph().ValueName(idx), t.Shape(), shape)
		}
		return t, nil
	}
	if alloc, found := c.ctx.fetchAllocators[idx]; found {
		t, err := alloc(shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "allocating fetch %q", c.ctx.session.Graph().ValueName(idx))
		}
		if t == nil || !t.Shape().Equal(shape) {
			return nil, errors.Errorf("fetch allocator for %q did not return a %s tensor",
				c.ctx.session.Graph().ValueName(idx), shape)
		}
		c.ctx.values[idx] = t
		return t, nil
	}
	t, err := tensors.Zeros(shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating output %q of node %s",
			c.ctx.session.Graph().ValueName(idx), c.node)
	}
	c.ctx.values[idx] = t
	return t, nil
}

func (c computeContext) Stream() streams.Stream { return c.ctx.deviceStreams.Stream(c.streamIdx) }

func (c computeContext) Logger() logr.Logger { return c.ctx.logger }
