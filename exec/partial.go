package exec

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/planner"
	"github.com/graphrt/graphrt/session"
	"github.com/graphrt/graphrt/streams"
	"github.com/graphrt/graphrt/types/tensors"
)

// ProgramRegion maps a program-counter window [StartPC, EndPC) of a plan onto
// per-stream index sub-ranges of each stream's step list. It is immutable and
// cached by the PartialState that computed it.
type ProgramRegion struct {
	startPC, endPC int
	streamRanges   [][2]int // Stream index → [start, end) into the stream's steps.
}

// computeProgramRegion finds, for every stream of the plan, the contiguous
// run of steps whose program counters fall in [startPC, endPC). Per-stream
// step pcs are non-decreasing, so two monotonic scans per stream suffice; no
// binary search, windows are typically small and reused.
func computeProgramRegion(plan *planner.Plan, startPC, endPC int) *ProgramRegion {
	region := &ProgramRegion{
		startPC:      startPC,
		endPC:        endPC,
		streamRanges: make([][2]int, plan.NumStreams()),
	}
	for i := range plan.NumStreams() {
		steps := plan.Stream(i).Steps()
		cur := 0
		for cur < len(steps) && steps[cur].PC() < startPC {
			cur++
		}
		start := cur
		for cur < len(steps) && steps[cur].PC() < endPC {
			cur++
		}
		region.streamRanges[i] = [2]int{start, cur}
	}
	return region
}

// StartPC of the window, inclusive.
func (r *ProgramRegion) StartPC() int { return r.startPC }

// EndPC of the window, exclusive.
func (r *ProgramRegion) EndPC() int { return r.endPC }

// StreamRange returns the [start, end) indexes into stream i's step list that
// fall inside the window.
func (r *ProgramRegion) StreamRange(i int) (start, end int) {
	return r.streamRanges[i][0], r.streamRanges[i][1]
}

// NumSteps counts the steps of all streams inside the window.
func (r *ProgramRegion) NumSteps() int {
	total := 0
	for _, pcRange := range r.streamRanges {
		total += pcRange[1] - pcRange[0]
	}
	return total
}

func (r *ProgramRegion) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ProgramRegion[%d, %d):", r.startPC, r.endPC)
	for i, pcRange := range r.streamRanges {
		fmt.Fprintf(&sb, " stream#%d=[%d,%d)", i, pcRange[0], pcRange[1])
	}
	return sb.String()
}

// PartialState is the resumable unit of execution: it executes the plan one
// program-counter window at a time, keeping the execution context, the device
// streams and the already-resolved regions alive between resumptions so that
// a later window picks up exactly where the previous one stopped.
//
// One instance is driven by exactly one controlling thread; the spanned
// streams still synchronize among themselves through the plan's barriers and
// notifications. Windows must be requested in increasing, non-overlapping
// program-counter order: steps already executed are not detected or skipped.
//
// A failed Execute leaves the instance undefined: discard it (Close) and
// start over with a fresh one.
type PartialState struct {
	id             uuid.UUID
	startPC, endPC int

	// Resolved regions, appended on first use and never evicted. The set of
	// distinct windows is small (one per checkpoint segment) and reused every
	// iteration, so a scanned slice beats a map here.
	regions []*ProgramRegion

	context       *Context
	deviceStreams *streams.Collection
	closed        bool
}

// NewPartialState creates an idle partial-execution state. Set a window with
// SetWindow before executing.
func NewPartialState() *PartialState {
	return &PartialState{id: uuid.New()}
}

// ID tags the instance for logging.
func (p *PartialState) ID() uuid.UUID { return p.id }

// SetWindow selects the program-counter window [startPC, endPC) for the next
// resumption.
func (p *PartialState) SetWindow(startPC, endPC int) error {
	if startPC < 0 || endPC < startPC {
		return errors.Errorf("invalid program-counter window [%d, %d)", startPC, endPC)
	}
	p.startPC, p.endPC = startPC, endPC
	return nil
}

// Window returns the program-counter window of the next resumption.
func (p *PartialState) Window() (startPC, endPC int) { return p.startPC, p.endPC }

// GetProgramRegions returns the region of the current window, computing and
// caching it on first request. Repeated requests for the same window return
// the identical region.
func (p *PartialState) GetProgramRegions(st *session.State) *ProgramRegion {
	for _, region := range p.regions {
		if region.startPC == p.startPC && region.endPC == p.endPC {
			return region
		}
	}
	region := computeProgramRegion(st.Plan(), p.startPC, p.endPC)
	p.regions = append(p.regions, region)
	return region
}

// GetDeviceStreamCollection acquires the instance's device streams on first
// call and returns the same collection afterwards. The collection stays
// exclusively owned by this instance until Close, which always closes it
// rather than recycling it into the session's pool: partial execution drives
// the plan's default streams, and handing those back has never been needed.
func (p *PartialState) GetDeviceStreamCollection(st *session.State) (*streams.Collection, error) {
	if p.closed {
		return nil, errors.Errorf("partial execution state %s is closed", p.id)
	}
	if p.deviceStreams == nil {
		c, err := st.AcquireDeviceStreamCollection()
		if err != nil {
			return nil, errors.WithMessagef(err, "acquiring device streams for partial execution state %s", p.id)
		}
		p.deviceStreams = c
	}
	return p.deviceStreams, nil
}

// GetExecutionContext returns the instance's execution context. The first
// call constructs it fully, in single-threaded mode; every later call only
// updates feeds, fetches and the logger in place, preserving the barrier and
// notification state accumulated by earlier windows.
func (p *PartialState) GetExecutionContext(st *session.State, feeds map[string]*tensors.Tensor,
	fetchNames []string, allocators map[string]FetchAllocator, logger logr.Logger) (*Context, error) {
	if p.context != nil {
		if err := p.context.UpdateFeeds(feeds); err != nil {
			return nil, err
		}
		if err := p.context.UpdateFetches(fetchNames, allocators); err != nil {
			return nil, err
		}
		p.context.SetLogger(logger)
		return p.context, nil
	}
	deviceStreams, err := p.GetDeviceStreamCollection(st)
	if err != nil {
		return nil, err
	}
	ctx, err := NewContext(st, deviceStreams, feeds, fetchNames, allocators, logger, true)
	if err != nil {
		return nil, err
	}
	ctx.Logger().V(1).Info("partial execution context created", "id", p.id.String())
	p.context = ctx
	return ctx, nil
}

// Execute runs the steps of the current window on every stream and returns
// the current tensors of the requested fetches. Fetches whose producing step
// lies in a later window come back nil.
//
// Any error is fatal to the attempt and to the instance.
func (p *PartialState) Execute(st *session.State, feeds map[string]*tensors.Tensor,
	fetchNames []string, allocators map[string]FetchAllocator, logger logr.Logger) ([]*tensors.Tensor, error) {
	if p.closed {
		return nil, errors.Errorf("partial execution state %s is closed", p.id)
	}
	region := p.GetProgramRegions(st)
	ctx, err := p.GetExecutionContext(st, feeds, fetchNames, allocators, logger)
	if err != nil {
		return nil, err
	}
	ctx.Logger().V(1).Info("executing window", "id", p.id.String(),
		"startPC", p.startPC, "endPC", p.endPC, "steps", region.NumSteps())
	if err := runWindow(ctx, region); err != nil {
		return nil, errors.WithMessagef(err, "partial execution of window [%d, %d)", p.startPC, p.endPC)
	}
	if err := p.deviceStreams.SyncAll(); err != nil {
		return nil, err
	}
	return ctx.CollectFetches(), nil
}

// Close releases the instance's device streams. Idempotent.
func (p *PartialState) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.deviceStreams == nil {
		return nil
	}
	return p.deviceStreams.Close()
}
