// Package planner compiles a finalized, partitioned graph into an execution
// plan: one sequence of steps per logical stream, with barriers and
// notifications stitching cross-stream data dependencies together.
//
// Every step carries a program counter. Kernel launches use their node's
// topological index, and synchronization steps reuse the program counter of
// the kernel step they guard. Program counters are therefore non-decreasing
// along each stream, which is what lets the execution engine run an
// arbitrary window [startPC, endPC) of the plan and resume later.
package planner

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StepContext is the execution-side surface steps run against. The exec
// package implements it.
type StepContext interface {
	// RunKernel executes the kernel bound to the node with the given
	// topological index, on the given logical stream.
	RunKernel(streamIdx, nodeIdx int) error
	// ActivateNotification signals the notification, waking its waiters.
	ActivateNotification(notificationIdx int) error
	// WaitNotification blocks the stream until the notification is activated.
	WaitNotification(streamIdx, notificationIdx int) error
	// DecrementBarrier counts one party as arrived at the barrier.
	DecrementBarrier(barrierIdx int)
	// WaitBarrier blocks until every party arrived at the barrier.
	WaitBarrier(barrierIdx int)
}

// Step is one entry of a logical stream's program.
type Step interface {
	// PC is the step's program counter. See the package documentation for
	// how program counters are assigned.
	PC() int
	// Execute runs the step on behalf of the given logical stream.
	Execute(ctx StepContext, streamIdx int) error
	// String describes the step for plan dumps.
	String() string
}

// LaunchKernelStep runs one node's kernel.
type LaunchKernelStep struct {
	pc        int
	nodeIndex int
	nodeName  string
}

// NewLaunchKernelStep creates a step launching the kernel of the node with
// the given topological index. The node name is only used in plan dumps.
func NewLaunchKernelStep(pc, nodeIndex int, nodeName string) *LaunchKernelStep {
	return &LaunchKernelStep{pc: pc, nodeIndex: nodeIndex, nodeName: nodeName}
}

func (s *LaunchKernelStep) PC() int { return s.pc }

// NodeIndex is the topological index of the node to run.
func (s *LaunchKernelStep) NodeIndex() int { return s.nodeIndex }

func (s *LaunchKernelStep) Execute(ctx StepContext, streamIdx int) error {
	return ctx.RunKernel(streamIdx, s.nodeIndex)
}

func (s *LaunchKernelStep) String() string {
	return fmt.Sprintf("LaunchKernel(pc=%d, node=#%d %q)", s.pc, s.nodeIndex, s.nodeName)
}

// BarrierStep makes the stream arrive at a barrier and wait until the
// producing stream's TriggerDownstreamStep arrived too. Barriers always have
// two parties.
type BarrierStep struct {
	pc           int
	barrierIndex int
}

// NewBarrierStep creates the consumer-side arrival step of a barrier.
func NewBarrierStep(pc, barrierIndex int) *BarrierStep {
	return &BarrierStep{pc: pc, barrierIndex: barrierIndex}
}

func (s *BarrierStep) PC() int { return s.pc }

// BarrierIndex identifies the barrier within the plan.
func (s *BarrierStep) BarrierIndex() int { return s.barrierIndex }

func (s *BarrierStep) Execute(ctx StepContext, streamIdx int) error {
	ctx.DecrementBarrier(s.barrierIndex)
	ctx.WaitBarrier(s.barrierIndex)
	return nil
}

func (s *BarrierStep) String() string {
	return fmt.Sprintf("Barrier(pc=%d, barrier=#%d)", s.pc, s.barrierIndex)
}

// TriggerDownstreamStep is the producing stream's side of a barrier.
type TriggerDownstreamStep struct {
	pc           int
	barrierIndex int
}

// NewTriggerDownstreamStep creates the producer-side trigger step of a barrier.
func NewTriggerDownstreamStep(pc, barrierIndex int) *TriggerDownstreamStep {
	return &TriggerDownstreamStep{pc: pc, barrierIndex: barrierIndex}
}

func (s *TriggerDownstreamStep) PC() int { return s.pc }

// BarrierIndex identifies the barrier within the plan.
func (s *TriggerDownstreamStep) BarrierIndex() int { return s.barrierIndex }

func (s *TriggerDownstreamStep) Execute(ctx StepContext, streamIdx int) error {
	ctx.DecrementBarrier(s.barrierIndex)
	return nil
}

func (s *TriggerDownstreamStep) String() string {
	return fmt.Sprintf("TriggerDownstream(pc=%d, barrier=#%d)", s.pc, s.barrierIndex)
}

// ActivateNotificationStep signals that the producing node's outputs are
// ready on the owning stream.
type ActivateNotificationStep struct {
	pc                int
	notificationIndex int
}

// NewActivateNotificationStep creates a step activating a notification.
func NewActivateNotificationStep(pc, notificationIndex int) *ActivateNotificationStep {
	return &ActivateNotificationStep{pc: pc, notificationIndex: notificationIndex}
}

func (s *ActivateNotificationStep) PC() int { return s.pc }

// NotificationIndex identifies the notification within the plan.
func (s *ActivateNotificationStep) NotificationIndex() int { return s.notificationIndex }

func (s *ActivateNotificationStep) Execute(ctx StepContext, streamIdx int) error {
	return ctx.ActivateNotification(s.notificationIndex)
}

func (s *ActivateNotificationStep) String() string {
	return fmt.Sprintf("ActivateNotification(pc=%d, notification=#%d)", s.pc, s.notificationIndex)
}

// WaitOnNotificationStep blocks the stream until the producing stream
// activated the notification.
type WaitOnNotificationStep struct {
	pc                int
	notificationIndex int
}

// NewWaitOnNotificationStep creates a step waiting for a notification.
func NewWaitOnNotificationStep(pc, notificationIndex int) *WaitOnNotificationStep {
	return &WaitOnNotificationStep{pc: pc, notificationIndex: notificationIndex}
}

func (s *WaitOnNotificationStep) PC() int { return s.pc }

// NotificationIndex identifies the notification within the plan.
func (s *WaitOnNotificationStep) NotificationIndex() int { return s.notificationIndex }

func (s *WaitOnNotificationStep) Execute(ctx StepContext, streamIdx int) error {
	return ctx.WaitNotification(streamIdx, s.notificationIndex)
}

func (s *WaitOnNotificationStep) String() string {
	return fmt.Sprintf("WaitOnNotification(pc=%d, notification=#%d)", s.pc, s.notificationIndex)
}

// LogicalStream is the ordered program of one stream of the plan. All the
// kernels of a logical stream run on the same execution provider.
type LogicalStream struct {
	providerType string
	steps        []Step
}

// NewLogicalStream assembles a logical stream from an already-ordered step
// program. Compile is the usual way to get streams; this is for tools and
// tests that build plans directly.
func NewLogicalStream(providerType string, steps []Step) *LogicalStream {
	return &LogicalStream{providerType: providerType, steps: steps}
}

// ProviderType of the execution provider this stream's kernels run on.
func (s *LogicalStream) ProviderType() string { return s.providerType }

// Steps of the stream. Treat the returned slice as read-only.
func (s *LogicalStream) Steps() []Step { return s.steps }

// NumSteps of the stream.
func (s *LogicalStream) NumSteps() int { return len(s.steps) }

// Plan is the compiled execution plan of a graph. It is immutable once
// compiled and may be shared by any number of concurrent executions.
type Plan struct {
	streams            []*LogicalStream
	numBarriers        int
	notificationOwners []int // Notification index → owning stream index.
	endPC              int   // One past the highest program counter in use.
}

// NewPlan assembles a plan from already-built streams. Compile is the usual
// way to get one; this is for tools and tests that build plans directly.
// Call Validate on the result.
func NewPlan(streams []*LogicalStream, numBarriers int, notificationOwners []int, endPC int) *Plan {
	return &Plan{
		streams:            streams,
		numBarriers:        numBarriers,
		notificationOwners: notificationOwners,
		endPC:              endPC,
	}
}

// Streams of the plan. Treat the returned slice as read-only.
func (p *Plan) Streams() []*LogicalStream { return p.streams }

// NumStreams returns the number of logical streams.
func (p *Plan) NumStreams() int { return len(p.streams) }

// Stream returns the i-th logical stream.
func (p *Plan) Stream(i int) *LogicalStream { return p.streams[i] }

// NumBarriers returns how many barriers the plan uses.
func (p *Plan) NumBarriers() int { return p.numBarriers }

// NotificationOwners maps each notification to the logical stream that
// activates it. Treat the returned slice as read-only.
func (p *Plan) NotificationOwners() []int { return p.notificationOwners }

// NumNotifications returns how many notifications the plan uses.
func (p *Plan) NumNotifications() int { return len(p.notificationOwners) }

// EndPC returns one past the highest program counter, so [0, EndPC()) covers
// the whole plan.
func (p *Plan) EndPC() int { return p.endPC }

// NumSteps returns the total number of steps across all streams.
func (p *Plan) NumSteps() int {
	total := 0
	for _, s := range p.streams {
		total += len(s.steps)
	}
	return total
}

// String returns a multi-line dump of the plan, one line per step.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ExecutionPlan: %d streams, %d barriers, %d notifications, endPC=%d\n",
		len(p.streams), p.numBarriers, len(p.notificationOwners), p.endPC)
	for i, stream := range p.streams {
		fmt.Fprintf(&sb, "  stream #%d (%s), %d steps:\n", i, stream.providerType, len(stream.steps))
		for _, step := range stream.steps {
			fmt.Fprintf(&sb, "    %s\n", step)
		}
	}
	return sb.String()
}

// Validate checks the plan's structural invariants: program counters
// non-decreasing along every stream, every node launched exactly once, every
// barrier shared by exactly one BarrierStep and one TriggerDownstreamStep,
// and every notification activated exactly once, by its owning stream.
func (p *Plan) Validate() error {
	launched := make(map[int]int) // Node index → launch count.
	barrierArrivals := make([]int, p.numBarriers)
	barrierTriggers := make([]int, p.numBarriers)
	notifActivations := make([]int, len(p.notificationOwners))

	for streamIdx, stream := range p.streams {
		lastPC := -1
		for _, step := range stream.steps {
			pc := step.PC()
			if pc < lastPC {
				return errors.Errorf("stream #%d: program counters must be non-decreasing, step %s follows pc %d",
					streamIdx, step, lastPC)
			}
			lastPC = pc
			switch s := step.(type) {
			case *LaunchKernelStep:
				launched[s.nodeIndex]++
			case *BarrierStep:
				if s.barrierIndex < 0 || s.barrierIndex >= p.numBarriers {
					return errors.Errorf("stream #%d: step %s references an unknown barrier", streamIdx, step)
				}
				barrierArrivals[s.barrierIndex]++
			case *TriggerDownstreamStep:
				if s.barrierIndex < 0 || s.barrierIndex >= p.numBarriers {
					return errors.Errorf("stream #%d: step %s references an unknown barrier", streamIdx, step)
				}
				barrierTriggers[s.barrierIndex]++
			case *ActivateNotificationStep:
				if s.notificationIndex < 0 || s.notificationIndex >= len(p.notificationOwners) {
					return errors.Errorf("stream #%d: step %s references an unknown notification", streamIdx, step)
				}
				if owner := p.notificationOwners[s.notificationIndex]; owner != streamIdx {
					return errors.Errorf("stream #%d activates notification #%d owned by stream #%d",
						streamIdx, s.notificationIndex, owner)
				}
				notifActivations[s.notificationIndex]++
			case *WaitOnNotificationStep:
				if s.notificationIndex < 0 || s.notificationIndex >= len(p.notificationOwners) {
					return errors.Errorf("stream #%d: step %s references an unknown notification", streamIdx, step)
				}
			}
		}
	}
	for nodeIdx, count := range launched {
		if count != 1 {
			return errors.Errorf("node #%d is launched %d times, want exactly once", nodeIdx, count)
		}
	}
	for i := range p.numBarriers {
		if barrierArrivals[i] != 1 || barrierTriggers[i] != 1 {
			return errors.Errorf("barrier #%d has %d arrivals and %d triggers, want exactly one of each",
				i, barrierArrivals[i], barrierTriggers[i])
		}
	}
	for i, count := range notifActivations {
		if count != 1 {
			return errors.Errorf("notification #%d is activated %d times, want exactly once", i, count)
		}
	}
	return nil
}
