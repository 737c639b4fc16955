package planner

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/graph"
)

// Compile builds the execution plan for a finalized graph whose nodes have
// all been assigned execution providers.
//
// Nodes are grouped into one logical stream per provider type, in order of
// first use, and each stream runs its nodes in topological order. For every
// data dependency crossing streams the producer gets an
// ActivateNotificationStep and a TriggerDownstreamStep right after its
// launch, and the consumer gets a BarrierStep and a WaitOnNotificationStep
// right before its own launch.
//
// Synchronization steps reuse the program counter of the kernel they guard,
// and a consumer's program counter is always larger than its producer's. A
// window of the plan that contains a wait therefore contains, or comes
// after, the matching trigger, so windowed execution cannot deadlock.
func Compile(g *graph.Graph) (*Plan, error) {
	if !g.IsFinalized() {
		return nil, errors.Errorf("cannot compile a plan for graph %q before it is finalized", g.Name())
	}

	plan := &Plan{}
	streamIdxOf := make(map[string]int) // Provider type → stream index.
	streamForNode := make([]int, g.NumNodes())
	for _, n := range g.Nodes() {
		providerType := n.AssignedProvider()
		if providerType == "" {
			return nil, errors.Errorf("node %s has no execution provider assigned, partition the graph first", n)
		}
		idx, found := streamIdxOf[providerType]
		if !found {
			idx = len(plan.streams)
			streamIdxOf[providerType] = idx
			plan.streams = append(plan.streams, &LogicalStream{providerType: providerType})
		}
		streamForNode[n.Index()] = idx
	}

	notificationOf := make(map[int]int)        // Producer node index → notification index.
	waited := make(map[[2]int]bool)            // (consumer stream, producer node) already synchronized.
	pendingSync := make([]map[int][]Step, len(plan.streams))
	for i := range pendingSync {
		pendingSync[i] = make(map[int][]Step)
	}

	for _, n := range g.Nodes() {
		consumerStream := streamForNode[n.Index()]
		stream := plan.streams[consumerStream]

		// Waits for remote producers come right before the launch, carrying
		// the consumer's program counter.
		for _, arg := range slices.Concat(n.Inputs(), n.ImplicitInputs()) {
			producer := g.Producer(arg.Name())
			if producer == nil {
				continue // Graph input or initializer, always available.
			}
			producerStream := streamForNode[producer.Index()]
			if producerStream == consumerStream {
				continue
			}
			key := [2]int{consumerStream, producer.Index()}
			if waited[key] {
				// An earlier node of this stream already synchronized on the
				// producer; stream order covers this node.
				continue
			}
			waited[key] = true

			notifIdx, found := notificationOf[producer.Index()]
			if !found {
				notifIdx = len(plan.notificationOwners)
				notificationOf[producer.Index()] = notifIdx
				plan.notificationOwners = append(plan.notificationOwners, producerStream)
				pendingSync[producerStream][producer.Index()] = append(pendingSync[producerStream][producer.Index()],
					&ActivateNotificationStep{pc: producer.Index(), notificationIndex: notifIdx})
			}
			barrierIdx := plan.numBarriers
			plan.numBarriers++
			pendingSync[producerStream][producer.Index()] = append(pendingSync[producerStream][producer.Index()],
				&TriggerDownstreamStep{pc: producer.Index(), barrierIndex: barrierIdx})

			stream.steps = append(stream.steps,
				&BarrierStep{pc: n.Index(), barrierIndex: barrierIdx},
				&WaitOnNotificationStep{pc: n.Index(), notificationIndex: notifIdx})
		}

		stream.steps = append(stream.steps, &LaunchKernelStep{
			pc:        n.Index(),
			nodeIndex: n.Index(),
			nodeName:  n.Name(),
		})
	}
	if len(waited) > 0 {
		// Splice the producer-side sync steps in after their launches.
		for streamIdx, byProducer := range pendingSync {
			if len(byProducer) == 0 {
				continue
			}
			stream := plan.streams[streamIdx]
			spliced := make([]Step, 0, len(stream.steps))
			for _, step := range stream.steps {
				spliced = append(spliced, step)
				if launch, ok := step.(*LaunchKernelStep); ok {
					spliced = append(spliced, byProducer[launch.nodeIndex]...)
				}
			}
			stream.steps = spliced
		}
	}

	plan.endPC = g.NumNodes()
	klog.V(1).Infof("Compiled execution plan for graph %q: %d streams, %d steps, %d barriers, %d notifications",
		g.Name(), plan.NumStreams(), plan.NumSteps(), plan.numBarriers, plan.NumNotifications())
	return plan, nil
}
