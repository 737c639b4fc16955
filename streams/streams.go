// Package streams abstracts the per-device work queues execution runs on.
//
// A Stream is an ordered queue of work on one device. Notifications are the
// cross-stream signaling primitive: the producing stream activates one, and
// any stream may wait on it. Host-only providers use HostStream, where work
// runs inline and synchronization degenerates to latches.
package streams

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/internal/xsync"
)

// Notification is a one-shot cross-stream signal. It is created by the stream
// that will activate it (see Stream.MakeNotification) and may be waited on by
// any other stream.
type Notification interface {
	// Activate signals the notification. Activating twice is a no-op.
	Activate()
	// Wait blocks until the notification is activated.
	Wait()
	// Activated reports whether Activate was already called.
	Activated() bool
}

// Stream is an ordered work queue on one device.
type Stream interface {
	// ProviderType identifies the execution provider the stream belongs to.
	ProviderType() string
	// Sync blocks until all work enqueued so far has completed.
	Sync() error
	// MakeNotification creates a notification owned by this stream.
	MakeNotification() Notification
	// Close releases the stream. Closing twice is a no-op.
	Close() error
}

// HostStream is a Stream for providers that execute work inline on the
// calling goroutine. Sync has nothing to wait for, and notifications are
// plain latches.
type HostStream struct {
	providerType string
	closed       atomic.Bool
}

// NewHostStream creates a host stream for the given provider type.
func NewHostStream(providerType string) *HostStream {
	return &HostStream{providerType: providerType}
}

func (s *HostStream) ProviderType() string { return s.providerType }

func (s *HostStream) Sync() error {
	if s.closed.Load() {
		return errors.Errorf("stream of provider %q is closed", s.providerType)
	}
	return nil
}

func (s *HostStream) MakeNotification() Notification {
	return &hostNotification{latch: xsync.NewLatch()}
}

func (s *HostStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *HostStream) String() string {
	return fmt.Sprintf("HostStream(%s)", s.providerType)
}

type hostNotification struct {
	latch *xsync.Latch
}

func (n *hostNotification) Activate()       { n.latch.Trigger() }
func (n *hostNotification) Wait()           { n.latch.Wait() }
func (n *hostNotification) Activated() bool { return n.latch.Test() }

// Collection owns one device stream per logical stream of an execution plan.
// Ownership is exclusive: the owner either returns it to the session's pool
// or closes it, never both.
type Collection struct {
	streams []Stream
	closed  bool
}

// NewCollection wraps the given streams. The i-th stream backs the i-th
// logical stream of the plan the collection was built for.
func NewCollection(streams []Stream) *Collection {
	return &Collection{streams: streams}
}

// Len returns the number of streams.
func (c *Collection) Len() int { return len(c.streams) }

// Stream returns the device stream backing logical stream i.
func (c *Collection) Stream(i int) Stream { return c.streams[i] }

// SyncAll blocks until every stream drained its enqueued work.
func (c *Collection) SyncAll() error {
	for i, s := range c.streams {
		if err := s.Sync(); err != nil {
			return errors.WithMessagef(err, "syncing device stream #%d", i)
		}
	}
	return nil
}

// Close releases every stream. It is idempotent. Errors from individual
// streams are logged, and the first one is returned.
func (c *Collection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for i, s := range c.streams {
		if err := s.Close(); err != nil {
			klog.Warningf("Error closing device stream #%d (%s): %v", i, s.ProviderType(), err)
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "closing device stream #%d", i)
			}
		}
	}
	return firstErr
}
