package streams

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostStream(t *testing.T) {
	s := NewHostStream("cpu")
	assert.Equal(t, "cpu", s.ProviderType())
	require.NoError(t, s.Sync())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // Idempotent.
	require.Error(t, s.Sync())
}

func TestHostNotification(t *testing.T) {
	s := NewHostStream("cpu")
	n := s.MakeNotification()
	assert.False(t, n.Activated())

	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()
	n.Activate()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Activate")
	}
	assert.True(t, n.Activated())
	n.Activate() // Second activation is a no-op.
	assert.True(t, n.Activated())
}

func TestCollection(t *testing.T) {
	a := NewHostStream("cpu")
	b := NewHostStream("cpu")
	c := NewCollection([]Stream{a, b})
	assert.Equal(t, 2, c.Len())
	assert.Same(t, Stream(a), c.Stream(0))
	require.NoError(t, c.SyncAll())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // Idempotent.
	require.Error(t, a.Sync())
	require.Error(t, b.Sync())
}
