package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Lifecycle(t *testing.T) {
	h, _ := newTestHub()
	s := h.NewSession(newFakeTransport(), 1)
	assert.Equal(t, hub.StateCreated, s.State())

	require.NoError(t, h.Subscribe(s))
	assert.Equal(t, hub.StateActive, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, hub.StateClosed, s.State())
	assert.Equal(t, "closed", s.State().String())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	h, _ := newTestHub()
	ft := newFakeTransport()
	s := h.NewSession(ft, 1)
	require.NoError(t, h.Subscribe(s))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, ft.Closed())
	assert.Zero(t, h.Len())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSession_RunStopsOnContextCancel(t *testing.T) {
	h, _ := newTestHub()
	ft := newFakeTransport()
	s := h.NewSession(ft, 1)
	require.NoError(t, h.Subscribe(s))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, h.Len(), "cancelled session must be unsubscribed")
	assert.Equal(t, hub.StateClosed, s.State())
}

func TestSession_RunStopsOnClose(t *testing.T) {
	h, _ := newTestHub()
	s := h.NewSession(newFakeTransport(), 1)
	require.NoError(t, h.Subscribe(s))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSession_IDsAreUnique(t *testing.T) {
	h, _ := newTestHub()
	a := h.NewSession(newFakeTransport(), 1)
	b := h.NewSession(newFakeTransport(), 1)
	assert.NotEqual(t, a.ID(), b.ID())
}
