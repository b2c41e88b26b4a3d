package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gediminasel/activitypub-resilience/internal/domain"
	"github.com/gediminasel/activitypub-resilience/internal/queue"
)

func TestPutAndGetFirstAvailableImmediatelyEligible(t *testing.T) {
	s := New(4, 50*time.Millisecond)
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	row := &queue.Row{URI: "https://example.com/a"}
	d := &domain.Domain{Name: "example.com", State: domain.Unknown}

	require.NoError(t, s.Put(ctx, row, d))
	gotRow, gotDomain, err := s.GetFirstAvailable(ctx)
	require.NoError(t, err)
	require.Equal(t, row, gotRow)
	require.Equal(t, d, gotDomain)
}

func TestGetFirstAvailableParksIneligibleUntilPromoted(t *testing.T) {
	s := New(4, 40*time.Millisecond)
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	row := &queue.Row{URI: "https://example.com/a"}
	d := &domain.Domain{Name: "example.com", NextReq: time.Now().Add(100 * time.Millisecond)}

	require.NoError(t, s.Put(ctx, row, d))

	start := time.Now()
	gotRow, _, err := s.GetFirstAvailable(ctx)
	require.NoError(t, err)
	require.Equal(t, row, gotRow)
	require.True(t, time.Since(start) >= 50*time.Millisecond, "should wait for the promotion loop")
}

func TestPutRespectsFreeSlotCapAndContextCancellation(t *testing.T) {
	s := New(1, time.Second)
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &queue.Row{URI: "a"}, &domain.Domain{}))

	blockedCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Put(blockedCtx, &queue.Row{URI: "b"}, &domain.Domain{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInFlightReflectsHeldSlots(t *testing.T) {
	s := New(2, time.Second)
	defer s.Stop()

	ctx := context.Background()
	require.Equal(t, 0, s.InFlight())
	require.NoError(t, s.Put(ctx, &queue.Row{URI: "a"}, &domain.Domain{}))
	require.Equal(t, 1, s.InFlight())

	_, _, err := s.GetFirstAvailable(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, s.InFlight())
}
