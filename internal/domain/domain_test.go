package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	d1 := r.GetOrCreate("example.com")
	d2 := r.GetOrCreate("example.com")
	assert.Same(t, d1, d2)
	assert.Equal(t, Unknown, d1.State)
}

func TestRegistryGetAndSeed(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("example.com")
	assert.False(t, ok)

	r.Seed(&Domain{Name: "example.com", State: Safe})
	d, ok := r.Get("example.com")
	require.True(t, ok)
	assert.Equal(t, Safe, d.State)
}

func TestSchedulingAllowedAndBlocked(t *testing.T) {
	d := &Domain{State: Safe}
	assert.True(t, d.SchedulingAllowed())
	assert.False(t, d.IsBlocked())

	d.State = AutoBlocked
	assert.False(t, d.SchedulingAllowed())
	assert.True(t, d.IsBlocked())
}

func TestRecordSuccessClearsFailStreak(t *testing.T) {
	d := &Domain{FailStreak: 3, TempUnreachable: true}
	d.RecordSuccess()
	assert.Equal(t, 0, d.FailStreak)
	assert.False(t, d.TempUnreachable)
}

func TestRecordTemporaryFailureAdvancesAndEventuallyUnreachable(t *testing.T) {
	d := &Domain{}
	now := time.Now()
	becameUnreachable := d.RecordTemporaryFailure(now)
	assert.False(t, becameUnreachable)
	assert.Equal(t, 1, d.FailStreak)
	assert.True(t, d.NextReq.After(now))
	assert.True(t, d.TempUnreachable)

	d.FailStreak = len(RetryTimers)
	becameUnreachable = d.RecordTemporaryFailure(now)
	assert.True(t, becameUnreachable)
	assert.Equal(t, Unreachable, d.State)
}

func TestMaybeAutoBlockThreshold(t *testing.T) {
	d := &Domain{State: Unknown, FailedItems: 49, FetchedItems: 0}
	d.MaybeAutoBlock()
	assert.Equal(t, Unknown, d.State)

	d.FailedItems = 50
	d.MaybeAutoBlock()
	assert.Equal(t, AutoBlocked, d.State)
}

func TestMaybeAutoBlockSkipsAlreadyDecidedStates(t *testing.T) {
	d := &Domain{State: Blocked, FailedItems: 1000, FetchedItems: 0}
	d.MaybeAutoBlock()
	assert.Equal(t, Blocked, d.State)
}

func TestReserveSlotNeverMovesNextReqBackwards(t *testing.T) {
	d := &Domain{}
	now := time.Now()
	d.ReserveSlot(now, time.Second)
	first := d.NextReq
	d.ReserveSlot(now, time.Millisecond)
	assert.True(t, d.NextReq.Equal(first) || d.NextReq.After(first))
}

func TestRefreshTempUnreachableSelfClears(t *testing.T) {
	now := time.Now()
	d := &Domain{TempUnreachable: true, NextReq: now.Add(-time.Second)}
	d.RefreshTempUnreachable(now)
	assert.False(t, d.TempUnreachable)

	d2 := &Domain{TempUnreachable: true, NextReq: now.Add(time.Hour)}
	d2.RefreshTempUnreachable(now)
	assert.True(t, d2.TempUnreachable)
}
