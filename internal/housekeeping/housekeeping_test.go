package housekeeping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu       sync.Mutex
	lockTTLs []time.Duration
	saveTTLs []time.Duration
	locks    int
	saves    int
	err      error
}

func (f *fakeSweeper) ReleaseStaleLocks(_ context.Context, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockTTLs = append(f.lockTTLs, ttl)
	return f.locks, f.err
}

func (f *fakeSweeper) ClearStuckSaves(_ context.Context, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveTTLs = append(f.saveTTLs, ttl)
	return f.saves, f.err
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lockTTLs)
}

type recordingRecorder struct {
	counts map[string]int
}

func (r *recordingRecorder) HousekeepingReleased(kind string, count int) {
	r.counts[kind] += count
}

func TestSweepRecordsReleasedState(t *testing.T) {
	sweeper := &fakeSweeper{locks: 2, saves: 1}
	recorder := &recordingRecorder{counts: map[string]int{}}
	keeper, err := New(Config{Interval: time.Minute, LockTTL: 30 * time.Minute, SaveTTL: 10 * time.Minute}, sweeper, recorder, nil)
	require.NoError(t, err)

	keeper.Sweep(context.Background())

	require.Equal(t, []time.Duration{30 * time.Minute}, sweeper.lockTTLs)
	require.Equal(t, []time.Duration{10 * time.Minute}, sweeper.saveTTLs)
	require.Equal(t, map[string]int{"lock": 2, "save": 1}, recorder.counts)
}

func TestSweepSkipsDisabledThresholdsAndSurvivesErrors(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("database is closed")}
	recorder := &recordingRecorder{counts: map[string]int{}}
	keeper, err := New(Config{Interval: time.Minute, LockTTL: time.Minute}, sweeper, recorder, nil)
	require.NoError(t, err)

	keeper.Sweep(context.Background())

	require.Len(t, sweeper.lockTTLs, 1)
	require.Empty(t, sweeper.saveTTLs)
	require.Empty(t, recorder.counts)
}

func TestLoopRunsUntilStopped(t *testing.T) {
	sweeper := &fakeSweeper{}
	keeper, err := New(Config{Interval: 5 * time.Millisecond, LockTTL: time.Minute}, sweeper, nil, nil)
	require.NoError(t, err)

	keeper.Start()
	require.Eventually(t, func() bool { return sweeper.calls() >= 2 }, time.Second, 5*time.Millisecond)
	keeper.Stop()

	stopped := sweeper.calls()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, stopped, sweeper.calls())
}

func TestZeroIntervalDisablesLoop(t *testing.T) {
	sweeper := &fakeSweeper{}
	keeper, err := New(Config{LockTTL: time.Minute}, sweeper, nil, nil)
	require.NoError(t, err)
	keeper.Start()
	keeper.Stop()
	require.Zero(t, sweeper.calls())
}

func TestNewValidatesInput(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Interval: -time.Second}, &fakeSweeper{}, nil, nil)
	require.Error(t, err)
}
