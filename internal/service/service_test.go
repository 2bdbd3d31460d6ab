package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/chain/chaintest"
	"whale-mirror/internal/discovery"
	"whale-mirror/internal/scheduler"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/storage/memory"
	"whale-mirror/internal/validator"
)

type stubLocker struct {
	acquired bool
	err      error
	unlocked int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

func newCoordinator() *discovery.Coordinator {
	reader := chaintest.NewReader(100)
	factory := func(context.Context) (chain.Reader, func(), error) {
		return reader, func() {}, nil
	}
	return discovery.NewCoordinator(discovery.Options{
		Profiles: []discovery.Profile{{Name: "active_whale", BlocksBack: 10, MinTrades: 1}},
	}, factory, nil, nil, nil, zerolog.Nop())
}

func TestRunRoundUnderLock(t *testing.T) {
	coord := newCoordinator()
	locker := &stubLocker{acquired: true}
	svc := New(Options{Coordinator: coord, Locker: locker, LockKey: 42}, zerolog.Nop())

	require.NoError(t, svc.RunRound(context.Background(), time.Now()))
	assert.Len(t, coord.History(), 1)
	assert.Equal(t, 1, locker.unlocked)
}

func TestRunRoundSkipsWhenLockHeld(t *testing.T) {
	coord := newCoordinator()
	svc := New(Options{Coordinator: coord, Locker: &stubLocker{}, LockKey: 42}, zerolog.Nop())

	require.NoError(t, svc.RunRound(context.Background(), time.Now()))
	assert.Empty(t, coord.History())
}

func TestRunRoundLockError(t *testing.T) {
	coord := newCoordinator()
	svc := New(Options{Coordinator: coord, Locker: &stubLocker{err: errors.New("db down")}, LockKey: 42}, zerolog.Nop())

	err := svc.RunRound(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire advisory lock")
	assert.Empty(t, coord.History())
}

func TestRunRoundWithoutLockKey(t *testing.T) {
	coord := newCoordinator()
	svc := New(Options{Coordinator: coord, Locker: &stubLocker{}}, zerolog.Nop())

	require.NoError(t, svc.RunRound(context.Background(), time.Now()))
	assert.Len(t, coord.History(), 1)
}

func TestRestorePrimesTrackedSet(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	require.NoError(t, repo.SaveWhale(ctx, storage.WhaleRecord{Address: "0xaa", RiskMultiplier: 1}))
	require.NoError(t, repo.SaveWhale(ctx, storage.WhaleRecord{Address: "0xbb", RiskMultiplier: 1}))
	require.NoError(t, repo.MarkDiscarded(ctx, "0xbb", "gate"))

	v := validator.New(nil, nil, repo, nil, nil, nil, validator.Options{}, zerolog.Nop())
	svc := New(Options{Validator: v, Repo: repo}, zerolog.Nop())

	require.NoError(t, svc.Restore(ctx))
	assert.True(t, v.Tracked("0xAA"))
	assert.False(t, v.Tracked("0xbb"))
}

func TestRunStopsOnCancel(t *testing.T) {
	coord := newCoordinator()
	sched := scheduler.New(scheduler.Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())
	svc := New(Options{Scheduler: sched, Coordinator: coord, Repo: memory.New()}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(coord.History()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestRunRequiresComponents(t *testing.T) {
	err := New(Options{}, zerolog.Nop()).Run(context.Background())
	require.Error(t, err)
}
