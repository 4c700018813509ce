package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeReaper struct {
	calls atomic.Int32
}

func (f *fakeReaper) ReapStaleSessions(ctx context.Context) int {
	f.calls.Add(1)
	return 1
}

type fakeSnapshots struct {
	revisions []string
	err       error
}

func (f *fakeSnapshots) Revision(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	rev := f.revisions[0]
	if len(f.revisions) > 1 {
		f.revisions = f.revisions[1:]
	}
	return rev, nil
}

type fakePurger struct {
	calls int
}

func (f *fakePurger) PurgeExpired() (int, error) {
	f.calls++
	return 2, nil
}

func TestReconcile(t *testing.T) {
	reaper := &fakeReaper{}
	snaps := &fakeSnapshots{revisions: []string{"a", "b"}}
	purger := &fakePurger{}
	r := NewReconciler(reaper, snaps, WithPurger(purger))

	r.Reconcile(context.Background())
	assert.Equal(t, "a", r.Revision())
	assert.Equal(t, int32(1), reaper.calls.Load())
	assert.Equal(t, 1, purger.calls)

	r.Reconcile(context.Background())
	assert.Equal(t, "b", r.Revision())
	assert.Equal(t, int32(2), reaper.calls.Load())
}

func TestReconcileSnapshotError(t *testing.T) {
	reaper := &fakeReaper{}
	r := NewReconciler(reaper, &fakeSnapshots{err: errors.New("store down")})

	r.Reconcile(context.Background())
	assert.Empty(t, r.Revision())
	assert.Equal(t, int32(1), reaper.calls.Load())
}

func TestStartStop(t *testing.T) {
	reaper := &fakeReaper{}
	r := NewReconciler(reaper, nil, WithInterval(10*time.Millisecond))
	r.Start()

	assert.Eventually(t, func() bool { return reaper.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
}
