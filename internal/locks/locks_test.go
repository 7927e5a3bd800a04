package locks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, options ...Option) (*Manager, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "logs", DefaultFileName))
	require.NoError(t, err)
	mgr, err := NewManager(store, options...)
	require.NoError(t, err)
	return mgr, store
}

func TestAcquireConflictRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	hardened := []string{LaneKey("hardened"), DirKey("/src/build-hardened")}
	valgrind := []string{LaneKey("valgrind"), DirKey("/src/build-hardened/")}

	require.NoError(t, mgr.Acquire(ctx, "campaign-1", hardened))

	err := mgr.Acquire(ctx, "campaign-2", valgrind)
	if !errors.Is(err, ErrLaneLocked) {
		t.Fatalf("shared build dir err = %v, want ErrLaneLocked", err)
	}
	assert.Contains(t, err.Error(), "dir:/src/build-hardened")

	require.NoError(t, mgr.Acquire(ctx, "campaign-2", []string{LaneKey("asan"), DirKey("/src/build-asan")}))

	holders, err := mgr.Holders(ctx, []string{LaneKey("hardened")})
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, "campaign-1", holders[0].Campaign)

	require.NoError(t, mgr.Release(ctx, "campaign-1"))
	require.NoError(t, mgr.Release(ctx, "campaign-1"))
	require.NoError(t, mgr.Acquire(ctx, "campaign-3", valgrind))
}

func TestReacquireBySameCampaignReplacesReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, store := newTestManager(t)

	require.NoError(t, mgr.Acquire(ctx, "campaign-1", []string{LaneKey("asan")}))
	require.NoError(t, mgr.Acquire(ctx, "campaign-1", []string{LaneKey("asan"), LaneKey("asan")}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, []string{"lane:asan"}, loaded[0].Keys)
}

func TestExpiredReservationDoesNotBlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, _ := newTestManager(t, WithLease(time.Second))

	t0 := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return t0 }
	require.NoError(t, mgr.Acquire(ctx, "campaign-1", []string{LaneKey("ubsan")}))

	mgr.now = func() time.Time { return t0.Add(2 * time.Second) }
	holders, err := mgr.Holders(ctx, []string{LaneKey("ubsan")})
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestDeadLocalProcessReservationIsStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, store := newTestManager(t)
	_, statErr := os.Stat(filepath.Dir(store.Path()))
	require.True(t, os.IsNotExist(statErr), "lock dir should not exist before the first write")

	require.NoError(t, store.write([]Reservation{
		{Campaign: "crashed", Keys: []string{LaneKey("valgrind")}, Host: mgr.host, PID: 99999},
		{Campaign: "remote", Keys: []string{LaneKey("asan")}, Host: "other-host", PID: 99998},
	}))
	mgr.alive = func(int) bool { return false }

	require.NoError(t, mgr.Acquire(ctx, "campaign-2", []string{LaneKey("valgrind")}))
	err := mgr.Acquire(ctx, "campaign-3", []string{LaneKey("asan")})
	if !errors.Is(err, ErrLaneLocked) {
		t.Fatalf("remote reservation err = %v, want ErrLaneLocked", err)
	}
}

func TestAcquireRejectsEmptyInput(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)

	tests := []struct {
		name     string
		campaign string
		keys     []string
	}{
		{name: "no campaign", campaign: " ", keys: []string{LaneKey("asan")}},
		{name: "no keys", campaign: "c", keys: nil},
		{name: "blank keys", campaign: "c", keys: []string{"", "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mgr.Acquire(context.Background(), tt.campaign, tt.keys); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFileStoreLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	store, err := NewFileStore(path)
	require.NoError(t, err)

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = store.Load(ctx)
	assert.Error(t, err)

	err = store.Update(ctx, func([]Reservation) ([]Reservation, error) { return nil, nil })
	assert.Error(t, err, "update must not overwrite a corrupt file")
}

func TestFileStoreSerializesConcurrentAcquires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFileName)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store, err := NewFileStore(path)
			if err != nil {
				errs[i] = err
				return
			}
			mgr, err := NewManager(store)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = mgr.Acquire(ctx, "campaign-"+string(rune('a'+i)), []string{LaneKey("asan")})
		}()
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrLaneLocked):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
}

func TestFlockHonorsContext(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	store, err := NewFileStore(path)
	require.NoError(t, err)

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.Update(context.Background(), func(r []Reservation) ([]Reservation, error) {
			close(holding)
			<-done
			return r, nil
		})
	}()
	<-holding
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = store.Update(ctx, func(r []Reservation) ([]Reservation, error) { return r, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLaneLockerReleaseSurvivesCanceledContext(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	locker, err := NewLaneLocker(mgr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	release, err := locker.Acquire(ctx, "campaign-1", []string{LaneKey("ubsan")})
	require.NoError(t, err)

	_, err = locker.Acquire(context.Background(), "campaign-2", []string{LaneKey("ubsan")})
	assert.ErrorIs(t, err, ErrLaneLocked)

	cancel()
	require.NoError(t, release())
	holders, err := mgr.Holders(context.Background(), []string{LaneKey("ubsan")})
	require.NoError(t, err)
	assert.Empty(t, holders)
}
