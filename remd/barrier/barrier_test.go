package barrier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ctava-msft/d3-meld/internal/testutil"
	"github.com/ctava-msft/d3-meld/remd"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOpts(t *testing.T, tag string) (Options, string) {
	t.Helper()
	l := remd.NewLayout(t.TempDir())
	return Options{
		SentinelPath: l.ReadyPath(),
		Requires:     []string{l.DataStorePath()},
		RunTag:       tag,
		Interval:     5 * time.Millisecond,
		Timeout:      80 * time.Millisecond,
	}, l.DataStorePath()
}

var backends = []remd.BarrierBackend{remd.BarrierFile, remd.BarrierWatch}

func TestBarrier_SignalAfterStore_ObservedByEveryLaterPoll(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			// GIVEN a store written by the leader and the readiness signal published
			opts, store := newOpts(t, "run-a")
			leader, err := New(backend, opts)
			require.NoError(t, err)
			testutil.WriteFile(t, store, []byte("store"))
			require.NoError(t, leader.Signal())

			// WHEN another rank polls repeatedly
			waiter, err := New(backend, opts)
			require.NoError(t, err)

			// THEN every poll observes readiness (no false negatives once written)
			for i := 0; i < 5; i++ {
				ok, err := waiter.Ready()
				require.NoError(t, err)
				assert.True(t, ok)
			}
			assert.NoError(t, waiter.Wait(context.Background()))
		})
	}
}

func TestBarrier_SentinelWithoutStore_NotReady(t *testing.T) {
	opts, _ := newOpts(t, "run-a")
	b, err := New(remd.BarrierFile, opts)
	require.NoError(t, err)
	require.NoError(t, b.Signal())

	ok, err := b.Ready()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBarrier_StaleSentinelFromOtherRun_NotReady(t *testing.T) {
	// GIVEN a sentinel left behind by a run with another tag
	opts, store := newOpts(t, "old-run")
	testutil.WriteFile(t, store, []byte("store"))
	old, err := New(remd.BarrierFile, opts)
	require.NoError(t, err)
	require.NoError(t, old.Signal())

	// WHEN the current run checks readiness
	opts.RunTag = "new-run"
	cur, err := New(remd.BarrierFile, opts)
	require.NoError(t, err)
	ok, err := cur.Ready()

	// THEN the stale sentinel is not taken as readiness
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBarrier_Reset(t *testing.T) {
	opts, store := newOpts(t, "t")
	testutil.WriteFile(t, store, []byte("store"))
	b, err := New(remd.BarrierFile, opts)
	require.NoError(t, err)
	require.NoError(t, b.Signal())

	require.NoError(t, b.Reset())
	require.NoError(t, b.Reset(), "reset of an absent sentinel is a no-op")

	ok, err := b.Ready()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, testutil.Exists(t, opts.SentinelPath))
}

func TestBarrier_NeverSignalled_TimesOutAtOrAfterBound(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			opts, _ := newOpts(t, "t")
			b, err := New(backend, opts)
			require.NoError(t, err)

			start := time.Now()
			err = b.Wait(context.Background())

			var timeout *remd.BootstrapTimeoutError
			require.True(t, errors.As(err, &timeout), "got %v", err)
			assert.GreaterOrEqual(t, time.Since(start), opts.Timeout)
			assert.Equal(t, opts.Timeout, timeout.Timeout)
		})
	}
}

func TestBarrier_SignalWhileWaiting_Released(t *testing.T) {
	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			opts, store := newOpts(t, "t")
			opts.Timeout = 5 * time.Second
			require.NoError(t, os.MkdirAll(filepath.Dir(opts.SentinelPath), 0o755))
			b, err := New(backend, opts)
			require.NoError(t, err)

			done := make(chan struct{})
			go func() {
				defer close(done)
				time.Sleep(20 * time.Millisecond)
				_ = os.WriteFile(store, []byte("store"), 0o644)
				_ = b.Signal()
			}()

			err = b.Wait(context.Background())
			<-done
			assert.NoError(t, err)
		})
	}
}

func TestBarrier_WaitCancelled(t *testing.T) {
	opts, _ := newOpts(t, "t")
	opts.Timeout = time.Hour
	b, err := New(remd.BarrierWatch, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("redis", Options{SentinelPath: "x"})
	assert.Error(t, err)
	_, err = New(remd.BarrierFile, Options{})
	assert.Error(t, err)
}

func TestReadSentinel_RecordsTag(t *testing.T) {
	opts, _ := newOpts(t, "tag-1")
	b, err := New(remd.BarrierFile, opts)
	require.NoError(t, err)
	require.NoError(t, b.Signal())

	s, err := ReadSentinel(opts.SentinelPath)
	require.NoError(t, err)
	assert.Equal(t, "tag-1", s.RunTag)
	assert.Equal(t, os.Getpid(), s.PID)
	assert.False(t, s.WrittenAt.IsZero())
}

func TestFileBarrier_FallbackPollKeepsOriginalBound(t *testing.T) {
	// GIVEN a 2s bound of which all but 50ms was spent watching for events
	opts, _ := newOpts(t, "t")
	opts.Timeout = 2 * time.Second
	b := &FileBarrier{opts: opts}
	began := time.Now().Add(-opts.Timeout + 50*time.Millisecond)

	// WHEN the wait falls back to polling
	start := time.Now()
	err := b.pollFrom(context.Background(), began)

	// THEN it times out when the original bound runs out, not a full bound later
	var timeout *remd.BootstrapTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, timeout.Elapsed, opts.Timeout)

	// an already expired bound checks readiness once and returns
	start = time.Now()
	err = b.pollFrom(context.Background(), time.Now().Add(-time.Minute))
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
