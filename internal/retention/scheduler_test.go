package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/documents"
	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

type recordingPurger struct {
	mu      sync.Mutex
	cutoffs []shard.Date
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (p *recordingPurger) PurgeBefore(ctx context.Context, cutoff shard.Date) (documents.PurgeResult, error) {
	p.mu.Lock()
	p.cutoffs = append(p.cutoffs, cutoff)
	block, entered, err := p.block, p.entered, p.err
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return documents.PurgeResult{}, err
	}
	return documents.PurgeResult{ShardsDropped: 1, RowsDeleted: 4}, nil
}

func (p *recordingPurger) Cutoffs() []shard.Date {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]shard.Date(nil), p.cutoffs...)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, 3, config.TimeOfDay{Hour: 2})
	assert.True(t, errs.IsValidation(err))

	_, err = New(&recordingPurger{}, 0, config.TimeOfDay{Hour: 2})
	assert.True(t, errs.IsValidation(err))

	_, err = New(&recordingPurger{}, 3, config.TimeOfDay{Hour: 24})
	assert.True(t, errs.IsValidation(err))
}

func TestNextFire(t *testing.T) {
	at := config.TimeOfDay{Hour: 2, Minute: 30}
	day := func(d, h, m int) time.Time {
		return time.Date(2024, 6, d, h, m, 0, 0, time.Local)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before fire time", day(10, 1, 0), day(10, 2, 30)},
		{"exactly at fire time", day(10, 2, 30), day(11, 2, 30)},
		{"after fire time", day(10, 14, 0), day(11, 2, 30)},
		{"just before midnight", day(10, 23, 59), day(11, 2, 30)},
		{"month boundary", time.Date(2024, 6, 30, 3, 0, 0, 0, time.Local), time.Date(2024, 7, 1, 2, 30, 0, 0, time.Local)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(nextFire(tt.now, at)), "got %s", nextFire(tt.now, at))
		})
	}
}

func TestTriggerNow_UsesRetentionWindow(t *testing.T) {
	p := &recordingPurger{}
	s, err := New(p, 3, config.TimeOfDay{Hour: 2},
		WithClock(fixedClock(time.Date(2024, 6, 14, 9, 0, 0, 0, time.Local))))
	require.NoError(t, err)

	res, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, documents.PurgeResult{ShardsDropped: 1, RowsDeleted: 4}, res)
	assert.Equal(t, []shard.Date{"2024-06-12"}, p.Cutoffs())
	assert.Equal(t, int64(1), s.Runs())
}

func TestPurgeDaysAgo(t *testing.T) {
	p := &recordingPurger{}
	s, err := New(p, 3, config.TimeOfDay{Hour: 2},
		WithClock(fixedClock(time.Date(2024, 6, 14, 9, 0, 0, 0, time.Local))))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.PurgeDaysAgo(ctx, 1)
	require.NoError(t, err)
	_, err = s.PurgeDaysAgo(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []shard.Date{"2024-06-14", "2024-06-08"}, p.Cutoffs())

	_, err = s.PurgeDaysAgo(ctx, 0)
	assert.True(t, errs.IsValidation(err))
}

func TestRunOnce_SkipsWhileRunning(t *testing.T) {
	p := &recordingPurger{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	s, err := New(p, 3, config.TimeOfDay{Hour: 2})
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow(ctx)
		done <- err
	}()
	<-p.entered
	assert.True(t, s.Running())

	_, err = s.TriggerNow(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = s.PurgeDaysAgo(ctx, 1)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(p.block)
	require.NoError(t, <-done)
	assert.False(t, s.Running())
	assert.Len(t, p.Cutoffs(), 1)

	_, err = s.TriggerNow(ctx)
	assert.NoError(t, err)
}

func TestRunOnce_ErrorReturnsToIdle(t *testing.T) {
	p := &recordingPurger{err: errs.Store("delete", errors.New("disk I/O error"))}
	s, err := New(p, 3, config.TimeOfDay{Hour: 2})
	require.NoError(t, err)

	_, err = s.TriggerNow(context.Background())
	assert.ErrorIs(t, err, errs.ErrStore)
	assert.False(t, s.Running())
	assert.Equal(t, int64(1), s.Runs())
}

func TestStartStop_FiresAtScheduledTime(t *testing.T) {
	p := &recordingPurger{}
	// 50ms before the 02:00 slot.
	now := time.Date(2024, 6, 14, 1, 59, 59, 950_000_000, time.Local)
	s, err := New(p, 3, config.TimeOfDay{Hour: 2}, WithClock(fixedClock(now)))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	// The next slot is a day away, so a frozen clock does not refire.
	assert.Equal(t, []shard.Date{"2024-06-12"}, p.Cutoffs())
	s.Stop()
}

func TestStop_WithoutStart(t *testing.T) {
	s, err := New(&recordingPurger{}, 3, config.TimeOfDay{Hour: 2})
	require.NoError(t, err)
	s.Stop()
}

func TestStart_AfterStop(t *testing.T) {
	s, err := New(&recordingPurger{}, 3, config.TimeOfDay{Hour: 2})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
