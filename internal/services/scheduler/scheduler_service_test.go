package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

type memoryJobs struct {
	mu   sync.Mutex
	jobs map[string]models.ScheduledJob
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{jobs: map[string]models.ScheduledJob{}}
}

func (m *memoryJobs) SaveScheduledJob(ctx context.Context, job *models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memoryJobs) GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &job, nil
}

func (m *memoryJobs) GetScheduledJobByName(ctx context.Context, name string) (*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.Name == name {
			j := job
			return &j, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (m *memoryJobs) ListScheduledJobs(ctx context.Context) ([]*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*models.ScheduledJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		j := job
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memoryJobs, *recordingNotifier, *fakeClock) {
	t.Helper()
	config := common.NewDefaultConfig()
	config.Scheduler.MisfireGrace = "5m"
	config.Scheduler.RetryInitialBackoff = "1m"
	config.Scheduler.MaxRetries = 2

	storage := newMemoryJobs()
	notifier := &recordingNotifier{}
	clock := &fakeClock{now: t0}
	svc := NewService(storage, notifier, config, arbor.NewLogger()).WithClock(clock.Now)
	return svc, storage, notifier, clock
}

func hourly(policy models.MisfirePolicy) TriggerSpec {
	return TriggerSpec{Name: "cycle", Handler: "autoapply", Expression: "@every 1h", MisfirePolicy: policy}
}

func TestSchedule_IdempotentByName(t *testing.T) {
	svc, storage, _, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.Schedule(ctx, hourly(""))
	require.NoError(t, err)

	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, t0.Add(time.Hour), job.NextRunAt)
	assert.Equal(t, models.MisfireReschedule, job.MisfirePolicy, "default policy")
	assert.Equal(t, 5*time.Minute, job.MisfireGrace)

	spec := hourly(models.MisfireSkip)
	spec.Expression = "@every 30m"
	again, err := svc.Schedule(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	job, err = storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "@every 30m", job.TriggerSpec)
	assert.Equal(t, models.MisfireSkip, job.MisfirePolicy)
	assert.Equal(t, t0.Add(30*time.Minute), job.NextRunAt)

	jobs, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSchedule_RejectsInvalidInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	var cfgErr *common.ConfigurationError

	_, err := svc.Schedule(context.Background(), TriggerSpec{Name: "x", Handler: "h", Expression: "every tuesday"})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = svc.Schedule(context.Background(), TriggerSpec{Name: "x", Handler: "h", Expression: "@hourly", MisfirePolicy: "SOMETIMES"})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = svc.Schedule(context.Background(), TriggerSpec{Handler: "h", Expression: "@hourly"})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestTick_FiresDueJob(t *testing.T) {
	svc, storage, _, clock := newTestService(t)
	ctx := context.Background()

	var calls int32
	svc.Bind("autoapply", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	id, err := svc.Schedule(ctx, hourly(""))
	require.NoError(t, err)

	require.NoError(t, svc.Tick(ctx))
	svc.Wait()
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "not due yet")

	fireAt := t0.Add(time.Hour + 10*time.Second)
	clock.Set(fireAt)
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Equal(t, fireAt, job.LastRunAt)
	assert.Equal(t, fireAt.Add(time.Hour), job.NextRunAt)
	assert.Empty(t, job.LastError)
}

func TestTick_MisfireReschedulesOneCatchUpRun(t *testing.T) {
	svc, storage, _, clock := newTestService(t)
	ctx := context.Background()

	var calls int32
	var seen models.ScheduledJob
	var id string
	svc.Bind("autoapply", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		job, err := storage.GetScheduledJob(ctx, id)
		if err == nil {
			seen = *job
		}
		return nil
	})
	id, err := svc.Schedule(ctx, hourly(models.MisfireReschedule))
	require.NoError(t, err)

	late := t0.Add(5 * time.Hour) // four slots missed
	clock.Set(late)
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, late, seen.NextRunAt, "catch-up fires at now")
	assert.Equal(t, models.JobStatusMissed, seen.LastStatus)
	assert.Equal(t, models.JobStatusRunning, seen.Status)

	require.NoError(t, svc.Tick(ctx))
	svc.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "one catch-up run, not one per missed slot")

	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Equal(t, late.Add(time.Hour), job.NextRunAt)
}

func TestTick_MisfireSkip(t *testing.T) {
	svc, storage, notifier, clock := newTestService(t)
	ctx := context.Background()

	var calls int32
	svc.Bind("autoapply", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	id, err := svc.Schedule(ctx, hourly(models.MisfireSkip))
	require.NoError(t, err)

	late := t0.Add(3 * time.Hour)
	clock.Set(late)
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusMissed, job.Status)
	assert.Equal(t, late.Add(time.Hour), job.NextRunAt)
	assert.Empty(t, notifier.sent)
}

func TestTick_MisfireNotify(t *testing.T) {
	svc, storage, notifier, clock := newTestService(t)
	ctx := context.Background()

	var calls int32
	svc.Bind("autoapply", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	id, err := svc.Schedule(ctx, hourly(models.MisfireNotify))
	require.NoError(t, err)

	late := t0.Add(3 * time.Hour)
	clock.Set(late)
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotificationMisfire, notifier.sent[0].Type)
	require.NotNil(t, notifier.sent[0].Job)
	assert.Equal(t, id, notifier.sent[0].Job.ID)

	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, late.Add(time.Hour), job.NextRunAt)
}

func TestTick_TransientErrorRetriesWithBackoff(t *testing.T) {
	svc, storage, _, clock := newTestService(t)
	ctx := context.Background()

	svc.Bind("autoapply", func(ctx context.Context) error {
		return errors.New("search api unavailable")
	})
	id, err := svc.Schedule(ctx, hourly(""))
	require.NoError(t, err)

	fireAt := t0.Add(time.Hour)
	clock.Set(fireAt)
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "search api unavailable")
	backoff := job.NextRunAt.Sub(fireAt)
	assert.GreaterOrEqual(t, backoff, 45*time.Second)
	assert.LessOrEqual(t, backoff, 75*time.Second)

	// Exhaust the remaining retries; the job then resumes its cadence
	for i := 0; i < 2; i++ {
		clock.Set(job.NextRunAt)
		require.NoError(t, svc.Tick(ctx))
		svc.Wait()
		job, err = storage.GetScheduledJob(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, clock.Now().Truncate(time.Second).Add(time.Hour), job.NextRunAt)
}

func TestTick_PermanentErrorKeepsCadence(t *testing.T) {
	svc, storage, _, clock := newTestService(t)
	ctx := context.Background()

	svc.Bind("autoapply", func(ctx context.Context) error {
		return common.NewConfigurationError("platforms.seek", "missing apply button")
	})
	id, err := svc.Schedule(ctx, hourly(""))
	require.NoError(t, err)

	fireAt := t0.Add(time.Hour)
	clock.Set(fireAt)
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, fireAt.Add(time.Hour), job.NextRunAt)
}

func TestTick_PanicMarksErrorWithoutAffectingOthers(t *testing.T) {
	svc, storage, _, clock := newTestService(t)
	ctx := context.Background()

	var healthy int32
	svc.Bind("boom", func(ctx context.Context) error { panic("nil map") })
	svc.Bind("ok", func(ctx context.Context) error {
		atomic.AddInt32(&healthy, 1)
		return nil
	})
	boomID, err := svc.Schedule(ctx, TriggerSpec{Name: "boom", Handler: "boom", Expression: "@every 1h"})
	require.NoError(t, err)
	okID, err := svc.Schedule(ctx, TriggerSpec{Name: "ok", Handler: "ok", Expression: "@every 1h"})
	require.NoError(t, err)

	clock.Set(t0.Add(time.Hour))
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	boom, err := storage.GetScheduledJob(ctx, boomID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, boom.Status)
	assert.Contains(t, boom.LastError, "panic")

	ok, err := storage.GetScheduledJob(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, ok.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&healthy))
}

func TestTick_UnboundHandler(t *testing.T) {
	svc, storage, _, clock := newTestService(t)
	ctx := context.Background()

	id, err := svc.Schedule(ctx, hourly(""))
	require.NoError(t, err)
	clock.Set(t0.Add(time.Hour))
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	job, err := storage.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Contains(t, job.LastError, "no handler bound")
}

func TestTick_RunningJobNotFiredTwice(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	release := make(chan struct{})
	var calls int32
	svc.Bind("autoapply", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	})
	_, err := svc.Schedule(ctx, hourly(""))
	require.NoError(t, err)

	clock.Set(t0.Add(time.Hour))
	require.NoError(t, svc.Tick(ctx))
	require.NoError(t, svc.Tick(ctx))
	close(release)
	svc.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRecover_InterruptedJobsBecomeDue(t *testing.T) {
	svc, storage, _, clock := newTestService(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveScheduledJob(ctx, &models.ScheduledJob{
		ID:            "sched_1",
		Name:          "cycle",
		Handler:       "autoapply",
		TriggerSpec:   "@every 1h",
		Status:        models.JobStatusRunning,
		NextRunAt:     t0,
		MisfirePolicy: models.MisfireSkip,
		MisfireGrace:  5 * time.Minute,
	}))
	require.NoError(t, storage.SaveScheduledJob(ctx, &models.ScheduledJob{
		ID:            "sched_2",
		Name:          "late",
		Handler:       "autoapply",
		TriggerSpec:   "@every 1h",
		Status:        models.JobStatusDone,
		NextRunAt:     t0,
		MisfirePolicy: models.MisfireSkip,
		MisfireGrace:  5 * time.Minute,
	}))

	now := t0.Add(2 * time.Hour)
	clock.Set(now)
	require.NoError(t, svc.Recover(ctx))

	interrupted, err := storage.GetScheduledJob(ctx, "sched_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, interrupted.Status)
	assert.Equal(t, "interrupted by restart", interrupted.LastError)
	assert.Equal(t, now, interrupted.NextRunAt)

	late, err := storage.GetScheduledJob(ctx, "sched_2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusMissed, late.Status)
	assert.Equal(t, now.Add(time.Hour), late.NextRunAt)
}

func TestTriggerNow(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	var calls int32
	svc.Bind("autoapply", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	id, err := svc.Schedule(ctx, hourly(""))
	require.NoError(t, err)

	job, err := svc.TriggerNow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, t0, job.NextRunAt)

	require.NoError(t, svc.Tick(ctx))
	svc.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = svc.TriggerNow(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	config := common.NewDefaultConfig()
	config.Scheduler.TickInterval = "10ms"
	storage := newMemoryJobs()
	svc := NewService(storage, &recordingNotifier{}, config, arbor.NewLogger())

	fired := make(chan struct{}, 1)
	svc.Bind("autoapply", func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	id, err := svc.Schedule(context.Background(), hourly(""))
	require.NoError(t, err)
	_, err = svc.TriggerNow(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.IsRunning())
	assert.Error(t, svc.Start(context.Background()))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}

	svc.Stop()
	assert.False(t, svc.IsRunning())

	job, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, models.JobStatusRunning, job.Status, "stop waits for in-flight runs")
}
