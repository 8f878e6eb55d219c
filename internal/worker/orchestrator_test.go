package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"adventure-server/internal/mocks"
	"adventure-server/internal/models"
	"adventure-server/internal/worker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// builderFunc позволяет задать построитель дерева функцией.
type builderFunc func(ctx context.Context, theme string, check func(context.Context) error) (*models.StoryGraph, error)

func (f builderFunc) Build(ctx context.Context, theme string, check func(context.Context) error) (*models.StoryGraph, error) {
	return f(ctx, theme, check)
}

func tinyGraph(theme string) *models.StoryGraph {
	g := models.NewStoryGraph(theme)
	g.Title = "Tiny"
	g.Root = g.AddNode(models.GraphNode{Content: "It ends at once.", IsEnding: true})
	return g
}

type fixture struct {
	jobs       *mocks.MockJobRepository
	stories    *mocks.MockStoryRepository
	notifier   *mocks.MockNotifier
	cancels    *worker.MemoryCancelStore
	dispatcher *worker.ChannelDispatcher
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		jobs:       mocks.NewMockJobRepository(t),
		stories:    mocks.NewMockStoryRepository(t),
		notifier:   mocks.NewMockNotifier(t),
		cancels:    worker.NewMemoryCancelStore(),
		dispatcher: worker.NewChannelDispatcher(16),
	}
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

var defaultConfig = worker.Config{Workers: 2, QueueSize: 16, PollInterval: time.Hour, StaleTimeout: time.Minute}

func (f *fixture) orchestrator(b builderFunc) *worker.Orchestrator {
	return f.orchestratorWith(defaultConfig, b)
}

func (f *fixture) orchestratorWith(cfg worker.Config, b builderFunc) *worker.Orchestrator {
	f.jobs.On("Heartbeat", mock.Anything, mock.Anything).Return(nil).Maybe()
	return worker.NewOrchestrator(f.jobs, f.stories, b, f.cancels, f.dispatcher, f.notifier, cfg, zap.NewNop())
}

// start запускает оркестратор без зависших и ожидающих задач в хранилище.
func (f *fixture) start(t *testing.T, o *worker.Orchestrator) {
	f.jobs.On("FailStale", mock.Anything, time.Minute, mock.AnythingOfType("string")).Return(nil, nil).Once()
	f.jobs.On("ListPending", mock.Anything, 16).Return(nil, nil).Maybe()
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
}

func pendingJob(theme string) *models.Job {
	return &models.Job{ID: uuid.New(), Theme: theme, Status: models.JobStatusPending, CreatedAt: time.Now()}
}

func withStatus(job *models.Job, status models.JobStatus) *models.Job {
	cp := *job
	cp.Status = status
	return &cp
}

func completedWith(job *models.Job, storyID int64) *models.Job {
	cp := withStatus(job, models.JobStatusCompleted)
	cp.StoryID = &storyID
	return cp
}

func TestSubmit_RejectsInvalidTheme(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)

	for _, theme := range []string{"", "   \t\n", strings.Repeat("я", worker.MaxThemeRunes+1)} {
		_, err := o.Submit(context.Background(), theme)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	}
	f.jobs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSubmit_CreatesAndDispatches(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)

	job := pendingJob("space heist")
	f.jobs.On("Create", mock.Anything, "space heist").Return(job, nil).Once()

	got, err := o.Submit(context.Background(), "  space heist  ")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)

	ctx, cancel := context.WithCancel(context.Background())
	var delivered uuid.UUID
	go func() {
		_ = f.dispatcher.Consume(ctx, func(id uuid.UUID) {
			delivered = id
			cancel()
		})
	}()
	<-ctx.Done()
	assert.Equal(t, job.ID, delivered)
}

func TestProcess_CompletesJob(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("space heist")
	graph := tinyGraph(job.Theme)

	done := make(chan struct{})
	f.jobs.On("Create", mock.Anything, job.Theme).Return(job, nil).Once()
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.stories.On("SaveAndComplete", mock.Anything, job.ID, graph).
		Run(func(mock.Arguments) { close(done) }).
		Return(completedWith(job, 42), nil).Once()

	o := f.orchestrator(func(ctx context.Context, theme string, check func(context.Context) error) (*models.StoryGraph, error) {
		assert.Equal(t, "space heist", theme)
		return graph, nil
	})
	f.start(t, o)

	_, err := o.Submit(context.Background(), job.Theme)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not completed")
	}
}

func TestProcess_BuildFailureFailsJobWithKind(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("desert")

	failed := make(chan string, 1)
	f.jobs.On("Create", mock.Anything, job.Theme).Return(job, nil).Once()
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.jobs.On("Fail", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { failed <- args.String(2) }).
		Return(withStatus(job, models.JobStatusFailed), nil).Once()

	o := f.orchestrator(func(context.Context, string, func(context.Context) error) (*models.StoryGraph, error) {
		return nil, models.NewGenerationError("generate node", errors.New("после 3 попыток: model is down"))
	})
	f.start(t, o)

	_, err := o.Submit(context.Background(), job.Theme)
	require.NoError(t, err)

	select {
	case msg := <-failed:
		assert.True(t, strings.HasPrefix(msg, "generation_error: "), msg)
		assert.Contains(t, msg, "model is down")
	case <-time.After(5 * time.Second):
		t.Fatal("job was not failed")
	}
	f.stories.AssertNotCalled(t, "SaveAndComplete", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_AlreadyClaimedIsSkipped(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("race")

	claimed := make(chan struct{})
	f.jobs.On("Create", mock.Anything, job.Theme).Return(job, nil).Once()
	f.jobs.On("Claim", mock.Anything, job.ID).
		Run(func(mock.Arguments) { close(claimed) }).
		Return(nil, models.ErrJobAlreadyClaimed).Once()

	var builds atomic.Int32
	o := f.orchestrator(func(context.Context, string, func(context.Context) error) (*models.StoryGraph, error) {
		builds.Add(1)
		return nil, errors.New("must not be called")
	})
	f.start(t, o)

	_, err := o.Submit(context.Background(), job.Theme)
	require.NoError(t, err)

	<-claimed
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, builds.Load())
}

func TestProcess_DuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("twice")

	building := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.stories.On("SaveAndComplete", mock.Anything, job.ID, mock.Anything).
		Run(func(mock.Arguments) { close(done) }).
		Return(completedWith(job, 7), nil).Once()

	o := f.orchestrator(func(context.Context, string, func(context.Context) error) (*models.StoryGraph, error) {
		close(building)
		<-release
		return tinyGraph(job.Theme), nil
	})
	f.start(t, o)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))
	<-building
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not completed")
	}
}

func TestCancel_UnknownAndTerminal(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)

	unknown := uuid.New()
	f.jobs.On("GetByID", mock.Anything, unknown).Return(nil, models.ErrNotFound).Once()
	_, err := o.Cancel(context.Background(), unknown)
	assert.ErrorIs(t, err, models.ErrNotFound)

	finished := withStatus(pendingJob("done"), models.JobStatusCompleted)
	f.jobs.On("GetByID", mock.Anything, finished.ID).Return(finished, nil).Once()
	_, err = o.Cancel(context.Background(), finished.ID)
	assert.ErrorIs(t, err, models.ErrJobNotCancellable)

	flagged, _ := f.cancels.IsSet(context.Background(), finished.ID)
	assert.False(t, flagged)
}

func TestCancel_PendingJobIsClaimedThenFailedAsCancelled(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("too late")

	failed := make(chan string, 1)
	f.jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil).Twice()
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.jobs.On("Fail", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { failed <- args.String(2) }).
		Return(withStatus(job, models.JobStatusFailed), nil).Once()

	var builds atomic.Int32
	o := f.orchestrator(func(context.Context, string, func(context.Context) error) (*models.StoryGraph, error) {
		builds.Add(1)
		return nil, errors.New("must not be called")
	})

	_, err := o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	f.start(t, o)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))

	select {
	case msg := <-failed:
		assert.True(t, strings.HasPrefix(msg, "cancelled: "), msg)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not failed")
	}
	assert.Zero(t, builds.Load())

	// Флаг снимается после записи конечного статуса.
	assert.Eventually(t, func() bool {
		flagged, _ := f.cancels.IsSet(context.Background(), job.ID)
		return !flagged
	}, time.Second, 10*time.Millisecond)
}

func TestCancel_RunningJobStopsBuild(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("long road")

	building := make(chan struct{})
	failed := make(chan string, 1)
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.jobs.On("GetByID", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Twice()
	f.jobs.On("Fail", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { failed <- args.String(2) }).
		Return(withStatus(job, models.JobStatusFailed), nil).Once()

	o := f.orchestrator(func(ctx context.Context, _ string, _ func(context.Context) error) (*models.StoryGraph, error) {
		close(building)
		<-ctx.Done()
		return nil, models.NewCancelledError("build", context.Cause(ctx))
	})
	f.start(t, o)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))
	<-building

	_, err := o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	select {
	case msg := <-failed:
		assert.True(t, strings.HasPrefix(msg, "cancelled: "), msg)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not failed")
	}
	f.stories.AssertNotCalled(t, "SaveAndComplete", mock.Anything, mock.Anything, mock.Anything)
}

func TestCancel_FlagCheckedBetweenExpansions(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("maze")

	failed := make(chan string, 1)
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.jobs.On("Fail", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { failed <- args.String(2) }).
		Return(withStatus(job, models.JobStatusFailed), nil).Once()

	o := f.orchestrator(func(ctx context.Context, _ string, check func(context.Context) error) (*models.StoryGraph, error) {
		assert.NoError(t, check(ctx))
		// Флаг выставлен другим экземпляром сервиса.
		assert.NoError(t, f.cancels.Set(ctx, job.ID))
		return nil, check(ctx)
	})
	f.start(t, o)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))

	select {
	case msg := <-failed:
		assert.Equal(t, "cancelled: cancel check: cancellation requested", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not failed")
	}
}

func TestShutdown_InterruptsRunningJobs(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("endless")

	building := make(chan struct{})
	failed := make(chan string, 1)
	f.jobs.On("FailStale", mock.Anything, time.Minute, mock.AnythingOfType("string")).Return(nil, nil).Once()
	f.jobs.On("ListPending", mock.Anything, 16).Return(nil, nil).Maybe()
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.jobs.On("Fail", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { failed <- args.String(2) }).
		Return(withStatus(job, models.JobStatusFailed), nil).Once()

	o := f.orchestrator(func(ctx context.Context, _ string, _ func(context.Context) error) (*models.StoryGraph, error) {
		close(building)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))
	<-building

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := o.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case msg := <-failed:
		assert.True(t, strings.HasPrefix(msg, "interrupted: "), msg)
	default:
		t.Fatal("interrupted job must be failed before Shutdown returns")
	}
}

func TestStart_RecoversStaleJobs(t *testing.T) {
	f := newFixture(t)
	stale := withStatus(pendingJob("stuck"), models.JobStatusFailed)

	f.jobs.On("FailStale", mock.Anything, time.Minute, mock.MatchedBy(func(msg string) bool {
		return strings.HasPrefix(msg, "interrupted: ")
	})).Return([]uuid.UUID{stale.ID}, nil).Once()
	f.jobs.On("GetByID", mock.Anything, stale.ID).Return(stale, nil).Once()
	f.jobs.On("ListPending", mock.Anything, 16).Return(nil, nil).Maybe()

	o := f.orchestrator(nil)
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Shutdown(context.Background()))

	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(e models.JobEvent) bool {
		return e.JobID == stale.ID && e.Status == models.JobStatusFailed
	}))
}

func TestPoller_PicksUpPendingJobs(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("lost dispatch")

	done := make(chan struct{})
	f.jobs.On("FailStale", mock.Anything, time.Minute, mock.AnythingOfType("string")).Return(nil, nil).Once()
	f.jobs.On("ListPending", mock.Anything, 16).Return([]*models.Job{job}, nil).Once()
	f.jobs.On("ListPending", mock.Anything, 16).Return(nil, nil).Maybe()
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.stories.On("SaveAndComplete", mock.Anything, job.ID, mock.Anything).
		Run(func(mock.Arguments) { close(done) }).
		Return(completedWith(job, 1), nil).Once()

	o := f.orchestrator(func(_ context.Context, theme string, _ func(context.Context) error) (*models.StoryGraph, error) {
		return tinyGraph(theme), nil
	})
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pending job was not processed")
	}
}

func TestProcess_CompletionConflictIsNotFailed(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("overtaken")

	saved := make(chan struct{})
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.stories.On("SaveAndComplete", mock.Anything, job.ID, mock.Anything).
		Run(func(mock.Arguments) { close(saved) }).
		Return(nil, models.ErrInvalidTransition).Once()

	o := f.orchestrator(func(_ context.Context, theme string, _ func(context.Context) error) (*models.StoryGraph, error) {
		return tinyGraph(theme), nil
	})
	f.start(t, o)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))

	select {
	case <-saved:
	case <-time.After(5 * time.Second):
		t.Fatal("story was not saved")
	}
	time.Sleep(50 * time.Millisecond)
	f.jobs.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(e models.JobEvent) bool {
		return e.JobID == job.ID && e.Status.IsTerminal()
	}))
}

func TestProcess_SaveFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("broken disk")

	failed := make(chan string, 1)
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.stories.On("SaveAndComplete", mock.Anything, job.ID, mock.Anything).
		Return(nil, models.NewPersistenceError("save story", errors.New("disk full"))).Once()
	f.jobs.On("Fail", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { failed <- args.String(2) }).
		Return(withStatus(job, models.JobStatusFailed), nil).Once()

	o := f.orchestrator(func(_ context.Context, theme string, _ func(context.Context) error) (*models.StoryGraph, error) {
		return tinyGraph(theme), nil
	})
	f.start(t, o)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))

	select {
	case msg := <-failed:
		assert.Equal(t, "persistence_error: save story: disk full", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not failed")
	}
}

func TestProcess_LostLeaseInterruptsBuild(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("swept away")
	cfg := defaultConfig
	cfg.StaleTimeout = 30 * time.Millisecond

	causes := make(chan error, 1)
	f.jobs.On("FailStale", mock.Anything, cfg.StaleTimeout, mock.AnythingOfType("string")).Return(nil, nil).Once()
	f.jobs.On("ListPending", mock.Anything, 16).Return(nil, nil).Maybe()
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	// Задачу уже завершил сборщик зависших задач другого экземпляра.
	f.jobs.On("Heartbeat", mock.Anything, job.ID).Return(models.ErrInvalidTransition).Once()
	f.jobs.On("Fail", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Return(nil, models.ErrInvalidTransition).Once()

	o := worker.NewOrchestrator(f.jobs, f.stories, builderFunc(func(ctx context.Context, _ string, _ func(context.Context) error) (*models.StoryGraph, error) {
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	}), f.cancels, f.dispatcher, f.notifier, cfg, zap.NewNop())
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, models.ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("build was not interrupted")
	}
	f.stories.AssertNotCalled(t, "SaveAndComplete", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_HeartbeatKeepsLongJobAlive(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("slow burn")
	cfg := defaultConfig
	cfg.StaleTimeout = 30 * time.Millisecond

	var beats atomic.Int32
	done := make(chan struct{})
	f.jobs.On("FailStale", mock.Anything, cfg.StaleTimeout, mock.AnythingOfType("string")).Return(nil, nil).Once()
	f.jobs.On("ListPending", mock.Anything, 16).Return(nil, nil).Maybe()
	f.jobs.On("Claim", mock.Anything, job.ID).Return(withStatus(job, models.JobStatusProcessing), nil).Once()
	f.jobs.On("Heartbeat", mock.Anything, job.ID).Run(func(mock.Arguments) { beats.Add(1) }).Return(nil)
	f.stories.On("SaveAndComplete", mock.Anything, job.ID, mock.Anything).
		Run(func(mock.Arguments) { close(done) }).
		Return(completedWith(job, 3), nil).Once()

	o := worker.NewOrchestrator(f.jobs, f.stories, builderFunc(func(ctx context.Context, theme string, _ func(context.Context) error) (*models.StoryGraph, error) {
		// Построение длится в несколько раз дольше таймаута аренды.
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return tinyGraph(theme), nil
	}), f.cancels, f.dispatcher, f.notifier, cfg, zap.NewNop())
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not completed")
	}
	assert.GreaterOrEqual(t, beats.Load(), int32(2))
	f.jobs.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything)
}

func TestPoller_SweepsStaleJobsPeriodically(t *testing.T) {
	f := newFixture(t)
	cfg := defaultConfig
	cfg.PollInterval = 10 * time.Millisecond

	sweeps := make(chan string, 8)
	f.jobs.On("FailStale", mock.Anything, time.Minute, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) {
			select {
			case sweeps <- args.String(2):
			default:
			}
		}).
		Return(nil, nil)
	f.jobs.On("ListPending", mock.Anything, 16).Return(nil, nil).Maybe()

	o := f.orchestratorWith(cfg, nil)
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Shutdown(context.Background()) }()

	// Первый вызов - восстановление при старте, следующие - периодический сбор.
	for i := 0; i < 3; i++ {
		select {
		case msg := <-sweeps:
			assert.True(t, strings.HasPrefix(msg, "interrupted: "), msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("stale sweep %d did not happen", i+1)
		}
	}
}

func TestCancel_JobFinishedWhileFlagWasSet(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil)
	job := withStatus(pendingJob("photo finish"), models.JobStatusProcessing)

	f.jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil).Once()
	f.jobs.On("GetByID", mock.Anything, job.ID).Return(completedWith(job, 9), nil).Once()

	_, err := o.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, models.ErrJobNotCancellable)

	flagged, err := f.cancels.IsSet(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, flagged, "flag of a finished job must not be left behind")
}
