//go:build integration

package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adventure-server/internal/database"
	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"
	"adventure-server/internal/repository"
	"adventure-server/internal/testutil"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

type RepositorySuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	pool        *pgxpool.Pool
	jobs        interfaces.JobRepository
	stories     interfaces.StoryRepository
	logger      *zap.Logger
}

func (s *RepositorySuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = zap.NewNop()

	var dsn string
	var err error
	s.pgContainer, dsn, err = testutil.StartPostgres(s.ctx)
	require.NoError(s.T(), err)

	require.NoError(s.T(), database.ApplyMigrations(dsn, s.logger))

	s.pool, err = pgxpool.New(s.ctx, dsn)
	require.NoError(s.T(), err)

	s.jobs = repository.NewPgJobRepository(s.pool, s.logger)
	s.stories = repository.NewPgStoryRepository(s.pool, database.NewTransactionHelper(s.pool, s.logger), s.logger)
}

func (s *RepositorySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
}

func (s *RepositorySuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "TRUNCATE TABLE story_jobs, story_options, story_nodes, stories RESTART IDENTITY CASCADE")
	require.NoError(s.T(), err)
}

func (s *RepositorySuite) count(table string) int {
	var n int
	require.NoError(s.T(), s.pool.QueryRow(s.ctx, "SELECT count(*) FROM "+table).Scan(&n))
	return n
}

// sampleGraph: корень -> (финал-победа, развилка -> (финал, финал)), глубина 2.
func sampleGraph(optionText string) *models.StoryGraph {
	g := models.NewStoryGraph("space heist")
	g.Title = "The Heist"

	win := g.AddNode(models.GraphNode{Depth: 1, Content: "You slip away rich.", IsEnding: true, IsWinningEnding: true})
	caught := g.AddNode(models.GraphNode{Depth: 2, Content: "Guards catch you.", IsEnding: true})
	spaced := g.AddNode(models.GraphNode{Depth: 2, Content: "You drift into the void.", IsEnding: true})
	fork := g.AddNode(models.GraphNode{Depth: 1, Content: "The alarm rings.", Options: []models.GraphOption{
		{Text: "Hide", Outcome: "Footsteps approach", Child: caught},
		{Text: optionText, Outcome: "The airlock opens", Child: spaced},
	}})
	g.Root = g.AddNode(models.GraphNode{Depth: 0, Content: "The vault is in sight.", Options: []models.GraphOption{
		{Text: "Crack it", Outcome: "The door swings open", Child: win},
		{Text: "Wait", Outcome: "Time runs out", Child: fork},
	}})
	return g
}

func (s *RepositorySuite) TestJobLifecycle() {
	job, err := s.jobs.Create(s.ctx, "space heist")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusPending, job.Status)
	assert.Nil(s.T(), job.StoryID)
	assert.Nil(s.T(), job.CompletedAt)

	_, err = s.jobs.Complete(s.ctx, job.ID, 1)
	assert.ErrorIs(s.T(), err, models.ErrInvalidTransition, "pending job cannot complete")

	claimed, err := s.jobs.Claim(s.ctx, job.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusProcessing, claimed.Status)
	assert.NotNil(s.T(), claimed.StartedAt)

	storyID, err := s.stories.Save(s.ctx, sampleGraph("Jump"))
	require.NoError(s.T(), err)

	done, err := s.jobs.Complete(s.ctx, job.ID, storyID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusCompleted, done.Status)
	require.NotNil(s.T(), done.StoryID)
	assert.Equal(s.T(), storyID, *done.StoryID)
	assert.Nil(s.T(), done.Error)
	assert.NotNil(s.T(), done.CompletedAt)

	_, err = s.jobs.Fail(s.ctx, job.ID, "internal_error: late")
	assert.ErrorIs(s.T(), err, models.ErrInvalidTransition, "terminal job never changes")

	_, err = s.jobs.Claim(s.ctx, job.ID)
	assert.ErrorIs(s.T(), err, models.ErrJobAlreadyClaimed)
}

func (s *RepositorySuite) TestFailRecordsError() {
	job, err := s.jobs.Create(s.ctx, "desert")
	require.NoError(s.T(), err)
	_, err = s.jobs.Claim(s.ctx, job.ID)
	require.NoError(s.T(), err)

	failed, err := s.jobs.Fail(s.ctx, job.ID, "generation_error: model is down")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusFailed, failed.Status)
	require.NotNil(s.T(), failed.Error)
	assert.Equal(s.T(), "generation_error: model is down", *failed.Error)
	assert.Nil(s.T(), failed.StoryID)

	got, err := s.jobs.GetByID(s.ctx, job.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusFailed, got.Status)
}

func (s *RepositorySuite) TestUnknownJob() {
	_, err := s.jobs.GetByID(s.ctx, uuid.New())
	assert.ErrorIs(s.T(), err, models.ErrNotFound)

	_, err = s.jobs.Claim(s.ctx, uuid.New())
	assert.ErrorIs(s.T(), err, models.ErrNotFound)
}

func (s *RepositorySuite) TestConcurrentClaim() {
	job, err := s.jobs.Create(s.ctx, "race")
	require.NoError(s.T(), err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = s.jobs.Claim(s.ctx, job.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		assert.True(s.T(), errors.Is(err, models.ErrJobAlreadyClaimed), "unexpected error: %v", err)
	}
	assert.Equal(s.T(), 1, winners)
}

func (s *RepositorySuite) TestListPendingAndFailStale() {
	first, err := s.jobs.Create(s.ctx, "one")
	require.NoError(s.T(), err)
	second, err := s.jobs.Create(s.ctx, "two")
	require.NoError(s.T(), err)

	pending, err := s.jobs.ListPending(s.ctx, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), pending, 2)
	assert.Equal(s.T(), first.ID, pending[0].ID)

	_, err = s.jobs.Claim(s.ctx, second.ID)
	require.NoError(s.T(), err)
	s.expireLease(second.ID)
	require.NoError(s.T(), err)

	ids, err := s.jobs.FailStale(s.ctx, time.Hour, "interrupted: worker stopped")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []uuid.UUID{second.ID}, ids)

	stale, err := s.jobs.GetByID(s.ctx, second.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusFailed, stale.Status)

	pending, err = s.jobs.ListPending(s.ctx, 10)
	require.NoError(s.T(), err)
	assert.Len(s.T(), pending, 1)
}

// expireLease сдвигает начало и последнее продление аренды задачи на два часа назад.
func (s *RepositorySuite) expireLease(id uuid.UUID) {
	_, err := s.pool.Exec(s.ctx, `
        UPDATE story_jobs
        SET started_at = now() - interval '2 hours', heartbeat_at = now() - interval '2 hours'
        WHERE id = $1`, id)
	require.NoError(s.T(), err)
}

func (s *RepositorySuite) claimedJob(theme string) *models.Job {
	job, err := s.jobs.Create(s.ctx, theme)
	require.NoError(s.T(), err)
	claimed, err := s.jobs.Claim(s.ctx, job.ID)
	require.NoError(s.T(), err)
	return claimed
}

func (s *RepositorySuite) TestHeartbeatKeepsLongRunningJob() {
	alive := s.claimedJob("long but alive")
	abandoned := s.claimedJob("abandoned")
	s.expireLease(alive.ID)
	s.expireLease(abandoned.ID)

	// Живой воркер продлевает аренду, хотя задача начата давно.
	require.NoError(s.T(), s.jobs.Heartbeat(s.ctx, alive.ID))

	ids, err := s.jobs.FailStale(s.ctx, time.Hour, "interrupted: recover: job lease expired")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []uuid.UUID{abandoned.ID}, ids)

	got, err := s.jobs.GetByID(s.ctx, alive.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusProcessing, got.Status)

	err = s.jobs.Heartbeat(s.ctx, abandoned.ID)
	assert.ErrorIs(s.T(), err, models.ErrInvalidTransition, "failed job has no lease to extend")

	pending, err := s.jobs.Create(s.ctx, "not started")
	require.NoError(s.T(), err)
	assert.ErrorIs(s.T(), s.jobs.Heartbeat(s.ctx, pending.ID), models.ErrInvalidTransition)
	assert.ErrorIs(s.T(), s.jobs.Heartbeat(s.ctx, uuid.New()), models.ErrNotFound)
}

func (s *RepositorySuite) TestSaveAndCompleteCommitsTogether() {
	job := s.claimedJob("space heist")

	done, err := s.stories.SaveAndComplete(s.ctx, job.ID, sampleGraph("Jump"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusCompleted, done.Status)
	require.NotNil(s.T(), done.StoryID)

	story, graph, err := s.stories.LoadGraph(s.ctx, *done.StoryID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "The Heist", story.Title)
	assert.Len(s.T(), graph.Nodes, 5)
	assert.Equal(s.T(), 1, s.count("stories"))
}

func (s *RepositorySuite) TestSaveAndCompleteConflictLeavesNoStory() {
	// Пока дерево строилось, задачу завершил сборщик зависших задач.
	swept := s.claimedJob("swept")
	_, err := s.jobs.Fail(s.ctx, swept.ID, "interrupted: recover: job lease expired")
	require.NoError(s.T(), err)

	_, err = s.stories.SaveAndComplete(s.ctx, swept.ID, sampleGraph("Jump"))
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, models.ErrInvalidTransition)
	assert.NotErrorIs(s.T(), err, models.ErrPersistenceFailed)

	pending, err := s.jobs.Create(s.ctx, "never claimed")
	require.NoError(s.T(), err)
	_, err = s.stories.SaveAndComplete(s.ctx, pending.ID, sampleGraph("Jump"))
	assert.ErrorIs(s.T(), err, models.ErrInvalidTransition)

	_, err = s.stories.SaveAndComplete(s.ctx, uuid.New(), sampleGraph("Jump"))
	assert.ErrorIs(s.T(), err, models.ErrNotFound)

	assert.Zero(s.T(), s.count("stories"))
	assert.Zero(s.T(), s.count("story_nodes"))
	assert.Zero(s.T(), s.count("story_options"))

	got, err := s.jobs.GetByID(s.ctx, swept.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusFailed, got.Status)
	assert.Nil(s.T(), got.StoryID)
}

func (s *RepositorySuite) TestSaveAndLoadTree() {
	storyID, err := s.stories.Save(s.ctx, sampleGraph("Jump"))
	require.NoError(s.T(), err)

	story, graph, err := s.stories.LoadGraph(s.ctx, storyID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "The Heist", story.Title)
	require.NotNil(s.T(), story.RootNodeID)

	require.NoError(s.T(), graph.Validate(2))
	assert.Len(s.T(), graph.Nodes, 5)
	assert.Equal(s.T(), 2, graph.MaxDepth())

	root := graph.Node(graph.Root)
	assert.Equal(s.T(), "The vault is in sight.", root.Content)
	require.Len(s.T(), root.Options, 2)
	assert.Equal(s.T(), "Crack it", root.Options[0].Text)
	win := graph.Node(root.Options[0].Child)
	assert.True(s.T(), win.IsEnding)
	assert.True(s.T(), win.IsWinningEnding)

	assert.Equal(s.T(), 4, s.count("story_options"))
}

func (s *RepositorySuite) TestSaveRollsBackOnFailure() {
	// Триггер роняет вставку варианта после того, как узлы всех уровней уже записаны.
	_, err := s.pool.Exec(s.ctx, `
        CREATE OR REPLACE FUNCTION fail_on_boom() RETURNS trigger AS $$
        BEGIN
            IF NEW.text = 'boom' THEN
                RAISE EXCEPTION 'injected failure';
            END IF;
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql`)
	require.NoError(s.T(), err)
	_, err = s.pool.Exec(s.ctx, `
        CREATE TRIGGER story_options_boom BEFORE INSERT ON story_options
            FOR EACH ROW EXECUTE FUNCTION fail_on_boom()`)
	require.NoError(s.T(), err)
	defer func() {
		_, _ = s.pool.Exec(s.ctx, "DROP TRIGGER IF EXISTS story_options_boom ON story_options")
	}()

	_, err = s.stories.Save(s.ctx, sampleGraph("boom"))
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, models.ErrPersistenceFailed)
	assert.Equal(s.T(), models.KindPersistence, models.KindOf(err))

	assert.Zero(s.T(), s.count("stories"))
	assert.Zero(s.T(), s.count("story_nodes"))
	assert.Zero(s.T(), s.count("story_options"))
}

func (s *RepositorySuite) TestSaveRejectsBrokenGraph() {
	g := sampleGraph("Jump")
	root := g.Node(g.Root)
	root.Options[1].Child = root.Options[0].Child

	_, err := s.stories.Save(s.ctx, g)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, models.ErrInvalidGraph)
	assert.Zero(s.T(), s.count("stories"))
}

func TestRepositorySuite(t *testing.T) {
	testutil.RequireDocker(t)
	suite.Run(t, new(RepositorySuite))
}
