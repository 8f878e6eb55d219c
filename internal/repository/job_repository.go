package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adventure-server/internal/database"
	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const jobColumns = `id, theme, status, created_at, started_at, completed_at, story_id, error`

const (
	createJobQuery = `
        INSERT INTO story_jobs (id, theme, status, created_at)
        VALUES ($1, $2, 'pending', now())
        RETURNING ` + jobColumns

	getJobByIDQuery = `SELECT ` + jobColumns + ` FROM story_jobs WHERE id = $1`

	// Условный переход: побеждает ровно один из конкурирующих воркеров.
	claimJobQuery = `
        UPDATE story_jobs
        SET status = 'processing', started_at = now(), heartbeat_at = now()
        WHERE id = $1 AND status = 'pending'
        RETURNING ` + jobColumns

	heartbeatJobQuery = `
        UPDATE story_jobs
        SET heartbeat_at = now()
        WHERE id = $1 AND status = 'processing'
        RETURNING ` + jobColumns

	completeJobQuery = `
        UPDATE story_jobs
        SET status = 'completed', story_id = $2, completed_at = now()
        WHERE id = $1 AND status = 'processing'
        RETURNING ` + jobColumns

	failJobQuery = `
        UPDATE story_jobs
        SET status = 'failed', error = $2, completed_at = now()
        WHERE id = $1 AND status = 'processing'
        RETURNING ` + jobColumns

	listPendingJobsQuery = `
        SELECT ` + jobColumns + `
        FROM story_jobs
        WHERE status = 'pending'
        ORDER BY created_at
        LIMIT $1`

	failStaleJobsQuery = `
        UPDATE story_jobs
        SET status = 'failed', error = $2, completed_at = now()
        WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < $1
        RETURNING id`

	jobStatusQuery = `SELECT status FROM story_jobs WHERE id = $1`
)

var _ interfaces.JobRepository = (*pgJobRepository)(nil)

type pgJobRepository struct {
	db     database.DBTX
	logger *zap.Logger
}

// NewPgJobRepository создает репозиторий задач поверх пула или транзакции.
func NewPgJobRepository(db database.DBTX, logger *zap.Logger) interfaces.JobRepository {
	return &pgJobRepository{
		db:     db,
		logger: logger.Named("PgJobRepo"),
	}
}

func (r *pgJobRepository) Create(ctx context.Context, theme string) (*models.Job, error) {
	id := uuid.New()
	logFields := []zap.Field{zap.String("job_id", id.String())}

	job := &models.Job{}
	if err := pgxscan.Get(ctx, r.db, job, createJobQuery, id, theme); err != nil {
		r.logger.Error("Failed to create job", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("ошибка создания задачи: %w", err)
	}
	r.logger.Debug("Job created", logFields...)
	return job, nil
}

func (r *pgJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job := &models.Job{}
	if err := pgxscan.Get(ctx, r.db, job, getJobByIDQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get job", zap.String("job_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения задачи %s: %w", id, err)
	}
	return job, nil
}

func (r *pgJobRepository) Claim(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := r.transition(ctx, id, claimJobQuery, models.ErrJobAlreadyClaimed, id)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Job claimed", zap.String("job_id", id.String()))
	return job, nil
}

// Heartbeat продлевает аренду задачи, пока она в processing.
func (r *pgJobRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := r.transition(ctx, id, heartbeatJobQuery, models.ErrInvalidTransition, id)
	return err
}

func (r *pgJobRepository) Complete(ctx context.Context, id uuid.UUID, storyID int64) (*models.Job, error) {
	return r.transition(ctx, id, completeJobQuery, models.ErrInvalidTransition, id, storyID)
}

func (r *pgJobRepository) Fail(ctx context.Context, id uuid.UUID, message string) (*models.Job, error) {
	return r.transition(ctx, id, failJobQuery, models.ErrInvalidTransition, id, message)
}

// transition выполняет условный UPDATE ... RETURNING. Если ни одна строка
// не изменилась, различает отсутствие задачи и неподходящий статус.
func (r *pgJobRepository) transition(ctx context.Context, id uuid.UUID, query string, conflict error, args ...interface{}) (*models.Job, error) {
	job := &models.Job{}
	err := pgxscan.Get(ctx, r.db, job, query, args...)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("Job status update failed", zap.String("job_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("ошибка обновления статуса задачи %s: %w", id, err)
	}

	var status models.JobStatus
	if err := r.db.QueryRow(ctx, jobStatusQuery, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения статуса задачи %s: %w", id, err)
	}
	return nil, fmt.Errorf("%w: задача %s в статусе %s", conflict, id, status)
}

func (r *pgJobRepository) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := pgxscan.Select(ctx, r.db, &jobs, listPendingJobsQuery, limit); err != nil {
		r.logger.Error("Failed to list pending jobs", zap.Error(err))
		return nil, fmt.Errorf("ошибка получения ожидающих задач: %w", err)
	}
	return jobs, nil
}

func (r *pgJobRepository) FailStale(ctx context.Context, olderThan time.Duration, message string) ([]uuid.UUID, error) {
	cutoff := time.Now().Add(-olderThan)

	rows, err := r.db.Query(ctx, failStaleJobsQuery, cutoff, message)
	if err != nil {
		return nil, fmt.Errorf("ошибка завершения зависших задач: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения id зависших задач: %w", err)
	}

	if len(ids) > 0 {
		strIDs := make([]string, len(ids))
		for i, id := range ids {
			strIDs[i] = id.String()
		}
		r.logger.Warn("Stale processing jobs failed",
			zap.Int("count", len(ids)),
			zap.String("job_ids", strings.Join(strIDs, ",")))
	}
	return ids, nil
}
