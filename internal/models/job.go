package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus - статус задачи генерации истории
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal сообщает, является ли статус конечным.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo проверяет допустимость перехода.
// Разрешены только pending -> processing -> {completed, failed}.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Job - запись о задаче генерации в таблице story_jobs.
// StoryID заполнен только в completed, Error только в failed.
type Job struct {
	ID          uuid.UUID  `db:"id" json:"job_id"`
	Theme       string     `db:"theme" json:"theme"`
	Status      JobStatus  `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	StoryID     *int64     `db:"story_id" json:"story_id,omitempty"`
	Error       *string    `db:"error" json:"error,omitempty"`
}

// JobEvent - уведомление об изменении статуса задачи.
// Публикуется в RabbitMQ и транслируется подписчикам websocket.
type JobEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    JobStatus `json:"status"`
	StoryID   *int64    `json:"story_id,omitempty"`
	Error     *string   `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFromJob собирает событие из текущего состояния записи.
func EventFromJob(job *Job) JobEvent {
	return JobEvent{
		JobID:     job.ID,
		Status:    job.Status,
		StoryID:   job.StoryID,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	}
}
