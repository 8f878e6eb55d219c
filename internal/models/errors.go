package models

import (
	"errors"
	"fmt"
	"strings"
)

// Application-wide standard errors
var (
	// Common Resource/DB Errors
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input data")

	// Job lifecycle errors
	ErrJobAlreadyClaimed = errors.New("job already claimed by another worker")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobNotCancellable = errors.New("job is already finished and cannot be cancelled")

	// Pipeline errors
	ErrGenerationFailed  = errors.New("story generation failed")
	ErrPersistenceFailed = errors.New("story persistence failed")
	ErrInvalidGraph      = errors.New("story graph violates tree invariants")
	ErrCancelled         = errors.New("job cancelled")
	ErrInterrupted       = errors.New("job interrupted")
	ErrInternal          = errors.New("internal server error")
)

// ErrorKind - стабильный тег вида ошибки, который попадает в поле error задачи.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation_error"
	KindGeneration  ErrorKind = "generation_error"
	KindPersistence ErrorKind = "persistence_error"
	KindCancelled   ErrorKind = "cancelled"
	KindInterrupted ErrorKind = "interrupted"
	KindInternal    ErrorKind = "internal_error"
)

// maxFailureMessageRunes ограничивает длину сообщения об ошибке в записи задачи.
const maxFailureMessageRunes = 500

var kindSentinels = map[ErrorKind]error{
	KindValidation:  ErrInvalidInput,
	KindGeneration:  ErrGenerationFailed,
	KindPersistence: ErrPersistenceFailed,
	KindCancelled:   ErrCancelled,
	KindInterrupted: ErrInterrupted,
	KindInternal:    ErrInternal,
}

// JobError - типизированная ошибка конвейера генерации.
// Op описывает этап ("generate", "save", "submit"), Err - исходная причина.
type JobError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Is позволяет сравнивать JobError с сентинел-ошибкой своего вида:
// errors.Is(err, ErrGenerationFailed) истинно для любой ошибки вида generation_error.
func (e *JobError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

func NewValidationError(op string, err error) *JobError {
	return &JobError{Kind: KindValidation, Op: op, Err: err}
}

func NewGenerationError(op string, err error) *JobError {
	return &JobError{Kind: KindGeneration, Op: op, Err: err}
}

func NewPersistenceError(op string, err error) *JobError {
	return &JobError{Kind: KindPersistence, Op: op, Err: err}
}

func NewCancelledError(op string, err error) *JobError {
	return &JobError{Kind: KindCancelled, Op: op, Err: err}
}

func NewInterruptedError(op string, err error) *JobError {
	return &JobError{Kind: KindInterrupted, Op: op, Err: err}
}

// KindOf возвращает вид ошибки. Ошибки без JobError в цепочке считаются внутренними.
func KindOf(err error) ErrorKind {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	}
	return KindInternal
}

// FailureMessage формирует текст для поля error задачи: "<kind>: <summary>".
// Сообщение однострочное и обрезается до maxFailureMessageRunes символов.
func FailureMessage(err error) string {
	kind := KindOf(err)

	summary := ""
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		if jobErr.Op != "" && jobErr.Err != nil {
			summary = fmt.Sprintf("%s: %v", jobErr.Op, jobErr.Err)
		} else if jobErr.Err != nil {
			summary = jobErr.Err.Error()
		} else {
			summary = jobErr.Op
		}
	} else if err != nil {
		summary = err.Error()
	}

	summary = strings.Join(strings.Fields(summary), " ")
	if summary == "" {
		summary = "no details"
	}

	msg := fmt.Sprintf("%s: %s", kind, summary)
	runes := []rune(msg)
	if len(runes) > maxFailureMessageRunes {
		msg = string(runes[:maxFailureMessageRunes-3]) + "..."
	}
	return msg
}
