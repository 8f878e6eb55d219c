package mocks

import (
	"context"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockJobRepository is a mock type for the JobRepository type
type MockJobRepository struct {
	mock.Mock
}

var _ interfaces.JobRepository = (*MockJobRepository)(nil)

func (_m *MockJobRepository) job(ret mock.Arguments, call func(rf interface{}) (*models.Job, bool)) (*models.Job, error) {
	var r0 *models.Job
	if v, ok := call(ret.Get(0)); ok {
		r0 = v
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Job)
	}
	return r0, ret.Error(1)
}

// Create provides a mock function with given fields: ctx, theme
func (_m *MockJobRepository) Create(ctx context.Context, theme string) (*models.Job, error) {
	ret := _m.Called(ctx, theme)
	return _m.job(ret, func(rf interface{}) (*models.Job, bool) {
		if f, ok := rf.(func(context.Context, string) *models.Job); ok {
			return f(ctx, theme), true
		}
		return nil, false
	})
}

// GetByID provides a mock function with given fields: ctx, id
func (_m *MockJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	ret := _m.Called(ctx, id)
	return _m.job(ret, func(rf interface{}) (*models.Job, bool) {
		if f, ok := rf.(func(context.Context, uuid.UUID) *models.Job); ok {
			return f(ctx, id), true
		}
		return nil, false
	})
}

// Claim provides a mock function with given fields: ctx, id
func (_m *MockJobRepository) Claim(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	ret := _m.Called(ctx, id)
	return _m.job(ret, func(rf interface{}) (*models.Job, bool) {
		if f, ok := rf.(func(context.Context, uuid.UUID) *models.Job); ok {
			return f(ctx, id), true
		}
		return nil, false
	})
}

// Heartbeat provides a mock function with given fields: ctx, id
func (_m *MockJobRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	ret := _m.Called(ctx, id)
	if rf, ok := ret.Get(0).(func(context.Context, uuid.UUID) error); ok {
		return rf(ctx, id)
	}
	return ret.Error(0)
}

// Complete provides a mock function with given fields: ctx, id, storyID
func (_m *MockJobRepository) Complete(ctx context.Context, id uuid.UUID, storyID int64) (*models.Job, error) {
	ret := _m.Called(ctx, id, storyID)
	return _m.job(ret, func(rf interface{}) (*models.Job, bool) {
		if f, ok := rf.(func(context.Context, uuid.UUID, int64) *models.Job); ok {
			return f(ctx, id, storyID), true
		}
		return nil, false
	})
}

// Fail provides a mock function with given fields: ctx, id, message
func (_m *MockJobRepository) Fail(ctx context.Context, id uuid.UUID, message string) (*models.Job, error) {
	ret := _m.Called(ctx, id, message)
	return _m.job(ret, func(rf interface{}) (*models.Job, bool) {
		if f, ok := rf.(func(context.Context, uuid.UUID, string) *models.Job); ok {
			return f(ctx, id, message), true
		}
		return nil, false
	})
}

// ListPending provides a mock function with given fields: ctx, limit
func (_m *MockJobRepository) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	ret := _m.Called(ctx, limit)

	var r0 []*models.Job
	if rf, ok := ret.Get(0).(func(context.Context, int) []*models.Job); ok {
		r0 = rf(ctx, limit)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.Job)
	}
	return r0, ret.Error(1)
}

// FailStale provides a mock function with given fields: ctx, olderThan, message
func (_m *MockJobRepository) FailStale(ctx context.Context, olderThan time.Duration, message string) ([]uuid.UUID, error) {
	ret := _m.Called(ctx, olderThan, message)

	var r0 []uuid.UUID
	if rf, ok := ret.Get(0).(func(context.Context, time.Duration, string) []uuid.UUID); ok {
		r0 = rf(ctx, olderThan, message)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]uuid.UUID)
	}
	return r0, ret.Error(1)
}

// NewMockJobRepository creates a new instance of MockJobRepository. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockJobRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockJobRepository {
	m := &MockJobRepository{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
