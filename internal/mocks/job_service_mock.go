package mocks

import (
	"context"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockJobService is a mock type for the JobService type
type MockJobService struct {
	mock.Mock
}

var _ interfaces.JobService = (*MockJobService)(nil)

func jobResult(ret mock.Arguments) (*models.Job, error) {
	var r0 *models.Job
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Job)
	}
	return r0, ret.Error(1)
}

// Submit provides a mock function with given fields: ctx, theme
func (_m *MockJobService) Submit(ctx context.Context, theme string) (*models.Job, error) {
	return jobResult(_m.Called(ctx, theme))
}

// GetStatus provides a mock function with given fields: ctx, id
func (_m *MockJobService) GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return jobResult(_m.Called(ctx, id))
}

// Cancel provides a mock function with given fields: ctx, id
func (_m *MockJobService) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return jobResult(_m.Called(ctx, id))
}

// NewMockJobService creates a new instance of MockJobService. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockJobService(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockJobService {
	m := &MockJobService{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
