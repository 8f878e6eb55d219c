package mocks

import (
	"context"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockStoryRepository is a mock type for the StoryRepository type
type MockStoryRepository struct {
	mock.Mock
}

var _ interfaces.StoryRepository = (*MockStoryRepository)(nil)

// Save provides a mock function with given fields: ctx, graph
func (_m *MockStoryRepository) Save(ctx context.Context, graph *models.StoryGraph) (int64, error) {
	ret := _m.Called(ctx, graph)

	var r0 int64
	if rf, ok := ret.Get(0).(func(context.Context, *models.StoryGraph) int64); ok {
		r0 = rf(ctx, graph)
	} else {
		r0 = ret.Get(0).(int64)
	}
	return r0, ret.Error(1)
}

// SaveAndComplete provides a mock function with given fields: ctx, jobID, graph
func (_m *MockStoryRepository) SaveAndComplete(ctx context.Context, jobID uuid.UUID, graph *models.StoryGraph) (*models.Job, error) {
	ret := _m.Called(ctx, jobID, graph)

	var r0 *models.Job
	if rf, ok := ret.Get(0).(func(context.Context, uuid.UUID, *models.StoryGraph) *models.Job); ok {
		r0 = rf(ctx, jobID, graph)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Job)
	}
	return r0, ret.Error(1)
}

// LoadGraph provides a mock function with given fields: ctx, storyID
func (_m *MockStoryRepository) LoadGraph(ctx context.Context, storyID int64) (*models.Story, *models.StoryGraph, error) {
	ret := _m.Called(ctx, storyID)

	var r0 *models.Story
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Story)
	}
	var r1 *models.StoryGraph
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(*models.StoryGraph)
	}
	return r0, r1, ret.Error(2)
}

// NewMockStoryRepository creates a new instance of MockStoryRepository. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockStoryRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStoryRepository {
	m := &MockStoryRepository{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
