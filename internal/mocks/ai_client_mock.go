package mocks

import (
	"context"

	"adventure-server/internal/generation"

	"github.com/stretchr/testify/mock"
)

// MockAIClient is a mock type for the AIClient type
type MockAIClient struct {
	mock.Mock
}

// GenerateStructured provides a mock function with given fields: ctx, req
func (_m *MockAIClient) GenerateStructured(ctx context.Context, req generation.StructuredRequest) (string, generation.UsageInfo, error) {
	ret := _m.Called(ctx, req)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, generation.StructuredRequest) string); ok {
		r0 = rf(ctx, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(string)
	}

	var r1 generation.UsageInfo
	if rf, ok := ret.Get(1).(func(context.Context, generation.StructuredRequest) generation.UsageInfo); ok {
		r1 = rf(ctx, req)
	} else if ret.Get(1) != nil {
		r1 = ret.Get(1).(generation.UsageInfo)
	}

	var r2 error
	if rf, ok := ret.Get(2).(func(context.Context, generation.StructuredRequest) error); ok {
		r2 = rf(ctx, req)
	} else {
		r2 = ret.Error(2)
	}

	return r0, r1, r2
}

// Model provides a mock function with no fields
func (_m *MockAIClient) Model() string {
	ret := _m.Called()

	if rf, ok := ret.Get(0).(func() string); ok {
		return rf()
	}
	return ret.String(0)
}

// NewMockAIClient creates a new instance of MockAIClient. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockAIClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockAIClient {
	m := &MockAIClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

var _ generation.AIClient = (*MockAIClient)(nil)
