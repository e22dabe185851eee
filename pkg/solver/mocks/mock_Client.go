// Package mocks provides test doubles for the solver client.
package mocks

import (
	"context"

	solver "github.com/sells-group/account-engine/pkg/solver"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Solve provides a mock function with given fields: ctx, req
func (_m *MockClient) Solve(ctx context.Context, req solver.SolveRequest) (*solver.SolveResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Solve")
	}

	var r0 *solver.SolveResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, solver.SolveRequest) (*solver.SolveResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, solver.SolveRequest) *solver.SolveResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*solver.SolveResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, solver.SolveRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
