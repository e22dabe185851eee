// Package mocks provides test doubles for the identity client.
package mocks

import (
	"context"

	identity "github.com/sells-group/account-engine/pkg/identity"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Refresh provides a mock function with given fields: ctx, req
func (_m *MockClient) Refresh(ctx context.Context, req identity.RefreshRequest) (*identity.RefreshResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Refresh")
	}

	var r0 *identity.RefreshResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, identity.RefreshRequest) (*identity.RefreshResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, identity.RefreshRequest) *identity.RefreshResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*identity.RefreshResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, identity.RefreshRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Validate provides a mock function with given fields: ctx, req
func (_m *MockClient) Validate(ctx context.Context, req identity.ValidateRequest) (*identity.ValidateResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Validate")
	}

	var r0 *identity.ValidateResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, identity.ValidateRequest) (*identity.ValidateResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, identity.ValidateRequest) *identity.ValidateResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*identity.ValidateResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, identity.ValidateRequest) error); ok {
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
