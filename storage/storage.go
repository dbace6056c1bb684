// Package storage keeps exclusive ownership leases on workflow instances so
// that a single orchestrator mutates an instance at a time.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrLeaseHeld    = errors.New("lease held by another owner")
	ErrLeaseNotHeld = errors.New("lease not held by owner")
	ErrInvalidLease = errors.New("invalid lease request")
)

// Leaser grants time-bound exclusive ownership of an instance id.
type Leaser interface {
	// Acquire takes or refreshes the lease for owner. It fails with
	// ErrLeaseHeld while another owner holds an unexpired lease.
	Acquire(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// Release drops the lease if owner holds it.
	Release(ctx context.Context, instanceID, owner string) error

	// Owner reports the current holder, or "" when the lease is free.
	Owner(ctx context.Context, instanceID string) (string, error)
}

func validate(instanceID, owner string, ttl time.Duration) error {
	switch {
	case instanceID == "":
		return fmt.Errorf("%w: instance id is required", ErrInvalidLease)
	case owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidLease)
	case ttl <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidLease)
	}
	return nil
}

func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

func withContextError(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
