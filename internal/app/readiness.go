package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// StoreHealth is the minimal interface for the object store health probe.
type StoreHealth interface{ Healthy(ctx context.Context) error }

// BuildReadinessChecks returns the db and object store readiness checks.
func BuildReadinessChecks(pool Pinger, store StoreHealth) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	storeCheck := func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("object store not configured")
		}
		return store.Healthy(ctx)
	}
	return dbCheck, storeCheck
}
