package matcher

import "context"

// Guard owns the driver's under-consideration flag for the length of an offer.
type Guard interface {
	// Reserve returns false, nil when another run already holds the driver.
	Reserve(ctx context.Context, driverID string) (bool, error)
	// Release is idempotent.
	Release(ctx context.Context, driverID string) error
}

// DriverReserver is the conditional update a store exposes for the flag.
type DriverReserver interface {
	ReserveDriver(ctx context.Context, id string) (bool, error)
	ReleaseDriver(ctx context.Context, id string) error
}

// StoreGuard delegates straight to the store's conditional update.
type StoreGuard struct {
	Drivers DriverReserver
}

func (g StoreGuard) Reserve(ctx context.Context, driverID string) (bool, error) {
	return g.Drivers.ReserveDriver(ctx, driverID)
}

func (g StoreGuard) Release(ctx context.Context, driverID string) error {
	return g.Drivers.ReleaseDriver(ctx, driverID)
}
