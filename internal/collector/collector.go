package collector

import "context"

// Collector is the lifecycle contract the service host drives.
type Collector interface {
	// Name returns the collector's name.
	Name() string
	// Start launches collection in the background.
	Start(ctx context.Context) error
	// WaitForSync waits for the first collection pass.
	WaitForSync(ctx context.Context) error
	// Stop stops collection and waits for it to finish.
	Stop()
}

var _ Collector = (*Loop)(nil)
