// Package gateway defines the entry points that turn external events into
// sandbox executions.
package gateway

import "context"

// Gateway is an entry point that serves hook executions (HTTP today).
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled.
	Start(ctx context.Context) error

	// Stop drains in-flight executions within the deadline carried by ctx.
	Stop(ctx context.Context) error
}
