// Package system defines the lifecycle contract for long-running background
// components and a manager that starts and stops them in order.
package system

import "context"

// Service is a long-running component with an explicit lifecycle. Start must
// return promptly after launching any background work; Stop must block until
// that work has drained.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
