// Package containers mediates all access to the container runtime.
//
// The gateway only ever sees containers whose name carries the managed
// prefix; everything else on the host is invisible to callers, and a
// reference to an unmanaged container resolves to not-found rather than
// forbidden. The stream hub layers session-scoped log following and
// periodic status broadcasts on top, with deterministic teardown on
// resubscribe and disconnect.
package containers
