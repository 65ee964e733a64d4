package bridge

import "github.com/presencehub/hub/src/types"

// Bridge relays broadcast tasks between cooperating server instances.
type Bridge interface {
	// Publish sends a task to every other instance via the bridge.
	Publish(task types.BroadcastTask) error

	// Start begins listening for tasks from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the scheduler to receive tasks relayed
// from other instances. The bridge never re-publishes what it receives
// here, which is what prevents a relay loop across instances.
type BroadcastTarget interface {
	BroadcastToLocal(task types.BroadcastTask)
}
