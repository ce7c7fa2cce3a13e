// Package ephemeral defines the low-latency shared key-value tree used for transient
// multiplayer signals (presence, locks, in-progress shapes, drag positions) and ships
// an in-process implementation of it.
//
// The contract mirrors a realtime database: values live at slash-separated paths,
// subscribers receive the full subtree on every change, and a connection can register
// removals that the store executes when that connection goes away.
package ephemeral

import (
	"context"
	"errors"
)

var (
	// ErrInvalidPath indicates a malformed path or path segment.
	ErrInvalidPath = errors.New("ephemeral: invalid path")
	// ErrInvalidValue indicates a value that cannot be stored in the tree.
	ErrInvalidValue = errors.New("ephemeral: invalid value")
	// ErrClosed indicates the connection has been closed.
	ErrClosed = errors.New("ephemeral: connection closed")
)

// Store is one connection's view of the shared tree.
type Store interface {
	// Set replaces the value at path. A nil value removes it.
	Set(ctx context.Context, path Path, value any) error
	// Update merges fields into the map at path, one child per key.
	Update(ctx context.Context, path Path, fields map[string]any) error
	// Remove deletes the subtree at path.
	Remove(ctx context.Context, path Path) error
	// Subscribe delivers the current subtree at path and then every changed
	// subtree. The returned function cancels the subscription.
	Subscribe(path Path, handler func(Snapshot)) (cancel func(), err error)
	// OnDisconnectRemove registers one pending removal of path, executed when this
	// connection is lost. Registering the same path twice keeps a single action.
	OnDisconnectRemove(ctx context.Context, path Path) error
	// CancelOnDisconnect drops a pending removal registered for path.
	CancelOnDisconnect(ctx context.Context, path Path) error
}

// Transactor is implemented by stores able to apply a conditional write atomically.
// The update function sees the current subtree and returns the value to write and
// whether to commit. It must not call back into the store.
type Transactor interface {
	Transaction(ctx context.Context, path Path, update func(current Snapshot) (value any, commit bool)) (bool, error)
}
