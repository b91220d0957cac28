// Package coordinator abstracts the strongly-consistent hierarchical
// key-value store the rest of the engine is built on: node
// create-with-parents, get-with-version, conditional update/delete,
// children listing, ephemeral nodes, and leader election via
// ephemeral-sequential children. Two implementations satisfy it:
// coordinator/natskv (production, backed by NATS JetStream KV) and
// coordinator/boltkv (embedded, single-process, used for tests and
// single-node deployments). Both are held to identical semantics.
package coordinator

import (
	"context"
	"errors"
)

// Sentinel errors every implementation must return so callers can apply
// a uniform error-handling policy.
var (
	ErrNotFound        = errors.New("coordinator: node not found")
	ErrAlreadyExists   = errors.New("coordinator: node already exists")
	ErrVersionConflict = errors.New("coordinator: version conflict")
	ErrClosed          = errors.New("coordinator: client closed")
)

// Node is a versioned value read from the store.
type Node struct {
	Data    []byte
	Version int64
}

// Client is the coordinator-facing capability every component depends on.
// Paths are '/'-separated logical names; implementations map them onto
// their own storage layout.
type Client interface {
	// Create writes data at path. Missing parent nodes are not created
	// and are not needed: Children lists names by path prefix. Returns
	// ErrAlreadyExists if path already has a value.
	Create(ctx context.Context, path string, data []byte) error

	// Get reads the current value and version at path. Returns
	// ErrNotFound if absent.
	Get(ctx context.Context, path string) (*Node, error)

	// Set conditionally overwrites path's value iff its current version
	// equals version. Returns ErrVersionConflict on mismatch, ErrNotFound
	// if the node doesn't exist yet (use Create first).
	Set(ctx context.Context, path string, data []byte, version int64) error

	// Delete removes path. If version >= 0 the delete is conditional on
	// that version, returning ErrVersionConflict on mismatch. Returns
	// ErrNotFound if the node is already absent.
	Delete(ctx context.Context, path string, version int64) error

	// Children lists the immediate child names under path (not full
	// paths). Returns an empty slice, not an error, if path has no
	// children or doesn't itself exist — queue listing and run listing
	// both rely on this being side-effect-free on an empty namespace.
	Children(ctx context.Context, path string) ([]string, error)

	// CreateEphemeral writes data at path like Create, but the node is
	// tied to this Client's liveness: if the process/session that
	// created it dies without an explicit Delete, the node is eventually
	// removed and becomes visible as absent to other clients.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// CreateSequentialEphemeral creates an ephemeral child of
	// parentPath whose name is parentPath's next monotonic sequence
	// number; it returns the full created path. Used for leader
	// election.
	CreateSequentialEphemeral(ctx context.Context, parentPath string, data []byte) (string, error)

	// Watch returns a channel that receives a value whenever children of
	// path change (created or removed). The channel is closed when ctx
	// is done or the client is closed. Implementations may also fire
	// spuriously; callers must re-check state on wake.
	Watch(ctx context.Context, path string) (<-chan struct{}, error)

	// Close releases the client's session, causing any ephemeral nodes
	// it holds to be dropped.
	Close() error
}

// LeaderElector runs the first-in-line-among-ephemeral-sequential-children
// protocol over a fixed election path.
type LeaderElector interface {
	// Campaign blocks until this process is first-in-line at the
	// election path, or ctx is done. On success it returns a channel
	// that closes when leadership is lost (our ephemeral node expired or
	// was otherwise removed), and a resign func to voluntarily give up
	// leadership.
	Campaign(ctx context.Context) (leader <-chan struct{}, resign func() error, err error)
}
