// Package coordination wraps the ZooKeeper ensemble that backs leader
// election, the model work queue, and the taken/train claim markers.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyExists is returned by Create when a node already exists at the
// requested path.
var ErrAlreadyExists = errors.New("coordination: node already exists")

// ErrNotFound is returned by operations that require an existing node. It
// is safe for callers to ignore on Delete, matching the idempotent-delete
// contract described in the coordination client's design.
var ErrNotFound = errors.New("coordination: node not found")

// ErrQueueEmpty names the empty-queue outcome. Neither Queue implementation
// in this package returns it: Queue.Get reports that no item became
// available before the timeout with ok == false and a nil error.
var ErrQueueEmpty = errors.New("coordination: queue empty")

// SessionState mirrors the underlying session's connectivity.
type SessionState int

const (
	StateUnknown SessionState = iota
	StateConnected
	StateSuspended
	StateLost
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Lease identifies an item a Queue.Get call has handed out but not yet
// consumed or abandoned.
type Lease struct {
	entryPath string
	lockPath  string
}

// Client is the coordination service contract. Every suspension point
// takes a context so shutdown signals are observed promptly.
type Client interface {
	EnsurePath(ctx context.Context, path string) error
	Create(ctx context.Context, path string, payload []byte, ephemeral bool) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Children(ctx context.Context, path string) ([]string, error)
	WatchChildren(ctx context.Context, path string, cb func([]string)) error
	Queue(path string) Queue
	Election(path, identity string) Election
	State() <-chan SessionState
	Close() error
}

// Queue is the locked-FIFO-queue recipe used to distribute model names to
// followers.
type Queue interface {
	Put(ctx context.Context, item []byte) error
	PutAll(ctx context.Context, items [][]byte) error
	Get(ctx context.Context, timeout time.Duration) (Lease, []byte, bool, error)
	Consume(ctx context.Context, lease Lease) error
	Size(ctx context.Context) (int, error)
}

// Election is the leader-election recipe.
type Election interface {
	Acquire(ctx context.Context, timeout time.Duration) (bool, error)
	Release(ctx context.Context) error
}
