package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/sony/gobreaker"

	"github.com/redborder-io/outlierscoord/internal/retry"
)

// ZKClient is the real Client implementation, backed by a live ZooKeeper
// ensemble via github.com/go-zookeeper/zk.
type ZKClient struct {
	conn   *zk.Conn
	logger *slog.Logger

	readBreaker  *gobreaker.CircuitBreaker
	writeBreaker *gobreaker.CircuitBreaker
	queueBreaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	states chan SessionState
}

// Dial connects to the given ZooKeeper host:port entries and returns a
// ready-to-use ZKClient. tickTime is the session tick used for the
// underlying ZK session timeout.
func Dial(hosts []string, tickTime time.Duration, logger *slog.Logger) (*ZKClient, error) {
	conn, events, err := zk.Connect(hosts, tickTime)
	if err != nil {
		return nil, fmt.Errorf("coordination: connect: %w", err)
	}
	c := &ZKClient{
		conn:         conn,
		logger:       logger,
		states:       make(chan SessionState, 8),
		readBreaker:  newBreaker("zk-read"),
		writeBreaker: newBreaker("zk-write"),
		queueBreaker: newBreaker("zk-queue"),
	}
	go c.watchSession(events)
	return c, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= retry.Default.MaxAttempts
		},
	})
}

func (c *ZKClient) watchSession(events <-chan zk.Event) {
	for ev := range events {
		var s SessionState
		switch ev.State {
		case zk.StateHasSession:
			s = StateConnected
		case zk.StateDisconnected:
			s = StateSuspended
		case zk.StateExpired:
			s = StateLost
		default:
			continue
		}
		if c.logger != nil {
			c.logger.Info("coordination session state changed", "state", s.String())
		}
		select {
		case c.states <- s:
		default:
		}
	}
}

// State returns a channel of session state transitions.
func (c *ZKClient) State() <-chan SessionState { return c.states }

// isSentinel reports whether err is an authoritative business outcome
// (ErrAlreadyExists, ErrNotFound) rather than a transient failure. These
// are never retried and never counted against the circuit breaker — a
// single Create against an already-existing node, or a Delete/Get against
// an already-absent one, is the expected steady state, not an ensemble
// problem.
func isSentinel(err error) bool {
	return err == ErrAlreadyExists || err == ErrNotFound
}

func withBreaker(ctx context.Context, b *gobreaker.CircuitBreaker, fn func(ctx context.Context) error) error {
	var sentinel error
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		_, err := b.Execute(func() (interface{}, error) {
			err := fn(ctx)
			if isSentinel(err) {
				sentinel = err
				return nil, nil
			}
			return nil, err
		})
		return err
	})
	if sentinel != nil {
		return sentinel
	}
	return err
}

// EnsurePath creates every missing persistent segment of path.
func (c *ZKClient) EnsurePath(ctx context.Context, p string) error {
	clean := path.Clean(p)
	if clean == "/" || clean == "." {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur += "/" + seg
		if err := c.Create(ctx, cur, nil, false); err != nil && err != ErrAlreadyExists {
			return fmt.Errorf("coordination: ensure path %s: %w", cur, err)
		}
	}
	return nil
}

// Create creates a znode at path with the given payload. ephemeral selects
// between a persistent and a session-bound ephemeral node.
func (c *ZKClient) Create(ctx context.Context, p string, payload []byte, ephemeral bool) error {
	flags := int32(0)
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	return withBreaker(ctx, c.writeBreaker, func(ctx context.Context) error {
		_, err := c.conn.Create(p, payload, flags, zk.WorldACL(zk.PermAll))
		if err == zk.ErrNodeExists {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
		return nil
	})
}

// Delete removes the znode at path. A missing node is reported as
// ErrNotFound, which callers are free to ignore.
func (c *ZKClient) Delete(ctx context.Context, p string) error {
	return withBreaker(ctx, c.writeBreaker, func(ctx context.Context) error {
		err := c.conn.Delete(p, -1)
		if err == zk.ErrNoNode {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		return nil
	})
}

// Exists reports whether a znode exists at path.
func (c *ZKClient) Exists(ctx context.Context, p string) (bool, error) {
	var exists bool
	err := withBreaker(ctx, c.readBreaker, func(ctx context.Context) error {
		ok, _, err := c.conn.Exists(p)
		if err != nil {
			return fmt.Errorf("exists %s: %w", p, err)
		}
		exists = ok
		return nil
	})
	return exists, err
}

// Get returns the payload stored at path.
func (c *ZKClient) Get(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := withBreaker(ctx, c.readBreaker, func(ctx context.Context) error {
		d, _, err := c.conn.Get(p)
		if err == zk.ErrNoNode {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", p, err)
		}
		data = d
		return nil
	})
	return data, err
}

// Children returns the names of path's direct children.
func (c *ZKClient) Children(ctx context.Context, p string) ([]string, error) {
	var children []string
	err := withBreaker(ctx, c.readBreaker, func(ctx context.Context) error {
		ch, _, err := c.conn.Children(p)
		if err == zk.ErrNoNode {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("children %s: %w", p, err)
		}
		children = ch
		return nil
	})
	return children, err
}

// WatchChildren registers a single-shot watch on path's children; cb fires
// once, with the children observed at the time of the change, from a
// goroutine owned by this client. Callers that want to keep watching must
// call WatchChildren again from inside cb.
func (c *ZKClient) WatchChildren(ctx context.Context, p string, cb func([]string)) error {
	children, _, events, err := c.conn.ChildrenW(p)
	if err != nil {
		if err == zk.ErrNoNode {
			return ErrNotFound
		}
		return fmt.Errorf("watch children %s: %w", p, err)
	}
	go func() {
		select {
		case ev := <-events:
			if ev.Err != nil {
				if c.logger != nil {
					c.logger.Error("children watch error", "path", p, "error", ev.Err)
				}
				return
			}
			latest, _, err := c.conn.Children(p)
			if err != nil {
				if c.logger != nil {
					c.logger.Error("children refresh after watch failed", "path", p, "error", err)
				}
				return
			}
			cb(latest)
		case <-ctx.Done():
			return
		}
	}()
	_ = children
	return nil
}

// Close stops the underlying session.
func (c *ZKClient) Close() error {
	c.conn.Close()
	close(c.states)
	return nil
}

// Queue returns a locked-queue view rooted at path.
func (c *ZKClient) Queue(p string) Queue {
	return &zkQueue{client: c, root: p}
}

// Election returns a leader-election view rooted at path, identified by
// identity.
func (c *ZKClient) Election(p, identity string) Election {
	return &zkElection{client: c, root: p, identity: identity}
}

// zkQueue implements the ZooKeeper locked-queue recipe: persistent
// sequential entry nodes under <root>/entries, and per entry an ephemeral
// lock node <root>/locks/lock-<seq> taken by whichever consumer leased it.
// Get leases the lowest-sequence entry that is not already locked.
type zkQueue struct {
	client *ZKClient
	root   string

	mu        sync.Mutex
	lockPath  string
	entryPath string
}

func (q *zkQueue) entriesPath() string { return path.Join(q.root, "entries") }
func (q *zkQueue) locksPath() string   { return path.Join(q.root, "locks") }

func (q *zkQueue) ensureDirs(ctx context.Context) error {
	if err := q.client.EnsurePath(ctx, q.entriesPath()); err != nil {
		return err
	}
	return q.client.EnsurePath(ctx, q.locksPath())
}

func (q *zkQueue) Put(ctx context.Context, item []byte) error {
	return q.PutAll(ctx, [][]byte{item})
}

func (q *zkQueue) PutAll(ctx context.Context, items [][]byte) error {
	if err := q.ensureDirs(ctx); err != nil {
		return err
	}
	for _, item := range items {
		err := withBreaker(ctx, q.client.queueBreaker, func(ctx context.Context) error {
			_, err := q.client.conn.Create(
				path.Join(q.entriesPath(), "entry-"), item, zk.FlagSequence, zk.WorldACL(zk.PermAll))
			return err
		})
		if err != nil {
			return fmt.Errorf("coordination: queue put: %w", err)
		}
	}
	return nil
}

func sortedSequential(children []string, prefix string) []string {
	filtered := make([]string, 0, len(children))
	for _, c := range children {
		if strings.Contains(c, prefix) {
			filtered = append(filtered, c)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return sequenceSuffix(filtered[i]) < sequenceSuffix(filtered[j])
	})
	return filtered
}

func sequenceSuffix(name string) int64 {
	idx := strings.LastIndex(name, "-")
	if idx < 0 || idx+1 >= len(name) {
		return 0
	}
	n, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (q *zkQueue) Get(ctx context.Context, timeout time.Duration) (Lease, []byte, bool, error) {
	if err := q.ensureDirs(ctx); err != nil {
		return Lease{}, nil, false, err
	}
	deadline := time.Now().Add(timeout)
	for {
		children, err := q.client.Children(ctx, q.entriesPath())
		if err != nil {
			return Lease{}, nil, false, fmt.Errorf("coordination: queue get: %w", err)
		}
		entries := sortedSequential(children, "entry-")
		for _, e := range entries {
			entryPath := path.Join(q.entriesPath(), e)
			lockName := "lock-" + strconv.FormatInt(sequenceSuffix(e), 10)
			lockPath := path.Join(q.locksPath(), lockName)
			err := q.client.Create(ctx, lockPath, nil, true)
			if err == nil {
				data, err := q.client.Get(ctx, entryPath)
				if err != nil {
					_ = q.client.Delete(ctx, lockPath)
					continue
				}
				// The lease lapses after timeout: dropping the lock node
				// makes an entry that was not consumed claimable again.
				time.AfterFunc(timeout, func() {
					_ = q.client.Delete(context.Background(), lockPath)
				})
				return Lease{entryPath: entryPath, lockPath: lockPath}, data, true, nil
			}
			if err != ErrAlreadyExists {
				return Lease{}, nil, false, fmt.Errorf("coordination: queue lock: %w", err)
			}
		}
		if time.Now().After(deadline) {
			return Lease{}, nil, false, nil
		}
		select {
		case <-ctx.Done():
			return Lease{}, nil, false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *zkQueue) Consume(ctx context.Context, lease Lease) error {
	if err := q.client.Delete(ctx, lease.entryPath); err != nil && err != ErrNotFound {
		return fmt.Errorf("coordination: queue consume entry: %w", err)
	}
	if err := q.client.Delete(ctx, lease.lockPath); err != nil && err != ErrNotFound {
		return fmt.Errorf("coordination: queue consume lock: %w", err)
	}
	return nil
}

func (q *zkQueue) Size(ctx context.Context) (int, error) {
	children, err := q.client.Children(ctx, q.entriesPath())
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("coordination: queue size: %w", err)
	}
	return len(sortedSequential(children, "entry-")), nil
}

// zkElection implements the standard ZooKeeper leader-election recipe:
// each candidate creates a sequential ephemeral node under
// <root>/candidates; the lowest sequence number holds leadership.
type zkElection struct {
	client   *ZKClient
	root     string
	identity string

	mu         sync.Mutex
	ownPath    string
	ownedSince time.Time
}

func (e *zkElection) candidatesPath() string { return path.Join(e.root, "candidates") }

func (e *zkElection) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.EnsurePath(ctx, e.candidatesPath()); err != nil {
		return false, err
	}
	if e.ownPath == "" {
		var created string
		err := withBreaker(ctx, e.client.queueBreaker, func(ctx context.Context) error {
			p, err := e.client.conn.CreateProtectedEphemeralSequential(
				path.Join(e.candidatesPath(), "candidate-"), []byte(e.identity), zk.WorldACL(zk.PermAll))
			created = p
			return err
		})
		if err != nil {
			return false, fmt.Errorf("coordination: election create candidate: %w", err)
		}
		e.ownPath = created
	}

	deadline := time.Now().Add(timeout)
	for {
		children, err := e.client.Children(ctx, e.candidatesPath())
		if err != nil {
			return false, fmt.Errorf("coordination: election children: %w", err)
		}
		sorted := sortedSequential(children, "candidate-")
		if len(sorted) == 0 {
			return false, nil
		}
		lowest := path.Join(e.candidatesPath(), sorted[0])
		if lowest == e.ownPath {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (e *zkElection) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ownPath == "" {
		return nil
	}
	if err := e.client.Delete(ctx, e.ownPath); err != nil && err != ErrNotFound {
		return fmt.Errorf("coordination: election release: %w", err)
	}
	e.ownPath = ""
	return nil
}
