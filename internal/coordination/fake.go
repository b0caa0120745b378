package coordination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// FakeClient is an in-memory model of Client used by every non-integration
// test. It implements enough of ZooKeeper's real behavior (ephemeral vs.
// persistent nodes, session loss dropping ephemeral nodes, the locked-queue
// recipe) to make the end-to-end coordinator scenarios deterministic.
type FakeClient struct {
	mu       sync.Mutex
	nodes    map[string]fakeNode
	watchers map[string][]func([]string)
	queues   map[string]*fakeQueue
	states   chan SessionState
	closed   bool
}

type fakeNode struct {
	payload   []byte
	ephemeral bool
}

// NewFakeClient returns a ready-to-use FakeClient.
func NewFakeClient() *FakeClient {
	c := &FakeClient{
		nodes:    map[string]fakeNode{"/": {}},
		watchers: map[string][]func([]string){},
		queues:   map[string]*fakeQueue{},
		states:   make(chan SessionState, 8),
	}
	c.states <- StateConnected
	return c
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

func parent(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func (c *FakeClient) EnsurePath(ctx context.Context, p string) error {
	p = normalize(p)
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		cur += "/" + seg
		if _, ok := c.nodes[cur]; !ok {
			c.nodes[cur] = fakeNode{}
		}
	}
	return nil
}

func (c *FakeClient) Create(ctx context.Context, p string, payload []byte, ephemeral bool) error {
	p = normalize(p)
	c.mu.Lock()
	if _, ok := c.nodes[p]; ok {
		c.mu.Unlock()
		return ErrAlreadyExists
	}
	c.nodes[p] = fakeNode{payload: payload, ephemeral: ephemeral}
	c.mu.Unlock()
	c.fireWatch(parent(p))
	return nil
}

func (c *FakeClient) Delete(ctx context.Context, p string) error {
	p = normalize(p)
	c.mu.Lock()
	if _, ok := c.nodes[p]; !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	delete(c.nodes, p)
	c.mu.Unlock()
	c.fireWatch(parent(p))
	return nil
}

func (c *FakeClient) Exists(ctx context.Context, p string) (bool, error) {
	p = normalize(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[p]
	return ok, nil
}

func (c *FakeClient) Get(ctx context.Context, p string) ([]byte, error) {
	p = normalize(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, ErrNotFound
	}
	return n.payload, nil
}

func (c *FakeClient) Children(ctx context.Context, p string) ([]string, error) {
	p = normalize(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[p]; !ok {
		return nil, ErrNotFound
	}
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	var children []string
	for path := range c.nodes {
		if path == p || !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (c *FakeClient) WatchChildren(ctx context.Context, p string, cb func([]string)) error {
	p = normalize(p)
	c.mu.Lock()
	if _, ok := c.nodes[p]; !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	c.watchers[p] = append(c.watchers[p], cb)
	c.mu.Unlock()
	return nil
}

func (c *FakeClient) fireWatch(p string) {
	c.mu.Lock()
	cbs := c.watchers[p]
	c.watchers[p] = nil
	children, _ := c.childrenLocked(p)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(children)
	}
}

func (c *FakeClient) childrenLocked(p string) ([]string, error) {
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	var children []string
	for path := range c.nodes {
		if path == p || !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children, nil
}

// DropSession simulates a session loss: every ephemeral node owned by this
// client disappears, as ZooKeeper would do on session expiry.
func (c *FakeClient) DropSession() {
	c.mu.Lock()
	var affectedParents []string
	for p, n := range c.nodes {
		if n.ephemeral {
			affectedParents = append(affectedParents, parent(p))
			delete(c.nodes, p)
		}
	}
	c.mu.Unlock()
	for _, p := range affectedParents {
		c.fireWatch(p)
	}
	select {
	case c.states <- StateLost:
	default:
	}
}

func (c *FakeClient) State() <-chan SessionState { return c.states }

func (c *FakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.states)
		c.closed = true
	}
	return nil
}

func (c *FakeClient) Queue(p string) Queue {
	p = normalize(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[p]
	if !ok {
		q = &fakeQueue{client: c, root: p}
		c.queues[p] = q
	}
	return q
}

func (c *FakeClient) Election(p, identity string) Election {
	return &fakeElection{client: c, root: normalize(p), identity: identity}
}

type fakeQueueEntry struct {
	seq    int
	path   string
	data   []byte
	locked bool
}

type fakeQueue struct {
	mu      sync.Mutex
	client  *FakeClient
	root    string
	entries []*fakeQueueEntry
	nextSeq int
}

func (q *fakeQueue) Put(ctx context.Context, item []byte) error {
	return q.PutAll(ctx, [][]byte{item})
}

func (q *fakeQueue) PutAll(ctx context.Context, items [][]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		q.nextSeq++
		q.entries = append(q.entries, &fakeQueueEntry{
			seq:  q.nextSeq,
			path: fmt.Sprintf("%s/entries/entry-%d", q.root, q.nextSeq),
			data: item,
		})
	}
	return nil
}

func (q *fakeQueue) Get(ctx context.Context, timeout time.Duration) (Lease, []byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		sort.Slice(q.entries, func(i, j int) bool { return q.entries[i].seq < q.entries[j].seq })
		for _, e := range q.entries {
			if !e.locked {
				e.locked = true
				lockPath := fmt.Sprintf("%s/locks/lock-%d", q.root, e.seq)
				q.mu.Unlock()
				return Lease{entryPath: e.path, lockPath: lockPath}, e.data, true, nil
			}
		}
		q.mu.Unlock()
		if time.Now().After(deadline) {
			return Lease{}, nil, false, nil
		}
		select {
		case <-ctx.Done():
			return Lease{}, nil, false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (q *fakeQueue) Consume(ctx context.Context, lease Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.path == lease.entryPath {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Abandon releases the lock on an entry without consuming it, simulating a
// follower dying mid-claim — the entry becomes claimable again.
func (q *fakeQueue) Abandon(lease Lease) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.path == lease.entryPath {
			e.locked = false
		}
	}
}

func (q *fakeQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

type fakeElection struct {
	client   *FakeClient
	root     string
	identity string

	mu   sync.Mutex
	held bool
}

func (e *fakeElection) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	path := e.root + "/leader"
	deadline := time.Now().Add(timeout)
	for {
		err := e.client.Create(ctx, path, []byte(e.identity), true)
		if err == nil {
			e.mu.Lock()
			e.held = true
			e.mu.Unlock()
			return true, nil
		}
		if err != ErrAlreadyExists {
			return false, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (e *fakeElection) Release(ctx context.Context) error {
	e.mu.Lock()
	held := e.held
	e.held = false
	e.mu.Unlock()
	if !held {
		return nil
	}
	err := e.client.Delete(ctx, e.root+"/leader")
	if err == ErrNotFound {
		return nil
	}
	return err
}
