// Package coordinator implements the LEADER/FOLLOWER role loop: the leader
// enumerates models from the artifact store and enqueues them for training;
// followers compete to dequeue a model, claim it with a two-marker protocol,
// run the Training Job, and release the claim.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redborder-io/outlierscoord/internal/artifactstore"
	"github.com/redborder-io/outlierscoord/internal/coordination"
	"github.com/redborder-io/outlierscoord/internal/obsstore"
	"github.com/redborder-io/outlierscoord/internal/registry"
	"github.com/redborder-io/outlierscoord/internal/training"
)

// errNotStarted is returned by read-only accessors called before Start.
var errNotStarted = errors.New("coordinator: not started")

// Paths are the five coordination-service paths rooted under a configured
// sync path.
type Paths struct {
	Leader   string
	Election string
	Queue    string
	Taken    string
	Train    string
}

// NewPaths derives the five coordination paths from a configured root.
func NewPaths(root string) Paths {
	root = strings.TrimRight(root, "/")
	return Paths{
		Leader:   root + "/leader",
		Election: root + "/election",
		Queue:    root + "/models/queue",
		Taken:    root + "/models/taken",
		Train:    root + "/models/train",
	}
}

// Config bundles the Coordinator's dependencies.
type Config struct {
	Client   coordination.Client
	Store    artifactstore.Client
	Obs      *obsstore.Store // optional; a nil store disables observability recording
	Job      *training.Job
	Logger   *slog.Logger
	Identity string
	Root     string

	Tick       time.Duration // zk_tick_time
	SweepEvery time.Duration // zk_sleep_time
}

// Coordinator runs one node's role loop against a shared coordination
// service. Exactly one Coordinator process across the cluster observes
// itself as leader at a time (I1).
type Coordinator struct {
	client coordination.Client
	store  artifactstore.Client
	obs    *obsstore.Store
	job    *training.Job
	logger *slog.Logger

	identity string
	paths    Paths

	tick       time.Duration
	sweepEvery time.Duration

	queue    coordination.Queue
	election coordination.Election

	mu        sync.RWMutex
	isLeader  bool
	isRunning bool
	lastSweep time.Time

	leaderChanged chan struct{}
}

// New constructs a Coordinator. Call Start before Run.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	sweep := cfg.SweepEvery
	if sweep <= 0 {
		sweep = 300 * time.Second
	}
	return &Coordinator{
		client:        cfg.Client,
		store:         cfg.Store,
		obs:           cfg.Obs,
		job:           cfg.Job,
		logger:        logger,
		identity:      cfg.Identity,
		paths:         NewPaths(cfg.Root),
		tick:          tick,
		sweepEvery:    sweep,
		leaderChanged: make(chan struct{}, 1),
	}
}

// Paths returns the coordination paths this coordinator was configured with.
func (c *Coordinator) Paths() Paths { return c.paths }

// Identity returns this node's coordination identity.
func (c *Coordinator) Identity() string { return c.identity }

// QueueSize returns the current depth of the model work queue. Callers
// should treat a returned error as best-effort unavailability, never as a
// coordination failure.
func (c *Coordinator) QueueSize(ctx context.Context) (int, error) {
	if c.queue == nil {
		return 0, errNotStarted
	}
	return c.queue.Size(ctx)
}

// ModelStatus reports, for one known model, whether a TAKEN or TRAIN
// marker currently exists.
type ModelStatus struct {
	Model string
	Taken bool
	Train bool
}

// ModelStatuses lists the models currently known to the artifact store
// alongside a best-effort snapshot of their TAKEN/TRAIN marker state.
func (c *Coordinator) ModelStatuses(ctx context.Context) ([]ModelStatus, error) {
	objects, err := c.store.List(ctx, artifactstore.LatestPrefix)
	if err != nil {
		return nil, err
	}
	models := registry.ModelsFromListing(objects)

	statuses := make([]ModelStatus, 0, len(models))
	for _, m := range models {
		taken, _ := c.client.Exists(ctx, c.paths.Taken+"/"+m)
		train, _ := c.client.Exists(ctx, c.paths.Train+"/"+m)
		statuses = append(statuses, ModelStatus{Model: m, Taken: taken, Train: train})
	}
	return statuses, nil
}

// IsLeader reports whether this node currently holds the LEADER key.
func (c *Coordinator) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isLeader
}

func (c *Coordinator) setLeader(v bool) {
	c.mu.Lock()
	c.isLeader = v
	c.mu.Unlock()
}

func (c *Coordinator) running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// Start ensures the coordination paths, opens the queue and election
// primitives, installs the LEADER children watch, and performs an initial
// election-participation pass. Call Run afterward to enter the role loop.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, p := range []string{c.paths.Leader, c.paths.Election, c.paths.Queue, c.paths.Taken, c.paths.Train} {
		if err := c.client.EnsurePath(ctx, p); err != nil {
			return err
		}
	}

	c.queue = c.client.Queue(c.paths.Queue)
	c.election = c.client.Election(c.paths.Election, c.identity)

	c.mu.Lock()
	c.isRunning = true
	c.mu.Unlock()

	// Children watches are single-shot, so the callback re-arms the watch
	// before signalling; later LEADER changes keep reaching the election.
	var watchLeader func() error
	watchLeader = func() error {
		return c.client.WatchChildren(ctx, c.paths.Leader, func([]string) {
			if err := watchLeader(); err != nil {
				c.logger.Error("election: re-arm leader watch", "error", err)
			}
			select {
			case c.leaderChanged <- struct{}{}:
			default:
			}
		})
	}
	if err := watchLeader(); err != nil {
		return err
	}

	go c.watchLeaderChanges(ctx)

	c.electionParticipate(ctx)
	return nil
}

func (c *Coordinator) watchLeaderChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.leaderChanged:
			c.electionParticipate(ctx)
		}
	}
}

// electionParticipate is the election-participation callback: if LEADER has
// no child, it races the election lock to create the LEADER key, then reads
// the LEADER key's payload to decide whether this node is leader.
func (c *Coordinator) electionParticipate(ctx context.Context) {
	if !c.running() {
		return
	}

	children, err := c.client.Children(ctx, c.paths.Leader)
	if err != nil {
		c.logger.Error("election: list leader children", "error", err)
		return
	}

	if len(children) == 0 {
		acquired, err := c.election.Acquire(ctx, 5*c.tick)
		if err != nil {
			c.logger.Warn("election: acquire failed", "error", err)
		} else if acquired {
			if err := c.client.Create(ctx, c.paths.Leader+"/"+c.identity, []byte(c.identity), true); err != nil {
				c.logger.Error("election: create leader key", "error", err)
			}
			if err := c.election.Release(ctx); err != nil {
				c.logger.Warn("election: release failed", "error", err)
			}
		} else {
			c.logger.Debug("election: acquire timed out, will retry on next leader-children change")
		}
	}

	children, err = c.client.Children(ctx, c.paths.Leader)
	if err != nil {
		c.logger.Error("election: re-list leader children", "error", err)
		return
	}

	leader := false
	if len(children) == 1 {
		data, err := c.client.Get(ctx, c.paths.Leader+"/"+children[0])
		if err == nil && string(data) == c.identity {
			leader = true
		}
	}
	if leader != c.IsLeader() {
		c.logger.Info("role changed", "is_leader", leader, "identity", c.identity)
	}
	c.setLeader(leader)
}

// Tick runs exactly one leader or follower tick, whichever role this node
// currently holds, and returns without entering the ticker loop. Used by
// the supervisor's -once flag for a single-shot invocation.
func (c *Coordinator) Tick(ctx context.Context) {
	if c.IsLeader() {
		c.leaderTick(ctx)
	} else {
		c.followerTick(ctx)
	}
}

// Run blocks until ctx is cancelled, ticking the role loop at the
// configured tick interval.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; shut down under a fresh, bounded
			// context so clearing the LEADER key is actually attempted.
			shutCtx, cancelShut := context.WithTimeout(context.Background(), 2*c.tick)
			c.shutdown(shutCtx)
			cancelShut()
			return
		case <-ticker.C:
			if c.IsLeader() {
				c.leaderTick(ctx)
			} else {
				c.followerTick(ctx)
			}
		}
	}
}

// leaderTick refreshes the model list and enqueues it once per sweep
// period, and on every tick reaps abandoned claims (TAKEN without TRAIN).
func (c *Coordinator) leaderTick(ctx context.Context) {
	now := time.Now()
	queued := 0

	c.mu.RLock()
	due := c.lastSweep.IsZero() || now.Sub(c.lastSweep) >= c.sweepEvery
	c.mu.RUnlock()

	if due {
		objects, err := c.store.List(ctx, artifactstore.LatestPrefix)
		if err != nil {
			c.logger.Error("leader tick: list artifact store", "error", err)
		} else {
			models := registry.ModelsFromListing(objects)
			queued = len(models)
			if len(models) > 0 {
				payloads := make([][]byte, len(models))
				for i, m := range models {
					payloads[i] = []byte(m)
				}
				if err := c.queue.PutAll(ctx, payloads); err != nil {
					c.logger.Error("leader tick: put_all", "error", err)
				}
			}
			c.mu.Lock()
			c.lastSweep = now
			c.mu.Unlock()
		}
	}

	requeued := c.reapAbandoned(ctx)

	if c.obs != nil {
		if err := c.obs.RecordSweep(obsstore.Sweep{
			ModelCount:  queued,
			QueuedCount: queued,
			Requeued:    requeued,
			Node:        c.identity,
		}); err != nil {
			c.logger.Warn("leader tick: record sweep", "error", err)
		}
	}
}

// reapAbandoned detects and recovers the (TAKEN present, TRAIN absent)
// asymmetry left by a crashed or disconnected follower (I5).
func (c *Coordinator) reapAbandoned(ctx context.Context) int {
	children, err := c.client.Children(ctx, c.paths.Taken)
	if err != nil {
		c.logger.Error("leader tick: list taken markers", "error", err)
		return 0
	}

	requeued := 0
	for _, model := range children {
		inTraining, err := c.client.Exists(ctx, c.paths.Train+"/"+model)
		if err != nil {
			c.logger.Error("leader tick: check train marker", "model", model, "error", err)
			continue
		}
		if inTraining {
			continue
		}

		if err := c.client.Delete(ctx, c.paths.Taken+"/"+model); err != nil {
			c.logger.Error("leader tick: delete abandoned taken marker", "model", model, "error", err)
			continue
		}
		if err := c.queue.Put(ctx, []byte(model)); err != nil {
			c.logger.Error("leader tick: requeue abandoned model", "model", model, "error", err)
			continue
		}

		c.logger.Warn("leader tick: requeued abandoned model", "model", model)
		if c.obs != nil {
			if err := c.obs.RecordClaim(model, c.identity, "requeued", "taken without train marker"); err != nil {
				c.logger.Warn("leader tick: record claim", "error", err)
			}
		}
		requeued++
	}
	return requeued
}

// followerTick dequeues at most one model, claims it with the two-marker
// protocol, runs the Training Job, and releases the claim.
func (c *Coordinator) followerTick(ctx context.Context) {
	children, err := c.client.Children(ctx, c.paths.Leader)
	if err != nil {
		c.logger.Error("follower tick: check leader", "error", err)
		return
	}
	if len(children) == 0 {
		return
	}

	lease, payload, ok, err := c.queue.Get(ctx, 2*c.tick)
	if err != nil {
		c.logger.Error("follower tick: queue get", "error", err)
		return
	}
	if !ok {
		return
	}
	model := string(payload)

	if err := c.client.Create(ctx, c.paths.Train+"/"+model, payload, true); err != nil {
		c.logger.Error("follower tick: create train marker", "model", model, "error", err)
		return
	}
	if err := c.queue.Consume(ctx, lease); err != nil {
		c.logger.Error("follower tick: consume lease", "model", model, "error", err)
		return
	}
	if err := c.client.Create(ctx, c.paths.Taken+"/"+model, payload, false); err != nil {
		c.logger.Error("follower tick: create taken marker", "model", model, "error", err)
		return
	}

	c.logger.Info("follower tick: claimed model", "model", model)
	c.recordClaim(model, "claimed", "")

	start := time.Now()
	trainErr := c.job.Run(ctx, model)
	end := time.Now()

	if err := c.client.Delete(ctx, c.paths.Taken+"/"+model); err != nil {
		c.logger.Error("follower tick: delete taken marker", "model", model, "error", err)
	}
	if err := c.client.Delete(ctx, c.paths.Train+"/"+model); err != nil {
		c.logger.Error("follower tick: delete train marker", "model", model, "error", err)
	}

	if trainErr == nil {
		c.logger.Info("follower tick: training succeeded", "model", model)
		c.recordClaim(model, "released", "")
		c.recordOutcome(model, start, end, true, "")
		return
	}

	c.logger.Error("follower tick: training failed", "model", model, "error", trainErr)
	c.recordClaim(model, "released", trainErr.Error())
	c.recordOutcome(model, start, end, false, trainErr.Error())
}

func (c *Coordinator) recordClaim(model, event, detail string) {
	if c.obs == nil {
		return
	}
	if err := c.obs.RecordClaim(model, c.identity, event, detail); err != nil {
		c.logger.Warn("record claim event", "model", model, "event", event, "error", err)
	}
}

func (c *Coordinator) recordOutcome(model string, start, end time.Time, success bool, errMsg string) {
	if c.obs == nil {
		return
	}
	if err := c.obs.RecordTrainingOutcome(obsstore.TrainingOutcome{
		Model:       model,
		Node:        c.identity,
		StartedAt:   start,
		CompletedAt: end,
		Success:     success,
		Error:       errMsg,
	}); err != nil {
		c.logger.Warn("record training outcome", "model", model, "error", err)
	}
}

// shutdown marks the coordinator stopped and, if leader, clears the LEADER
// payload so a peer can take over promptly.
func (c *Coordinator) shutdown(ctx context.Context) {
	c.mu.Lock()
	c.isRunning = false
	c.mu.Unlock()

	if !c.IsLeader() {
		return
	}

	children, err := c.client.Children(ctx, c.paths.Leader)
	if err != nil {
		c.logger.Error("shutdown: list leader children", "error", err)
		return
	}
	for _, child := range children {
		if err := c.client.Delete(ctx, c.paths.Leader+"/"+child); err != nil {
			c.logger.Error("shutdown: clear leader key", "error", err)
		}
	}
	c.setLeader(false)
}
