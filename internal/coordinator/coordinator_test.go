package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/redborder-io/outlierscoord/internal/artifactstore"
	"github.com/redborder-io/outlierscoord/internal/coordination"
	"github.com/redborder-io/outlierscoord/internal/druid"
	"github.com/redborder-io/outlierscoord/internal/obsstore"
	"github.com/redborder-io/outlierscoord/internal/trainer"
	"github.com/redborder-io/outlierscoord/internal/training"
)

func fixedDruidServer(t *testing.T) *druid.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"timestamp":"2026-07-28T00:00:00Z","result":{"bytes":1}}]`))
	}))
	t.Cleanup(srv.Close)
	return druid.New(srv.URL)
}

func tempObsStore(t *testing.T) *obsstore.Store {
	t.Helper()
	s, err := obsstore.Open(filepath.Join(t.TempDir(), "obs.db"))
	if err != nil {
		t.Fatalf("obsstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedModel(t *testing.T, store *artifactstore.FakeClient, model string) {
	t.Helper()
	store.Seed(artifactstore.WeightsKey(model), []byte(model+"-weights"))
	store.Seed(artifactstore.ConfigKey(model), []byte("[General]\nepochs = 3\n"))
}

func newTestJob(t *testing.T, store artifactstore.Client) *training.Job {
	return &training.Job{
		Store:   store,
		Druid:   fixedDruidServer(t),
		Trainer: &trainer.Fake{},
		Now:     func() time.Time { return time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC) },
	}
}

func TestLeaderSweepEnqueuesModelsAndRecordsSweep(t *testing.T) {
	client := coordination.NewFakeClient()
	store := artifactstore.NewFakeClient()
	seedModel(t, store, "alpha")
	seedModel(t, store, "beta")

	obs := tempObsStore(t)
	job := newTestJob(t, store)

	leader := New(Config{
		Client:     client,
		Store:      store,
		Obs:        obs,
		Job:        job,
		Identity:   "node-1",
		Root:       "/rbaioutliers/coordinator",
		Tick:       10 * time.Millisecond,
		SweepEvery: time.Hour,
	})

	ctx := context.Background()
	if err := leader.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !leader.IsLeader() {
		t.Fatal("expected sole node to self-elect as leader")
	}

	leader.leaderTick(ctx)

	size, err := leader.queue.Size(ctx)
	if err != nil {
		t.Fatalf("queue.Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("expected 2 queued models, got %d", size)
	}

	sweeps, err := obs.RecentSweeps(1)
	if err != nil {
		t.Fatalf("RecentSweeps: %v", err)
	}
	if len(sweeps) != 1 || sweeps[0].ModelCount != 2 {
		t.Fatalf("expected one recorded sweep with 2 models, got %+v", sweeps)
	}
}

func TestFollowerTickClaimsTrainsAndReleases(t *testing.T) {
	client := coordination.NewFakeClient()
	store := artifactstore.NewFakeClient()
	seedModel(t, store, "alpha")
	obs := tempObsStore(t)
	job := newTestJob(t, store)

	leaderID := New(Config{
		Client: client, Store: store, Obs: obs, Job: job,
		Identity: "leader", Root: "/coord", Tick: 10 * time.Millisecond, SweepEvery: time.Hour,
	})
	ctx := context.Background()
	if err := leaderID.Start(ctx); err != nil {
		t.Fatalf("leader Start: %v", err)
	}
	leaderID.leaderTick(ctx)

	follower := New(Config{
		Client: client, Store: store, Obs: obs, Job: job,
		Identity: "follower", Root: "/coord", Tick: 10 * time.Millisecond, SweepEvery: time.Hour,
	})
	if err := follower.Start(ctx); err != nil {
		t.Fatalf("follower Start: %v", err)
	}
	if follower.IsLeader() {
		t.Fatal("second node should not be leader")
	}

	follower.followerTick(ctx)

	taken, _ := client.Exists(ctx, follower.paths.Taken+"/alpha")
	if taken {
		t.Fatal("expected taken marker cleared after successful training")
	}
	train, _ := client.Exists(ctx, follower.paths.Train+"/alpha")
	if train {
		t.Fatal("expected train marker cleared after successful training")
	}

	outcomes, err := obs.RecentTrainingOutcomes("alpha", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("expected one successful outcome, got %+v", outcomes)
	}
}

func TestReapAbandonedRequeuesTakenWithoutTrain(t *testing.T) {
	client := coordination.NewFakeClient()
	store := artifactstore.NewFakeClient()
	obs := tempObsStore(t)
	job := newTestJob(t, store)

	c := New(Config{
		Client: client, Store: store, Obs: obs, Job: job,
		Identity: "node-1", Root: "/coord", Tick: 10 * time.Millisecond, SweepEvery: time.Hour,
	})
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Simulate a follower that created TAKEN but whose TRAIN marker has
	// already evaporated with its session (abandoned claim).
	if err := client.Create(ctx, c.paths.Taken+"/ghost", []byte("ghost"), false); err != nil {
		t.Fatalf("seed taken marker: %v", err)
	}

	requeued := c.reapAbandoned(ctx)
	if requeued != 1 {
		t.Fatalf("expected 1 requeue, got %d", requeued)
	}

	stillTaken, _ := client.Exists(ctx, c.paths.Taken+"/ghost")
	if stillTaken {
		t.Fatal("expected abandoned taken marker to be deleted")
	}

	size, err := c.queue.Size(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if size != 1 {
		t.Fatalf("expected ghost re-queued, queue size = %d", size)
	}

	claims, err := obs.ListClaimsForModel("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if len(claims) != 1 || claims[0].Event != "requeued" {
		t.Fatalf("expected a requeued claim event, got %+v", claims)
	}
}

func TestFollowerIdlesWithoutLeader(t *testing.T) {
	client := coordination.NewFakeClient()
	store := artifactstore.NewFakeClient()
	obs := tempObsStore(t)
	job := newTestJob(t, store)

	c := New(Config{
		Client: client, Store: store, Obs: obs, Job: job,
		Identity: "node-1", Root: "/coord", Tick: 10 * time.Millisecond, SweepEvery: time.Hour,
	})
	ctx := context.Background()

	// EnsurePath only, skip Start's election participation by calling it
	// directly after ensuring paths so no leader key exists yet.
	for _, p := range []string{c.paths.Leader, c.paths.Election, c.paths.Queue, c.paths.Taken, c.paths.Train} {
		if err := client.EnsurePath(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	c.queue = client.Queue(c.paths.Queue)

	c.followerTick(ctx) // should be a harmless no-op

	children, err := client.Children(ctx, c.paths.Taken)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no claims without a leader, got %v", children)
	}
}

func TestShutdownClearsLeaderKey(t *testing.T) {
	client := coordination.NewFakeClient()
	store := artifactstore.NewFakeClient()
	obs := tempObsStore(t)
	job := newTestJob(t, store)

	c := New(Config{
		Client: client, Store: store, Obs: obs, Job: job,
		Identity: "node-1", Root: "/coord", Tick: 10 * time.Millisecond, SweepEvery: time.Hour,
	})
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.IsLeader() {
		t.Fatal("expected self-election")
	}

	c.shutdown(ctx)

	children, err := client.Children(ctx, c.paths.Leader)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 0 {
		t.Fatalf("expected leader key cleared on shutdown, got %v", children)
	}
}
