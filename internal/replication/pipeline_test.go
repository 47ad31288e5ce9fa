package replication

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"confmesh/internal/replica"
	"confmesh/internal/types"
)

// fakeSource is an in-memory primary: a config set, an append-only event
// log and a consumer registry.
type fakeSource struct {
	mu        sync.Mutex
	consumers map[uuid.UUID]*types.Consumer
	events    []types.ConfigEvent
	configs   map[uuid.UUID]types.ConfigReplica
	cleanups  int
	touches   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		consumers: make(map[uuid.UUID]*types.Consumer),
		configs:   make(map[uuid.UUID]types.ConfigReplica),
	}
}

func (f *fakeSource) putConfig(rec types.ConfigReplica) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[rec.ID] = rec
	f.events = append(f.events, types.ConfigEvent{
		Seq: int64(len(f.events) + 1), ConfigID: rec.ID, Version: rec.Version, Kind: types.EventUpsert,
	})
}

func (f *fakeSource) dropConfig(id uuid.UUID, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configs, id)
	f.events = append(f.events, types.ConfigEvent{
		Seq: int64(len(f.events) + 1), ConfigID: id, Version: version, Kind: types.EventDelete,
	})
}

func (f *fakeSource) CreateConsumer(context.Context) (*types.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &types.Consumer{ID: uuid.New(), LastSeq: int64(len(f.events))}
	f.consumers[c.ID] = c
	return c, nil
}

func (f *fakeSource) GetConsumer(_ context.Context, id uuid.UUID) (*types.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consumers[id]
	if !ok {
		return nil, types.NotFoundf("consumer %s", id)
	}
	return c, nil
}

func (f *fakeSource) PollEvents(_ context.Context, id uuid.UUID, limit int) ([]types.ConfigEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consumers[id]
	if !ok {
		return nil, types.NotFoundf("consumer %s", id)
	}
	var out []types.ConfigEvent
	for _, e := range f.events {
		if e.Seq > c.LastSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) AdvanceConsumer(_ context.Context, id uuid.UUID, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consumers[id]
	if !ok {
		return types.NotFoundf("consumer %s", id)
	}
	if seq > c.LastSeq {
		c.LastSeq = seq
	}
	return nil
}

func (f *fakeSource) TouchConsumer(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consumers[id]; !ok {
		return types.NotFoundf("consumer %s", id)
	}
	f.touches++
	return nil
}

func (f *fakeSource) CleanupConsumers(context.Context, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return 0, nil
}

func (f *fakeSource) DumpConfigs(_ context.Context, afterID uuid.UUID, limit int) ([]types.ConfigReplica, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ConfigReplica
	for _, rec := range f.configs {
		if bytes.Compare(rec.ID[:], afterID[:]) > 0 {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSource) FetchConfigReplicas(_ context.Context, ids []uuid.UUID) ([]types.ConfigReplica, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ConfigReplica
	for _, id := range ids {
		if rec, ok := f.configs[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestReplica(t *testing.T) *replica.Store {
	t.Helper()
	rep, err := replica.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { rep.Close() })
	return rep
}

func replicaRecord(projectID uuid.UUID, name string, version int64, value string) types.ConfigReplica {
	return types.ConfigReplica{
		ID: uuid.New(), ProjectID: projectID, Name: name, Version: version,
		Variants: []types.VariantReplica{
			{ID: uuid.New(), Value: value, Overrides: "[]"},
		},
	}
}

func TestStartSyncsSnapshot(t *testing.T) {
	src := newFakeSource()
	rep := newTestReplica(t)
	projectID := uuid.New()
	src.putConfig(replicaRecord(projectID, "timeout", 1, `{"ms":250}`))
	src.putConfig(replicaRecord(projectID, "retries", 3, `{"max":5}`))

	p := New(src, rep, Options{}, nil)
	require.NoError(t, p.ensureConsumer(context.Background()))
	require.NoError(t, p.pull(context.Background()))

	val, ok, err := rep.GetConfigValue(projectID, "timeout", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"ms":250}`, val)

	_, ok, err = rep.GetConfigValue(projectID, "retries", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStepAppliesEvents(t *testing.T) {
	src := newFakeSource()
	rep := newTestReplica(t)
	projectID := uuid.New()

	p := New(src, rep, Options{}, nil)
	ctx := context.Background()
	require.NoError(t, p.ensureConsumer(ctx))

	rec := replicaRecord(projectID, "flag", 1, `true`)
	src.putConfig(rec)
	require.NoError(t, p.step(ctx))

	val, ok, err := rep.GetConfigValue(projectID, "flag", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", val)

	src.dropConfig(rec.ID, 2)
	require.NoError(t, p.step(ctx))

	_, ok, err = rep.GetConfigValue(projectID, "flag", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteWinsWithinBatch(t *testing.T) {
	src := newFakeSource()
	rep := newTestReplica(t)
	projectID := uuid.New()

	p := New(src, rep, Options{}, nil)
	ctx := context.Background()
	require.NoError(t, p.ensureConsumer(ctx))

	rec := replicaRecord(projectID, "short-lived", 1, `1`)
	src.putConfig(rec)
	src.dropConfig(rec.ID, 2)
	require.NoError(t, p.step(ctx))

	_, ok, err := rep.GetConfigValue(projectID, "short-lived", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPullRemovesConfigsMissingFromSnapshot(t *testing.T) {
	src := newFakeSource()
	rep := newTestReplica(t)
	projectID := uuid.New()

	stale := replicaRecord(projectID, "stale", 1, `"old"`)
	require.NoError(t, rep.UpsertConfigs([]types.ConfigReplica{stale}))

	live := replicaRecord(projectID, "live", 1, `"new"`)
	src.putConfig(live)

	p := New(src, rep, Options{}, nil)
	ctx := context.Background()
	require.NoError(t, p.ensureConsumer(ctx))
	require.NoError(t, p.pull(ctx))

	_, ok, err := rep.GetConfigValue(projectID, "stale", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = rep.GetConfigValue(projectID, "live", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestColdStartWhenPrimaryForgetsConsumer(t *testing.T) {
	src := newFakeSource()
	rep := newTestReplica(t)

	// A checkpoint from a consumer the primary no longer knows.
	require.NoError(t, rep.SetConsumerID(uuid.New()))
	leftover := replicaRecord(uuid.New(), "leftover", 1, `0`)
	require.NoError(t, rep.UpsertConfigs([]types.ConfigReplica{leftover}))

	p := New(src, rep, Options{}, nil)
	require.NoError(t, p.ensureConsumer(context.Background()))

	// The replica was cleared and a fresh consumer registered.
	ids, err := rep.ListConfigIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	id, ok, err := rep.GetConsumerID()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = src.GetConsumer(context.Background(), id)
	assert.NoError(t, err)
}

func TestConsumerResumesAcrossRestart(t *testing.T) {
	src := newFakeSource()
	rep := newTestReplica(t)
	ctx := context.Background()

	p1 := New(src, rep, Options{}, nil)
	require.NoError(t, p1.ensureConsumer(ctx))
	first := p1.consumerID

	p2 := New(src, rep, Options{}, nil)
	require.NoError(t, p2.ensureConsumer(ctx))
	assert.Equal(t, first, p2.consumerID)
}

func TestStaleEventDoesNotRegressReplica(t *testing.T) {
	src := newFakeSource()
	rep := newTestReplica(t)
	projectID := uuid.New()

	p := New(src, rep, Options{}, nil)
	ctx := context.Background()
	require.NoError(t, p.ensureConsumer(ctx))

	rec := replicaRecord(projectID, "counter", 5, `5`)
	src.putConfig(rec)
	require.NoError(t, p.step(ctx))

	// An older snapshot record for the same config must be ignored.
	old := rec
	old.Version = 3
	old.Variants = []types.VariantReplica{{ID: uuid.New(), Value: `3`, Overrides: "[]"}}
	require.NoError(t, rep.UpsertConfigs([]types.ConfigReplica{old}))

	val, ok, err := rep.GetConfigValue(projectID, "counter", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5", val)
}

func TestStartStopLifecycle(t *testing.T) {
	src := newFakeSource()
	rep, err := replica.Open(":memory:", nil)
	require.NoError(t, err)
	src.putConfig(replicaRecord(uuid.New(), "boot", 1, `"ok"`))

	p := New(src, rep, Options{StepInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, p.Start(context.Background()))
	p.Nudge()
	p.Stop()
	// Stop is idempotent.
	p.Stop()

	// The sqlite pool keeps a connection opener alive until the store
	// closes, so close before checking for leaked goroutines.
	require.NoError(t, rep.Close())
	goleak.VerifyNone(t)
}
