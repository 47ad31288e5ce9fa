package replica

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confmesh/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(projectID uuid.UUID, name string, version int64, envID *uuid.UUID, value string) types.ConfigReplica {
	rec := types.ConfigReplica{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID.String()+"/"+name)),
		ProjectID: projectID,
		Name:      name,
		Version:   version,
		Variants: []types.VariantReplica{
			{ID: uuid.New(), EnvironmentID: nil, Value: value, Overrides: "[]"},
		},
	}
	if envID != nil {
		rec.Variants = append(rec.Variants, types.VariantReplica{
			ID: uuid.New(), EnvironmentID: envID, Value: `"env-` + value + `"`, Overrides: "[]",
		})
	}
	return rec
}

func TestUpsertAndRead(t *testing.T) {
	s := openTestStore(t)
	project := uuid.New()
	env := uuid.New()

	rec := record(project, "billing", 1, &env, `"base"`)
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{rec}))

	// Environment variant preferred.
	ec, ok, err := s.GetEnvironmentalConfig(project, "billing", &env)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"env-"base""`, ec.Value)
	assert.False(t, ec.FromBase)
	assert.Equal(t, int64(1), ec.Version)

	// Unknown environment falls back to the base (NULL environment_id).
	other := uuid.New()
	ec, ok, err = s.GetEnvironmentalConfig(project, "billing", &other)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"base"`, ec.Value)
	assert.True(t, ec.FromBase)

	// Unknown config.
	_, ok, err = s.GetEnvironmentalConfig(project, "missing", &env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertIgnoresStaleVersions(t *testing.T) {
	s := openTestStore(t)
	project := uuid.New()

	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 5, nil, `"v5"`)}))

	// Same version: ignored.
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 5, nil, `"v5-dup"`)}))
	v, ok, err := s.GetConfigValue(project, "c", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"v5"`, v)

	// Lower version: ignored.
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 4, nil, `"v4"`)}))
	v, _, _ = s.GetConfigValue(project, "c", nil)
	assert.Equal(t, `"v5"`, v)

	// Higher version: applied.
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 6, nil, `"v6"`)}))
	v, _, _ = s.GetConfigValue(project, "c", nil)
	assert.Equal(t, `"v6"`, v)
}

func TestUpsertReplacesVariants(t *testing.T) {
	s := openTestStore(t)
	project := uuid.New()
	env := uuid.New()

	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 1, &env, `"a"`)}))
	// Next version drops the environment variant entirely.
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 2, nil, `"b"`)}))

	ec, ok, err := s.GetEnvironmentalConfig(project, "c", &env)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ec.FromBase)
	assert.Equal(t, `"b"`, ec.Value)
}

func TestDeleteConfig(t *testing.T) {
	s := openTestStore(t)
	project := uuid.New()
	rec := record(project, "c", 1, nil, `"x"`)
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{rec}))
	require.NoError(t, s.DeleteConfig(rec.ID))

	_, ok, err := s.GetConfigValue(project, "c", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.ListConfigIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConsumerIDRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetConsumerID()
	require.NoError(t, err)
	assert.False(t, ok)

	id := uuid.New()
	require.NoError(t, s.SetConsumerID(id))
	got, ok, err := s.GetConsumerID()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	// Overwrite is allowed.
	next := uuid.New()
	require.NoError(t, s.SetConsumerID(next))
	got, _, _ = s.GetConsumerID()
	assert.Equal(t, next, got)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	project := uuid.New()
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 1, nil, `"x"`)}))
	require.NoError(t, s.SetConsumerID(uuid.New()))

	require.NoError(t, s.Clear())

	_, ok, err := s.GetConfigValue(project, "c", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetConsumerID()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/replica.db"

	s, err := Open(path, nil)
	require.NoError(t, err)
	project := uuid.New()
	require.NoError(t, s.UpsertConfigs([]types.ConfigReplica{record(project, "c", 3, nil, `"x"`)}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.GetConfigValue(project, "c", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"x"`, v)
}
