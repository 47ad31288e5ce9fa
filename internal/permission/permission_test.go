package permission

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confmesh/internal/types"
)

type fakeMemberships struct {
	workspace map[uuid.UUID]types.WorkspaceRole
	project   map[uuid.UUID]types.ProjectRole
	config    map[uuid.UUID]types.ConfigRole
}

func (f *fakeMemberships) WorkspaceRole(_ context.Context, userID uuid.UUID) (types.WorkspaceRole, bool, error) {
	r, ok := f.workspace[userID]
	return r, ok, nil
}

func (f *fakeMemberships) ProjectRole(_ context.Context, _ uuid.UUID, userID uuid.UUID) (types.ProjectRole, bool, error) {
	r, ok := f.project[userID]
	return r, ok, nil
}

func (f *fakeMemberships) ConfigRole(_ context.Context, _ uuid.UUID, userID uuid.UUID) (types.ConfigRole, bool, error) {
	r, ok := f.config[userID]
	return r, ok, nil
}

func newFake() *fakeMemberships {
	return &fakeMemberships{
		workspace: make(map[uuid.UUID]types.WorkspaceRole),
		project:   make(map[uuid.UUID]types.ProjectRole),
		config:    make(map[uuid.UUID]types.ConfigRole),
	}
}

func TestConfigLevelStrongestGrantWins(t *testing.T) {
	projectID, configID := uuid.New(), uuid.New()
	ctx := context.Background()

	cases := []struct {
		name      string
		workspace types.WorkspaceRole
		project   types.ProjectRole
		config    types.ConfigRole
		want      Level
	}{
		{name: "no grants", want: LevelNone},
		{name: "workspace member reads", workspace: types.WorkspaceMember, want: LevelRead},
		{name: "workspace admin manages", workspace: types.WorkspaceAdmin, want: LevelManage},
		{name: "project viewer reads", project: types.ProjectViewer, want: LevelRead},
		{name: "project maintainer manages", project: types.ProjectMaintainer, want: LevelManage},
		{name: "config editor edits", config: types.ConfigEditor, want: LevelEdit},
		{name: "config maintainer manages", config: types.ConfigMaintainer, want: LevelManage},
		{
			name:      "config grant lifts workspace member",
			workspace: types.WorkspaceMember,
			config:    types.ConfigEditor,
			want:      LevelEdit,
		},
		{
			name:    "weak config grant never narrows project admin",
			project: types.ProjectAdmin,
			config:  types.ConfigEditor,
			want:    LevelManage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newFake()
			userID := uuid.New()
			if tc.workspace != "" {
				src.workspace[userID] = tc.workspace
			}
			if tc.project != "" {
				src.project[userID] = tc.project
			}
			if tc.config != "" {
				src.config[userID] = tc.config
			}
			level, err := NewGate(src).ConfigLevel(ctx, projectID, configID, userID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, level)
		})
	}
}

func TestCanCreateConfigIgnoresConfigGrants(t *testing.T) {
	src := newFake()
	userID := uuid.New()
	src.config[userID] = types.ConfigMaintainer

	ok, err := NewGate(src).CanCreateConfig(context.Background(), uuid.New(), userID)
	require.NoError(t, err)
	assert.False(t, ok)

	src.project[userID] = types.ProjectMaintainer
	ok, err = NewGate(src).CanCreateConfig(context.Background(), uuid.New(), userID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSelfApprovalGate(t *testing.T) {
	src := newFake()
	author := uuid.New()
	src.project[author] = types.ProjectAdmin

	configID := uuid.New()
	proposal := &types.Proposal{ID: uuid.New(), ConfigID: configID, AuthorID: author}
	gate := NewGate(src)
	ctx := context.Background()

	strict := &types.Project{ID: uuid.New(), AllowSelfApprovals: false}
	ok, err := gate.CanApproveProposal(ctx, strict, configID, proposal, author)
	require.NoError(t, err)
	assert.False(t, ok, "author must not self-approve when the project forbids it")

	lax := &types.Project{ID: strict.ID, AllowSelfApprovals: true}
	ok, err = gate.CanApproveProposal(ctx, lax, configID, proposal, author)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different reviewer with manage passes under either policy.
	reviewer := uuid.New()
	src.project[reviewer] = types.ProjectMaintainer
	ok, err = gate.CanApproveProposal(ctx, strict, configID, proposal, reviewer)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEditorCannotManage(t *testing.T) {
	src := newFake()
	userID := uuid.New()
	src.config[userID] = types.ConfigEditor
	gate := NewGate(src)
	ctx := context.Background()
	projectID, configID := uuid.New(), uuid.New()

	ok, err := gate.CanEdit(ctx, projectID, configID, userID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.CanManage(ctx, projectID, configID, userID)
	require.NoError(t, err)
	assert.False(t, ok)
}
