package service

import (
	"encoding/json"

	"github.com/google/uuid"

	"confmesh/internal/types"
)

// ChangeSet is one logical config delta: explicit field changes against a
// known config state. Unset Change fields keep the current value.
type ChangeSet struct {
	Description types.Change[string]
	Members     types.Change[[]types.Member]
	Variants    []types.VariantChange
}

// Empty reports a change set that would not alter anything.
func (cs *ChangeSet) Empty() bool {
	return !cs.Description.Set && !cs.Members.Set && len(cs.Variants) == 0
}

// diff is the write set computed while applying a change set.
type diff struct {
	upserts        []uuid.UUID
	deletes        []uuid.UUID
	membersChanged bool
	// needsManage is set when the change touches schemas, overrides,
	// membership or variant existence; value and description edits alone
	// stay at edit level.
	needsManage bool
}

// applyChangeSet computes the config state after the change set. The input
// config is not modified. Returns the next state and the write set.
func applyChangeSet(cfg *types.Config, cs ChangeSet) (*types.Config, *diff, error) {
	next, err := cloneConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	d := &diff{}

	if cs.Description.Set {
		next.Description = cs.Description.Value
	}
	if cs.Members.Set {
		next.Members = cs.Members.Value
		d.membersChanged = true
		d.needsManage = true
	}

	for i := range cs.Variants {
		vc := &cs.Variants[i]
		if vc.Delete {
			d.needsManage = true
		}
		if vc.Schema.Set || vc.Overrides.Set || vc.UseBaseSchema.Set {
			d.needsManage = true
		}

		if vc.EnvironmentID == nil {
			if vc.Delete {
				return nil, nil, types.BadRequestf("the base variant cannot be deleted")
			}
			applyVariantChange(&next.Base, vc)
			d.upserts = append(d.upserts, next.Base.ID)
			continue
		}

		envID := *vc.EnvironmentID
		v := next.VariantFor(envID)
		switch {
		case vc.Delete:
			if v == nil {
				return nil, nil, types.BadRequestf("no variant exists for environment %s", envID)
			}
			d.deletes = append(d.deletes, v.ID)
			next.EnvVariants = removeVariant(next.EnvVariants, v.ID)
		case v == nil:
			// A new environment variant. It needs at least a value; the
			// remaining fields default.
			if !vc.Value.Set {
				return nil, nil, types.BadRequestf("new variant for environment %s requires a value", envID)
			}
			d.needsManage = true
			nv := types.Variant{
				ID:            uuid.New(),
				ConfigID:      next.ID,
				EnvironmentID: vc.EnvironmentID,
			}
			applyVariantChange(&nv, vc)
			next.EnvVariants = append(next.EnvVariants, nv)
			d.upserts = append(d.upserts, nv.ID)
		default:
			applyVariantChange(v, vc)
			d.upserts = append(d.upserts, v.ID)
		}
	}
	return next, d, nil
}

func applyVariantChange(v *types.Variant, vc *types.VariantChange) {
	if vc.Value.Set {
		v.Value = vc.Value.Value
	}
	if vc.Schema.Set {
		v.Schema = vc.Schema.Value
	}
	if vc.Overrides.Set {
		v.Overrides = vc.Overrides.Value
	}
	if vc.UseBaseSchema.Set {
		v.UseBaseSchema = vc.UseBaseSchema.Value
	}
}

func removeVariant(variants []types.Variant, id uuid.UUID) []types.Variant {
	out := variants[:0]
	for _, v := range variants {
		if v.ID != id {
			out = append(out, v)
		}
	}
	return out
}

// variantsByID selects variants from the config by id, base included.
func variantsByID(cfg *types.Config, ids []uuid.UUID) []types.Variant {
	var out []types.Variant
	for _, id := range ids {
		if cfg.Base.ID == id {
			out = append(out, cfg.Base)
			continue
		}
		for _, v := range cfg.EnvVariants {
			if v.ID == id {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

// cloneConfig deep-copies a config through its JSON form. Values, schemas
// and overrides are JSON trees, so the round trip is lossless.
func cloneConfig(cfg *types.Config) (*types.Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, types.Invariantf("config does not encode: %v", err)
	}
	var out types.Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, types.Invariantf("config does not round-trip: %v", err)
	}
	return &out, nil
}

// requiresProposal reports whether the project's or any touched
// environment's governance flag forces this change through a proposal.
func requiresProposal(project *types.Project, envs map[uuid.UUID]types.Environment, cs ChangeSet) bool {
	if project.RequireProposals {
		return true
	}
	for _, vc := range cs.Variants {
		if vc.EnvironmentID == nil {
			continue
		}
		if env, ok := envs[*vc.EnvironmentID]; ok && env.RequireProposals {
			return true
		}
	}
	return false
}
