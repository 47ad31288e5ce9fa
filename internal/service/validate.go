package service

import (
	"github.com/google/uuid"

	"confmesh/internal/condition"
	"confmesh/internal/evaluate"
	"confmesh/internal/schema"
	"confmesh/internal/types"
)

// maxNameLength bounds config names.
const maxNameLength = 128

// validateConfig checks a full config state before it is persisted:
// well-formed overrides, in-project references, schema conformance of
// values and override values, variant and member consistency.
func validateConfig(cfg *types.Config, project *types.Project, envs map[uuid.UUID]types.Environment) error {
	if cfg.Name == "" {
		return types.BadRequestf("config name is required")
	}
	if len(cfg.Name) > maxNameLength {
		return types.BadRequestf("config name exceeds %d characters", maxNameLength)
	}

	if err := validateMembers(cfg.Members); err != nil {
		return err
	}

	if cfg.Base.EnvironmentID != nil {
		return types.Invariantf("base variant carries an environment id")
	}
	if cfg.Base.UseBaseSchema {
		return types.BadRequestf("the base variant cannot inherit its own schema")
	}

	seen := make(map[uuid.UUID]bool, len(cfg.EnvVariants))
	for i := range cfg.EnvVariants {
		v := &cfg.EnvVariants[i]
		if v.EnvironmentID == nil {
			return types.Invariantf("environment variant without environment id")
		}
		envID := *v.EnvironmentID
		if _, ok := envs[envID]; !ok {
			return types.BadRequestf("environment %s does not exist in the project", envID)
		}
		if seen[envID] {
			return types.BadRequestf("duplicate variant for environment %s", envID)
		}
		seen[envID] = true
		if v.UseBaseSchema && v.Schema != nil {
			return types.BadRequestf("variant cannot both carry a schema and inherit the base schema")
		}
	}

	if err := validateVariantEffective(cfg, nil, project); err != nil {
		return err
	}
	for i := range cfg.EnvVariants {
		if err := validateVariantEffective(cfg, cfg.EnvVariants[i].EnvironmentID, project); err != nil {
			return err
		}
	}
	return nil
}

// validateVariantEffective validates one variant as a reader would see it:
// the effective value and every override value must conform to the
// effective schema, and the override conditions must be well-formed and
// reference only configs in the same project.
func validateVariantEffective(cfg *types.Config, envID *uuid.UUID, project *types.Project) error {
	eff := evaluate.Layer(cfg, envID)

	if err := schema.Check(eff.Schema); err != nil {
		return err
	}
	var compiled = func(value any) error { return nil }
	if eff.Schema != nil {
		sch, err := schema.Compile(eff.Schema)
		if err != nil {
			return err
		}
		compiled = func(value any) error { return schema.ValidateCompiled(sch, value) }
	}

	if err := compiled(eff.Value); err != nil {
		return err
	}
	for i := range eff.Overrides {
		ov := &eff.Overrides[i]
		if ov.Name == "" {
			return types.BadRequestf("override %d has no name", i)
		}
		for j := range ov.Conditions {
			if err := condition.Validate(&ov.Conditions[j]); err != nil {
				return types.BadRequestf("override %q condition %d: %v", ov.Name, j, err)
			}
		}
		for _, ref := range condition.References(ov.Conditions) {
			if ref.ProjectID != "" && ref.ProjectID != project.ID.String() {
				return types.BadRequestf("override %q references config %q outside the project", ov.Name, ref.ConfigName)
			}
		}
		if err := compiled(ov.Value); err != nil {
			return types.Unprocessablef("override %q: %v", ov.Name, err)
		}
	}
	return nil
}

func validateMembers(members []types.Member) error {
	seen := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		if m.UserID == uuid.Nil {
			return types.BadRequestf("member %q has no user id", m.Email)
		}
		if seen[m.UserID] {
			return types.BadRequestf("member %s listed twice", m.Email)
		}
		seen[m.UserID] = true
		switch m.Role {
		case types.ConfigMaintainer, types.ConfigEditor:
		default:
			return types.BadRequestf("member %s has unknown role %q", m.Email, m.Role)
		}
	}
	return nil
}
