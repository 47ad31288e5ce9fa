package evaluate

import (
	"github.com/google/uuid"

	"confmesh/internal/types"
)

// Layered is the (value, schema, overrides) triple selected for a read
// after environment-variant layering.
type Layered struct {
	Value     any
	Schema    any
	Overrides []types.Override
}

// Layer selects the effective variant for a read: the environment variant
// when one exists for envID, otherwise the base. A variant with
// UseBaseSchema inherits the base schema. Schemas are advisory at read
// time; enforcement happened on the write path.
func Layer(cfg *types.Config, envID *uuid.UUID) Layered {
	if envID != nil {
		if v := cfg.VariantFor(*envID); v != nil {
			out := Layered{Value: v.Value, Schema: v.Schema, Overrides: v.Overrides}
			if v.UseBaseSchema {
				out.Schema = cfg.Base.Schema
			}
			return out
		}
	}
	return Layered{Value: cfg.Base.Value, Schema: cfg.Base.Schema, Overrides: cfg.Base.Overrides}
}
