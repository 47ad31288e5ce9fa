// Package schema wraps JSON-Schema compilation and validation for config
// values. Schemas are advisory at read time and enforced only on the write
// path; readers never pay the compile cost.
package schema

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"confmesh/internal/types"
)

// schemaURL is the synthetic resource name schemas compile under.
const schemaURL = "mem://config/schema.json"

// Compile compiles a JSON-shaped schema document. The draft is picked from
// the document's $schema keyword; documents without one use the compiler's
// default (draft 2020-12).
func Compile(doc any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, types.BadRequestf("schema is not a valid resource: %v", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, types.BadRequestf("schema does not compile: %v", err)
	}
	return sch, nil
}

// Check validates that doc is itself a usable schema. Used at write time
// before a schema is persisted.
func Check(doc any) error {
	if doc == nil {
		return nil
	}
	_, err := Compile(doc)
	return err
}

// Validate checks value against the schema document. A nil schema accepts
// everything. Conformance failures surface as Unprocessable with the
// validator's output.
func Validate(schemaDoc, value any) error {
	if schemaDoc == nil {
		return nil
	}
	sch, err := Compile(schemaDoc)
	if err != nil {
		return err
	}
	if err := sch.Validate(value); err != nil {
		return types.Unprocessablef("value does not conform to schema: %v", err)
	}
	return nil
}

// ValidateCompiled checks value against an already compiled schema.
func ValidateCompiled(sch *jsonschema.Schema, value any) error {
	if sch == nil {
		return nil
	}
	if err := sch.Validate(value); err != nil {
		return types.Unprocessablef("value does not conform to schema: %v", err)
	}
	return nil
}

// MustCompile compiles or panics. Test helper.
func MustCompile(doc any) *jsonschema.Schema {
	sch, err := Compile(doc)
	if err != nil {
		panic(fmt.Sprintf("schema.MustCompile: %v", err))
	}
	return sch
}
