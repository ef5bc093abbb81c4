package config

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schema     cue.Value
	schemaErr  error
)

func loadSchema() {
	schemaCtx = cuecontext.New()
	v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		schemaErr = err
		return
	}
	schema = v.LookupPath(cue.ParsePath("#Config"))
	schemaErr = schema.Err()
}

// Validate checks c against the embedded schema.
func (c *Config) Validate() error {
	schemaOnce.Do(loadSchema)
	if schemaErr != nil {
		return fmt.Errorf("config schema: %w", schemaErr)
	}
	v := schema.Unify(schemaCtx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
