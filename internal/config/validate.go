package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/invopop/jsonschema"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("invalid config")

// Validate unifies c with the CUE schema and checks the constraints CUE
// cannot express.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	v := schema.Unify(ctx.CompileBytes(data))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	seen := make(map[string]bool, len(c.Remotes))
	for _, r := range c.Remotes {
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate remote %q", ErrInvalid, r.ID)
		}
		seen[r.ID] = true
	}
	if c.Backing != BackingMemory && c.DataDir == "" {
		return fmt.Errorf("%w: backing %s needs data_dir", ErrInvalid, c.Backing)
	}
	return nil
}

// JSONSchema returns the JSON schema of the configuration file.
func JSONSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "syncvault configuration"
	schema.ID = ""
	return json.MarshalIndent(schema, "", "  ")
}
