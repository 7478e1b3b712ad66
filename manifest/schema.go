package manifest

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const schemaSource = `
#Config: {
	deoptimization: {
		trace: bool
	}
	dispatch: {
		"default-limit": int & >=0
	}
	"speculation-log": {
		path:           string
		"max-failures": int & >=1
	}
	log: {
		verbosity: int & >=-1 & <=5
		file:      string
	}
}
`

// Validate checks c against the configuration schema.
func Validate(c *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest: schema: %w", err)
	}

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("manifest: encode config: %w", err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("manifest: invalid config: %w", err)
	}
	return nil
}
