// pkg/config/schema.go

package config

import (
	_ "embed"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	cerr "github.com/cockroachdb/errors"
)

//go:embed schema/config.cue
var schemaSource string

// One global CUE context is fine for pure validation.
var cueCtx = cuecontext.New()

// ValidateFile checks a YAML config file against the embedded CUE schema.
// Unknown keys and mistyped values are rejected before viper sees them.
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cerr.Wrapf(err, "read config %s", path)
	}
	return ValidateYAML(path, data)
}

// ValidateYAML validates raw YAML bytes. name is used in error positions.
func ValidateYAML(name string, data []byte) error {
	schema := cueCtx.CompileString(schemaSource, cue.Filename("config.cue"))
	if schema.Err() != nil {
		return cerr.Wrap(schema.Err(), "build cue schema")
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	file, err := yaml.Extract(name, data)
	if err != nil {
		return cerr.Wrapf(err, "parse yaml %s", name)
	}
	input := cueCtx.BuildFile(file)
	if input.Err() != nil {
		return cerr.Wrap(input.Err(), "build cue from yaml")
	}

	if err := def.Unify(input).Validate(cue.Concrete(true)); err != nil {
		return cerr.WithHint(cerr.Wrapf(err, "config %s failed schema validation", name),
			"see pkg/config/schema/config.cue for the accepted keys")
	}
	return nil
}
