package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"
)

// ErrInvalid wraps every schema violation.
var ErrInvalid = errors.New("invalid configuration")

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// validateSchema checks raw YAML against #Config. Unknown keys, wrong types,
// enum misses and malformed durations are all rejected here, before the
// document is decoded.
func validateSchema(filename string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	file, err := yaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	value := cueCtx.BuildFile(file)
	if value.Err() != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, value.Err())
	}
	if value.IncompleteKind() == cue.NullKind {
		return nil
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}
	return nil
}

// describe flattens CUE errors into "path: message" lines.
func describe(err error) string {
	seen := make(map[string]struct{})
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		path := strings.Join(e.Path(), ".")
		path = strings.TrimPrefix(strings.TrimPrefix(path, "#Config"), ".")
		line := fmt.Sprintf(format, args...)
		if path != "" {
			line = path + ": " + line
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return err.Error()
	}
	return strings.Join(lines, "; ")
}
