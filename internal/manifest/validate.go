package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/datastore/internal/apierr"
)

//go:embed manifest.cue
var schemaSource string

// cue.Context is not safe for concurrent use.
var schema struct {
	once sync.Once
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	err  error
}

func manifestDefinition() (*cue.Context, cue.Value, error) {
	schema.once.Do(func() {
		schema.ctx = cuecontext.New()
		v := schema.ctx.CompileString(schemaSource, cue.Filename("manifest.cue"))
		if err := v.Err(); err != nil {
			schema.err = fmt.Errorf("compile manifest schema: %w", err)
			return
		}
		schema.def = v.LookupPath(cue.ParsePath("#Manifest"))
		schema.err = schema.def.Err()
	})
	return schema.ctx, schema.def, schema.err
}

// Validate checks m against the manifest schema. It returns a
// ManifestValidation error listing every violation, labelled with path.
func Validate(path string, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return ValidateJSON(path, data)
}

// ValidateJSON checks raw manifest JSON against the manifest schema.
func ValidateJSON(path string, data []byte) error {
	ctx, def, err := manifestDefinition()
	if err != nil {
		return err
	}

	schema.mu.Lock()
	defer schema.mu.Unlock()

	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return apierr.NewManifestValidation(path, fieldErrors(err))
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return apierr.NewManifestValidation(path, fieldErrors(err))
	}
	return nil
}

func fieldErrors(err error) []apierr.FieldError {
	var out []apierr.FieldError
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		fe := apierr.FieldError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		if key := fe.String(); !seen[key] {
			seen[key] = true
			out = append(out, fe)
		}
	}
	if len(out) == 0 {
		out = append(out, apierr.FieldError{Message: err.Error()})
	}
	return out
}
