package manifest

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/kilnworks/kiln/internal/jexpr"
)

//go:embed schema.cue
var schemaSource string

// SchemaError reports a manifest document that does not satisfy the
// schema. Field names the offending field; Path names the document.
type SchemaError struct {
	Path    string
	Field   string
	Message string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest schema: field %q: %s (doc=%s)", e.Field, e.Message, e.Path)
	}
	return fmt.Sprintf("manifest schema: %s (doc=%s)", e.Message, e.Path)
}

// schemaDef maps a manifest kind onto its CUE definition name.
func schemaDef(kind Kind) string {
	switch kind {
	case KindProject:
		return "#Project"
	case KindTarget:
		return "#Target"
	default:
		return "#Component"
	}
}

// Validate checks an evaluated document against the manifest schema.
// The generic shape (id, type) is checked structurally so the error can
// name the field precisely; everything kind-specific is enforced by
// unifying the document with the embedded CUE schema.
func Validate(doc jexpr.Value, path string) (Kind, error) {
	obj, ok := doc.(jexpr.Object)
	if !ok {
		return "", &SchemaError{Path: path, Message: fmt.Sprintf("document must be an object, got %T", doc)}
	}

	rawId, ok := obj["id"]
	if !ok {
		return "", &SchemaError{Path: path, Field: "id", Message: "required field is missing"}
	}
	if id, ok := rawId.(jexpr.String); !ok || id == "" {
		return "", &SchemaError{Path: path, Field: "id", Message: "must be a non-empty string"}
	}

	rawKind, ok := obj["type"]
	if !ok {
		return "", &SchemaError{Path: path, Field: "type", Message: "required field is missing"}
	}
	kindStr, ok := rawKind.(jexpr.String)
	if !ok {
		return "", &SchemaError{Path: path, Field: "type", Message: "must be a string"}
	}
	kind, ok := ParseKind(string(kindStr))
	if !ok {
		return "", &SchemaError{
			Path:    path,
			Field:   "type",
			Message: fmt.Sprintf("must be one of project, lib, exe, target; got %q", kindStr),
		}
	}

	cuectx := cuecontext.New()
	schema := cuectx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return "", fmt.Errorf("compiling manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.MakePath(cue.Def(schemaDef(kind))))
	if err := def.Err(); err != nil {
		return "", fmt.Errorf("looking up schema for %s: %w", kind, err)
	}

	data := cuectx.Encode(jexpr.ToAny(obj))
	if err := data.Err(); err != nil {
		return "", &SchemaError{Path: path, Message: err.Error()}
	}

	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return "", schemaErrorFrom(err, path)
	}
	return kind, nil
}

// schemaErrorFrom converts a CUE validation error into a SchemaError
// naming the first offending field.
func schemaErrorFrom(err error, path string) *SchemaError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Path: path, Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	return &SchemaError{
		Path:    path,
		Field:   strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
}
