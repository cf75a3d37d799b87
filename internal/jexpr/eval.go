// Package jexpr implements the macro-expression language that extends
// static JSON manifests with computed values.
//
// A document is a plain JSON value tree in which any array of the form
// ["@name", arg...] is a macro node. Evaluation replaces every macro
// node with the value it computes; everything else passes through
// untouched. The macro set is fixed - there are no loops and no
// user-defined functions.
package jexpr

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// MaxIncludeDepth bounds @include nesting. The inclusion stack catches
// true cycles precisely; the depth bound is a backstop for degenerate
// non-cyclic chains.
const MaxIncludeDepth = 32

// Context carries the evaluation state for one document.
type Context struct {
	// BaseDir resolves relative paths for @include, @read and @abspath.
	BaseDir string

	// Path is the document being evaluated, for error attribution.
	Path string

	// Depth is the current @include nesting level.
	Depth int

	// Effects performs every side effect on behalf of the evaluator.
	Effects Effects

	// includes is the inclusion stack: absolute paths of every document
	// currently being evaluated, outermost first.
	includes []string

	// Cache, when non-nil, memoizes evaluated documents so a file
	// reached through @include more than once - or also loaded as a
	// top-level document - is evaluated a single time.
	Cache *DocCache
}

// DocCache memoizes fully evaluated documents by absolute path. Sharing
// one cache across top-level evaluations extends @include deduplication
// across documents: the included file's macros (and their side effects,
// like @exec) run once per cache, not once per reference.
//
// Only successful evaluations are stored; failures can depend on where
// the document was reached from (include depth, the inclusion stack)
// and must not stick to the path. Entries are inserted only once
// complete, so concurrent evaluations of the same document may
// duplicate work but can never deadlock on documents that include each
// other.
type DocCache struct {
	mu   sync.Mutex
	docs map[string]Value
}

// NewDocCache creates an empty document cache.
func NewDocCache() *DocCache {
	return &DocCache{docs: make(map[string]Value)}
}

func (c *DocCache) get(abs string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.docs[abs]
	return v, ok
}

func (c *DocCache) put(abs string, v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[abs] = v
}

// NewContext creates the root evaluation context for a document at path.
func NewContext(path string, fx Effects) (*Context, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Context{
		BaseDir:  filepath.Dir(abs),
		Path:     abs,
		Effects:  fx,
		includes: []string{abs},
	}, nil
}

// child derives the context for an @include'd document.
func (c *Context) child(abs string) *Context {
	return &Context{
		BaseDir:  filepath.Dir(abs),
		Path:     abs,
		Depth:    c.Depth + 1,
		Effects:  c.Effects,
		includes: append(slices.Clone(c.includes), abs),
		Cache:    c.Cache,
	}
}

// resolve makes path absolute against the context's base directory.
func (c *Context) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.BaseDir, path)
}

// macroKind enumerates the fixed macro set. String-keyed dispatch
// happens exactly once, in lookupMacro; everything downstream works on
// the enumerated kind.
type macroKind int

const (
	macroLatest macroKind = iota
	macroUname
	macroInclude
	macroRead
	macroJoin
	macroConcat
	macroExec
	macroEval
	macroAbspath
)

var macroNames = map[string]macroKind{
	"latest":  macroLatest,
	"uname":   macroUname,
	"include": macroInclude,
	"read":    macroRead,
	"join":    macroJoin,
	"concat":  macroConcat,
	"exec":    macroExec,
	"eval":    macroEval,
	"abspath": macroAbspath,
}

// Eval expands every macro node in expr and returns the resulting plain
// value. Macro-free expressions evaluate to themselves.
func Eval(expr Value, ctx *Context) (Value, error) {
	switch val := expr.(type) {
	case Object:
		result := make(Object, len(val))
		for _, k := range val.SortedKeys() {
			v, err := Eval(val[k], ctx)
			if err != nil {
				return nil, err
			}
			result[k] = v
		}
		return result, nil

	case Array:
		if name, ok := MacroName(val); ok {
			return evalMacro(name, val[1:], ctx)
		}
		result := make(Array, len(val))
		for i, elem := range val {
			v, err := Eval(elem, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = v
		}
		return result, nil

	default:
		return expr, nil
	}
}

// EvalDocument reads, parses, and fully evaluates the document at path.
// Includes are deduplicated within this one evaluation; use
// EvalDocumentCached to share the deduplication across documents.
func EvalDocument(path string, fx Effects) (Value, error) {
	return EvalDocumentCached(path, fx, NewDocCache())
}

// EvalDocumentCached evaluates the document at path, reusing cached
// results for any document cache already holds and recording every
// document it evaluates along the way.
func EvalDocumentCached(path string, fx Effects, cache *DocCache) (Value, error) {
	ctx, err := NewContext(path, fx)
	if err != nil {
		return nil, err
	}
	ctx.Cache = cache
	return evalFile(ctx.Path, ctx)
}

// evalFile reads and evaluates one document under an already-built
// context. ctx must already name the document (Path, BaseDir, stack).
func evalFile(abs string, ctx *Context) (Value, error) {
	if ctx.Cache != nil {
		if v, ok := ctx.Cache.get(abs); ok {
			return v, nil
		}
	}
	doc, err := readDocument(abs, ctx)
	if err != nil {
		return nil, err
	}
	v, err := Eval(doc, ctx)
	if err != nil {
		return nil, err
	}
	if ctx.Cache != nil {
		ctx.Cache.put(abs, v)
	}
	return v, nil
}

// readDocument reads and parses a document without evaluating it.
func readDocument(abs string, ctx *Context) (Value, error) {
	data, err := ctx.Effects.ReadFile(abs)
	if err != nil {
		e := ctx.errf(ErrCodeRead, "", "reading %s: %v", abs, err)
		e.Err = err
		return nil, e
	}
	doc, err := Decode(data)
	if err != nil {
		e := ctx.errf(ErrCodeRead, "", "parsing %s: %v", abs, err)
		e.Err = err
		return nil, e
	}
	return doc, nil
}

// evalMacro evaluates the arguments of a macro node eagerly, left to
// right, then dispatches on the macro kind. Argument evaluation order
// is observable through @exec and @latest and must stay left-to-right.
func evalMacro(name string, rawArgs Array, ctx *Context) (Value, error) {
	kind, ok := macroNames[name]
	if !ok {
		return nil, ctx.errf(ErrCodeUnknownMacro, name, "unknown macro @%s", name)
	}

	args := make(Array, len(rawArgs))
	for i, raw := range rawArgs {
		v, err := Eval(raw, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch kind {
	case macroLatest:
		return evalLatest(name, args, ctx)
	case macroUname:
		return evalUname(name, args, ctx)
	case macroInclude:
		return evalInclude(name, args, ctx)
	case macroRead:
		return evalRead(name, args, ctx)
	case macroJoin:
		return evalJoin(name, args, ctx)
	case macroConcat:
		return evalConcat(args), nil
	case macroExec:
		return evalExec(name, args, ctx)
	case macroEval:
		return evalScalar(name, args, ctx)
	case macroAbspath:
		return evalAbspath(name, args, ctx)
	default:
		return nil, ctx.errf(ErrCodeUnknownMacro, name, "unknown macro @%s", name)
	}
}

// stringArg extracts the single string argument macros like @latest,
// @include and @eval take.
func stringArg(name string, args Array, ctx *Context) (string, error) {
	if len(args) != 1 {
		return "", ctx.errf(ErrCodeMacroArgument, name, "expected 1 argument, got %d", len(args))
	}
	s, ok := args[0].(String)
	if !ok {
		return "", ctx.errf(ErrCodeMacroArgument, name, "expected a string argument, got %T", args[0])
	}
	return string(s), nil
}

func evalLatest(name string, args Array, ctx *Context) (Value, error) {
	program, err := stringArg(name, args, ctx)
	if err != nil {
		return nil, err
	}
	found, err := ctx.Effects.Latest(program)
	if err != nil {
		e := ctx.errf(ErrCodeToolNotFound, name, "%v", err)
		e.Err = err
		return nil, e
	}
	return String(found), nil
}

func evalUname(name string, args Array, ctx *Context) (Value, error) {
	field, err := stringArg(name, args, ctx)
	if err != nil {
		return nil, err
	}
	u, err := ctx.Effects.Uname()
	if err != nil {
		e := ctx.errf(ErrCodeExecution, name, "uname: %v", err)
		e.Err = err
		return nil, e
	}
	value, ok := u.Field(field)
	if !ok {
		return nil, ctx.errf(ErrCodeMacroArgument, name, "unknown uname field %q", field)
	}
	return String(strings.ToLower(value)), nil
}

func evalInclude(name string, args Array, ctx *Context) (Value, error) {
	path, err := stringArg(name, args, ctx)
	if err != nil {
		return nil, err
	}
	abs := ctx.resolve(path)

	if slices.Contains(ctx.includes, abs) {
		e := ctx.errf(ErrCodeCycle, name, "document includes itself: %s", abs)
		e.Stack = append(slices.Clone(ctx.includes), abs)
		return nil, e
	}
	if ctx.Depth+1 > MaxIncludeDepth {
		e := ctx.errf(ErrCodeCycle, name, "include depth exceeds %d", MaxIncludeDepth)
		e.Stack = slices.Clone(ctx.includes)
		return nil, e
	}
	return evalFile(abs, ctx.child(abs))
}

func evalRead(name string, args Array, ctx *Context) (Value, error) {
	path, err := stringArg(name, args, ctx)
	if err != nil {
		return nil, err
	}
	return readDocument(ctx.resolve(path), ctx)
}

func evalJoin(name string, args Array, ctx *Context) (Value, error) {
	result := make(Object)
	for i, arg := range args {
		obj, ok := arg.(Object)
		if !ok {
			return nil, ctx.errf(ErrCodeTypeMismatch, name, "argument %d is not an object, got %T", i, arg)
		}
		// Later keys overwrite earlier ones.
		for k, v := range obj {
			result[k] = v
		}
	}
	return result, nil
}

func evalConcat(args Array) Value {
	var b strings.Builder
	for _, arg := range args {
		b.WriteString(Stringify(arg))
	}
	return String(b.String())
}

func evalExec(name string, args Array, ctx *Context) (Value, error) {
	if len(args) < 1 {
		return nil, ctx.errf(ErrCodeMacroArgument, name, "expected at least 1 argument, got 0")
	}
	program, ok := args[0].(String)
	if !ok {
		return nil, ctx.errf(ErrCodeMacroArgument, name, "program must be a string, got %T", args[0])
	}
	argv := make([]string, len(args)-1)
	for i, arg := range args[1:] {
		argv[i] = Stringify(arg)
	}

	stdout, stderr, code, err := ctx.Effects.Run(string(program), argv...)
	if err != nil {
		e := ctx.errf(ErrCodeExecution, name, "%v", err)
		e.Err = err
		return nil, e
	}
	if code != 0 {
		e := ctx.errf(ErrCodeExecution, name, "%s exited with status %d", program, code)
		e.ExitCode = code
		e.Stderr = stderr
		return nil, e
	}
	return String(strings.TrimRight(stdout, " \t\r\n")), nil
}

// evalScalar evaluates @eval code as a restricted scalar expression:
// arithmetic and boolean operations over numbers and strings. The code
// is compiled through CUE, which gives exact numeric semantics without
// admitting loops or side effects.
func evalScalar(name string, args Array, ctx *Context) (Value, error) {
	code, err := stringArg(name, args, ctx)
	if err != nil {
		return nil, err
	}

	v := cuecontext.New().CompileString(code)
	if err := v.Err(); err != nil {
		return nil, ctx.errf(ErrCodeEval, name, "invalid expression %q: %v", code, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, ctx.errf(ErrCodeEval, name, "expression %q does not reduce to a value: %v", code, err)
	}

	switch v.Kind() {
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, ctx.errf(ErrCodeEval, name, "%v", err)
		}
		return Bool(b), nil
	case cue.IntKind, cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, ctx.errf(ErrCodeEval, name, "%v", err)
		}
		return Number(f), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, ctx.errf(ErrCodeEval, name, "%v", err)
		}
		return String(s), nil
	default:
		return nil, ctx.errf(ErrCodeEval, name, "expression %q is not a scalar", code)
	}
}

func evalAbspath(name string, args Array, ctx *Context) (Value, error) {
	path, err := stringArg(name, args, ctx)
	if err != nil {
		return nil, err
	}
	return String(ctx.resolve(path)), nil
}
