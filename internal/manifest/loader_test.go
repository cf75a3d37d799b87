package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/internal/jexpr"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	fx, err := jexpr.NewHostEffects()
	require.NoError(t, err)
	return NewLoader(fx)
}

// =============================================================================
// Loading and decoding
// =============================================================================

func TestLoader_LoadComponent(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "src/hal/manifest.json", `{
		"$schema": "https://example.org/manifest.schema.json",
		"id": "hal",
		"type": "lib",
		"description": "hardware abstraction layer",
		"requires": ["libc", "arch"],
		"provides": ["hw"],
		"enabledIf": {"freestanding": [true]},
		"tools": {"cc": {"args": ["-ffreestanding"]}},
		"subdirs": ["x86_64"]
	}`)

	m, err := newTestLoader(t).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hal", m.Id)
	assert.Equal(t, KindLib, m.Kind)
	assert.Equal(t, "hardware abstraction layer", m.Description)
	assert.Equal(t, []string{"libc", "arch"}, m.Requires)
	assert.Equal(t, []string{"hw"}, m.Provides)
	assert.Equal(t, []jexpr.Value{jexpr.Bool(true)}, m.EnabledIf["freestanding"])
	assert.Equal(t, Tool{Args: []string{"-ffreestanding"}}, m.Tools["cc"])
	assert.True(t, m.IsComponent())

	sourceDirs := m.SourceDirs()
	require.Len(t, sourceDirs, 2)
	assert.Equal(t, filepath.Join(dir, "src/hal"), sourceDirs[0])
	assert.Equal(t, filepath.Join(dir, "src/hal/x86_64"), sourceDirs[1])
}

func TestLoader_LoadTargetWithMacros(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "meta/targets/host.json", `{
		"id": "host",
		"type": "target",
		"props": {"arch": "x86_64", "opt": ["@eval", "1+1"]},
		"tools": {
			"cc": {"cmd": "cc", "args": ["-std=gnu2x"]},
			"ld": {"cmd": "ld", "args": []}
		},
		"routing": {"libc": "glibc"}
	}`)

	m, err := newTestLoader(t).Load(path)
	require.NoError(t, err)

	assert.Equal(t, KindTarget, m.Kind)
	assert.Equal(t, jexpr.String("x86_64"), m.Props["arch"])
	assert.Equal(t, jexpr.Number(2), m.Props["opt"], "macros expand before validation")
	assert.Equal(t, Tool{Cmd: "cc", Args: []string{"-std=gnu2x"}}, m.Tools["cc"])
	assert.Equal(t, "glibc", m.Routing["libc"])
	assert.False(t, m.IsComponent())
}

func TestLoader_LoadProject(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "project.json", `{
		"id": "skift",
		"type": "project",
		"description": "an operating system",
		"externs": {
			"libheap": {"git": "https://github.com/example/libheap.git", "tag": "v1.2.0"}
		}
	}`)

	m, err := newTestLoader(t).Load(path)
	require.NoError(t, err)

	assert.Equal(t, KindProject, m.Kind)
	assert.Equal(t, Extern{Git: "https://github.com/example/libheap.git", Tag: "v1.2.0"}, m.Externs["libheap"])
}

func TestLoader_LoadWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "meta/common.json", `{"cc": {"cmd": "cc", "args": ["-Wall"]}}`)
	path := writeManifest(t, dir, "meta/targets/host.json", `{
		"id": "host",
		"type": "target",
		"props": {},
		"tools": ["@include", "../common.json"]
	}`)

	m, err := newTestLoader(t).Load(path)
	require.NoError(t, err)
	assert.Equal(t, Tool{Cmd: "cc", Args: []string{"-Wall"}}, m.Tools["cc"])
}

// countingEffects counts @exec invocations passing through to the host.
type countingEffects struct {
	jexpr.Effects
	runs int
}

func (c *countingEffects) Run(program string, args ...string) (string, string, int, error) {
	c.runs++
	return c.Effects.Run(program, args...)
}

func TestLoader_IncludeEvaluatedOnceAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "meta/common.json", `{
		"cc": {"cmd": ["@exec", "sh", "-c", "echo cc"], "args": []}
	}`)
	one := writeManifest(t, dir, "meta/targets/one.json", `{
		"id": "one", "type": "target", "props": {},
		"tools": ["@include", "../common.json"]
	}`)
	two := writeManifest(t, dir, "meta/targets/two.json", `{
		"id": "two", "type": "target", "props": {},
		"tools": ["@include", "../common.json"]
	}`)

	host, err := jexpr.NewHostEffects()
	require.NoError(t, err)
	fx := &countingEffects{Effects: host}
	loader := NewLoader(fx)

	a, err := loader.Load(one)
	require.NoError(t, err)
	b, err := loader.Load(two)
	require.NoError(t, err)

	assert.Equal(t, "cc", a.Tools["cc"].Cmd)
	assert.Equal(t, "cc", b.Tools["cc"].Cmd)
	assert.Equal(t, 1, fx.runs, "the shared include's @exec runs once, not once per manifest")
}

func TestLoader_DeduplicatesByAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "manifest.json", `{"id": "a", "type": "lib"}`)

	loader := newTestLoader(t)
	first, err := loader.Load(path)
	require.NoError(t, err)

	// A second load through a non-normalized path hits the cache.
	second, err := loader.Load(filepath.Join(dir, ".", "manifest.json"))
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoader_LoadAll(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "a/manifest.json", `{"id": "a", "type": "lib"}`)
	b := writeManifest(t, dir, "b/manifest.json", `{"id": "b", "type": "exe"}`)

	manifests, err := newTestLoader(t).LoadAll([]string{a, b})
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, "a", manifests[0].Id)
	assert.Equal(t, "b", manifests[1].Id)
}

func TestLoader_LoadAll_PropagatesErrors(t *testing.T) {
	dir := t.TempDir()
	good := writeManifest(t, dir, "a/manifest.json", `{"id": "a", "type": "lib"}`)
	bad := writeManifest(t, dir, "b/manifest.json", `{"type": "lib"}`)

	_, err := newTestLoader(t).LoadAll([]string{good, bad})
	require.Error(t, err)

	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "id", se.Field)
}

// =============================================================================
// Schema violations
// =============================================================================

func TestLoader_SchemaErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		field   string
	}{
		{"missing id", `{"type": "lib"}`, "id"},
		{"empty id", `{"id": "", "type": "lib"}`, "id"},
		{"missing type", `{"id": "a"}`, "type"},
		{"bad type", `{"id": "a", "type": "shared-lib"}`, "type"},
		{"non-string id", `{"id": 42, "type": "lib"}`, "id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeManifest(t, dir, "manifest.json", tc.content)

			_, err := newTestLoader(t).Load(path)
			require.Error(t, err)

			var se *SchemaError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.field, se.Field)
			assert.Contains(t, se.Path, "manifest.json")
		})
	}
}

func TestLoader_SchemaErrors_KindSpecific(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"target missing props", `{"id": "t", "type": "target", "tools": {}}`},
		{"target missing tools", `{"id": "t", "type": "target", "props": {}}`},
		{"target tool missing cmd", `{"id": "t", "type": "target", "props": {}, "tools": {"cc": {"args": []}}}`},
		{"project missing description", `{"id": "p", "type": "project"}`},
		{"requires not strings", `{"id": "a", "type": "lib", "requires": [1, 2]}`},
		{"enabledIf not lists", `{"id": "a", "type": "lib", "enabledIf": {"arch": "x86_64"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeManifest(t, dir, "manifest.json", tc.content)

			_, err := newTestLoader(t).Load(path)
			require.Error(t, err)

			var se *SchemaError
			require.ErrorAs(t, err, &se)
		})
	}
}

func TestLoader_EvaluationErrorCarriesDocumentPath(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "manifest.json", `{"id": "a", "type": "lib", "x": ["@nosuch"]}`)

	_, err := newTestLoader(t).Load(path)
	require.Error(t, err)

	var ee *jexpr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, jexpr.ErrCodeUnknownMacro, ee.Code)
	assert.Contains(t, ee.Path, "manifest.json")
}
