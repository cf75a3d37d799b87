package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test fixtures
// =============================================================================

const fakeCompiler = `#!/bin/sh
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
if [ -n "$out" ]; then : > "$out"; fi
exit 0
`

const fakeArchiver = `#!/bin/sh
: > "$1"
exit 0
`

// writeTestWorkspace materializes a two-component workspace whose
// target tools are stub scripts, so builds run without a real
// toolchain.
func writeTestWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	write := func(rel, content string, mode os.FileMode) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), mode))
	}

	cc := filepath.Join(root, "toolbin", "fakecc")
	ar := filepath.Join(root, "toolbin", "fakear")
	write("toolbin/fakecc", fakeCompiler, 0o755)
	write("toolbin/fakear", fakeArchiver, 0o755)

	write("project.json", `{
		"id": "demo",
		"type": "project",
		"description": "stub workspace for command tests"
	}`, 0o644)

	write("src/libc/manifest.json", `{
		"id": "libc",
		"type": "lib"
	}`, 0o644)
	write("src/libc/malloc.c", "/* malloc */\n", 0o644)

	write("src/hello/manifest.json", `{
		"id": "hello",
		"type": "exe",
		"requires": ["libc"]
	}`, 0o644)
	write("src/hello/main.c", "/* main */\n", 0o644)

	write("meta/targets/host.json", fmt.Sprintf(`{
		"id": "host",
		"type": "target",
		"props": {},
		"tools": {
			"cc": {"cmd": %q, "args": []},
			"ar": {"cmd": %q, "args": []},
			"ld": {"cmd": %q, "args": []}
		}
	}`, cc, ar, cc), 0o644)

	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// =============================================================================
// build
// =============================================================================

func TestBuildCommand_EndToEnd(t *testing.T) {
	root := writeTestWorkspace(t)

	output, err := execute(t, "build", "-C", root)
	require.NoError(t, err, "output: %s", output)

	assert.Contains(t, output, "4 built")
	assert.FileExists(t, filepath.Join(root, ".kiln", "build", "host", "lib", "libc.a"))
	assert.FileExists(t, filepath.Join(root, ".kiln", "build", "host", "bin", "hello"))
	assert.FileExists(t, filepath.Join(root, ".kiln", "build", "host", "obj", "libc", "malloc.c.o"))
}

func TestBuildCommand_SecondRunHitsCache(t *testing.T) {
	root := writeTestWorkspace(t)

	_, err := execute(t, "build", "-C", root)
	require.NoError(t, err)

	output, err := execute(t, "build", "-C", root)
	require.NoError(t, err)
	assert.Contains(t, output, "0 built, 4 cached")
}

func TestBuildCommand_NoCacheRebuilds(t *testing.T) {
	root := writeTestWorkspace(t)

	_, err := execute(t, "build", "-C", root)
	require.NoError(t, err)

	output, err := execute(t, "build", "-C", root, "--no-cache")
	require.NoError(t, err)
	assert.Contains(t, output, "4 built")
}

func TestBuildCommand_UnknownTarget(t *testing.T) {
	root := writeTestWorkspace(t)

	output, err := execute(t, "build", "-C", root, "--target", "mars")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "mars")
	assert.Contains(t, output, "host", "the error names the known targets")
}

func TestBuildCommand_FailedJobReported(t *testing.T) {
	root := writeTestWorkspace(t)
	// A compiler that always fails.
	broken := filepath.Join(root, "toolbin", "fakecc")
	require.NoError(t, os.WriteFile(broken, []byte("#!/bin/sh\necho compile error >&2\nexit 1\n"), 0o755))

	output, err := execute(t, "build", "-C", root)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗")
	assert.Contains(t, output, "failed")
}

func TestBuildCommand_JSONFormat(t *testing.T) {
	root := writeTestWorkspace(t)

	output, err := execute(t, "build", "-C", root, "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
}

// =============================================================================
// validate
// =============================================================================

func TestValidateCommand_ValidWorkspace(t *testing.T) {
	root := writeTestWorkspace(t)

	output, err := execute(t, "validate", "-C", root)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ 4 manifest(s) valid")
}

func TestValidateCommand_ReportsEveryBrokenManifest(t *testing.T) {
	root := writeTestWorkspace(t)
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("src/broken/manifest.json", `{"type": "lib"}`)
	write("src/worse/manifest.json", `{"id": "worse", "type": "teapot"}`)

	output, err := execute(t, "validate", "-C", root)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗ Validation failed")
	assert.Contains(t, output, "broken")
	assert.Contains(t, output, "worse")
}

func TestValidateCommand_EmptyWorkspace(t *testing.T) {
	_, err := execute(t, "validate", "-C", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// =============================================================================
// graph / targets
// =============================================================================

func TestGraphCommand(t *testing.T) {
	root := writeTestWorkspace(t)

	output, err := execute(t, "graph", "-C", root)
	require.NoError(t, err)
	assert.Contains(t, output, "hello (exe)")
	assert.Contains(t, output, "requires: libc")
	assert.Contains(t, output, "link order: libc")
}

func TestGraphCommand_JSONFormat(t *testing.T) {
	root := writeTestWorkspace(t)

	output, err := execute(t, "graph", "-C", root, "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestTargetsCommand(t *testing.T) {
	root := writeTestWorkspace(t)

	output, err := execute(t, "targets", "-C", root)
	require.NoError(t, err)
	assert.Contains(t, output, "host")
	assert.Contains(t, output, "tools: ar, cc, ld")
}

// =============================================================================
// eval / clean
// =============================================================================

func TestEvalCommand(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "doc.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{"flags": ["@concat", "-O", 2]}`), 0o644))

	output, err := execute(t, "eval", doc)
	require.NoError(t, err)
	assert.Contains(t, output, `"-O2"`)
}

func TestEvalCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "eval", filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestCleanCommand(t *testing.T) {
	root := writeTestWorkspace(t)

	_, err := execute(t, "build", "-C", root)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(root, ".kiln", "build"))

	output, err := execute(t, "clean", "-C", root)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ cleaned")
	assert.NoDirExists(t, filepath.Join(root, ".kiln", "build"))
}
