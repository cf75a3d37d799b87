package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/internal/manifest"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/toolchain"
)

// =============================================================================
// Test fixtures
// =============================================================================

// writeComponent materializes a component directory with the given
// source files and returns its manifest.
func writeComponent(t *testing.T, root, id string, kind manifest.Kind, sources ...string) *manifest.Manifest {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, src := range sources {
		path := filepath.Join(dir, src)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("// "+src+"\n"), 0o644))
	}
	return &manifest.Manifest{
		Id:   id,
		Kind: kind,
		Path: filepath.Join(dir, "manifest.json"),
	}
}

func testTarget() *manifest.Manifest {
	return &manifest.Manifest{
		Id:   "host",
		Kind: manifest.KindTarget,
		Tools: map[string]manifest.Tool{
			"cc": {Cmd: "clang", Args: []string{"-std=gnu2x"}},
			"as": {Cmd: "clang", Args: []string{"-x", "assembler"}},
			"ar": {Cmd: "llvm-ar", Args: []string{"rcs"}},
			"ld": {Cmd: "clang", Args: []string{}},
		},
	}
}

func mustPlan(t *testing.T, components []*manifest.Manifest, target *manifest.Manifest, buildDir string) []*Job {
	t.Helper()
	graph, err := resolver.Resolve(components, target, resolver.Options{})
	require.NoError(t, err)
	jobs, err := Plan(graph, Options{BuildDir: buildDir})
	require.NoError(t, err)
	return jobs
}

func jobByID(t *testing.T, jobs []*Job, id string) *Job {
	t.Helper()
	for _, job := range jobs {
		if job.ID == id {
			return job
		}
	}
	t.Fatalf("no job %q in plan", id)
	return nil
}

// =============================================================================
// Compile jobs
// =============================================================================

func TestPlan_OneCompileJobPerTranslationUnit(t *testing.T) {
	root := t.TempDir()
	build := filepath.Join(root, "build")
	libc := writeComponent(t, root, "libc", manifest.KindLib, "malloc.c", "string.c")

	jobs := mustPlan(t, []*manifest.Manifest{libc}, testTarget(), build)

	compile := jobByID(t, jobs, "libc:cc:malloc.c")
	assert.Equal(t, "clang", compile.Cmd)
	obj := filepath.Join(build, "obj", "libc", "malloc.c.o")
	assert.Equal(t, []string{
		"-std=gnu2x", "-c", "-o", obj, filepath.Join(root, "libc", "malloc.c"),
	}, compile.Args)
	assert.Equal(t, []string{obj}, compile.Outputs)
	assert.Empty(t, compile.DependsOn, "compile jobs have no prerequisites")

	jobByID(t, jobs, "libc:cc:string.c")
}

func TestPlan_ExtensionSelectsTool(t *testing.T) {
	root := t.TempDir()
	libc := writeComponent(t, root, "hal", manifest.KindLib, "mmu.c", "boot.s", "vector.asm")

	jobs := mustPlan(t, []*manifest.Manifest{libc}, testTarget(), filepath.Join(root, "build"))

	assert.Equal(t, "cc", jobByID(t, jobs, "hal:cc:mmu.c").Tool)
	assert.Equal(t, "as", jobByID(t, jobs, "hal:as:boot.s").Tool)
	assert.Equal(t, "as", jobByID(t, jobs, "hal:as:vector.asm").Tool)
}

func TestPlan_NonSourceFilesIgnored(t *testing.T) {
	root := t.TempDir()
	libc := writeComponent(t, root, "libc", manifest.KindLib, "malloc.c", "README.md", "notes.txt")

	jobs := mustPlan(t, []*manifest.Manifest{libc}, testTarget(), filepath.Join(root, "build"))

	var compiles int
	for _, job := range jobs {
		if job.Tool != "ar" {
			compiles++
		}
	}
	assert.Equal(t, 1, compiles)
}

func TestPlan_SubdirsScanned(t *testing.T) {
	root := t.TempDir()
	libc := writeComponent(t, root, "libc", manifest.KindLib, "malloc.c", filepath.Join("arch", "x86.c"))
	libc.Subdirs = []string{"arch"}

	jobs := mustPlan(t, []*manifest.Manifest{libc}, testTarget(), filepath.Join(root, "build"))

	nested := jobByID(t, jobs, "libc:cc:"+filepath.Join("arch", "x86.c"))
	assert.Contains(t, nested.Outputs[0], filepath.Join("obj", "libc", "arch", "x86.c.o"))
}

func TestPlan_SourcesSortedForDeterminism(t *testing.T) {
	root := t.TempDir()
	libc := writeComponent(t, root, "libc", manifest.KindLib, "zlib.c", "alloc.c", "mid.c")
	build := filepath.Join(root, "build")

	jobs := mustPlan(t, []*manifest.Manifest{libc}, testTarget(), build)

	var order []string
	for _, job := range jobs {
		if job.Tool == "cc" {
			order = append(order, job.ID)
		}
	}
	assert.Equal(t, []string{"libc:cc:alloc.c", "libc:cc:mid.c", "libc:cc:zlib.c"}, order)

	again := mustPlan(t, []*manifest.Manifest{libc}, testTarget(), build)
	require.Equal(t, len(jobs), len(again))
	for i := range jobs {
		assert.Equal(t, jobs[i].ID, again[i].ID)
	}
}

func TestPlan_MissingToolForExtension(t *testing.T) {
	root := t.TempDir()
	// testTarget carries no cxx tool.
	libc := writeComponent(t, root, "gui", manifest.KindLib, "widget.cpp")

	graph, err := resolver.Resolve([]*manifest.Manifest{libc}, testTarget(), resolver.Options{})
	require.NoError(t, err)

	_, err = Plan(graph, Options{BuildDir: filepath.Join(root, "build")})
	var unknown *toolchain.UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "cxx", unknown.Tool)
	assert.Equal(t, "gui", unknown.Component)
}

// =============================================================================
// Archive and link jobs
// =============================================================================

func TestPlan_ArchiveJobPerLib(t *testing.T) {
	root := t.TempDir()
	build := filepath.Join(root, "build")
	libc := writeComponent(t, root, "libc", manifest.KindLib, "malloc.c", "string.c")

	jobs := mustPlan(t, []*manifest.Manifest{libc}, testTarget(), build)

	ar := jobByID(t, jobs, "libc:ar")
	libfile := filepath.Join(build, "lib", "libc.a")
	assert.Equal(t, "llvm-ar", ar.Cmd)
	assert.Equal(t, []string{
		"rcs", libfile,
		filepath.Join(build, "obj", "libc", "malloc.c.o"),
		filepath.Join(build, "obj", "libc", "string.c.o"),
	}, ar.Args)
	assert.Equal(t, []string{libfile}, ar.Outputs)
	assert.ElementsMatch(t, []string{"libc:cc:malloc.c", "libc:cc:string.c"}, ar.DependsOn)
}

func TestPlan_LinkJobPullsLibsInLinkOrder(t *testing.T) {
	root := t.TempDir()
	build := filepath.Join(root, "build")
	app := writeComponent(t, root, "app", manifest.KindExe, "main.c")
	app.Requires = []string{"liba"}
	liba := writeComponent(t, root, "liba", manifest.KindLib, "a.c")
	liba.Requires = []string{"libb"}
	libb := writeComponent(t, root, "libb", manifest.KindLib, "b.c")

	jobs := mustPlan(t, []*manifest.Manifest{app, liba, libb}, testTarget(), build)

	ld := jobByID(t, jobs, "app:ld")
	bin := filepath.Join(build, "bin", "app")
	assert.Equal(t, []string{
		"-o", bin,
		filepath.Join(build, "obj", "app", "main.c.o"),
		filepath.Join(build, "lib", "liba.a"),
		filepath.Join(build, "lib", "libb.a"),
	}, ld.Args, "liba references libb, so libb.a comes last")
	assert.Equal(t, []string{bin}, ld.Outputs)
	assert.Contains(t, ld.DependsOn, "app:cc:main.c")
	assert.Contains(t, ld.DependsOn, "liba:ar")
	assert.Contains(t, ld.DependsOn, "libb:ar")
}

func TestPlan_DiamondLinksSharedLibOnce(t *testing.T) {
	root := t.TempDir()
	build := filepath.Join(root, "build")
	app := writeComponent(t, root, "app", manifest.KindExe, "main.c")
	app.Requires = []string{"liba", "libb"}
	liba := writeComponent(t, root, "liba", manifest.KindLib, "a.c")
	liba.Requires = []string{"libc"}
	libb := writeComponent(t, root, "libb", manifest.KindLib, "b.c")
	libb.Requires = []string{"libc"}
	libc := writeComponent(t, root, "libc", manifest.KindLib, "c.c")

	jobs := mustPlan(t, []*manifest.Manifest{app, liba, libb, libc}, testTarget(), build)

	ld := jobByID(t, jobs, "app:ld")
	shared := filepath.Join(build, "lib", "libc.a")
	var count int
	for _, arg := range ld.Args {
		if arg == shared {
			count++
		}
	}
	assert.Equal(t, 1, count, "shared dependency appears exactly once on the link line")
	// And after both of its referencers.
	idx := func(s string) int {
		for i, arg := range ld.Args {
			if arg == s {
				return i
			}
		}
		return -1
	}
	libcIdx := idx(shared)
	assert.Greater(t, libcIdx, idx(filepath.Join(build, "lib", "liba.a")))
	assert.Greater(t, libcIdx, idx(filepath.Join(build, "lib", "libb.a")))
}

func TestPlan_ToolFilesBecomeInputs(t *testing.T) {
	root := t.TempDir()
	target := testTarget()
	target.Tools["ld"] = manifest.Tool{Cmd: "clang", Args: []string{"-T", "link.ld"}, Files: []string{"link.ld"}}
	app := writeComponent(t, root, "kernel", manifest.KindExe, "main.c")

	jobs := mustPlan(t, []*manifest.Manifest{app}, target, filepath.Join(root, "build"))

	ld := jobByID(t, jobs, "kernel:ld")
	assert.Contains(t, ld.Inputs, "link.ld", "declared tool files feed the cache key")
}

func TestPlan_EmptyGraphIsEmptyPlan(t *testing.T) {
	root := t.TempDir()
	jobs := mustPlan(t, nil, testTarget(), filepath.Join(root, "build"))
	assert.Empty(t, jobs)
}
