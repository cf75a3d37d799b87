package jexpr

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrProgramNotFound is returned by Effects.Latest when no binary on the
// search path matches the requested program.
var ErrProgramNotFound = errors.New("program not found")

// Uname carries host identification fields, normalized so that manifests
// see the same names regardless of how the platform spells them
// (aarch64 -> arm64, AMD64 -> x86_64).
type Uname struct {
	Node    string
	Machine string
	System  string
	Release string
	Version string
}

// Field returns the named uname field, or false if the name is unknown.
func (u Uname) Field(name string) (string, bool) {
	switch name {
	case "node":
		return u.Node, true
	case "machine":
		return u.Machine, true
	case "system":
		return u.System, true
	case "release":
		return u.Release, true
	case "version":
		return u.Version, true
	default:
		return "", false
	}
}

// Effects is the capability object behind every side-effecting macro.
// The recursive evaluator itself is pure; injecting Effects keeps
// concurrent-evaluation safety localized here and lets tests run the
// whole macro set against fakes.
//
// Implementations must be safe for concurrent use: manifests with no
// data dependency between them are loaded by parallel workers.
type Effects interface {
	// Uname reports host identification fields.
	Uname() (Uname, error)

	// Latest resolves program to the highest-versioned matching binary
	// on the executable search path (clang -> clang-17). Returns
	// ErrProgramNotFound when nothing matches.
	Latest(program string) (string, error)

	// Run spawns program with args and captures output. A nonzero exit
	// status is not an error at this level; it is reported through
	// exitCode with err == nil.
	Run(program string, args ...string) (stdout, stderr string, exitCode int, err error)

	// ReadFile reads a document from disk.
	ReadFile(path string) ([]byte, error)
}

// HostEffects is the production Effects implementation. The @latest
// lookup cache is process-wide for one build invocation; construct a
// fresh HostEffects per invocation to discard it.
type HostEffects struct {
	latest *lru.Cache[string, string]
}

// NewHostEffects constructs the production effects object.
func NewHostEffects() (*HostEffects, error) {
	cache, err := lru.New[string, string](256)
	if err != nil {
		return nil, fmt.Errorf("latest cache: %w", err)
	}
	return &HostEffects{latest: cache}, nil
}

// Uname implements Effects.
func (h *HostEffects) Uname() (Uname, error) {
	node, err := os.Hostname()
	if err != nil {
		return Uname{}, fmt.Errorf("hostname: %w", err)
	}
	u := Uname{
		Node:    node,
		Machine: NormalizeMachine(runtime.GOARCH),
		System:  runtime.GOOS,
	}
	// Kernel release and version are only reachable through the uname
	// binary without platform-specific syscalls; best effort.
	if out, _, code, err := h.Run("uname", "-r"); err == nil && code == 0 {
		u.Release = out
	}
	if out, _, code, err := h.Run("uname", "-v"); err == nil && code == 0 {
		u.Version = out
	}
	return u, nil
}

// NormalizeMachine maps platform spellings of an architecture onto the
// names manifests are written against.
func NormalizeMachine(machine string) string {
	switch machine {
	case "aarch64":
		return "arm64"
	case "AMD64", "amd64":
		return "x86_64"
	default:
		return machine
	}
}

// Latest implements Effects. Results are cached per program name; the
// cache is only invalidated by constructing a new HostEffects.
func (h *HostEffects) Latest(program string) (string, error) {
	if hit, ok := h.latest.Get(program); ok {
		return hit, nil
	}
	var dirs []string
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	name, err := LatestIn(program, dirs)
	if err != nil {
		return "", err
	}
	// Idempotent insert: concurrent lookups of the same program race to
	// the same answer, so last-write-wins is harmless.
	h.latest.Add(program, name)
	return name, nil
}

// LatestIn scans dirs for binaries named program, optionally suffixed
// with a version (clang, clang-14, gcc10), and returns the name of the
// highest version found. Comparison is numeric component-wise, not
// lexicographic: clang-9 < clang-14.
func LatestIn(program string, dirs []string) (string, error) {
	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(program) + `(-?[0-9]+(?:\.[0-9]+)*)?$`)
	if err != nil {
		return "", fmt.Errorf("latest %q: %w", program, err)
	}

	best := ""
	var bestVersion []int
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			m := pattern.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			version := parseVersion(m[1])
			if best == "" || compareVersions(version, bestVersion) > 0 {
				best = entry.Name()
				bestVersion = version
			}
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s", ErrProgramNotFound, program)
	}
	return best, nil
}

// parseVersion splits a trailing version suffix ("-14", "10", "-3.9")
// into numeric components. An absent suffix is the empty version, which
// sorts below every numbered one.
func parseVersion(suffix string) []int {
	suffix = strings.TrimPrefix(suffix, "-")
	if suffix == "" {
		return nil
	}
	parts := strings.Split(suffix, ".")
	version := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		version[i] = n
	}
	return version
}

// compareVersions orders version component slices numerically.
func compareVersions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Run implements Effects.
func (h *HostEffects) Run(program string, args ...string) (string, string, int, error) {
	cmd := exec.Command(program, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return "", "", -1, fmt.Errorf("spawn %s: %w", program, err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

// ReadFile implements Effects.
func (h *HostEffects) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
