package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kilnworks/kiln/internal/planner"
)

// Spawner runs one job's subprocess. Faked in tests so graphs can be
// exercised without real toolchains.
type Spawner interface {
	// Spawn runs the job to completion and returns its combined output.
	Spawn(ctx context.Context, job *planner.Job) (string, error)
}

// ExecSpawner spawns jobs as real subprocesses.
type ExecSpawner struct{}

// Spawn implements Spawner. Output directories are created before the
// process starts; tools do not reliably create their own.
func (ExecSpawner) Spawn(ctx context.Context, job *planner.Job) (string, error) {
	for _, out := range job.Outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return "", fmt.Errorf("creating output directory for %s: %w", out, err)
		}
	}

	cmd := exec.CommandContext(ctx, job.Cmd, job.Args...)
	cmd.Dir = job.Dir
	raw, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(raw), "\n")
	if err != nil {
		return output, fmt.Errorf("%s %s: %w", job.Cmd, strings.Join(job.Args, " "), err)
	}
	return output, nil
}

// outputsIntact reports whether every declared output still exists on
// disk. A cache hit with a missing artifact forces a rebuild.
func outputsIntact(job *planner.Job) bool {
	for _, out := range job.Outputs {
		if _, err := os.Stat(out); err != nil {
			return false
		}
	}
	return true
}
