// Package planner turns a resolved build graph into an ordered,
// parallelizable set of concrete subprocess jobs: one compile job per
// translation unit, one archive job per library, one link job per
// executable.
package planner

import (
	"fmt"
)

// Job is one planned unit of work: a single subprocess invocation with
// declared inputs and outputs. Jobs form a DAG mirroring the build
// graph plus intra-component compile -> archive/link edges.
type Job struct {
	// ID is unique within one plan, e.g. "hal:cc:mmu.c" or "app:ld".
	ID string `json:"id"`

	// Component is the id of the component this job builds.
	Component string `json:"component"`

	// Tool is the composed tool name (cc, cxx, as, ar, ld).
	Tool string `json:"tool"`

	// Cmd and Args are the resolved command line.
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`

	// Dir is the working directory for the invocation.
	Dir string `json:"dir"`

	// Inputs are the files whose content determines this job's output,
	// in a fixed order; their fingerprints feed the cache key.
	Inputs []string `json:"inputs"`

	// Outputs are the artifacts this job produces.
	Outputs []string `json:"outputs"`

	// DependsOn lists the IDs of jobs that must complete first.
	DependsOn []string `json:"dependsOn,omitempty"`
}

// CacheKey computes the job's rebuild-cache identity: a hash of the
// tool command line and the ordered content fingerprints of every
// input. Two jobs with the same key produce the same outputs.
//
// Inputs produced by earlier jobs only exist once those jobs ran, so
// the key is computed at dispatch time, not at planning time.
func (j *Job) CacheKey(fp Fingerprinter) (string, error) {
	fingerprints := make([]string, len(j.Inputs))
	for i, input := range j.Inputs {
		sum, err := fp.Fingerprint(input)
		if err != nil {
			return "", fmt.Errorf("fingerprinting %s: %w", input, err)
		}
		fingerprints[i] = sum
	}

	return hashJob(map[string]any{
		"cmd":    j.Cmd,
		"args":   j.Args,
		"inputs": fingerprints,
	})
}
