package fleet

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Runner abstracts command execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// GcloudResizer resizes a managed instance group with the gcloud CLI.
type GcloudResizer struct {
	Group  string
	Zone   string
	Runner Runner // defaults to ExecRunner if nil
}

// Args returns the gcloud arguments for a resize to size.
func (g GcloudResizer) Args(size int) []string {
	return []string{
		"compute", "instance-groups", "managed", "resize",
		g.Group, "--size", strconv.Itoa(size),
		"--zone", g.Zone, "--quiet",
	}
}

func (g GcloudResizer) Resize(ctx context.Context, size int) error {
	if g.Group == "" {
		return fmt.Errorf("fleet: instance group is required")
	}
	runner := g.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.Run(ctx, "gcloud", g.Args(size)...)
	if err != nil {
		return fmt.Errorf("fleet: resize %s to %d: %s: %w", g.Group, size, strings.TrimSpace(string(out)), err)
	}
	return nil
}
