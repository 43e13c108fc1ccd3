package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/uesteibar/autoflow/internal/gitops"
	"github.com/uesteibar/autoflow/internal/shell"
)

// ErrNoChanges is returned when a finished run left nothing to publish.
var ErrNoChanges = errors.New("agent made no changes")

// Git publishes sandbox branches with the git CLI.
type Git struct{}

// Publish commits anything the agent left uncommitted and pushes branch.
// It fails with ErrNoChanges when branch has no commits beyond base, or when
// those commits cancel out.
func (Git) Publish(ctx context.Context, dir, branch, base, message string) error {
	r := &shell.Runner{Dir: dir}
	current, err := gitops.CurrentBranch(ctx, r)
	if err != nil {
		return err
	}
	if current != branch {
		return fmt.Errorf("sandbox is on %s, expected %s", current, branch)
	}
	dirty, err := gitops.HasUncommittedChanges(ctx, r)
	if err != nil {
		return err
	}
	if dirty {
		if err := gitops.Commit(ctx, r, message); err != nil {
			return err
		}
	}
	ahead, err := gitops.CommitsAhead(ctx, r, base)
	if err != nil {
		return err
	}
	if ahead == 0 {
		return ErrNoChanges
	}
	files, err := gitops.ChangedFiles(ctx, r, base)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return ErrNoChanges
	}
	return gitops.PushBranch(ctx, r, branch)
}
