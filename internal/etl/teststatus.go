package etl

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// snapshotTestStatus records the test state of each tracked branch. Branches
// with no matching workflows produce no row.
func (p *Pipeline) snapshotTestStatus(ctx context.Context, rc model.RepoConfig, logger *slog.Logger) error {
	data := model.TestStatusData{
		Org:       rc.Org,
		Repo:      rc.Repo,
		Snapshots: map[string]model.TestStatusSnapshot{},
	}

	for _, branch := range rc.Branches() {
		snap, found, err := p.branchTestStatus(ctx, rc, branch)
		if err != nil {
			return err
		}
		if !found {
			logger.Warn("No matching test workflows for branch", "branch", branch)
			continue
		}
		logger.Info("Test status snapshot",
			"branch", branch, "workflows", len(snap.WorkflowPaths), "success", snap.Success)
		data.Snapshots[branch] = snap
	}

	if len(data.Snapshots) == 0 {
		logger.Warn("No test status snapshots to save")
		return nil
	}
	return p.store.InsertTestStatus(ctx, data)
}

// branchTestStatus scans a branch's completed workflow runs for test
// workflows. In pattern mode the first matching run wins; in exact-name mode
// the most recent run of each named workflow is tracked and scanning stops
// once every name has been seen or pagination exhausts. Matched runs reduce
// to the most recent completion time and the AND of their conclusions.
func (p *Pipeline) branchTestStatus(
	ctx context.Context, rc model.RepoConfig, branch string,
) (model.TestStatusSnapshot, bool, error) {
	filter := rc.Workflows
	matched := map[string]model.WorkflowRun{}

	err := p.github.ListWorkflowRuns(ctx, rc.Org, rc.Repo, branch, func(run model.WorkflowRun) bool {
		if filter.Pattern != nil {
			if filter.Pattern.MatchString(strings.ToLower(run.Path)) {
				matched[run.Path] = run
				return false
			}
			return true
		}
		if filter.Names[run.Path] {
			// Runs arrive newest first, so only the first sighting of each
			// workflow is kept.
			if _, seen := matched[run.Path]; !seen {
				matched[run.Path] = run
			}
			return len(matched) < len(filter.Names)
		}
		return true
	})
	if err != nil {
		return model.TestStatusSnapshot{}, false, err
	}

	if len(matched) == 0 {
		return model.TestStatusSnapshot{}, false, nil
	}

	snap := model.TestStatusSnapshot{Success: true}
	for path, run := range matched {
		snap.WorkflowPaths = append(snap.WorkflowPaths, path)
		if run.UpdatedAt.After(snap.Timestamp) {
			snap.Timestamp = run.UpdatedAt
		}
		if run.Conclusion != "success" {
			snap.Success = false
		}
	}
	sort.Strings(snap.WorkflowPaths)
	return snap, true, nil
}
