package etl

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

var dependabotAuthors = map[string]bool{
	"dependabot[bot]":         true,
	"dependabot-preview[bot]": true,
}

// Grouped Dependabot PRs carry titles like
// "Bump the npm-dependencies group with 3 updates".
var groupedTitleRE = regexp.MustCompile(`(?i)with (\d+) updates?`)

// dependencyCount parses the number of dependencies updated by a PR from its
// title. A title without a grouped-update pattern means exactly one.
func dependencyCount(title string) int {
	if m := groupedTitleRE.FindStringSubmatch(title); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n
		}
	}
	return 1
}

// snapshotDependabotPRs counts open dependency-update PRs and classifies
// them as single or grouped.
func (p *Pipeline) snapshotDependabotPRs(
	ctx context.Context, rc model.RepoConfig, ts time.Time, logger *slog.Logger,
) error {
	prs, err := p.github.ListOpenPullRequests(ctx, rc.Org, rc.Repo)
	if err != nil {
		return err
	}

	snap := model.DependabotSnapshot{Org: rc.Org, Repo: rc.Repo}
	for _, pr := range prs {
		if !dependabotAuthors[pr.Author] {
			continue
		}
		snap.TotalPRs++
		n := dependencyCount(pr.Title)
		snap.TotalDependencies += n
		if n > 1 {
			snap.GroupedPRs++
		} else {
			snap.SinglePRs++
		}
	}

	logger.Info("Dependabot PR snapshot",
		"total_prs", snap.TotalPRs, "single", snap.SinglePRs,
		"grouped", snap.GroupedPRs, "dependencies", snap.TotalDependencies)
	return p.store.InsertDependabotSnapshot(ctx, snap, ts)
}
