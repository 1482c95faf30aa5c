package etl

import (
	"context"
	"log/slog"
	"time"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// snapshotVulnerabilities reduces the two alert feeds to severity counts and
// persists three shapes: the repo-wide Dependabot alert counts, one Code
// Scanning count row per tracked branch, and the additive merge of the two
// sources. The merged snapshot combines the repo-wide Dependabot counts with
// the main branch's Code Scanning counts.
func (p *Pipeline) snapshotVulnerabilities(
	ctx context.Context, rc model.RepoConfig, ts time.Time, logger *slog.Logger,
) error {
	depCounts, err := p.github.CountDependabotAlerts(ctx, rc.Org, rc.Repo)
	if err != nil {
		return err
	}
	depSnap := model.DependabotAlertsSnapshot{Org: rc.Org, Repo: rc.Repo, Counts: depCounts}
	if err := p.store.InsertDependabotAlerts(ctx, depSnap, ts); err != nil {
		return err
	}

	combined := depCounts
	for _, branch := range rc.Branches() {
		csCounts, err := p.github.CountCodeScanningAlerts(ctx, rc.Org, rc.Repo, branch)
		if err != nil {
			return err
		}
		csSnap := model.CodeScanningSnapshot{
			Org: rc.Org, Repo: rc.Repo, Branch: branch, Counts: csCounts,
		}
		if err := p.store.InsertCodeScanningAlerts(ctx, csSnap, ts); err != nil {
			return err
		}
		if branch == rc.MainBranch {
			combined.Add(csCounts)
		}
	}

	snap := model.VulnerabilitySnapshot{Org: rc.Org, Repo: rc.Repo, Counts: combined}
	logger.Info("Vulnerability snapshot",
		"critical", combined.Critical, "high", combined.High,
		"medium", combined.Medium, "low", combined.Low)
	return p.store.InsertVulnerabilitySnapshot(ctx, snap, ts)
}
