package etl

import (
	"context"
	"log/slog"
	"time"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// snapshotTrivy scans the latest container image for each tracked branch.
// Branches without an image are skipped; that is normal for repos that do
// not publish containers.
func (p *Pipeline) snapshotTrivy(
	ctx context.Context, rc model.RepoConfig, ts time.Time, logger *slog.Logger,
) error {
	for _, branch := range rc.Branches() {
		img, err := p.github.LatestContainerImage(ctx, rc.Org, rc.Repo, branch)
		if err != nil {
			return err
		}
		if img == nil {
			logger.Debug("No container image to scan", "branch", branch)
			continue
		}

		counts, err := p.scanner.Scan(ctx, img.Name)
		if err != nil {
			return err
		}

		snap := model.TrivySnapshot{
			Org:       rc.Org,
			Repo:      rc.Repo,
			Branch:    branch,
			ImageTags: img.Tags,
			Counts:    counts,
		}
		if err := p.store.InsertTrivyScan(ctx, snap, ts); err != nil {
			return err
		}
		logger.Info("Saved Trivy snapshot", "branch", branch, "tags", img.Tags)
	}
	return nil
}
