package etl

import (
	"context"
	"log/slog"
	"time"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// syncCoverage pulls coverage history and appends it to the store. Unless a
// full resync is forced, the most recent stored timestamp for the repo's
// tracked branches bounds the fetch so already-synced history is not
// re-pulled.
func (p *Pipeline) syncCoverage(ctx context.Context, rc model.RepoConfig, logger *slog.Logger) error {
	branches := rc.Branches()

	var since time.Time
	if p.forceFullSync {
		logger.Info("Force full coverage sync requested")
	} else {
		var err error
		since, err = p.store.LatestCoverageTimestamp(ctx, rc.Org, rc.Repo, branches)
		if err != nil {
			return err
		}
		if since.IsZero() {
			logger.Info("No existing coverage data, pulling full history")
		} else {
			logger.Info("Syncing coverage since last stored timestamp", "since", since)
		}
	}

	data, err := p.coverage.CoverageHistory(ctx, rc.Org, rc.Repo, branches, since)
	if err != nil {
		return err
	}

	inserted, err := p.store.InsertCoverage(ctx, data)
	if err != nil {
		return err
	}
	logger.Info("Coverage sync complete",
		"branches", len(data.Coverage), "fetched", data.Commits(), "inserted", inserted)
	return nil
}
