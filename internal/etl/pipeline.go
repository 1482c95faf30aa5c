// Package etl orchestrates collection of security and CI-health signals for
// the configured repositories and their persistence as timestamped facts.
package etl

import (
	"context"
	"log/slog"
	"time"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// GitHubSource provides the GitHub-hosted signals.
type GitHubSource interface {
	ListWorkflowRuns(ctx context.Context, org, repo, branch string, visit func(model.WorkflowRun) bool) error
	ListOpenPullRequests(ctx context.Context, org, repo string) ([]model.PullRequest, error)
	CountDependabotAlerts(ctx context.Context, org, repo string) (model.SeverityCounts, error)
	CountCodeScanningAlerts(ctx context.Context, org, repo, branch string) (model.SeverityCounts, error)
	LatestContainerImage(ctx context.Context, org, repo, branch string) (*model.ContainerImage, error)
}

// CoverageSource provides coverage history.
type CoverageSource interface {
	CoverageHistory(ctx context.Context, org, repo string, branches []string, since time.Time) (model.CoverageData, error)
}

// ImageScanner scans a container image for vulnerabilities.
type ImageScanner interface {
	Scan(ctx context.Context, image string) (model.SeverityCounts, error)
}

// Store persists snapshots and reads sync watermarks.
type Store interface {
	InitSchema(ctx context.Context) error
	UpsertRepoMetadata(ctx context.Context, repos []model.RepoConfig) error
	LatestCoverageTimestamp(ctx context.Context, org, repo string, branches []string) (time.Time, error)
	InsertCoverage(ctx context.Context, data model.CoverageData) (int64, error)
	InsertTestStatus(ctx context.Context, data model.TestStatusData) error
	InsertDependabotSnapshot(ctx context.Context, snap model.DependabotSnapshot, ts time.Time) error
	InsertDependabotAlerts(ctx context.Context, snap model.DependabotAlertsSnapshot, ts time.Time) error
	InsertCodeScanningAlerts(ctx context.Context, snap model.CodeScanningSnapshot, ts time.Time) error
	InsertVulnerabilitySnapshot(ctx context.Context, snap model.VulnerabilitySnapshot, ts time.Time) error
	InsertTrivyScan(ctx context.Context, snap model.TrivySnapshot, ts time.Time) error
}

// Pipeline runs the per-repository collection sequence across the five
// signal sources. Repositories are processed sequentially, and the five
// collector calls within a repository are sequential, to bound upstream API
// load and keep the shared-timestamp correlation simple.
type Pipeline struct {
	github        GitHubSource
	coverage      CoverageSource
	scanner       ImageScanner
	store         Store
	repos         []model.RepoConfig
	forceFullSync bool
	logger        *slog.Logger
}

// NewPipeline creates a Pipeline. When forceFullSync is set, coverage sync
// ignores stored watermarks and re-pulls full history.
func NewPipeline(
	github GitHubSource,
	coverage CoverageSource,
	scanner ImageScanner,
	store Store,
	repos []model.RepoConfig,
	forceFullSync bool,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		github:        github,
		coverage:      coverage,
		scanner:       scanner,
		store:         store,
		repos:         repos,
		forceFullSync: forceFullSync,
		logger:        logger,
	}
}

// ProcessRepos runs one full collection pass. Metadata for all repos is
// upserted once up front; repositories are then processed in order. An error
// while processing one repository aborts the remaining run - failures are
// not isolated between repositories.
func (p *Pipeline) ProcessRepos(ctx context.Context) error {
	if len(p.repos) == 0 {
		return &serrors.ErrConfiguration{Msg: "no repositories configured"}
	}

	if err := p.store.InitSchema(ctx); err != nil {
		return err
	}
	if err := p.store.UpsertRepoMetadata(ctx, p.repos); err != nil {
		return err
	}

	p.logger.Info("Processing repositories", "count", len(p.repos))
	for _, rc := range p.repos {
		logger := p.logger.With("org", rc.Org, "repo", rc.Repo)
		logger.Info("Processing repository")
		if err := p.processRepo(ctx, rc, logger); err != nil {
			logger.Error("Failed to process repository", "error", err)
			return err
		}
		logger.Info("Completed repository")
	}
	p.logger.Info("All repositories processed")
	return nil
}

func (p *Pipeline) processRepo(ctx context.Context, rc model.RepoConfig, logger *slog.Logger) error {
	if err := p.syncCoverage(ctx, rc, logger); err != nil {
		return err
	}
	if err := p.snapshotTestStatus(ctx, rc, logger); err != nil {
		return err
	}

	// One timestamp shared by the remaining snapshots for this repo so the
	// tables can be joined by time, even though the collector calls are not
	// atomic with respect to each other.
	snapshotTime := time.Now().UTC()
	logger.Info("Snapshot timestamp", "timestamp", snapshotTime)

	if err := p.snapshotDependabotPRs(ctx, rc, snapshotTime, logger); err != nil {
		return err
	}
	if err := p.snapshotVulnerabilities(ctx, rc, snapshotTime, logger); err != nil {
		return err
	}
	return p.snapshotTrivy(ctx, rc, snapshotTime, logger)
}
