// Package store persists signal snapshots in PostgreSQL. All snapshot tables
// are append-only: inserts are idempotent on the natural composite key and
// never overwrite historical rows.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// Postgres implements snapshot persistence on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Postgres store. InitSchema must be called before any write
// in a process lifetime.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS repo_metadata (
		org_user       VARCHAR(255) NOT NULL,
		repo           VARCHAR(255) NOT NULL,
		type           VARCHAR(50) NOT NULL,
		main_branch    VARCHAR(50) NOT NULL,
		dev_branch     VARCHAR(50) NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (org_user, repo)
	)`,
	`CREATE TABLE IF NOT EXISTS coverage_history (
		org_user      VARCHAR(255) NOT NULL,
		repo          VARCHAR(255) NOT NULL,
		branch        VARCHAR(255) NOT NULL,
		commit        CHAR(40) NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		coverage      NUMERIC(5,2) NOT NULL,
		PRIMARY KEY (org_user, repo, branch, commit)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_coverage_timestamp
		ON coverage_history (org_user, repo, branch, timestamp)`,
	`CREATE TABLE IF NOT EXISTS test_status (
		org_user       VARCHAR(255) NOT NULL,
		repo           VARCHAR(255) NOT NULL,
		branch         VARCHAR(255) NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		workflow_paths TEXT[] NOT NULL,
		success        BOOLEAN NOT NULL,
		PRIMARY KEY (org_user, repo, branch, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_test_status_date
		ON test_status (org_user, repo, branch, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS dependabot_snapshots (
		org_user       VARCHAR(255) NOT NULL,
		repo           VARCHAR(255) NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		total_prs      INTEGER NOT NULL,
		dependencies   INTEGER NOT NULL,
		grouped_prs    INTEGER NOT NULL,
		single_prs     INTEGER NOT NULL,
		PRIMARY KEY (org_user, repo, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dependabot_snapshots_date
		ON dependabot_snapshots (org_user, repo, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS dependabot_alerts (
		org_user       VARCHAR(255) NOT NULL,
		repo           VARCHAR(255) NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		critical       INTEGER NOT NULL,
		high           INTEGER NOT NULL,
		medium         INTEGER NOT NULL,
		low            INTEGER NOT NULL,
		PRIMARY KEY (org_user, repo, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dependabot_alerts_date
		ON dependabot_alerts (org_user, repo, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS code_scanning_alerts (
		org_user       VARCHAR(255) NOT NULL,
		repo           VARCHAR(255) NOT NULL,
		branch         VARCHAR(255) NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		critical       INTEGER NOT NULL,
		high           INTEGER NOT NULL,
		medium         INTEGER NOT NULL,
		low            INTEGER NOT NULL,
		PRIMARY KEY (org_user, repo, branch, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_code_scanning_alerts_date
		ON code_scanning_alerts (org_user, repo, branch, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS vulnerability_snapshots (
		org_user       VARCHAR(255) NOT NULL,
		repo           VARCHAR(255) NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		critical       INTEGER NOT NULL,
		high           INTEGER NOT NULL,
		medium         INTEGER NOT NULL,
		low            INTEGER NOT NULL,
		PRIMARY KEY (org_user, repo, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vulnerability_snapshots_date
		ON vulnerability_snapshots (org_user, repo, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS trivy_scans (
		org_user       VARCHAR(255) NOT NULL,
		repo           VARCHAR(255) NOT NULL,
		branch         VARCHAR(255) NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		image_tags     TEXT[] NOT NULL,
		critical       INTEGER NOT NULL,
		high           INTEGER NOT NULL,
		medium         INTEGER NOT NULL,
		low            INTEGER NOT NULL,
		PRIMARY KEY (org_user, repo, branch, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trivy_scans_date
		ON trivy_scans (org_user, repo, branch, timestamp DESC)`,
}

// InitSchema creates all tables and indexes if they do not exist. Safe to
// call repeatedly.
func (s *Postgres) InitSchema(ctx context.Context) error {
	s.logger.Info("Initializing database tables")
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

// UpsertRepoMetadata inserts or updates the static configuration for each
// repo. On conflict all descriptive fields are overwritten, but updated_at
// advances only when the classification or branch names actually changed.
func (s *Postgres) UpsertRepoMetadata(ctx context.Context, repos []model.RepoConfig) error {
	if len(repos) == 0 {
		s.logger.Warn("No repositories to upsert")
		return nil
	}

	b := &pgx.Batch{}
	for _, r := range repos {
		b.Queue(
			`INSERT INTO repo_metadata (org_user, repo, type, main_branch, dev_branch, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (org_user, repo)
			DO UPDATE SET
				type = EXCLUDED.type,
				main_branch = EXCLUDED.main_branch,
				dev_branch = EXCLUDED.dev_branch,
				updated_at = CASE
					WHEN repo_metadata.type != EXCLUDED.type
						OR repo_metadata.main_branch != EXCLUDED.main_branch
						OR repo_metadata.dev_branch != EXCLUDED.dev_branch
					THEN NOW()
					ELSE repo_metadata.updated_at
				END`,
			r.Org, r.Repo, r.Type, r.MainBranch, r.DevBranch,
		)
	}
	if err := s.sendBatch(ctx, b); err != nil {
		return fmt.Errorf("upserting repo metadata: %w", err)
	}

	s.logger.Info("Upserted repo metadata", "repos", len(repos))
	return nil
}

// LatestCoverageTimestamp returns the most recent stored coverage timestamp
// for the repo, restricted to the given branches when non-empty. The zero
// time means no data exists.
func (s *Postgres) LatestCoverageTimestamp(
	ctx context.Context, org, repo string, branches []string,
) (time.Time, error) {
	query := `SELECT MAX(timestamp) FROM coverage_history WHERE org_user = $1 AND repo = $2`
	args := []any{org, repo}
	if len(branches) > 0 {
		query += ` AND branch = ANY($3)`
		args = append(args, branches)
	}

	var ts *time.Time
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("reading coverage watermark for %s/%s: %w", org, repo, err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// InsertCoverage appends coverage rows, ignoring rows whose key already
// exists. Returns the number of rows actually inserted.
func (s *Postgres) InsertCoverage(ctx context.Context, data model.CoverageData) (int64, error) {
	b := &pgx.Batch{}
	for branch, commits := range data.Coverage {
		for _, c := range commits {
			b.Queue(
				`INSERT INTO coverage_history (org_user, repo, branch, commit, timestamp, coverage)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (org_user, repo, branch, commit) DO NOTHING`,
				data.Org, data.Repo, branch, c.CommitID, c.Timestamp, c.Coverage,
			)
		}
	}

	if b.Len() == 0 {
		return 0, nil
	}

	var inserted int64
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("inserting coverage for %s/%s: %w", data.Org, data.Repo, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// InsertTestStatus appends one test status row per branch snapshot.
func (s *Postgres) InsertTestStatus(ctx context.Context, data model.TestStatusData) error {
	b := &pgx.Batch{}
	for branch, snap := range data.Snapshots {
		b.Queue(
			`INSERT INTO test_status (org_user, repo, branch, timestamp, workflow_paths, success)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (org_user, repo, branch, timestamp) DO NOTHING`,
			data.Org, data.Repo, branch, snap.Timestamp, snap.WorkflowPaths, snap.Success,
		)
	}
	if b.Len() == 0 {
		return nil
	}
	if err := s.sendBatch(ctx, b); err != nil {
		return fmt.Errorf("inserting test status for %s/%s: %w", data.Org, data.Repo, err)
	}
	return nil
}

// InsertDependabotSnapshot appends one Dependabot PR count row.
func (s *Postgres) InsertDependabotSnapshot(
	ctx context.Context, snap model.DependabotSnapshot, ts time.Time,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dependabot_snapshots
			(org_user, repo, timestamp, total_prs, dependencies, grouped_prs, single_prs)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_user, repo, timestamp) DO NOTHING`,
		snap.Org, snap.Repo, ts, snap.TotalPRs, snap.TotalDependencies,
		snap.GroupedPRs, snap.SinglePRs,
	)
	if err != nil {
		return fmt.Errorf("inserting Dependabot snapshot for %s/%s: %w", snap.Org, snap.Repo, err)
	}
	return nil
}

// InsertDependabotAlerts appends one repo-wide Dependabot alert count row.
func (s *Postgres) InsertDependabotAlerts(
	ctx context.Context, snap model.DependabotAlertsSnapshot, ts time.Time,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dependabot_alerts (org_user, repo, timestamp, critical, high, medium, low)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_user, repo, timestamp) DO NOTHING`,
		snap.Org, snap.Repo, ts,
		snap.Counts.Critical, snap.Counts.High, snap.Counts.Medium, snap.Counts.Low,
	)
	if err != nil {
		return fmt.Errorf("inserting Dependabot alerts for %s/%s: %w", snap.Org, snap.Repo, err)
	}
	return nil
}

// InsertCodeScanningAlerts appends one branch-scoped Code Scanning count row.
func (s *Postgres) InsertCodeScanningAlerts(
	ctx context.Context, snap model.CodeScanningSnapshot, ts time.Time,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO code_scanning_alerts
			(org_user, repo, branch, timestamp, critical, high, medium, low)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (org_user, repo, branch, timestamp) DO NOTHING`,
		snap.Org, snap.Repo, snap.Branch, ts,
		snap.Counts.Critical, snap.Counts.High, snap.Counts.Medium, snap.Counts.Low,
	)
	if err != nil {
		return fmt.Errorf("inserting Code Scanning alerts for %s/%s: %w", snap.Org, snap.Repo, err)
	}
	return nil
}

// InsertVulnerabilitySnapshot appends one combined vulnerability count row.
func (s *Postgres) InsertVulnerabilitySnapshot(
	ctx context.Context, snap model.VulnerabilitySnapshot, ts time.Time,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vulnerability_snapshots (org_user, repo, timestamp, critical, high, medium, low)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_user, repo, timestamp) DO NOTHING`,
		snap.Org, snap.Repo, ts,
		snap.Counts.Critical, snap.Counts.High, snap.Counts.Medium, snap.Counts.Low,
	)
	if err != nil {
		return fmt.Errorf("inserting vulnerability snapshot for %s/%s: %w", snap.Org, snap.Repo, err)
	}
	return nil
}

// InsertTrivyScan appends one branch-scoped container scan row.
func (s *Postgres) InsertTrivyScan(
	ctx context.Context, snap model.TrivySnapshot, ts time.Time,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trivy_scans
			(org_user, repo, branch, timestamp, image_tags, critical, high, medium, low)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org_user, repo, branch, timestamp) DO NOTHING`,
		snap.Org, snap.Repo, snap.Branch, ts, snap.ImageTags,
		snap.Counts.Critical, snap.Counts.High, snap.Counts.Medium, snap.Counts.Low,
	)
	if err != nil {
		return fmt.Errorf("inserting Trivy scan for %s/%s: %w", snap.Org, snap.Repo, err)
	}
	return nil
}

func (s *Postgres) sendBatch(ctx context.Context, b *pgx.Batch) error {
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
