// Package github wraps the go-github client for the signal collectors.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v63/github"
	"golang.org/x/oauth2"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/severity"
)

const perPage = 100

// Client is a wrapper around the go-github client. All listing methods
// paginate until the source reports no further pages; non-success responses
// are surfaced as ErrSourceUnavailable rather than retried.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     github.NewClient(tc),
		logger: logger,
	}
}

func (c *Client) apiErr(op string, err error) error {
	return &serrors.ErrSourceUnavailable{Source: "github", Op: op, Err: err}
}

// ListWorkflowRuns pages through the workflow runs for a branch, passing each
// completed run to visit in the order returned by the API. Visiting stops
// early when visit returns false.
func (c *Client) ListWorkflowRuns(
	ctx context.Context, org, repo, branch string, visit func(model.WorkflowRun) bool,
) error {
	opts := &github.ListWorkflowRunsOptions{
		Branch:      branch,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		c.logger.Debug("Fetching workflow runs page",
			"org", org, "repo", repo, "branch", branch, "page", opts.Page)

		runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, org, repo, opts)
		if err != nil {
			return c.apiErr(fmt.Sprintf("list workflow runs for %s/%s@%s", org, repo, branch), err)
		}

		if len(runs.WorkflowRuns) == 0 {
			return nil
		}

		for _, run := range runs.WorkflowRuns {
			if run.GetStatus() != "completed" {
				continue
			}
			wr := model.WorkflowRun{
				Path:       run.GetPath(),
				Conclusion: run.GetConclusion(),
				UpdatedAt:  run.GetUpdatedAt().Time,
			}
			if !visit(wr) {
				return nil
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

// ListOpenPullRequests fetches all open pull requests for a repository.
func (c *Client) ListOpenPullRequests(ctx context.Context, org, repo string) ([]model.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var all []model.PullRequest
	for {
		c.logger.Debug("Fetching open PRs page", "org", org, "repo", repo, "page", opts.Page)

		prs, resp, err := c.gh.PullRequests.List(ctx, org, repo, opts)
		if err != nil {
			return nil, c.apiErr(fmt.Sprintf("list open PRs for %s/%s", org, repo), err)
		}

		for _, pr := range prs {
			all = append(all, model.PullRequest{
				Author: pr.GetUser().GetLogin(),
				Title:  pr.GetTitle(),
			})
		}

		if resp.NextPage == 0 || len(prs) == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CountDependabotAlerts reduces the open Dependabot security alerts for a
// repo to counts on the canonical severity scale. Dependabot alerts are
// repo-wide, not branch-specific.
func (c *Client) CountDependabotAlerts(ctx context.Context, org, repo string) (model.SeverityCounts, error) {
	var counts model.SeverityCounts

	opts := &github.ListAlertsOptions{
		State:       github.String("open"),
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		alerts, resp, err := c.gh.Dependabot.ListRepoAlerts(ctx, org, repo, opts)
		if err != nil {
			return model.SeverityCounts{}, c.apiErr(
				fmt.Sprintf("list Dependabot alerts for %s/%s", org, repo), err)
		}

		for _, alert := range alerts {
			lvl, err := severity.Normalize(alert.GetSecurityAdvisory().GetSeverity())
			if err != nil {
				return model.SeverityCounts{}, err
			}
			lvl.Apply(&counts)
		}

		// The Dependabot alert endpoint paginates with cursors.
		if resp.After == "" || len(alerts) == 0 {
			break
		}
		opts.ListCursorOptions.After = resp.After
	}

	c.logger.Info("Counted open Dependabot alerts",
		"org", org, "repo", repo, "total", counts.Total())
	return counts, nil
}

// CountCodeScanningAlerts reduces the open Code Scanning alerts on a branch
// to counts on the canonical severity scale.
func (c *Client) CountCodeScanningAlerts(
	ctx context.Context, org, repo, branch string,
) (model.SeverityCounts, error) {
	var counts model.SeverityCounts

	opts := &github.AlertListOptions{
		State:       "open",
		Ref:         "refs/heads/" + branch,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		alerts, resp, err := c.gh.CodeScanning.ListAlertsForRepo(ctx, org, repo, opts)
		if err != nil {
			return model.SeverityCounts{}, c.apiErr(
				fmt.Sprintf("list Code Scanning alerts for %s/%s@%s", org, repo, branch), err)
		}

		for _, alert := range alerts {
			// Prefer the security severity level, falling back to the rule
			// severity, matching how GitHub populates scanner results.
			sev := alert.GetRule().GetSecuritySeverityLevel()
			if sev == "" {
				sev = alert.GetRule().GetSeverity()
			}
			lvl, err := severity.Normalize(sev)
			if err != nil {
				return model.SeverityCounts{}, err
			}
			lvl.Apply(&counts)
		}

		if resp.After == "" || len(alerts) == 0 {
			break
		}
		opts.ListCursorOptions.After = resp.After
	}

	c.logger.Info("Counted open Code Scanning alerts",
		"org", org, "repo", repo, "branch", branch, "total", counts.Total())
	return counts, nil
}

// LatestContainerImage resolves the latest tagged container image for a
// repo's branch in GitHub Container Registry.
//
// Naming convention: main/master branch maps to a package named after the
// repo; develop maps to "<repo>-develop". Any other branch is a
// configuration error. Returns nil when the package does not exist or has
// no tagged versions - a normal condition for repos without containers.
func (c *Client) LatestContainerImage(
	ctx context.Context, org, repo, branch string,
) (*model.ContainerImage, error) {
	var pkg string
	switch branch {
	case "main", "master":
		pkg = repo
	case "develop":
		pkg = repo + "-develop"
	default:
		return nil, &serrors.ErrConfiguration{
			Msg: fmt.Sprintf("unsupported branch for image naming convention: %q", branch),
		}
	}

	c.logger.Info("Fetching container versions", "org", org, "package", pkg)
	opts := &github.PackageListOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	versions, resp, err := c.gh.Organizations.PackageGetAllVersions(ctx, org, "container", pkg, opts)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil &&
			ghErr.Response.StatusCode == http.StatusNotFound {
			return c.handleMissingPackage(ctx, org, repo, pkg)
		}
		return nil, c.apiErr(fmt.Sprintf("list container versions for %s/%s", org, pkg), err)
	}

	for _, v := range versions {
		tags := v.GetMetadata().GetContainer().Tags
		if len(tags) == 0 {
			continue
		}
		img := &model.ContainerImage{
			Name: fmt.Sprintf("ghcr.io/%s/%s:%s",
				strings.ToLower(org), strings.ToLower(pkg), bestTag(tags)),
			Tags:      tags,
			CreatedAt: v.GetCreatedAt().Time,
		}
		c.logger.Info("Found container image", "image", img.Name, "tags", tags)
		return img, nil
	}

	if resp.NextPage != 0 {
		c.logger.Warn("No tagged versions on first page but more pages exist",
			"org", org, "package", pkg)
	} else {
		c.logger.Info("No tagged versions found", "org", org, "package", pkg)
	}
	return nil, nil
}

// handleMissingPackage distinguishes a missing package (normal) from a
// missing repo (configuration error) when the versions endpoint 404s.
func (c *Client) handleMissingPackage(
	ctx context.Context, org, repo, pkg string,
) (*model.ContainerImage, error) {
	if _, _, err := c.gh.Repositories.Get(ctx, org, repo); err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil &&
			ghErr.Response.StatusCode == http.StatusNotFound {
			return nil, &serrors.ErrConfiguration{
				Msg: fmt.Sprintf("repository not found: %s/%s", org, repo),
			}
		}
		return nil, c.apiErr(fmt.Sprintf("get repository %s/%s", org, repo), err)
	}
	c.logger.Info("No container package found", "org", org, "package", pkg)
	return nil, nil
}

// bestTag prefers non-latest tags to avoid a race where the latest tag is
// repointed between discovery and scanning. If every tag is a latest
// variant, the shortest one wins.
func bestTag(tags []string) string {
	for _, t := range tags {
		if !strings.HasPrefix(t, "latest") {
			return t
		}
	}
	best := tags[0]
	for _, t := range tags[1:] {
		if len(t) < len(best) {
			best = t
		}
	}
	return best
}
