// Package model holds the domain types shared by the collectors, the
// pipeline and the snapshot store.
package model

import (
	"regexp"
	"time"
)

// DefaultWorkflowPathPattern matches workflow paths that look like test
// workflows, e.g. ".github/workflows/run_tests.yml".
var DefaultWorkflowPathPattern = regexp.MustCompile(`(?:^|[\s_/-])tests?(?:[\s_.-]|$)`)

// WorkflowFilter selects which GitHub Actions workflows count as tests for a
// repository. Exactly one of Pattern or Names is set; the choice is made once
// at configuration-normalization time.
type WorkflowFilter struct {
	// Pattern is matched against the lowercased workflow path. The first
	// completed run with a matching path wins.
	Pattern *regexp.Regexp
	// Names is a set of exact workflow paths. The most recent completed run
	// of each named workflow is tracked.
	Names map[string]bool
}

// DefaultWorkflowFilter returns the filter used when a repo does not
// configure test workflows explicitly.
func DefaultWorkflowFilter() WorkflowFilter {
	return WorkflowFilter{Pattern: DefaultWorkflowPathPattern}
}

// RepoConfig describes one tracked repository. Identity is (Org, Repo).
type RepoConfig struct {
	Org        string
	Repo       string
	Type       string // repo classification, e.g. "core", "support"
	MainBranch string
	DevBranch  string
	Workflows  WorkflowFilter
}

// Branches returns the deduplicated set of tracked branches.
func (r RepoConfig) Branches() []string {
	if r.MainBranch == r.DevBranch {
		return []string{r.MainBranch}
	}
	return []string{r.MainBranch, r.DevBranch}
}

// SeverityCounts holds vulnerability counts on the canonical 4-level scale.
// Counts are additive when merging sources.
type SeverityCounts struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// Add merges the counts from o into s.
func (s *SeverityCounts) Add(o SeverityCounts) {
	s.Critical += o.Critical
	s.High += o.High
	s.Medium += o.Medium
	s.Low += o.Low
}

// Total returns the sum across all severity levels.
func (s SeverityCounts) Total() int {
	return s.Critical + s.High + s.Medium + s.Low
}

// CommitCoverage is one coverage measurement from the coverage source.
type CommitCoverage struct {
	CommitID  string
	Timestamp time.Time
	Coverage  float64
}

// CoverageData is the coverage history for a repo, keyed by branch.
// Commits within a branch are ordered as returned by the source.
type CoverageData struct {
	Org      string
	Repo     string
	Coverage map[string][]CommitCoverage
}

// Commits returns the total number of commits across all branches.
func (c CoverageData) Commits() int {
	n := 0
	for _, commits := range c.Coverage {
		n += len(commits)
	}
	return n
}

// WorkflowRun is a completed GitHub Actions run.
type WorkflowRun struct {
	Path       string
	Conclusion string
	UpdatedAt  time.Time
}

// TestStatusSnapshot is the test state of one branch at a point in time.
type TestStatusSnapshot struct {
	// Timestamp is the most recent completion time across the tracked
	// workflows.
	Timestamp time.Time
	// WorkflowPaths lists the workflows contributing to this snapshot.
	WorkflowPaths []string
	// Success is the AND of all tracked workflow conclusions.
	Success bool
}

// TestStatusData holds test status snapshots for a repo, keyed by branch.
// Branches with no matching workflows are absent.
type TestStatusData struct {
	Org       string
	Repo      string
	Snapshots map[string]TestStatusSnapshot
}

// PullRequest is the subset of PR data needed to classify dependency updates.
type PullRequest struct {
	Author string
	Title  string
}

// DependabotSnapshot counts the open dependency-update PRs for a repo.
type DependabotSnapshot struct {
	Org   string
	Repo  string
	// TotalPRs is the number of open Dependabot PRs.
	TotalPRs int
	// TotalDependencies counts dependencies with updates; a grouped PR
	// bundling N updates counts as N.
	TotalDependencies int
	GroupedPRs        int
	SinglePRs         int
}

// DependabotAlertsSnapshot counts open Dependabot security alerts. These are
// repo-wide, not branch-specific.
type DependabotAlertsSnapshot struct {
	Org    string
	Repo   string
	Counts SeverityCounts
}

// CodeScanningSnapshot counts open Code Scanning alerts for one branch.
type CodeScanningSnapshot struct {
	Org    string
	Repo   string
	Branch string
	Counts SeverityCounts
}

// VulnerabilitySnapshot is the additive merge of Dependabot and Code Scanning
// alert counts for a repo.
type VulnerabilitySnapshot struct {
	Org    string
	Repo   string
	Counts SeverityCounts
}

// ContainerImage is a tagged image in the container registry.
type ContainerImage struct {
	// Name is the full image reference, e.g. "ghcr.io/kbase/auth2:sha-abc123".
	Name      string
	Tags      []string
	CreatedAt time.Time
}

// TrivySnapshot holds scan results for one branch's container image.
type TrivySnapshot struct {
	Org       string
	Repo      string
	Branch    string
	ImageTags []string
	Counts    SeverityCounts
}

// ETLResult records the outcome of the most recent pipeline run.
type ETLResult struct {
	// TimeComplete is when the run finished, or nil if no run has completed
	// since the process started.
	TimeComplete *time.Time
	// Error is the failure description, or empty if the run succeeded.
	Error string
}
