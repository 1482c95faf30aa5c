package etl

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

type mockGitHub struct {
	mock.Mock
}

func (m *mockGitHub) ListWorkflowRuns(
	ctx context.Context, org, repo, branch string, visit func(model.WorkflowRun) bool,
) error {
	args := m.Called(ctx, org, repo, branch, visit)
	return args.Error(0)
}

func (m *mockGitHub) ListOpenPullRequests(ctx context.Context, org, repo string) ([]model.PullRequest, error) {
	args := m.Called(ctx, org, repo)
	return args.Get(0).([]model.PullRequest), args.Error(1)
}

func (m *mockGitHub) CountDependabotAlerts(ctx context.Context, org, repo string) (model.SeverityCounts, error) {
	args := m.Called(ctx, org, repo)
	return args.Get(0).(model.SeverityCounts), args.Error(1)
}

func (m *mockGitHub) CountCodeScanningAlerts(ctx context.Context, org, repo, branch string) (model.SeverityCounts, error) {
	args := m.Called(ctx, org, repo, branch)
	return args.Get(0).(model.SeverityCounts), args.Error(1)
}

func (m *mockGitHub) LatestContainerImage(ctx context.Context, org, repo, branch string) (*model.ContainerImage, error) {
	args := m.Called(ctx, org, repo, branch)
	img, _ := args.Get(0).(*model.ContainerImage)
	return img, args.Error(1)
}

type mockCoverage struct {
	mock.Mock
}

func (m *mockCoverage) CoverageHistory(
	ctx context.Context, org, repo string, branches []string, since time.Time,
) (model.CoverageData, error) {
	args := m.Called(ctx, org, repo, branches, since)
	return args.Get(0).(model.CoverageData), args.Error(1)
}

type mockScanner struct {
	mock.Mock
}

func (m *mockScanner) Scan(ctx context.Context, image string) (model.SeverityCounts, error) {
	args := m.Called(ctx, image)
	return args.Get(0).(model.SeverityCounts), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InitSchema(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) UpsertRepoMetadata(ctx context.Context, repos []model.RepoConfig) error {
	return m.Called(ctx, repos).Error(0)
}

func (m *mockStore) LatestCoverageTimestamp(
	ctx context.Context, org, repo string, branches []string,
) (time.Time, error) {
	args := m.Called(ctx, org, repo, branches)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *mockStore) InsertCoverage(ctx context.Context, data model.CoverageData) (int64, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) InsertTestStatus(ctx context.Context, data model.TestStatusData) error {
	return m.Called(ctx, data).Error(0)
}

func (m *mockStore) InsertDependabotSnapshot(ctx context.Context, snap model.DependabotSnapshot, ts time.Time) error {
	return m.Called(ctx, snap, ts).Error(0)
}

func (m *mockStore) InsertDependabotAlerts(ctx context.Context, snap model.DependabotAlertsSnapshot, ts time.Time) error {
	return m.Called(ctx, snap, ts).Error(0)
}

func (m *mockStore) InsertCodeScanningAlerts(ctx context.Context, snap model.CodeScanningSnapshot, ts time.Time) error {
	return m.Called(ctx, snap, ts).Error(0)
}

func (m *mockStore) InsertVulnerabilitySnapshot(ctx context.Context, snap model.VulnerabilitySnapshot, ts time.Time) error {
	return m.Called(ctx, snap, ts).Error(0)
}

func (m *mockStore) InsertTrivyScan(ctx context.Context, snap model.TrivySnapshot, ts time.Time) error {
	return m.Called(ctx, snap, ts).Error(0)
}

type testMocks struct {
	github   *mockGitHub
	coverage *mockCoverage
	scanner  *mockScanner
	store    *mockStore
}

func newTestPipeline(repos []model.RepoConfig, forceFullSync bool) (*Pipeline, *testMocks) {
	m := &testMocks{
		github:   &mockGitHub{},
		coverage: &mockCoverage{},
		scanner:  &mockScanner{},
		store:    &mockStore{},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewPipeline(m.github, m.coverage, m.scanner, m.store, repos, forceFullSync, logger), m
}

// serveRuns makes a mocked ListWorkflowRuns feed canned runs to the visitor,
// honoring early stop like the real client does.
func serveRuns(runs ...model.WorkflowRun) func(mock.Arguments) {
	return func(args mock.Arguments) {
		visit := args.Get(4).(func(model.WorkflowRun) bool)
		for _, run := range runs {
			if !visit(run) {
				return
			}
		}
	}
}

func testRepo() model.RepoConfig {
	return model.RepoConfig{
		Org:        "kbase",
		Repo:       "auth2",
		Type:       "core",
		MainBranch: "main",
		DevBranch:  "develop",
		Workflows:  model.DefaultWorkflowFilter(),
	}
}

func TestDependencyCount(t *testing.T) {
	tests := []struct {
		title string
		want  int
	}{
		{"Bump pytest from 7.0.0 to 7.1.0", 1},
		{"Bump the npm-dependencies group with 3 updates", 3},
		{"Bump the pip group across 1 directory with 2 updates", 2},
		{"Bump the maven group With 1 update", 1},
		{"Add retry logic to the client", 1},
	}
	for _, tc := range tests {
		t.Run(tc.title, func(t *testing.T) {
			assert.Equal(t, tc.want, dependencyCount(tc.title))
		})
	}
}

func TestProcessRepos_NoReposConfigured(t *testing.T) {
	p, _ := newTestPipeline(nil, false)

	err := p.ProcessRepos(context.Background())

	var cfgErr *serrors.ErrConfiguration
	require.ErrorAs(t, err, &cfgErr)
}

func TestProcessRepos_FullPass(t *testing.T) {
	repo := testRepo()
	p, m := newTestPipeline([]model.RepoConfig{repo}, false)

	watermark := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	covData := model.CoverageData{
		Org: "kbase", Repo: "auth2",
		Coverage: map[string][]model.CommitCoverage{
			"main": {{CommitID: "abc", Timestamp: watermark.Add(time.Hour), Coverage: 81.5}},
		},
	}

	m.store.On("InitSchema", mock.Anything).Return(nil)
	m.store.On("UpsertRepoMetadata", mock.Anything, []model.RepoConfig{repo}).Return(nil)
	m.store.On("LatestCoverageTimestamp", mock.Anything, "kbase", "auth2", []string{"main", "develop"}).
		Return(watermark, nil)
	m.coverage.On("CoverageHistory", mock.Anything, "kbase", "auth2", []string{"main", "develop"}, watermark).
		Return(covData, nil)
	m.store.On("InsertCoverage", mock.Anything, covData).Return(int64(1), nil)

	runTime := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	m.github.On("ListWorkflowRuns", mock.Anything, "kbase", "auth2", "main", mock.Anything).
		Run(serveRuns(model.WorkflowRun{
			Path: ".github/workflows/run_tests.yml", Conclusion: "success", UpdatedAt: runTime,
		})).Return(nil)
	m.github.On("ListWorkflowRuns", mock.Anything, "kbase", "auth2", "develop", mock.Anything).
		Run(serveRuns(model.WorkflowRun{
			Path: ".github/workflows/run_tests.yml", Conclusion: "failure", UpdatedAt: runTime,
		})).Return(nil)
	m.store.On("InsertTestStatus", mock.Anything, mock.Anything).Return(nil)

	m.github.On("ListOpenPullRequests", mock.Anything, "kbase", "auth2").Return([]model.PullRequest{
		{Author: "dependabot[bot]", Title: "Bump pytest from 7.0.0 to 7.1.0"},
		{Author: "dependabot[bot]", Title: "Bump the npm-dependencies group with 3 updates"},
		{Author: "somedev", Title: "Add feature"},
	}, nil)
	m.store.On("InsertDependabotSnapshot", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	m.github.On("CountDependabotAlerts", mock.Anything, "kbase", "auth2").
		Return(model.SeverityCounts{Critical: 1, High: 2}, nil)
	m.github.On("CountCodeScanningAlerts", mock.Anything, "kbase", "auth2", "main").
		Return(model.SeverityCounts{Medium: 3}, nil)
	m.github.On("CountCodeScanningAlerts", mock.Anything, "kbase", "auth2", "develop").
		Return(model.SeverityCounts{Low: 5}, nil)
	m.store.On("InsertDependabotAlerts", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m.store.On("InsertCodeScanningAlerts", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m.store.On("InsertVulnerabilitySnapshot", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	image := &model.ContainerImage{
		Name: "ghcr.io/kbase/auth2:sha-abc123", Tags: []string{"latest", "sha-abc123"},
	}
	m.github.On("LatestContainerImage", mock.Anything, "kbase", "auth2", "main").Return(image, nil)
	m.github.On("LatestContainerImage", mock.Anything, "kbase", "auth2", "develop").Return(nil, nil)
	m.scanner.On("Scan", mock.Anything, "ghcr.io/kbase/auth2:sha-abc123").
		Return(model.SeverityCounts{High: 1}, nil)
	m.store.On("InsertTrivyScan", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := p.ProcessRepos(context.Background())

	require.NoError(t, err)
	m.github.AssertExpectations(t)
	m.coverage.AssertExpectations(t)
	m.scanner.AssertExpectations(t)
	m.store.AssertExpectations(t)

	// Test status carries both branches with the AND of the conclusions.
	tsCall := m.store.Calls[findCall(t, m.store, "InsertTestStatus")]
	tsData := tsCall.Arguments.Get(1).(model.TestStatusData)
	require.Len(t, tsData.Snapshots, 2)
	assert.True(t, tsData.Snapshots["main"].Success)
	assert.Equal(t, []string{".github/workflows/run_tests.yml"}, tsData.Snapshots["main"].WorkflowPaths)
	assert.False(t, tsData.Snapshots["develop"].Success)

	// Grouped and single PRs are classified from the title.
	depSnap := snapshotArg[model.DependabotSnapshot](t, m.store, "InsertDependabotSnapshot")
	assert.Equal(t, model.DependabotSnapshot{
		Org: "kbase", Repo: "auth2",
		TotalPRs: 2, TotalDependencies: 4, GroupedPRs: 1, SinglePRs: 1,
	}, depSnap)

	// The combined vulnerability counts merge the repo-wide Dependabot
	// alerts with the main branch's Code Scanning alerts only.
	vulnSnap := snapshotArg[model.VulnerabilitySnapshot](t, m.store, "InsertVulnerabilitySnapshot")
	assert.Equal(t, model.SeverityCounts{Critical: 1, High: 2, Medium: 3}, vulnSnap.Counts)

	trivySnap := snapshotArg[model.TrivySnapshot](t, m.store, "InsertTrivyScan")
	assert.Equal(t, "main", trivySnap.Branch)
	assert.Equal(t, []string{"latest", "sha-abc123"}, trivySnap.ImageTags)
	assert.Equal(t, model.SeverityCounts{High: 1}, trivySnap.Counts)

	// All snapshots of the repo share one timestamp.
	var stamps []time.Time
	for _, call := range m.store.Calls {
		switch call.Method {
		case "InsertDependabotSnapshot", "InsertDependabotAlerts",
			"InsertCodeScanningAlerts", "InsertVulnerabilitySnapshot", "InsertTrivyScan":
			stamps = append(stamps, call.Arguments.Get(2).(time.Time))
		}
	}
	require.NotEmpty(t, stamps)
	for _, ts := range stamps[1:] {
		assert.Equal(t, stamps[0], ts)
	}
}

func findCall(t *testing.T, m *mockStore, method string) int {
	t.Helper()
	for i, call := range m.Calls {
		if call.Method == method {
			return i
		}
	}
	t.Fatalf("no call to %s recorded", method)
	return -1
}

func snapshotArg[T any](t *testing.T, m *mockStore, method string) T {
	t.Helper()
	return m.Calls[findCall(t, m, method)].Arguments.Get(1).(T)
}

func TestSyncCoverage_ForceFullSync(t *testing.T) {
	repo := testRepo()
	p, m := newTestPipeline([]model.RepoConfig{repo}, true)

	empty := model.CoverageData{Org: "kbase", Repo: "auth2"}
	m.coverage.On("CoverageHistory", mock.Anything, "kbase", "auth2",
		[]string{"main", "develop"}, time.Time{}).Return(empty, nil)
	m.store.On("InsertCoverage", mock.Anything, empty).Return(int64(0), nil)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	err := p.syncCoverage(context.Background(), repo, logger)

	require.NoError(t, err)
	// The stored watermark is never consulted on a forced full sync.
	m.store.AssertNotCalled(t, "LatestCoverageTimestamp",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.coverage.AssertExpectations(t)
}

func TestProcessRepos_AbortsOnFirstFailure(t *testing.T) {
	first := testRepo()
	second := testRepo()
	second.Repo = "workspace"
	p, m := newTestPipeline([]model.RepoConfig{first, second}, false)

	srcErr := &serrors.ErrSourceUnavailable{Source: "codecov", Op: "list commits"}
	m.store.On("InitSchema", mock.Anything).Return(nil)
	m.store.On("UpsertRepoMetadata", mock.Anything, mock.Anything).Return(nil)
	m.store.On("LatestCoverageTimestamp", mock.Anything, "kbase", "auth2", mock.Anything).
		Return(time.Time{}, nil)
	m.coverage.On("CoverageHistory", mock.Anything, "kbase", "auth2", mock.Anything, mock.Anything).
		Return(model.CoverageData{}, srcErr)

	err := p.ProcessRepos(context.Background())

	require.ErrorIs(t, err, srcErr)
	// The second repository is never reached.
	m.store.AssertNumberOfCalls(t, "LatestCoverageTimestamp", 1)
	m.store.AssertNotCalled(t, "InsertCoverage", mock.Anything, mock.Anything)
}

func TestBranchTestStatus_ExactNames(t *testing.T) {
	repo := testRepo()
	repo.Workflows = model.WorkflowFilter{Names: map[string]bool{
		".github/workflows/unit.yml": true,
		".github/workflows/e2e.yml":  true,
	}}
	p, m := newTestPipeline([]model.RepoConfig{repo}, false)

	newest := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	visited := 0
	m.github.On("ListWorkflowRuns", mock.Anything, "kbase", "auth2", "main", mock.Anything).
		Run(func(args mock.Arguments) {
			visit := args.Get(4).(func(model.WorkflowRun) bool)
			runs := []model.WorkflowRun{
				{Path: ".github/workflows/e2e.yml", Conclusion: "failure", UpdatedAt: newest},
				{Path: ".github/workflows/release.yml", Conclusion: "success", UpdatedAt: newest.Add(-time.Hour)},
				{Path: ".github/workflows/e2e.yml", Conclusion: "success", UpdatedAt: newest.Add(-2 * time.Hour)},
				{Path: ".github/workflows/unit.yml", Conclusion: "success", UpdatedAt: newest.Add(-3 * time.Hour)},
				{Path: ".github/workflows/unit.yml", Conclusion: "failure", UpdatedAt: newest.Add(-4 * time.Hour)},
			}
			for _, run := range runs {
				visited++
				if !visit(run) {
					return
				}
			}
		}).Return(nil)

	snap, found, err := p.branchTestStatus(context.Background(), repo, "main")

	require.NoError(t, err)
	require.True(t, found)
	// Scanning stops once every named workflow has been seen; only the
	// newest run of each name counts.
	assert.Equal(t, 4, visited)
	assert.False(t, snap.Success)
	assert.Equal(t, newest, snap.Timestamp)
	assert.Equal(t,
		[]string{".github/workflows/e2e.yml", ".github/workflows/unit.yml"},
		snap.WorkflowPaths)
}

func TestBranchTestStatus_PatternStopsAtFirstMatch(t *testing.T) {
	repo := testRepo()
	p, m := newTestPipeline([]model.RepoConfig{repo}, false)

	visited := 0
	m.github.On("ListWorkflowRuns", mock.Anything, "kbase", "auth2", "main", mock.Anything).
		Run(func(args mock.Arguments) {
			visit := args.Get(4).(func(model.WorkflowRun) bool)
			runs := []model.WorkflowRun{
				{Path: ".github/workflows/release.yml", Conclusion: "success"},
				{Path: ".github/workflows/Run_Tests.yml", Conclusion: "success"},
				{Path: ".github/workflows/integration_tests.yml", Conclusion: "failure"},
			}
			for _, run := range runs {
				visited++
				if !visit(run) {
					return
				}
			}
		}).Return(nil)

	snap, found, err := p.branchTestStatus(context.Background(), repo, "main")

	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, visited)
	assert.True(t, snap.Success)
	assert.Equal(t, []string{".github/workflows/Run_Tests.yml"}, snap.WorkflowPaths)
}

func TestBranchTestStatus_NoMatches(t *testing.T) {
	repo := testRepo()
	p, m := newTestPipeline([]model.RepoConfig{repo}, false)

	m.github.On("ListWorkflowRuns", mock.Anything, "kbase", "auth2", "main", mock.Anything).
		Run(serveRuns(model.WorkflowRun{Path: ".github/workflows/release.yml", Conclusion: "success"})).
		Return(nil)

	_, found, err := p.branchTestStatus(context.Background(), repo, "main")

	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshotTrivy_UnknownSeverityAborts(t *testing.T) {
	repo := testRepo()
	repo.DevBranch = "main" // single tracked branch
	p, m := newTestPipeline([]model.RepoConfig{repo}, false)

	image := &model.ContainerImage{Name: "ghcr.io/kbase/auth2:sha-abc123"}
	m.github.On("LatestContainerImage", mock.Anything, "kbase", "auth2", "main").Return(image, nil)
	scanErr := &serrors.ErrUnknownSeverity{Severity: "bogus"}
	m.scanner.On("Scan", mock.Anything, image.Name).Return(model.SeverityCounts{}, scanErr)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	err := p.snapshotTrivy(context.Background(), repo, time.Now().UTC(), logger)

	require.ErrorIs(t, err, scanErr)
	m.store.AssertNotCalled(t, "InsertTrivyScan", mock.Anything, mock.Anything, mock.Anything)
}
