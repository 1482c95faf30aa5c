// Package codecov fetches coverage history from the Codecov REST API.
package codecov

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

const (
	defaultBaseURL = "https://api.codecov.io"
	pageSize       = 100
)

// Client fetches coverage history. Pagination follows the explicit next-page
// URL in each response body.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a Client pointed at the public Codecov API.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    defaultBaseURL,
		logger:     logger,
	}
}

type commitsPage struct {
	Count   int            `json:"count"`
	Next    *string        `json:"next"`
	Results []commitRecord `json:"results"`
}

type commitRecord struct {
	CommitID  string    `json:"commitid"`
	Timestamp time.Time `json:"timestamp"`
	CIPassed  bool      `json:"ci_passed"`
	State     string    `json:"state"`
	Branch    string    `json:"branch"`
	Totals    struct {
		Coverage float64 `json:"coverage"`
	} `json:"totals"`
}

// CoverageHistory returns the coverage history for a repo, keyed by branch.
// Only commits whose CI passed and which are fully processed are kept. If
// branches is non-empty, other branches are dropped. If since is non-zero,
// fetching stops at the first record at or before it; the source is assumed
// to return results in descending time order. Zero results is not an error.
func (c *Client) CoverageHistory(
	ctx context.Context, org, repo string, branches []string, since time.Time,
) (model.CoverageData, error) {
	data := model.CoverageData{Org: org, Repo: repo, Coverage: map[string][]model.CommitCoverage{}}

	branchSet := map[string]bool{}
	for _, b := range branches {
		branchSet[b] = true
	}

	nextURL := fmt.Sprintf(
		"%s/api/v2/github/%s/repos/%s/commits/?page_size=%d", c.baseURL, org, repo, pageSize,
	)
	page := 1
	for nextURL != "" {
		pg, err := c.fetchPage(ctx, nextURL)
		if err != nil {
			return model.CoverageData{}, err
		}
		totalPages := int(math.Ceil(float64(pg.Count) / pageSize))
		c.logger.Info("Fetched coverage page",
			"org", org, "repo", repo, "page", page, "pages", totalPages, "records", pg.Count)
		page++

		for _, r := range pg.Results {
			if !r.CIPassed || r.State != "complete" {
				continue
			}
			if len(branchSet) > 0 && !branchSet[r.Branch] {
				continue
			}
			if !since.IsZero() && !r.Timestamp.After(since) {
				c.logger.Info("Hit since limit, pulling no more records",
					"org", org, "repo", repo, "since", since)
				return data, nil
			}
			data.Coverage[r.Branch] = append(data.Coverage[r.Branch], model.CommitCoverage{
				CommitID:  r.CommitID,
				Timestamp: r.Timestamp,
				Coverage:  r.Totals.Coverage,
			})
		}

		nextURL = ""
		if pg.Next != nil {
			nextURL = *pg.Next
		}
	}
	return data, nil
}

func (c *Client) fetchPage(ctx context.Context, url string) (*commitsPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &serrors.ErrSourceUnavailable{Source: "codecov", Op: "list commits", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, &serrors.ErrSourceUnavailable{
			Source: "codecov",
			Op:     "list commits",
			Err:    fmt.Errorf("unexpected status %d: %s", res.StatusCode, body),
		}
	}

	var pg commitsPage
	if err := json.NewDecoder(res.Body).Decode(&pg); err != nil {
		return nil, &serrors.ErrSourceUnavailable{Source: "codecov", Op: "decode commits page", Err: err}
	}
	return &pg, nil
}
