// Package trivy invokes the Trivy CLI to scan container images.
package trivy

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/severity"
)

// Scanner runs Trivy image scans as an external process.
type Scanner struct {
	// bin is the trivy executable; overridable for tests.
	bin string
	// registryToken authenticates Trivy to the container registry when set.
	registryToken string
	logger        *slog.Logger
}

// NewScanner creates a Scanner. registryToken may be empty for public images.
func NewScanner(registryToken string, logger *slog.Logger) *Scanner {
	return &Scanner{
		bin:           "trivy",
		registryToken: registryToken,
		logger:        logger,
	}
}

type scanReport struct {
	Results []struct {
		Vulnerabilities []struct {
			Severity string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// Scan runs Trivy against an image reference and returns vulnerability
// counts by severity. A non-zero exit is surfaced as ErrScanTool.
func (s *Scanner) Scan(ctx context.Context, image string) (model.SeverityCounts, error) {
	s.logger.Info("Running Trivy scan", "image", image)

	cmd := exec.CommandContext(ctx, s.bin, "image",
		"--format", "json",
		"--quiet",
		"--severity", "CRITICAL,HIGH,MEDIUM,LOW",
		image,
	)
	cmd.Env = os.Environ()
	if s.registryToken != "" {
		cmd.Env = append(cmd.Env, "TRIVY_USERNAME=token", "TRIVY_PASSWORD="+s.registryToken)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return model.SeverityCounts{}, &serrors.ErrScanTool{
			Image:  image,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}

	counts, err := parseReport(stdout.Bytes())
	if err != nil {
		return model.SeverityCounts{}, &serrors.ErrScanTool{Image: image, Err: err}
	}

	s.logger.Info("Trivy scan complete", "image", image,
		"critical", counts.Critical, "high", counts.High,
		"medium", counts.Medium, "low", counts.Low)
	return counts, nil
}

func parseReport(out []byte) (model.SeverityCounts, error) {
	var report scanReport
	if err := json.Unmarshal(out, &report); err != nil {
		return model.SeverityCounts{}, err
	}

	var counts model.SeverityCounts
	for _, result := range report.Results {
		for _, vuln := range result.Vulnerabilities {
			lvl, err := severity.Normalize(vuln.Severity)
			if err != nil {
				return model.SeverityCounts{}, err
			}
			lvl.Apply(&counts)
		}
	}
	return counts, nil
}
