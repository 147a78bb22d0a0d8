// Package startup holds checks run once when the server boots.
package startup

import (
	"context"
	"log/slog"

	"github.com/mixaill76/keypool/internal/probe"
)

// Prober runs a probe over the whole pool.
type Prober interface {
	Run(ctx context.Context) (probe.Report, error)
}

// ProbeCredentialsAtStartup checks every pooled key against its upstream.
// Failures are reported to the pool by the prober and logged here, but
// startup continues. Returns the report, or false when the probe did not run.
func ProbeCredentialsAtStartup(ctx context.Context, prober Prober, log *slog.Logger) (probe.Report, bool) {
	log.Info("Checking credential validity at startup")

	report, err := prober.Run(ctx)
	if err != nil {
		log.Warn("Startup probe skipped", "error", err)
		return probe.Report{}, false
	}

	for _, res := range report.Results {
		if res.OK || res.Skipped {
			continue
		}
		log.Warn("Credential rejected at startup",
			"index", res.Index,
			"key", res.Key,
			"error", res.Error,
		)
	}

	log.Info("Credential check completed at startup",
		"provider", report.Provider,
		"checked", report.Checked,
		"passed", report.Passed,
		"failed", report.Failed,
		"duration", report.Duration,
	)

	// Every checked key failing usually means a network or upstream outage,
	// not a pool of bad keys.
	if report.Checked > 0 && report.Failed == report.Checked {
		log.Error("WARNING: All credentials failed the startup probe",
			"checked", report.Checked,
			"action_recommended", "Check upstream reachability before trusting the health records",
		)
	}
	return report, true
}
