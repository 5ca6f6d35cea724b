package scheduler

import (
	"fmt"
	"time"
)

// PublicationJobKey names the single delivery job of a publication.
func PublicationJobKey(publicationID string) string {
	return "publication_" + publicationID
}

// MetricsJobKey names the metrics refresh of a publication at the given offset,
// e.g. metrics_<id>_30m.
func MetricsJobKey(publicationID string, offset time.Duration) string {
	label := offset.String()
	if offset%time.Minute == 0 {
		label = fmt.Sprintf("%dm", int64(offset/time.Minute))
	}
	return fmt.Sprintf("metrics_%s_%s", publicationID, label)
}

// Keys of the recurring maintenance jobs. The sweep_ prefix keeps them apart
// from per-publication keys.
const (
	CatchUpJobKey      = "sweep_catchup"
	MetricsSweepJobKey = "sweep_metrics"
	CleanupJobKey      = "sweep_cleanup"
)
