// Package notify announces finished runs to downstream consumers.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/report"
)

// RunCompleted is the payload published when a download run finishes.
type RunCompleted struct {
	RunID           uuid.UUID `json:"run_id"`
	Domain          string    `json:"domain"`
	TotalFiles      int       `json:"total_files"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	ReportURI       string    `json:"report_uri,omitempty"`
}

// FromReport derives the event from a finished report.
func FromReport(r report.Report, reportURI string) RunCompleted {
	return RunCompleted{
		RunID:           r.RunID,
		Domain:          r.Domain,
		TotalFiles:      r.TotalFiles,
		Completed:       r.Completed,
		Failed:          r.Failed,
		BytesDownloaded: r.BytesDownloaded,
		ReportURI:       reportURI,
	}
}

// Announce publishes evt to topic and returns the message ID.
func Announce(ctx context.Context, pub archive.Publisher, topic string, evt RunCompleted) (string, error) {
	id, err := pub.Publish(ctx, topic, evt)
	if err != nil {
		return "", fmt.Errorf("announce run %s: %w", evt.RunID, err)
	}
	return id, nil
}
