// Package report summarizes a download run as a JSON document.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
)

// FileName is the object key the report is saved under.
const FileName = "download-report.json"

// TaskEntry is one task as it appears in the report.
type TaskEntry struct {
	URL        string `json:"url"`
	Timestamp  string `json:"timestamp"`
	Status     string `json:"status"`
	OutputPath string `json:"output_path"`
	Error      string `json:"error,omitempty"`
	Bytes      int64  `json:"bytes"`
	SHA256     string `json:"sha256,omitempty"`
	Attempts   int    `json:"attempts"`
}

// Report is the persisted summary of a run.
type Report struct {
	RunID                 uuid.UUID   `json:"run_id"`
	Domain                string      `json:"domain"`
	DownloadDate          time.Time   `json:"download_date"`
	TotalFiles            int         `json:"total_files"`
	Completed             int         `json:"completed"`
	Failed                int         `json:"failed"`
	BytesDownloaded       int64       `json:"bytes_downloaded"`
	ElapsedSeconds        float64     `json:"elapsed_seconds"`
	ThroughputBytesPerSec float64     `json:"throughput_bytes_per_sec"`
	Tasks                 []TaskEntry `json:"tasks"`
}

// Build assembles a report from a settled task list.
func Build(runID uuid.UUID, domain string, at time.Time, p archive.Progress, tasks []archive.DownloadTask) Report {
	entries := make([]TaskEntry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, TaskEntry{
			URL:        t.SourceURL,
			Timestamp:  t.Timestamp,
			Status:     string(t.State),
			OutputPath: t.LocalPath,
			Error:      t.LastError,
			Bytes:      t.BytesWritten,
			SHA256:     t.SHA256,
			Attempts:   t.Attempts,
		})
	}
	return Report{
		RunID:                 runID,
		Domain:                domain,
		DownloadDate:          at.UTC(),
		TotalFiles:            p.Total,
		Completed:             p.Completed,
		Failed:                p.Failed,
		BytesDownloaded:       p.Bytes,
		ElapsedSeconds:        p.Elapsed.Seconds(),
		ThroughputBytesPerSec: p.Throughput,
		Tasks:                 entries,
	}
}

// Merge overlays the outcome of a retry pass onto the original task list,
// matching tasks by URL and timestamp.
func Merge(first, retry []archive.DownloadTask) []archive.DownloadTask {
	type key struct{ url, ts string }
	latest := make(map[key]archive.DownloadTask, len(retry))
	for _, t := range retry {
		latest[key{t.SourceURL, t.Timestamp}] = t
	}
	out := make([]archive.DownloadTask, len(first))
	for i, t := range first {
		if r, ok := latest[key{t.SourceURL, t.Timestamp}]; ok {
			r.Attempts += t.Attempts
			t = r
		}
		out[i] = t
	}
	return out
}

// Summarize recomputes counters from tasks. Elapsed is the caller's wall time
// across all passes.
func Summarize(tasks []archive.DownloadTask, elapsed time.Duration) archive.Progress {
	p := archive.Progress{Total: len(tasks), Elapsed: elapsed}
	for _, t := range tasks {
		switch t.State {
		case archive.TaskCompleted:
			p.Completed++
			p.Bytes += t.BytesWritten
		case archive.TaskFailed:
			p.Failed++
		}
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.Throughput = float64(p.Bytes) / secs
	}
	return p
}

// Save writes the report as indented JSON through store.
func (r Report) Save(ctx context.Context, store archive.BlobStore) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	uri, err := store.PutObject(ctx, FileName, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return uri, nil
}
