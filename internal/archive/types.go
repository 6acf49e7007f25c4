// Package archive defines core types shared across the retrieval subsystems.
package archive

import (
	"net/http"
	"time"
)

// SnapshotRecord is one archived capture of one URL, as listed by the CDX index.
type SnapshotRecord struct {
	URL        string `json:"url"`
	Timestamp  string `json:"timestamp"`
	MIMEType   string `json:"mime_type"`
	StatusCode string `json:"status_code"`
	Digest     string `json:"digest"`
	Length     int64  `json:"length"`
}

// DiscoveryResult is the deduplicated output of a site-wide discovery.
type DiscoveryResult struct {
	Records   []SnapshotRecord `json:"records"`
	TotalSeen int              `json:"total_seen"`
}

// TimestampInfo describes one distinct capture time of an exact URL.
type TimestampInfo struct {
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	MIMEType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// TaskState represents the lifecycle state of a download task.
type TaskState string

// Task state values. Transitions only move forward.
const (
	TaskPending   TaskState = "pending"
	TaskInFlight  TaskState = "in_flight"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the state is a settled one.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskRequest is the caller-supplied description of one resource to fetch.
type TaskRequest struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
}

// DownloadTask is one unit of download work owned by a scheduler run.
type DownloadTask struct {
	SourceURL    string    `json:"url"`
	Timestamp    string    `json:"timestamp"`
	LocalPath    string    `json:"output_path"`
	State        TaskState `json:"status"`
	LastError    string    `json:"error,omitempty"`
	BytesWritten int64     `json:"bytes,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
	Attempts     int       `json:"attempts"`
}

// Request returns the task's input pair, used to seed a follow-up run.
func (t DownloadTask) Request() TaskRequest {
	return TaskRequest{URL: t.SourceURL, Timestamp: t.Timestamp}
}

// Progress is a point-in-time copy of a scheduler's counters.
type Progress struct {
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Bytes      int64         `json:"bytes_downloaded"`
	Elapsed    time.Duration `json:"elapsed"`
	Throughput float64       `json:"throughput_bytes_per_sec"`
}

// Settled returns the number of tasks that reached a terminal state.
func (p Progress) Settled() int {
	return p.Completed + p.Failed
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation. Any HTTP
// status is returned as a response; classification belongs to the caller.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports whether the response carries a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
