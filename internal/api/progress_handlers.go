package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
)

const (
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
)

// ProgressHandler exposes read-only run progress endpoints.
type ProgressHandler struct {
	source func() Source
}

// NewProgressHandler reads from whatever source returns at request time.
func NewProgressHandler(source func() Source) *ProgressHandler {
	return &ProgressHandler{source: source}
}

// GetProgress handles GET /v1/progress. It returns 503 until a run is attached.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, _ *http.Request) {
	src := h.source()
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	p := src.Progress()
	writeJSON(w, http.StatusOK, progressDTO{
		RunID:                 src.RunID().String(),
		Total:                 p.Total,
		Completed:             p.Completed,
		Failed:                p.Failed,
		Pending:               p.Total - p.Settled(),
		BytesDownloaded:       p.Bytes,
		ElapsedSeconds:        p.Elapsed.Seconds(),
		ThroughputBytesPerSec: p.Throughput,
		Percent:               percent(p),
	})
}

// ListTasks handles GET /v1/tasks?status=&limit=&offset=. It returns
// {"total": n, "tasks": [...]} with total counted after filtering.
func (h *ProgressHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	src := h.source()
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks := src.Tasks()
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		state, parseErr := parseState(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		tasks = lo.Filter(tasks, func(t archive.DownloadTask, _ int) bool { return t.State == state })
	}
	total := len(tasks)
	page := lo.Subset(tasks, offset, uint(limit))
	writeJSON(w, http.StatusOK, map[string]any{
		"total": total,
		"tasks": page,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseState(input string) (archive.TaskState, error) {
	switch strings.ToLower(input) {
	case "pending":
		return archive.TaskPending, nil
	case "in_flight", "running":
		return archive.TaskInFlight, nil
	case "completed", "success":
		return archive.TaskCompleted, nil
	case "failed", "error":
		return archive.TaskFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func percent(p archive.Progress) float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Settled()) * 100 / float64(p.Total)
}

type progressDTO struct {
	RunID                 string  `json:"run_id"`
	Total                 int     `json:"total"`
	Completed             int     `json:"completed"`
	Failed                int     `json:"failed"`
	Pending               int     `json:"pending"`
	BytesDownloaded       int64   `json:"bytes_downloaded"`
	ElapsedSeconds        float64 `json:"elapsed_seconds"`
	ThroughputBytesPerSec float64 `json:"throughput_bytes_per_sec"`
	Percent               float64 `json:"percent"`
}
