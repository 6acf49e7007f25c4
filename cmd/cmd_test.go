package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/app"
	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/config"
	"github.com/JakeFAU/wayback-retriever/internal/report"
)

const capture = "20210101000000"

func cdxServer(t *testing.T) *httptest.Server {
	t.Helper()
	header := []string{"urlkey", "timestamp", "original", "mimetype", "statuscode", "digest", "length"}
	write := func(w http.ResponseWriter, rows ...[]string) {
		data, err := json.Marshal(append([][]string{header}, rows...))
		require.NoError(t, err)
		_, _ = w.Write(data)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/web/"+capture+"id_/") {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>ok</html>"))
			return
		}
		q := r.URL.Query()
		if q.Get("showNumPages") == "true" {
			_, _ = w.Write([]byte("1"))
			return
		}
		switch q.Get("url") {
		case "example.com", "https://example.com/":
			write(w,
				[]string{"com,example)/", "20190101120000", "https://example.com/", "text/html", "200", "a", "2048"},
				[]string{"com,example)/", capture, "https://example.com/", "text/html", "200", "b", "4096"},
			)
		case "example.com/*":
			write(w,
				[]string{"com,example)/", capture, "https://example.com/", "text/html", "200", "b", "4096"},
				[]string{"com,example)/about", capture, "https://example.com/about", "text/html", "200", "c", "100"},
				[]string{"com,example)/logo.png", capture, "https://example.com/logo.png", "image/png", "200", "d", "500"},
			)
		default:
			_, _ = w.Write([]byte("[]"))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// run executes the root command against the fake archive with an isolated
// metrics registry.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	server := cdxServer(t)
	t.Setenv("WAYBACK_ARCHIVE_CDX_ENDPOINT", server.URL+"/cdx")
	t.Setenv("WAYBACK_ARCHIVE_HOST", server.URL)
	t.Setenv("WAYBACK_DOWNLOAD_BACKOFF_BASE", "1ms")

	factory := func(ctx context.Context, cfg config.Config, _ *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
	}
	root := newRootCmd(factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--dev=false"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd(func(context.Context, config.Config, *zap.Logger) (*app.App, error) {
		t.Fatal("version must not build application services")
		return nil, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "wayback "+Version)
}

func TestSnapshotsCmd(t *testing.T) {
	out, err := run(t, "snapshots", "example.com")
	require.NoError(t, err)

	assert.Contains(t, out, "2021-01-01 00:00:00")
	assert.Contains(t, out, "2019-01-01 12:00:00")
	assert.Contains(t, out, "4.0 KiB")
	assert.Contains(t, out, "/web/"+capture+"/https://example.com/")
	assert.Contains(t, out, "2 snapshots")
}

func TestSnapshotsCmdJSON(t *testing.T) {
	out, err := run(t, "snapshots", "example.com", "--json")
	require.NoError(t, err)

	var records []archive.SnapshotRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, capture, records[1].Timestamp)
}

func TestSnapshotsCmdEmpty(t *testing.T) {
	out, err := run(t, "snapshots", "nothing.example")
	require.NoError(t, err)
	assert.Contains(t, out, "No snapshots found for nothing.example")
}

func TestDiscoverCmd(t *testing.T) {
	out, err := run(t, "discover", "example.com")
	require.NoError(t, err)

	assert.Contains(t, out, "Found 3 unique URLs (3 captures seen)")
	assert.Contains(t, out, "text/html")
	assert.Contains(t, out, "image/png")
	assert.Contains(t, out, "Estimated size: 4.6 KiB")
}

func TestDiscoverCmdTypes(t *testing.T) {
	out, err := run(t, "discover", "example.com", "--types", "image", "--json")
	require.NoError(t, err)

	var records []archive.SnapshotRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "https://example.com/logo.png", records[0].URL)
}

func TestDownloadCmd(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "download", "example.com", "-o", dir, "--types", "html")
	require.NoError(t, err)

	assert.Contains(t, out, "Snapshot 2021-01-01 00:00:00 of example.com")
	assert.Contains(t, out, "Selected 2 files")
	assert.Contains(t, out, "Downloaded 2/2 files")

	data, err := os.ReadFile(filepath.Join(dir, "example.com", "about", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(data))

	raw, err := os.ReadFile(filepath.Join(dir, report.FileName))
	require.NoError(t, err)
	var rep report.Report
	require.NoError(t, json.Unmarshal(raw, &rep))
	assert.Equal(t, 2, rep.Completed)
	assert.Equal(t, "example.com", rep.Domain)
}

func TestDownloadCmdDryRun(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "download", "example.com", "-o", dir, "--dry-run")
	require.NoError(t, err)

	assert.Contains(t, out, "Selected 3 files")
	assert.Contains(t, out, "Dry run: nothing downloaded.")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadCmdNothingSelected(t *testing.T) {
	out, err := run(t, "download", "example.com", "-o", t.TempDir(), "--types", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "no files match the selected content types")
}

func TestDownloadCmdBadTypes(t *testing.T) {
	_, err := run(t, "download", "example.com", "--types", "video")
	require.ErrorContains(t, err, `unknown content type "video"`)
}

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "2021-03-04 05:06:07", formatTimestamp("20210304050607"))
	assert.Equal(t, "2021", formatTimestamp("2021"))
}

func TestRenderProgress(t *testing.T) {
	t.Parallel()
	line := renderProgress("download", archive.Progress{Total: 4, Completed: 1, Failed: 1, Bytes: 2048})
	assert.Contains(t, line, "2/4")
	assert.Contains(t, line, "2.0 KiB")
	assert.Contains(t, line, "[1 failed]")
}
