package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/app"
	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/filter"
	"github.com/JakeFAU/wayback-retriever/internal/scheduler"
)

// failureRows caps how many failed URLs the summary lists.
const failureRows = 10

func newDownloadCmd() *cobra.Command {
	var (
		timestamp string
		dryRun    bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "download <domain>",
		Short: "Download every selected asset of a domain at one capture time",
		Long: `download discovers every archived URL under a domain, keeps the content
types you ask for, and fetches each one as it was at a single timestamp
(the newest capture of the domain unless --timestamp is given). Files are
laid out by host and path under the output directory, failed downloads
can be retried in a second pass, and a JSON report is written at the end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			cats, err := filter.ParseCategories(cfg.Download.ContentTypes)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			line := newProgressLine(errOut)
			defer line.Stop()

			res, err := appInstance.Download(cmd.Context(), app.DownloadRequest{
				Domain:       args[0],
				Timestamp:    timestamp,
				ContentTypes: cats,
				DryRun:       dryRun,
				OnPlan: func(p app.Plan) {
					if !asJSON {
						printPlan(out, p)
					}
				},
				OnScheduler: func(s *scheduler.Scheduler, retryPass bool) {
					label := "download"
					if retryPass {
						label = "retry"
					}
					line.Watch(s, label)
				},
			})
			line.Stop()

			switch {
			case errors.Is(err, app.ErrNoSnapshots), errors.Is(err, app.ErrNoAssets), errors.Is(err, app.ErrNothingSelected):
				fmt.Fprintln(out, err.Error())
				return nil
			case dryRun && err == nil:
				if asJSON {
					return writeJSON(out, res.Plan.Selected)
				}
				fmt.Fprintln(out, "Dry run: nothing downloaded.")
				return nil
			}

			if asJSON {
				if jsonErr := writeJSON(out, res.Report); jsonErr != nil {
					return errors.Join(err, jsonErr)
				}
			} else if res.Report.TotalFiles > 0 {
				printSummary(out, res)
			}
			if err != nil {
				appInstance.Logger().Error("download finished with errors", zap.Error(err))
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&timestamp, "timestamp", "", "14-digit capture time to download (default newest)")
	flags.BoolVar(&dryRun, "dry-run", false, "plan only, download nothing")
	flags.BoolVar(&asJSON, "json", false, "print the report as JSON")
	flags.StringP("output", "o", "", "output directory (default wayback-downloads/<domain>)")
	annotate(flags, "output", "download.output_dir")
	flags.IntP("concurrency", "c", 0, "parallel downloads")
	annotate(flags, "concurrency", "download.concurrency")
	bindInt(flags, "retries", 0, "download.retry_attempts", "attempts per file")
	bindDuration(flags, "timeout", 0, "download.timeout", "per-request timeout")
	bindBool(flags, "retry-failed", false, "download.retry_failed", "retry failed files once more at the end")
	bindStringSlice(flags, "types", nil, "download.content_types", "content types: html,css,javascript,image,json,other")
	bindString(flags, "from", "", "discovery.from", "earliest capture considered (timestamp prefix)")
	bindString(flags, "to", "", "discovery.to", "latest capture considered (timestamp prefix)")
	bindInt(flags, "limit", 0, "discovery.limit", "max records per page query (0 = no limit)")
	bindString(flags, "storage", "", "storage.backend", "where files go: local or gcs")
	bindString(flags, "bucket", "", "storage.gcs_bucket", "GCS bucket for --storage gcs")
	return cmd
}

func printPlan(w io.Writer, p app.Plan) {
	fmt.Fprintf(w, "Snapshot %s of %s\n", formatTimestamp(p.Timestamp), p.Domain)
	fmt.Fprintf(w, "Found %s unique URLs (%s captures seen)\n",
		humanize.Comma(int64(p.Assets)), humanize.Comma(int64(p.TotalSeen)))
	printBreakdown(w, p.Breakdown, p.Assets)
	fmt.Fprintf(w, "Selected %s files, about %s\n",
		humanize.Comma(int64(len(p.Selected))), humanize.IBytes(uint64(max(p.EstimatedSize, 0))))
	fmt.Fprintf(w, "Output: %s\n", p.OutputRoot)
}

func printSummary(w io.Writer, res app.DownloadResult) {
	r := res.Report
	elapsed := time.Duration(r.ElapsedSeconds * float64(time.Second)).Round(time.Millisecond)
	fmt.Fprintf(w, "Downloaded %d/%d files (%s) in %s, %s/s\n",
		r.Completed, r.TotalFiles,
		humanize.IBytes(uint64(max(r.BytesDownloaded, 0))),
		elapsed,
		humanize.IBytes(uint64(max(r.ThroughputBytesPerSec, 0))),
	)
	if res.Retried > 0 {
		fmt.Fprintf(w, "Retried %d failed files\n", res.Retried)
	}
	if r.Failed > 0 {
		fmt.Fprintf(w, "%d files failed:\n", r.Failed)
		shown := 0
		for _, t := range r.Tasks {
			if t.Status != string(archive.TaskFailed) {
				continue
			}
			if shown == failureRows {
				fmt.Fprintf(w, "  ... and %d more\n", r.Failed-shown)
				break
			}
			fmt.Fprintf(w, "  %s: %s\n", t.URL, t.Error)
			shown++
		}
	}
	if res.ReportURI != "" {
		fmt.Fprintf(w, "Report: %s\n", res.ReportURI)
	}
}
