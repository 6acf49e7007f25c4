package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/cdx"
)

func newSnapshotsCmd() *cobra.Command {
	var (
		asJSON   bool
		from, to string
		limit    int
		collapse string
	)
	cmd := &cobra.Command{
		Use:   "snapshots <url>",
		Short: "List captures of one URL, at most one per day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			records, err := appInstance.Index().FetchSnapshots(cmd.Context(), cdx.Query{
				URL:      args[0],
				From:     from,
				To:       to,
				Limit:    limit,
				Collapse: collapse,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintf(out, "No snapshots found for %s\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CAPTURED\tMIME\tSIZE\tREPLAY")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					formatTimestamp(r.Timestamp),
					r.MIMEType,
					humanize.IBytes(uint64(max(r.Length, 0))),
					archive.ReplayURL(appInstance.Config().Archive.Host, r.URL, r.Timestamp),
				)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write table: %w", err)
			}
			fmt.Fprintf(out, "%s snapshots\n", humanize.Comma(int64(len(records))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().StringVar(&from, "from", "", "earliest capture (timestamp prefix, e.g. 2019)")
	cmd.Flags().StringVar(&to, "to", "", "latest capture (timestamp prefix)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max records (0 = no limit)")
	cmd.Flags().StringVar(&collapse, "collapse", "", "CDX collapse field (default timestamp:8)")
	return cmd
}
