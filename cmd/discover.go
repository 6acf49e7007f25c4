package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/wayback-retriever/internal/discovery"
	"github.com/JakeFAU/wayback-retriever/internal/filter"
)

func newDiscoverCmd() *cobra.Command {
	var (
		asJSON bool
		types  []string
	)
	cmd := &cobra.Command{
		Use:   "discover <domain>",
		Short: "List every archived URL under a domain with its newest capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			errOut := cmd.ErrOrStderr()
			interactive := isTerminal(errOut)

			result, err := appInstance.Discovery().DiscoverAll(cmd.Context(), args[0], discovery.Options{
				From:  cfg.Discovery.From,
				To:    cfg.Discovery.To,
				Limit: cfg.Discovery.Limit,
				OnPage: func(page, total int) {
					if interactive {
						fmt.Fprintf(errOut, "\rFetching index page %d/%d", page, total)
					}
				},
			})
			if interactive {
				fmt.Fprintln(errOut)
			}
			if err != nil {
				return err
			}

			records := result.Records
			if len(types) > 0 {
				cats, err := filter.ParseCategories(types)
				if err != nil {
					return err
				}
				records = filter.Apply(records, cats)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, records)
			}
			fmt.Fprintf(out, "Found %s unique URLs (%s captures seen)\n",
				humanize.Comma(int64(len(records))), humanize.Comma(int64(result.TotalSeen)))
			printBreakdown(out, filter.Breakdown(records), len(records))
			fmt.Fprintf(out, "Estimated size: %s\n", humanize.IBytes(uint64(max(filter.EstimatedSize(records), 0))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().StringSliceVar(&types, "types", nil, "only count these content types: html,css,javascript,image,json,other")
	bindString(cmd.Flags(), "from", "", "discovery.from", "earliest capture (timestamp prefix)")
	bindString(cmd.Flags(), "to", "", "discovery.to", "latest capture (timestamp prefix)")
	bindInt(cmd.Flags(), "limit", 0, "discovery.limit", "max records per page query (0 = no limit)")
	return cmd
}
