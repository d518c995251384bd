package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/engine/extract"
	"github.com/anatolykoptev/go_vidbot/internal/engine/resolve"
)

func newSearchCmd() *cobra.Command {
	var (
		asJSON     bool
		resolveIdx int
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run one search against the site and print the extracted results",
		Long: `Run one search against the configured site and print what the
extractor finds. Useful for checking selectors after the markup changes.

Examples:
  go_vidbot search "cats"
  go_vidbot search "cats" --json
  go_vidbot search "cats" --resolve 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			profile, err := cfg.siteProfile()
			if err != nil {
				return err
			}
			fetcher, err := cfg.textFetcher()
			if err != nil {
				return err
			}
			searcher := extract.NewSearcher(fetcher, extract.New(profile), nil, profile)

			query := strings.Join(args, " ")
			results, err := searcher.Search(cmd.Context(), query)
			if err != nil {
				return err
			}

			if resolveIdx > 0 {
				if resolveIdx > len(results) {
					return fmt.Errorf("item %d of %d: %w", resolveIdx, len(results), engine.ErrOutOfRange)
				}
				r, err := resolve.New(fetcher, profile)
				if err != nil {
					return err
				}
				media, err := r.Resolve(cmd.Context(), results[resolveIdx-1].DetailURL)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t(%s)\n", media.DirectURL, media.Strategy)
				return nil
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			if len(results) == 0 {
				fmt.Fprintf(os.Stderr, "No results for %q\n", query)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tTITLE\tUSER\tDETAIL")
			for i, r := range results {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, engine.CleanTitle(r.Title, 45), r.Username, r.DetailURL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().IntVar(&resolveIdx, "resolve", 0, "resolve the media URL of item N (1-based) instead of listing")
	return cmd
}
