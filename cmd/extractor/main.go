package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/spf13/cobra"
)

var (
	configPath string
	filterArgs []string
	fieldList  []string
	pageSize   int
	outputDir  string
	streamCSV  bool
)

var rootCmd = &cobra.Command{
	Use:   "extractor",
	Short: "Extract cursor-paginated social graph collections",
	Long: `extractor walks paginated collections (post comments, group members,
group posts, page conversation recipients and HTML listings), deduplicates
the items and writes them to CSV and the configured stores.

Send SIGUSR1 to pause or resume every running session, SIGINT to cancel.`,
	SilenceUsage: true,
}

func newKindCmd(kind domain.SourceKind, use, short, example string) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Example: example,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(filterArgs)
			if err != nil {
				return err
			}
			return runExtraction(cmd.Context(), kind, args, filters)
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./config/extractor.yaml or ./extractor.yaml)")

	kindCmds := []*cobra.Command{
		newKindCmd(domain.KindComments, "comments <post-id>...", "Extract comments of one or more posts",
			"  extractor comments 123_456 --filter filter=toplevel"),
		newKindCmd(domain.KindGroupMembers, "members <group-id>...", "Extract members of one or more groups",
			"  extractor members 1234567890"),
		newKindCmd(domain.KindGroupPosts, "posts <group-id>...", "Extract posts of one or more groups",
			"  extractor posts 1234567890 --page-size 25"),
		newKindCmd(domain.KindPageRecipients, "recipients <page-id>...", "Extract people who messaged one or more pages",
			"  extractor recipients 1122334455"),
		newKindCmd(domain.KindListing, "listing <url>...", "Extract items of paginated HTML lists",
			`  extractor listing https://example.com/forum --filter item=li.topic --filter next=a.next \
      --filter field.author=.byline --filter field.date=time@datetime`),
	}
	for _, c := range kindCmds {
		c.Flags().StringArrayVar(&filterArgs, "filter", nil, "Extra query parameter or selector as key=value (repeatable)")
		c.Flags().StringSliceVar(&fieldList, "fields", nil, "Fields to request, overrides the defaults for the kind")
		c.Flags().IntVar(&pageSize, "page-size", 0, "Items per page (default graph.page_size)")
		c.Flags().StringVar(&outputDir, "out", "", "CSV export directory (default export.dir)")
		c.Flags().BoolVar(&streamCSV, "stream", false, "Append each page to the CSV as it arrives instead of exporting at the end")
		rootCmd.AddCommand(c)
	}

	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(queueCmd)
}

func parseFilters(args []string) (map[string]string, error) {
	filters := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.WithHintf(errors.Newf("invalid filter %q", a), "use key=value")
		}
		filters[strings.TrimSpace(k)] = v
	}
	return filters, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
