package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opendata-ee/ariregister/internal/graph"
	"github.com/opendata-ee/ariregister/internal/store"
)

var (
	analyzeBy    string
	analyzeQuery store.Query

	groupDirection string
	groupDepth     int
)

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeBy, "by", "status",
		"Grouping: location, status, legal-form, activity, founded-year, capital-range, employee-range, person-role, beneficiary-country")
	f.StringVarP(&analyzeQuery.Location, "location", "l", "", "Filter by county/city substring")
	f.StringVarP(&analyzeQuery.Status, "status", "s", "", "Filter by status substring")
	f.StringVar(&analyzeQuery.LegalForm, "legal-form", "", "Filter by exact legal form")
	f.StringVar(&analyzeQuery.EMTAKPrefix, "emtak", "", "Filter by activity classification code prefix")
	f.StringVar(&analyzeQuery.FoundedFrom, "founded-from", "", "Founded on or after (YYYY-MM-DD)")
	f.StringVar(&analyzeQuery.FoundedUntil, "founded-until", "", "Founded on or before (YYYY-MM-DD)")

	g := groupCmd.Flags()
	g.StringVar(&groupDirection, "direction", "both", "Traversal direction: up, down or both")
	g.IntVar(&groupDepth, "depth", graph.DefaultMaxDepth, "Maximum downward depth")

	rootCmd.AddCommand(analyzeCmd, groupCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Grouped counts over the merged entities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }() // safe to ignore

		buckets, err := st.GroupCount(cmd.Context(), analyzeQuery, store.GroupBy(analyzeBy))
		if err != nil {
			return err
		}
		for _, b := range buckets {
			label := b.Label
			if label == "" {
				label = "(none)"
			}
			fmt.Printf("%-40s %d\n", label, b.Count)
		}
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group [code]",
	Short: "Walk the ownership graph around one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid registry code %q", args[0])
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }() // safe to ignore

		index, ok := st.(store.PersonIndexer)
		if !ok {
			return fmt.Errorf("ownership graph requires the SQLite backend (run with --use-db): %w", store.ErrUnsupported)
		}

		result, err := graph.New(index).FindGroup(cmd.Context(), code, graph.Direction(groupDirection), groupDepth)
		if err != nil {
			return err
		}

		fmt.Printf("%d %s\n", result.Code, result.Name)
		if len(result.Owners) > 0 {
			fmt.Println("\nOwners:")
			for _, o := range result.Owners {
				pct := ""
				if o.Pct != nil {
					pct = fmt.Sprintf(" (%.1f%%)", *o.Pct)
				}
				fmt.Printf("  %s [%s]%s\n", o.FullName(), o.IDCode, pct)
			}
		}
		if len(result.Subsidiaries) > 0 {
			fmt.Println("\nSubsidiaries:")
			for _, s := range result.Subsidiaries {
				pct := ""
				if s.Pct != nil {
					pct = fmt.Sprintf(" (%.1f%%)", *s.Pct)
				}
				fmt.Printf("  depth %d: %d %s via %d%s\n", s.Depth, s.Code, s.Name, s.ParentCode, pct)
			}
		}
		return nil
	},
}
