package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/opendata-ee/ariregister/internal/model"
	"github.com/opendata-ee/ariregister/internal/store"
)

var (
	searchQuery store.Query
	capitalMin  float64
	capitalMax  float64
	exportPath  string
)

func init() {
	f := searchCmd.Flags()
	f.StringVarP(&searchQuery.Location, "location", "l", "", "Filter by county/city substring")
	f.StringVarP(&searchQuery.Status, "status", "s", "", "Filter by status substring")
	f.StringVarP(&searchQuery.Person, "person", "p", "", "Filter by person/enrichment substring")
	f.StringVar(&searchQuery.LegalForm, "legal-form", "", "Filter by exact legal form")
	f.StringVar(&searchQuery.EMTAKPrefix, "emtak", "", "Filter by activity classification code prefix")
	f.StringVar(&searchQuery.FoundedFrom, "founded-from", "", "Founded on or after (YYYY-MM-DD)")
	f.StringVar(&searchQuery.FoundedUntil, "founded-until", "", "Founded on or before (YYYY-MM-DD)")
	f.Float64Var(&capitalMin, "capital-min", -1, "Minimum current capital")
	f.Float64Var(&capitalMax, "capital-max", -1, "Maximum current capital")
	f.BoolVar(&searchQuery.HasEmail, "has-email", false, "Require an email contact")
	f.BoolVar(&searchQuery.HasPhone, "has-phone", false, "Require a phone contact")
	f.BoolVar(&searchQuery.HasWWW, "has-www", false, "Require a website contact")
	f.IntVar(&searchQuery.Limit, "limit", 0, "Maximum number of results")
	f.StringVar(&exportPath, "export", "", "Export results to a .json or .csv file")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search [term]",
	Short: "Search entities by code, name and structured filters",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			searchQuery.Term = args[0]
		}
		if cmd.Flags().Changed("capital-min") {
			searchQuery.CapitalMin = &capitalMin
		}
		if cmd.Flags().Changed("capital-max") {
			searchQuery.CapitalMax = &capitalMax
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }() // safe to ignore

		results, err := st.Search(cmd.Context(), searchQuery)
		if err != nil {
			return err
		}

		if exportPath != "" {
			if err := exportResults(results, exportPath); err != nil {
				return err
			}
			fmt.Printf("Exported %d results to %s.\n", len(results), exportPath)
			return nil
		}

		for _, doc := range results {
			fmt.Println("----------------------------------------")
			fmt.Println(oj.JSON(doc, 2))
		}
		if len(results) == 0 {
			fmt.Println("No results found.")
		} else {
			fmt.Printf("Found %d results.\n", len(results))
		}
		return nil
	},
}

// exportResults writes results as JSON or CSV, chosen by extension.
// CSV flattens top-level scalar fields only.
func exportResults(results []model.Document, path string) error {
	if filepath.Ext(path) != ".csv" {
		return os.WriteFile(path, []byte(oj.JSON(results, 2)), 0o644)
	}

	if len(results) == 0 {
		return os.WriteFile(path, nil, 0o644)
	}
	var fields []string
	for k, v := range results[0] {
		switch v.(type) {
		case map[string]any, []any:
		default:
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		_ = f.Close() // ignore error
		return err
	}
	for _, doc := range results {
		row := make([]string, len(fields))
		for i, k := range fields {
			if v, ok := doc[k]; ok && v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(row); err != nil {
			_ = f.Close() // ignore error
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close() // ignore error
		return err
	}
	return f.Close()
}
