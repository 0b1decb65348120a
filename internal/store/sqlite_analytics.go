package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/opendata-ee/ariregister/internal/model"
)

// GroupCount answers grouped-count analytics over the same conjunctive
// filters as Search. Indexed dimensions group directly on columns;
// activity and person-sourced dimensions iterate nested document
// collections with json_each inside the engine.
func (s *SQLite) GroupCount(ctx context.Context, q Query, by GroupBy) ([]Bucket, error) {
	where, args := buildFilter(q)

	var query string
	order := "ORDER BY cnt DESC, label ASC"
	switch by {
	case ByLocation:
		query = "SELECT maakond AS label, COUNT(*) AS cnt FROM companies" + where + " GROUP BY maakond"
	case ByStatus:
		query = "SELECT status AS label, COUNT(*) AS cnt FROM companies" + where + " GROUP BY status"
	case ByLegalForm:
		query = "SELECT legal_form AS label, COUNT(*) AS cnt FROM companies" + where + " GROUP BY legal_form"
	case ByFoundedYear:
		query = "SELECT substr(founded, 1, 4) AS label, COUNT(*) AS cnt FROM companies" +
			and(where, "founded != ''") + " GROUP BY label"
		order = "ORDER BY label ASC"
	case ByCapital:
		query = "SELECT " + capitalCase() + " AS label, COUNT(*) AS cnt FROM companies" +
			and(where, "capital IS NOT NULL") + " GROUP BY label"
		order = "" // natural bucket rank, applied below
	case ByEmployees:
		query = "SELECT " + employeeCase() + " AS label, COUNT(*) AS cnt FROM companies" +
			and(where, "employees IS NOT NULL") + " GROUP BY label"
		order = ""
	case ByActivity:
		query = fmt.Sprintf(`
			SELECT json_extract(a.value, '$.%s') AS label, COUNT(*) AS cnt
			FROM companies, json_each(doc, '$.%s') a%s GROUP BY label`,
			model.FieldEMTAK, model.FieldActivity, and(where, "label IS NOT NULL"))
	case ByRole:
		query = fmt.Sprintf(`
			SELECT json_extract(p.value, '$.isiku_roll') AS label, COUNT(*) AS cnt
			FROM companies, json_each(doc, '$.%s') p%s GROUP BY label`,
			model.KeyBoard, and(where, "label IS NOT NULL"))
	case ByCountry:
		query = fmt.Sprintf(`
			SELECT json_extract(b.value, '$.aadress_riik') AS label, COUNT(*) AS cnt
			FROM companies, json_each(doc, '$.%s') b%s GROUP BY label`,
			model.KeyBeneficiaries, and(where, "label IS NOT NULL"))
	default:
		return nil, fmt.Errorf("unknown grouping %q", by)
	}
	if order != "" {
		query += " " + order
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group by %s: %w", by, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Label, &b.Count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch by {
	case ByCapital:
		out = rankBuckets(out, capitalLabels())
	case ByEmployees:
		out = rankBuckets(out, employeeLabels())
	}
	return out, nil
}

// and appends an extra condition to an already-rendered WHERE clause.
func and(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

// capitalCase renders the fixed capital bucket boundaries as a CASE
// expression, widest bucket first.
func capitalCase() string {
	var b strings.Builder
	b.WriteString("CASE")
	for i := len(CapitalBuckets) - 1; i > 0; i-- {
		fmt.Fprintf(&b, " WHEN capital >= %g THEN '%s'", CapitalBuckets[i].Min, CapitalBuckets[i].Label)
	}
	fmt.Fprintf(&b, " ELSE '%s' END", CapitalBuckets[0].Label)
	return b.String()
}

func employeeCase() string {
	var b strings.Builder
	b.WriteString("CASE")
	for i := len(EmployeeBuckets) - 1; i > 0; i-- {
		fmt.Fprintf(&b, " WHEN employees >= %d THEN '%s'", EmployeeBuckets[i].Min, EmployeeBuckets[i].Label)
	}
	fmt.Fprintf(&b, " ELSE '%s' END", EmployeeBuckets[0].Label)
	return b.String()
}

func capitalLabels() []string {
	labels := make([]string, len(CapitalBuckets))
	for i, b := range CapitalBuckets {
		labels[i] = b.Label
	}
	return labels
}

func employeeLabels() []string {
	labels := make([]string, len(EmployeeBuckets))
	for i, b := range EmployeeBuckets {
		labels[i] = b.Label
	}
	return labels
}

// rankBuckets orders results by the natural bucket rank, dropping
// nothing: buckets with no rows simply do not appear.
func rankBuckets(in []Bucket, labels []string) []Bucket {
	byLabel := make(map[string]Bucket, len(in))
	for _, b := range in {
		byLabel[b.Label] = b
	}
	out := make([]Bucket, 0, len(in))
	for _, label := range labels {
		if b, ok := byLabel[label]; ok {
			out = append(out, b)
		}
	}
	return out
}
