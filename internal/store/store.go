// Package store holds the two interchangeable storage backends: an
// embedded SQLite database with a JSON document column, and a set of
// immutable JSON chunk files indexed by a manifest.
package store

import (
	"context"
	"errors"

	"github.com/opendata-ee/ariregister/internal/model"
)

var (
	// ErrNotFound is returned when an entity code has no row.
	ErrNotFound = errors.New("entity not found")
	// ErrUnsupported is returned by a backend that cannot serve the
	// requested feature (person index and ownership graph on the
	// chunk backend).
	ErrUnsupported = errors.New("operation not supported by this backend")
)

// BaseRow is one entity's base-attribute record from the flat summary
// file. Doc carries the full row; the named fields feed the indexed
// columns.
type BaseRow struct {
	Code      int64
	Name      string
	Status    string
	LegalForm string
	County    string
	City      string
	Founded   string
	VAT       string
	Doc       model.Document
}

// GeneralPatch augments one entity's document with its general-data
// block and refreshes the derived columns. The patch never replaces
// fields contributed by other sources.
type GeneralPatch struct {
	Code    int64
	Doc     model.Document
	Derived model.Derived
}

// RoleBatch attaches one entity's records from a nested source file
// under that source's document key.
type RoleBatch struct {
	Code    int64
	Records []model.Document
}

// Query is the conjunctive search filter set. Zero values mean "not
// filtered". Term dispatches on content: all digits is an exact code
// match, anything else a case-insensitive name substring.
type Query struct {
	Term         string
	Location     string
	Status       string
	Person       string
	LegalForm    string
	EMTAKPrefix  string
	FoundedFrom  string
	FoundedUntil string
	CapitalMin   *float64
	CapitalMax   *float64
	HasEmail     bool
	HasPhone     bool
	HasWWW       bool
	Limit        int
}

// GroupBy selects the analytics bucketing dimension.
type GroupBy string

const (
	ByLocation    GroupBy = "location"
	ByStatus      GroupBy = "status"
	ByLegalForm   GroupBy = "legal-form"
	ByActivity    GroupBy = "activity"
	ByFoundedYear GroupBy = "founded-year"
	ByCapital     GroupBy = "capital-range"
	ByEmployees   GroupBy = "employee-range"
	ByRole        GroupBy = "person-role"
	ByCountry     GroupBy = "beneficiary-country"
)

// Bucket is one (label, count) analytics result.
type Bucket struct {
	Label string
	Count int64
}

// Stats summarizes the store for the stats command.
type Stats struct {
	Total    int64
	Enriched int64
}

// Store is the contract both backends implement. Batch writes are
// serialized internally; this system has no concurrent external
// writers, so reads need no extra coordination.
type Store interface {
	// InsertBase upserts base-attribute rows, keyed by code.
	InsertBase(ctx context.Context, batch []BaseRow) error
	// PatchGeneral merges general-data blocks into existing documents
	// and updates the derived columns. Codes without a row are created
	// from the patch (the general file is an authoritative source).
	PatchGeneral(ctx context.Context, batch []GeneralPatch) error
	// PatchRoles attaches role batches under key. Codes never seen in
	// the base/general passes are dropped silently.
	PatchRoles(ctx context.Context, key string, batch []RoleBatch) error
	// SetEnrichment stores an opaque enrichment document for one entity.
	SetEnrichment(ctx context.Context, code int64, doc model.Document) error

	Search(ctx context.Context, q Query) ([]model.Document, error)
	GroupCount(ctx context.Context, q Query, by GroupBy) ([]Bucket, error)
	Stats(ctx context.Context) (Stats, error)

	// Sync-state: one completion marker per source file name.
	SourceDone(ctx context.Context, file string) (bool, error)
	MarkSourceDone(ctx context.Context, file string, records int64) error
	ClearSourceMarks(ctx context.Context) error

	Close() error
}

// PersonIndexer is the extension the SQLite backend adds on top of
// Store: the rebuildable person index and the lookups the ownership
// walker needs.
type PersonIndexer interface {
	// RebuildPersonIndex deletes and fully regenerates the person
	// index from every entity's current document.
	RebuildPersonIndex(ctx context.Context) (int64, error)
	// RecomputeDerived re-extracts the derived columns from every
	// stored document.
	RecomputeDerived(ctx context.Context) error
	// ShareholdersOf returns the shareholder rows attached to code.
	ShareholdersOf(ctx context.Context, code int64) ([]model.Person, error)
	// HoldingsOf returns shareholder rows whose identifier equals the
	// given code, i.e. the entities this code owns a stake in.
	HoldingsOf(ctx context.Context, code int64) ([]model.Person, error)
	// EntityName resolves a code to its current name.
	EntityName(ctx context.Context, code int64) (string, error)
}

// Capital and employee-count analytics bucket boundaries. Labels are
// part of the output contract; order is the natural bucket rank.
var (
	CapitalBuckets = []struct {
		Label string
		Min   float64
	}{
		{"< 2,500", 0},
		{"2,500 – 25K", 2500},
		{"25K – 100K", 25000},
		{"100K – 1M", 100000},
		{"≥ 1M", 1000000},
	}
	EmployeeBuckets = []struct {
		Label string
		Min   int64
	}{
		{"0", 0},
		{"1 – 9", 1},
		{"10 – 49", 10},
		{"50 – 249", 50},
		{"≥ 250", 250},
	}
)

// CapitalBucketLabel places an amount in its bucket.
func CapitalBucketLabel(amount float64) string {
	label := CapitalBuckets[0].Label
	for _, b := range CapitalBuckets {
		if amount >= b.Min {
			label = b.Label
		}
	}
	return label
}

// EmployeeBucketLabel places a head count in its bucket.
func EmployeeBucketLabel(n int64) string {
	label := EmployeeBuckets[0].Label
	for _, b := range EmployeeBuckets {
		if n >= b.Min {
			label = b.Label
		}
	}
	return label
}
