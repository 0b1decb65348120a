// Package source defines the published registry datasets and the
// streaming readers that iterate their records without loading a whole
// payload into memory.
package source

import "github.com/opendata-ee/ariregister/internal/model"

// Kind is the payload format inside a source archive.
type Kind int

const (
	// CSV is a ';'-delimited flat file with a header row.
	CSV Kind = iota
	// JSON is one large JSON array of record objects.
	JSON
)

// Type is the merge policy a source follows.
type Type int

const (
	// Base sources insert the full base-attribute row per entity.
	Base Type = iota
	// General sources patch-merge the general-data block.
	General
	// Roles sources group records by entity code and attach the
	// batch under the source's document key.
	Roles
)

// Source is one independently published dataset.
type Source struct {
	File string // published archive name
	Kind Kind
	Type Type
	Key  string // document key, Roles sources only
}

// All lists the datasets in merge order: the base file and the general
// file must complete before role batches mean anything, role sources
// are mutually independent.
var All = []Source{
	{File: "ettevotja_rekvisiidid__lihtandmed.csv.zip", Kind: CSV, Type: Base},
	{File: "ettevotja_rekvisiidid__yldandmed.json.zip", Kind: JSON, Type: General},
	{File: "ettevotja_rekvisiidid__osanikud.json.zip", Kind: JSON, Type: Roles, Key: model.KeyShareholders},
	{File: "ettevotja_rekvisiidid__kasusaajad.json.zip", Kind: JSON, Type: Roles, Key: model.KeyBeneficiaries},
	{File: "ettevotja_rekvisiidid__kaardile_kantud_isikud.json.zip", Kind: JSON, Type: Roles, Key: model.KeyBoard},
	{File: "ettevotja_rekvisiidid__registrikaardid.json.zip", Kind: JSON, Type: Roles, Key: model.KeyCards},
}
