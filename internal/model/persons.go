package model

import (
	"strings"

	"github.com/ohler55/ojg/jp"
)

// PersonSource tags which role collection a person row came from.
type PersonSource string

const (
	SourceBoard       PersonSource = "board"
	SourceShareholder PersonSource = "shareholder"
	SourceBeneficiary PersonSource = "beneficiary"
)

// Person is one denormalized role-holder row in the person index.
// Derived, not authoritative: regenerated by rescanning documents.
type Person struct {
	EntityCode int64
	Source     PersonSource
	FirstName  string
	LastName   string
	IDCode     string
	IDHash     string
	Role       string
	ValidFrom  string
	ValidTo    string
	Pct        *float64
	Amount     *float64
	Currency   string
	Country    string
}

// FullName joins the name parts the way the registry prints them.
func (p Person) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}

// JSONPath selectors into the role collections, parsed once.
var (
	pathBoard         = jp.MustParseString(KeyBoard + "[*]")
	pathShareholders  = jp.MustParseString(KeyShareholders + "[*]")
	pathBeneficiaries = jp.MustParseString(KeyBeneficiaries + "[*]")
)

// FlattenPersons extracts every role-holder from one entity document.
// Partial or malformed nested records are skipped silently.
func FlattenPersons(code int64, doc Document) []Person {
	var out []Person
	for _, v := range pathBoard.Get(doc) {
		if p, ok := personView(code, SourceBoard, v); ok {
			out = append(out, p)
		}
	}
	for _, v := range pathShareholders.Get(doc) {
		if p, ok := personView(code, SourceShareholder, v); ok {
			out = append(out, p)
		}
	}
	for _, v := range pathBeneficiaries.Get(doc) {
		if p, ok := personView(code, SourceBeneficiary, v); ok {
			out = append(out, p)
		}
	}
	return out
}

func personView(code int64, source PersonSource, v any) (Person, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Person{}, false
	}
	p := Person{
		EntityCode: code,
		Source:     source,
		FirstName:  str(m["eesnimi"]),
		IDHash:     str(m["isikukood_hash"]),
		Role:       str(m["isiku_roll"]),
		ValidFrom:  str(m[FieldStart]),
		ValidTo:    str(m[FieldEnd]),
	}

	// Last name key varies by source: nimi_arinimi on card and
	// shareholder records, nimi on beneficiary records.
	p.LastName = str(m["nimi_arinimi"])
	if p.LastName == "" {
		p.LastName = str(m["nimi"])
	}
	p.IDCode = str(m["isikukood_registrikood"])
	if p.IDCode == "" {
		p.IDCode = str(m["isikukood"])
	}

	if source == SourceShareholder {
		if pct, ok := num(m["osaluse_protsent"]); ok {
			p.Pct = &pct
		}
		if amount, ok := num(m["osaluse_suurus"]); ok {
			p.Amount = &amount
		}
		p.Currency = str(m["osaluse_valuuta"])
	}
	if source == SourceBeneficiary {
		p.Country = str(m["aadress_riik"])
	}

	if p.FullName() == "" && p.IDCode == "" && p.IDHash == "" {
		return Person{}, false
	}
	return p, true
}
