package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Document is one entity's merged payload. Field names follow the
// vocabulary published by the registry open-data files; callers filter
// and group by them, so they must stay stable across merges.
type Document = map[string]any

// Top-level document fields.
const (
	FieldCode      = "ariregistri_kood"
	FieldName      = "nimi"
	FieldStatus    = "staatus"
	FieldLegalForm = "oiguslik_vorm"
	FieldCounty    = "aadress_maakond"
	FieldCity      = "aadress_linn"
	FieldFounded   = "esmakande_kuupaev"
	FieldVAT       = "kmkr_nr"

	// Role collections, one per nested source file.
	KeyShareholders  = "osanikud"
	KeyBeneficiaries = "kasusaajad"
	KeyBoard         = "isikud"
	KeyCards         = "kaardid"

	// Attached post-hoc by the enrichment pipeline.
	KeyEnrichment = "enrichment"
)

// General-data block fields.
const (
	FieldCapitals  = "kapitalid"
	FieldChannels  = "sidevahendid"
	FieldActivity  = "tegevusalad"
	FieldReports   = "majandusaasta_aruanded"
	FieldEMTAK     = "emtak_kood"
	FieldMainFlag  = "on_pohitegevusala"
	FieldStart     = "algus_kuupaev"
	FieldEnd       = "lopp_kuupaev"
	FieldAmount    = "kapitali_suurus"
	FieldCurrency  = "kapitali_valuuta"
	FieldChanKind  = "liik"
	FieldChanValue = "sisu"
	FieldPeriodEnd = "majandusaasta_lopp_kuupaev"
	FieldEmployees = "tootajate_arv"
)

// ParseCode normalizes the registry code out of a loosely-typed record
// value. Codes are integers; anything unparseable renders the record
// unusable and the caller drops it.
func ParseCode(v any) (int64, bool) {
	switch c := v.(type) {
	case int64:
		return c, true
	case int:
		return int64(c), true
	case float64:
		return int64(c), true
	case json.Number:
		n, err := c.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(c), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Code extracts the entity code from a record.
func Code(doc Document) (int64, bool) {
	return ParseCode(doc[FieldCode])
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
