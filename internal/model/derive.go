package model

// Derived holds the scalar columns recomputed from a document's
// general-data block. They are stored redundantly so equality/range
// filters never have to open the JSON payload.
type Derived struct {
	Capital         *float64
	CapitalCurrency string
	Email           string
	Phone           string
	WWW             string
	Employees       *int64
}

// capitalEntry is a typed view over one kapitalid element. Records are
// validated here, at the merge boundary; the stored payload stays a
// JSON blob behind the store interface.
type capitalEntry struct {
	Amount   float64
	Currency string
	Start    string
	End      string
}

func capitalView(v any) (capitalEntry, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return capitalEntry{}, false
	}
	amount, ok := num(m[FieldAmount])
	if !ok {
		return capitalEntry{}, false
	}
	return capitalEntry{
		Amount:   amount,
		Currency: str(m[FieldCurrency]),
		Start:    str(m[FieldStart]),
		End:      str(m[FieldEnd]),
	}, true
}

// Extract computes the derived columns for one document. Missing or
// partial nested structures yield zero values, never an error.
func Extract(doc Document) Derived {
	var d Derived
	if c, ok := currentCapital(doc); ok {
		amount := c.Amount
		d.Capital = &amount
		d.CapitalCurrency = c.Currency
	}
	d.Email, d.Phone, d.WWW = contactChannels(doc)
	if n, ok := latestEmployees(doc); ok {
		d.Employees = &n
	}
	return d
}

// currentCapital selects the capital-history entry with no end date;
// failing that, the one with the latest start date. Ties between
// open-ended entries break by latest start date, then largest amount,
// so the result never depends on iteration order.
func currentCapital(doc Document) (capitalEntry, bool) {
	list, ok := doc[FieldCapitals].([]any)
	if !ok {
		return capitalEntry{}, false
	}
	var best capitalEntry
	found := false
	openEnded := false
	for _, v := range list {
		c, ok := capitalView(v)
		if !ok {
			continue
		}
		open := c.End == ""
		switch {
		case !found:
		case open && !openEnded:
		case open == openEnded && c.Start > best.Start:
		case open == openEnded && c.Start == best.Start && c.Amount > best.Amount:
		default:
			continue
		}
		best, found, openEnded = c, true, open
	}
	return best, found
}

// contactChannels returns the first channel of each category in source
// order. Channel kinds follow the registry's sidevahendid vocabulary.
func contactChannels(doc Document) (email, phone, www string) {
	list, _ := doc[FieldChannels].([]any)
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		value := str(m[FieldChanValue])
		if value == "" {
			continue
		}
		switch str(m[FieldChanKind]) {
		case "EMAIL":
			if email == "" {
				email = value
			}
		case "TEL", "MOB":
			if phone == "" {
				phone = value
			}
		case "WWW":
			if www == "" {
				www = value
			}
		}
	}
	return email, phone, www
}

// latestEmployees returns the employee count of the most recent annual
// report that carries a non-null figure.
func latestEmployees(doc Document) (int64, bool) {
	list, ok := doc[FieldReports].([]any)
	if !ok {
		return 0, false
	}
	var best int64
	bestPeriod := ""
	found := false
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		n, ok := num(m[FieldEmployees])
		if !ok {
			continue
		}
		period := str(m[FieldPeriodEnd])
		if !found || period > bestPeriod {
			best, bestPeriod, found = int64(n), period, true
		}
	}
	return best, found
}

// MainActivity returns the EMTAK code of the declared main activity,
// falling back to the first activity when none is flagged.
func MainActivity(doc Document) string {
	list, _ := doc[FieldActivity].([]any)
	first := ""
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		code := str(m[FieldEMTAK])
		if code == "" {
			continue
		}
		if first == "" {
			first = code
		}
		if flag, _ := m[FieldMainFlag].(bool); flag {
			return code
		}
	}
	return first
}
