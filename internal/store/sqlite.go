package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opendata-ee/ariregister/internal/model"
	_ "modernc.org/sqlite"
)

// SQLite is the relational/document backend: one row per entity with
// indexed scalar columns plus the full document as a JSON column.
// Nested patches run inside the engine via json_patch/json_set, so a
// merge pass never round-trips full documents through Go.
//
// Batch writes are serialized by mu — concurrent merge workers funnel
// through one writer so a partial batch can never interleave.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS companies (
	code INTEGER PRIMARY KEY,
	name TEXT,
	status TEXT,
	legal_form TEXT,
	maakond TEXT,
	linn TEXT,
	founded TEXT,
	vat TEXT,
	capital REAL,
	capital_currency TEXT,
	employees INTEGER,
	email TEXT,
	phone TEXT,
	www TEXT,
	doc JSON NOT NULL,
	enrichment JSON
);
CREATE INDEX IF NOT EXISTS idx_companies_name ON companies(name);
CREATE INDEX IF NOT EXISTS idx_companies_status ON companies(status);
CREATE INDEX IF NOT EXISTS idx_companies_maakond ON companies(maakond);
CREATE INDEX IF NOT EXISTS idx_companies_legal_form ON companies(legal_form);
CREATE INDEX IF NOT EXISTS idx_companies_founded ON companies(founded);
CREATE INDEX IF NOT EXISTS idx_companies_capital ON companies(capital);

CREATE TABLE IF NOT EXISTS sync_state (
	file TEXT PRIMARY KEY,
	completed_at TEXT NOT NULL,
	records INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS persons (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_code INTEGER NOT NULL,
	source TEXT NOT NULL,
	first_name TEXT,
	last_name TEXT,
	id_code TEXT,
	id_hash TEXT,
	role TEXT,
	valid_from TEXT,
	valid_to TEXT,
	pct REAL,
	amount REAL,
	currency TEXT,
	country TEXT
);
CREATE INDEX IF NOT EXISTS idx_persons_entity ON persons(entity_code, source);
CREATE INDEX IF NOT EXISTS idx_persons_id_code ON persons(id_code);
`

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// WAL keeps search/analytics readable while a merge is writing;
	// busy_timeout covers the brief checkpoint locks.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertBase upserts base rows. On conflict the incoming base fields
// are patched into the existing document so collections contributed by
// other sources survive a re-run (key-preserving union).
func (s *SQLite) InsertBase(ctx context.Context, batch []BaseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin base batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO companies (code, name, status, legal_form, maakond, linn, founded, vat, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, json(?))
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			legal_form = excluded.legal_form,
			maakond = excluded.maakond,
			linn = excluded.linn,
			founded = excluded.founded,
			vat = excluded.vat,
			doc = json_patch(doc, excluded.doc)
	`)
	if err != nil {
		return fmt.Errorf("prepare base insert: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for _, row := range batch {
		raw, err := json.Marshal(row.Doc)
		if err != nil {
			return fmt.Errorf("marshal doc %d: %w", row.Code, err)
		}
		if _, err := stmt.ExecContext(ctx,
			row.Code, row.Name, row.Status, row.LegalForm,
			row.County, row.City, row.Founded, row.VAT, string(raw),
		); err != nil {
			return fmt.Errorf("insert base %d: %w", row.Code, err)
		}
	}
	return tx.Commit()
}

// PatchGeneral merges general-data blocks and refreshes the derived
// columns. General-data values win over base values for overlapping
// document fields (json_patch applies the incoming block last).
func (s *SQLite) PatchGeneral(ctx context.Context, batch []GeneralPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin general batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO companies (code, name, status, capital, capital_currency, employees, email, phone, www, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, json(?))
		ON CONFLICT(code) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			status = CASE WHEN excluded.status != '' THEN excluded.status ELSE status END,
			capital = excluded.capital,
			capital_currency = excluded.capital_currency,
			employees = excluded.employees,
			email = excluded.email,
			phone = excluded.phone,
			www = excluded.www,
			doc = json_patch(doc, excluded.doc)
	`)
	if err != nil {
		return fmt.Errorf("prepare general patch: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for _, p := range batch {
		raw, err := json.Marshal(p.Doc)
		if err != nil {
			return fmt.Errorf("marshal general doc %d: %w", p.Code, err)
		}
		d := p.Derived
		if _, err := stmt.ExecContext(ctx,
			p.Code,
			str(p.Doc[model.FieldName]),
			str(p.Doc[model.FieldStatus]),
			nullFloat(d.Capital), d.CapitalCurrency,
			nullInt(d.Employees),
			d.Email, d.Phone, d.WWW,
			string(raw),
		); err != nil {
			return fmt.Errorf("patch general %d: %w", p.Code, err)
		}
	}
	return tx.Commit()
}

// PatchRoles attaches one source's record batches under its document
// key. The UPDATE matches nothing for codes that never got a base or
// general row, which silently drops those batches.
func (s *SQLite) PatchRoles(ctx context.Context, key string, batch []RoleBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin role batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`UPDATE companies SET doc = json_set(doc, '$.%s', json(?)) WHERE code = ?`, key))
	if err != nil {
		return fmt.Errorf("prepare role patch: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for _, rb := range batch {
		raw, err := json.Marshal(rb.Records)
		if err != nil {
			return fmt.Errorf("marshal %s batch %d: %w", key, rb.Code, err)
		}
		if _, err := stmt.ExecContext(ctx, string(raw), rb.Code); err != nil {
			return fmt.Errorf("patch %s %d: %w", key, rb.Code, err)
		}
	}
	return tx.Commit()
}

// SetEnrichment stores the opaque enrichment document for one entity.
func (s *SQLite) SetEnrichment(ctx context.Context, code int64, doc model.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal enrichment %d: %w", code, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE companies SET enrichment = json(?) WHERE code = ?", string(raw), code)
	if err != nil {
		return fmt.Errorf("set enrichment %d: %w", code, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Search runs the conjunctive filter set. All free-text matches are
// case-insensitive substrings; a fully numeric term is an exact code.
func (s *SQLite) Search(ctx context.Context, q Query) ([]model.Document, error) {
	where, args := buildFilter(q)
	query := "SELECT doc, enrichment FROM companies" + where + " ORDER BY code"
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []model.Document
	for rows.Next() {
		var raw string
		var enrichment sql.NullString
		if err := rows.Scan(&raw, &enrichment); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("parse doc: %w", err)
		}
		if enrichment.Valid {
			var e model.Document
			if err := json.Unmarshal([]byte(enrichment.String), &e); err == nil {
				doc[model.KeyEnrichment] = e
			}
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// buildFilter renders Query into a WHERE clause shared by search and
// analytics so both see identical match semantics.
func buildFilter(q Query) (string, []any) {
	var conds []string
	var args []any

	if q.Term != "" {
		// Only an entirely numeric term is a code; "+501" or "-5"
		// parse as integers but are name searches.
		if code, err := strconv.ParseInt(q.Term, 10, 64); err == nil && isDigits(q.Term) {
			conds = append(conds, "code = ?")
			args = append(args, code)
		} else {
			conds = append(conds, "LOWER(name) LIKE ?")
			args = append(args, contains(q.Term))
		}
	}
	if q.Location != "" {
		conds = append(conds, "(LOWER(maakond) LIKE ? OR LOWER(linn) LIKE ?)")
		args = append(args, contains(q.Location), contains(q.Location))
	}
	if q.Status != "" {
		conds = append(conds, "LOWER(status) LIKE ?")
		args = append(args, contains(q.Status))
	}
	if q.Person != "" {
		conds = append(conds, "(LOWER(doc) LIKE ? OR LOWER(COALESCE(enrichment, '')) LIKE ?)")
		args = append(args, contains(q.Person), contains(q.Person))
	}
	if q.LegalForm != "" {
		conds = append(conds, "legal_form = ?")
		args = append(args, q.LegalForm)
	}
	if q.EMTAKPrefix != "" {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM json_each(doc, '$.`+model.FieldActivity+`') a
			WHERE json_extract(a.value, '$.`+model.FieldEMTAK+`') LIKE ?
		)`)
		args = append(args, q.EMTAKPrefix+"%")
	}
	if q.FoundedFrom != "" {
		conds = append(conds, "founded >= ?")
		args = append(args, q.FoundedFrom)
	}
	if q.FoundedUntil != "" {
		conds = append(conds, "founded <= ?")
		args = append(args, q.FoundedUntil)
	}
	if q.CapitalMin != nil {
		conds = append(conds, "capital >= ?")
		args = append(args, *q.CapitalMin)
	}
	if q.CapitalMax != nil {
		conds = append(conds, "capital <= ?")
		args = append(args, *q.CapitalMax)
	}
	if q.HasEmail {
		conds = append(conds, "email != ''")
	}
	if q.HasPhone {
		conds = append(conds, "phone != ''")
	}
	if q.HasWWW {
		conds = append(conds, "www != ''")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func contains(term string) string {
	return "%" + strings.ToLower(term) + "%"
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(enrichment) FROM companies").Scan(&st.Total, &st.Enriched)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// --- Sync-state ---

func (s *SQLite) SourceDone(ctx context.Context, file string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM sync_state WHERE file = ?", file).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query sync state %s: %w", file, err)
	}
	return true, nil
}

func (s *SQLite) MarkSourceDone(ctx context.Context, file string, records int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sync_state (file, completed_at, records) VALUES (?, ?, ?)",
		file, time.Now().UTC().Format(time.RFC3339), records)
	if err != nil {
		return fmt.Errorf("mark source done %s: %w", file, err)
	}
	return nil
}

func (s *SQLite) ClearSourceMarks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("clear sync state: %w", err)
	}
	return nil
}

// --- helpers ---

func str(v any) string {
	s, _ := v.(string)
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

var _ Store = (*SQLite)(nil)
