package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/opendata-ee/ariregister/internal/model"
)

// personBatchSize bounds the transaction size during index rebuilds.
const personBatchSize = 10000

// RebuildPersonIndex deletes and fully regenerates the person index by
// rescanning every entity document. There is no incremental path: the
// index is a materialized view, and wholesale rebuild is the only way
// it ever changes, so it can never drift from the documents.
func (s *SQLite) RebuildPersonIndex(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM persons"); err != nil {
		return 0, fmt.Errorf("clear person index: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT code, doc FROM companies")
	if err != nil {
		return 0, fmt.Errorf("scan documents: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin person batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO persons (entity_code, source, first_name, last_name, id_code, id_hash,
			role, valid_from, valid_to, pct, amount, currency, country)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback() // ignore error
		return 0, fmt.Errorf("prepare person insert: %w", err)
	}

	var total int64
	pending := 0
	parseErrs := 0
	for rows.Next() {
		var code int64
		var raw string
		if err := rows.Scan(&code, &raw); err != nil {
			_ = tx.Rollback() // ignore error
			return 0, fmt.Errorf("scan document row: %w", err)
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			parseErrs++
			continue
		}
		for _, p := range model.FlattenPersons(code, doc) {
			if _, err := stmt.ExecContext(ctx,
				p.EntityCode, string(p.Source), p.FirstName, p.LastName,
				p.IDCode, p.IDHash, p.Role, p.ValidFrom, p.ValidTo,
				nullFloat(p.Pct), nullFloat(p.Amount), p.Currency, p.Country,
			); err != nil {
				_ = tx.Rollback() // ignore error
				return 0, fmt.Errorf("insert person for %d: %w", code, err)
			}
			total++
			pending++
		}
		if pending >= personBatchSize {
			_ = stmt.Close() // ignore error
			if err := tx.Commit(); err != nil {
				return 0, fmt.Errorf("commit person batch: %w", err)
			}
			if tx, stmt, err = s.beginPersonBatch(ctx); err != nil {
				return 0, err
			}
			pending = 0
		}
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback() // ignore error
		return 0, fmt.Errorf("iterate documents: %w", err)
	}
	_ = stmt.Close() // ignore error
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit person batch: %w", err)
	}

	if parseErrs > 0 {
		log.Printf("person index: skipped %d unparseable documents", parseErrs)
	}
	return total, nil
}

func (s *SQLite) beginPersonBatch(ctx context.Context) (*sql.Tx, *sql.Stmt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin person batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO persons (entity_code, source, first_name, last_name, id_code, id_hash,
			role, valid_from, valid_to, pct, amount, currency, country)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback() // ignore error
		return nil, nil, fmt.Errorf("prepare person insert: %w", err)
	}
	return tx, stmt, nil
}

// RecomputeDerived re-extracts the derived columns from every stored
// document. Runs after a forced full merge.
func (s *SQLite) RecomputeDerived(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT code, doc FROM companies")
	if err != nil {
		return fmt.Errorf("scan documents: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	type update struct {
		code int64
		d    model.Derived
	}
	var updates []update
	for rows.Next() {
		var code int64
		var raw string
		if err := rows.Scan(&code, &raw); err != nil {
			return fmt.Errorf("scan document row: %w", err)
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			log.Printf("recompute: skip unparseable doc %d: %v", code, err)
			continue
		}
		updates = append(updates, update{code: code, d: model.Extract(doc)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin derived update: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE companies SET capital = ?, capital_currency = ?, employees = ?,
			email = ?, phone = ?, www = ?
		WHERE code = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare derived update: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx,
			nullFloat(u.d.Capital), u.d.CapitalCurrency, nullInt(u.d.Employees),
			u.d.Email, u.d.Phone, u.d.WWW, u.code,
		); err != nil {
			return fmt.Errorf("update derived %d: %w", u.code, err)
		}
	}
	return tx.Commit()
}

// ShareholdersOf returns the shareholder rows attached to one entity.
func (s *SQLite) ShareholdersOf(ctx context.Context, code int64) ([]model.Person, error) {
	return s.queryPersons(ctx,
		"WHERE entity_code = ? AND source = ?", code, string(model.SourceShareholder))
}

// HoldingsOf returns shareholder rows whose identifier equals the given
// entity code — the entities this code appears in as an owner.
func (s *SQLite) HoldingsOf(ctx context.Context, code int64) ([]model.Person, error) {
	return s.queryPersons(ctx,
		"WHERE id_code = ? AND source = ?", strconv.FormatInt(code, 10), string(model.SourceShareholder))
}

func (s *SQLite) queryPersons(ctx context.Context, where string, args ...any) ([]model.Person, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_code, source, first_name, last_name, id_code, id_hash,
			role, valid_from, valid_to, pct, amount, currency, country
		FROM persons `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []model.Person
	for rows.Next() {
		var p model.Person
		var source string
		var pct, amount sql.NullFloat64
		if err := rows.Scan(&p.EntityCode, &source, &p.FirstName, &p.LastName,
			&p.IDCode, &p.IDHash, &p.Role, &p.ValidFrom, &p.ValidTo,
			&pct, &amount, &p.Currency, &p.Country); err != nil {
			return nil, fmt.Errorf("scan person row: %w", err)
		}
		p.Source = model.PersonSource(source)
		if pct.Valid {
			v := pct.Float64
			p.Pct = &v
		}
		if amount.Valid {
			v := amount.Float64
			p.Amount = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EntityName resolves a code to its current registered name.
func (s *SQLite) EntityName(ctx context.Context, code int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM companies WHERE code = ?", code).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query entity %d: %w", code, err)
	}
	return name, nil
}

var _ PersonIndexer = (*SQLite)(nil)
