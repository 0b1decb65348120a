// Package merge joins the extracted source payloads into the storage
// backend, one batched pass per source, gated by per-source sync
// marks.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/opendata-ee/ariregister/internal/model"
	"github.com/opendata-ee/ariregister/internal/source"
	"github.com/opendata-ee/ariregister/internal/store"
)

// DefaultBatchSize bounds how many records one write batch carries.
// Full-size datasets run to millions of records.
const DefaultBatchSize = 50000

// Flusher is implemented by backends that stage merge effects and
// materialize them at the end of a run (the chunk backend).
type Flusher interface {
	Flush(ctx context.Context) error
}

// Engine drives one merge run.
type Engine struct {
	Store     store.Store
	BatchSize int
}

func New(st store.Store) *Engine {
	return &Engine{Store: st, BatchSize: DefaultBatchSize}
}

// fatal marks a structural storage failure that must abort the run,
// as opposed to per-source read failures which are isolated.
type fatal struct{ err error }

func (f *fatal) Error() string { return f.err.Error() }
func (f *fatal) Unwrap() error { return f.err }

// Run merges every extracted payload. payloads maps the published
// archive name to its extracted payload path; sources with no payload
// this run are skipped. force ignores the sync-state gate, reprocesses
// every source, and afterwards recomputes derived columns and rebuilds
// the person index.
//
// Ordering: the base and general passes run first, in that order — an
// entity absent from them can never receive role data. The mutually
// independent role sources then fan out in parallel; the store
// serializes their write batches.
func (e *Engine) Run(ctx context.Context, payloads map[string]string, force bool) error {
	if force {
		if err := e.Store.ClearSourceMarks(ctx); err != nil {
			return err
		}
	}

	for _, src := range source.All {
		if src.Type == source.Roles {
			continue
		}
		if err := e.runSource(ctx, src, payloads); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range source.All {
		if src.Type != source.Roles {
			continue
		}
		g.Go(func() error {
			return e.runSource(gctx, src, payloads)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if f, ok := e.Store.(Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return fmt.Errorf("flush store: %w", err)
		}
	}

	if force {
		if pi, ok := e.Store.(store.PersonIndexer); ok {
			if err := pi.RecomputeDerived(ctx); err != nil {
				return fmt.Errorf("recompute derived columns: %w", err)
			}
			n, err := pi.RebuildPersonIndex(ctx)
			if err != nil {
				return fmt.Errorf("rebuild person index: %w", err)
			}
			log.Printf("person index rebuilt: %d rows", n)
		}
	}
	return nil
}

// runSource merges one source file if it has a payload and is not
// already marked complete. Read-side failures are isolated: logged,
// the source stays unmarked, the run continues. Storage failures
// propagate.
func (e *Engine) runSource(ctx context.Context, src source.Source, payloads map[string]string) error {
	payload, ok := payloads[src.File]
	if !ok {
		return nil
	}

	done, err := e.Store.SourceDone(ctx, src.File)
	if err != nil {
		return fmt.Errorf("query sync state %s: %w", src.File, err)
	}
	if done {
		log.Printf("merge %s: already merged, skipping", src.File)
		return nil
	}

	var records int64
	switch src.Type {
	case source.Base:
		records, err = e.mergeBase(ctx, payload)
	case source.General:
		records, err = e.mergeGeneral(ctx, payload)
	default:
		records, err = e.mergeRoles(ctx, src.Key, payload)
	}
	if err != nil {
		var f *fatal
		if errors.As(err, &f) {
			return f.err
		}
		log.Printf("merge %s: %v (will retry next run)", src.File, err)
		return nil
	}

	if err := e.Store.MarkSourceDone(ctx, src.File, records); err != nil {
		return fmt.Errorf("mark %s done: %w", src.File, err)
	}
	log.Printf("merge %s: %d records", src.File, records)
	return nil
}

func (e *Engine) batchSize() int {
	if e.BatchSize > 0 {
		return e.BatchSize
	}
	return DefaultBatchSize
}

// mergeBase streams the flat summary file into base-attribute rows.
func (e *Engine) mergeBase(ctx context.Context, payload string) (int64, error) {
	var total, dropped int64
	batch := make([]store.BaseRow, 0, e.batchSize())

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.Store.InsertBase(ctx, batch); err != nil {
			return &fatal{fmt.Errorf("insert base batch: %w", err)}
		}
		batch = batch[:0]
		return nil
	}

	err := source.StreamFile(payload, source.CSV, func(doc model.Document, recErr error) error {
		if recErr != nil {
			dropped++
			log.Printf("base: drop malformed record: %v", recErr)
			return nil
		}
		code, ok := model.Code(doc)
		if !ok {
			dropped++
			return nil
		}
		doc[model.FieldCode] = code
		batch = append(batch, store.BaseRow{
			Code:      code,
			Name:      docStr(doc, model.FieldName),
			Status:    docStr(doc, model.FieldStatus),
			LegalForm: docStr(doc, model.FieldLegalForm),
			County:    docStr(doc, model.FieldCounty),
			City:      docStr(doc, model.FieldCity),
			Founded:   docStr(doc, model.FieldFounded),
			VAT:       docStr(doc, model.FieldVAT),
			Doc:       doc,
		})
		total++
		if len(batch) >= e.batchSize() {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if dropped > 0 {
		log.Printf("base: dropped %d unusable records", dropped)
	}
	return total, nil
}

// mergeGeneral streams the general-data file, patch-merging each block
// and computing the derived columns as it goes.
func (e *Engine) mergeGeneral(ctx context.Context, payload string) (int64, error) {
	var total, dropped int64
	batch := make([]store.GeneralPatch, 0, e.batchSize())

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.Store.PatchGeneral(ctx, batch); err != nil {
			return &fatal{fmt.Errorf("patch general batch: %w", err)}
		}
		batch = batch[:0]
		return nil
	}

	err := source.StreamFile(payload, source.JSON, func(doc model.Document, recErr error) error {
		if recErr != nil {
			dropped++
			log.Printf("general: drop malformed record: %v", recErr)
			return nil
		}
		code, ok := model.Code(doc)
		if !ok {
			dropped++
			return nil
		}
		doc[model.FieldCode] = code
		batch = append(batch, store.GeneralPatch{
			Code:    code,
			Doc:     doc,
			Derived: model.Extract(doc),
		})
		total++
		if len(batch) >= e.batchSize() {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if dropped > 0 {
		log.Printf("general: dropped %d unusable records", dropped)
	}
	return total, nil
}

// mergeRoles streams one nested source, grouping records by entity
// code. One entity's records may appear anywhere in the file, and the
// store replaces an entity's collection wholesale, so the whole source
// is grouped in memory before any write: each entity's collection is
// written exactly once per run. Batches bound the transaction size
// only.
func (e *Engine) mergeRoles(ctx context.Context, key, payload string) (int64, error) {
	var total, dropped int64
	groups := make(map[int64][]model.Document)
	order := make([]int64, 0, e.batchSize())

	err := source.StreamFile(payload, source.JSON, func(doc model.Document, recErr error) error {
		if recErr != nil {
			dropped++
			log.Printf("%s: drop malformed record: %v", key, recErr)
			return nil
		}
		code, ok := model.Code(doc)
		if !ok {
			dropped++
			return nil
		}
		// The entity's own code and name live on the row, not in
		// each nested record.
		delete(doc, model.FieldCode)
		delete(doc, model.FieldName)

		if _, seen := groups[code]; !seen {
			order = append(order, code)
		}
		groups[code] = append(groups[code], doc)
		total++
		return nil
	})
	if err != nil {
		return 0, err
	}

	batch := make([]store.RoleBatch, 0, e.batchSize())
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.Store.PatchRoles(ctx, key, batch); err != nil {
			return &fatal{fmt.Errorf("patch %s batch: %w", key, err)}
		}
		batch = batch[:0]
		return nil
	}
	for _, code := range order {
		batch = append(batch, store.RoleBatch{Code: code, Records: groups[code]})
		delete(groups, code)
		if len(batch) >= e.batchSize() {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if dropped > 0 {
		log.Printf("%s: dropped %d unusable records", key, dropped)
	}
	return total, nil
}

func docStr(doc model.Document, key string) string {
	s, _ := doc[key].(string)
	return s
}
