package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/go-git/go-billy/v5"
	"github.com/ohler55/ojg/oj"

	"github.com/opendata-ee/ariregister/internal/model"
)

const (
	manifestFile  = "manifest.json"
	syncStateFile = "sync_state.json"

	// DefaultChunkSize is the number of entities per chunk file.
	DefaultChunkSize = 50000
)

// Manifest indexes the chunk files: total entity count plus, per
// chunk, file name, record count and the code range it contains. It is
// regenerated atomically alongside the chunks it describes.
type Manifest struct {
	Total  int64           `json:"total"`
	Chunks []ManifestChunk `json:"chunks"`
}

// ManifestChunk describes one immutable chunk file.
type ManifestChunk struct {
	File      string `json:"file"`
	Count     int    `json:"count"`
	StartCode int64  `json:"start_code"`
	EndCode   int64  `json:"end_code"`
}

// Contains reports whether code falls in this chunk's range.
func (c ManifestChunk) Contains(code int64) bool {
	return c.StartCode <= code && code <= c.EndCode
}

// Chunks is the flat-file backend: entities sorted by code and split
// into immutable JSON array files, for deployments without a local
// database engine. Merge passes stage their batches in memory; Flush
// folds them into the existing chunk set and rewrites chunks plus
// manifest. Search and analytics are linear scans. The person index
// and ownership graph are not supported here.
type Chunks struct {
	fs        billy.Filesystem
	chunkSize int

	mu      sync.Mutex
	base    []BaseRow
	general []GeneralPatch
	roles   map[string][]RoleBatch
}

// NewChunks returns a chunk store rooted at fs. chunkSize <= 0 selects
// the default.
func NewChunks(fs billy.Filesystem, chunkSize int) *Chunks {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunks{
		fs:        fs,
		chunkSize: chunkSize,
		roles:     make(map[string][]RoleBatch),
	}
}

func (c *Chunks) Close() error { return nil }

// --- staged merge effects ---

func (c *Chunks) InsertBase(ctx context.Context, batch []BaseRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = append(c.base, batch...)
	return nil
}

func (c *Chunks) PatchGeneral(ctx context.Context, batch []GeneralPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.general = append(c.general, batch...)
	return nil
}

func (c *Chunks) PatchRoles(ctx context.Context, key string, batch []RoleBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles[key] = append(c.roles[key], batch...)
	return nil
}

// Flush folds the staged batches into the chunk set. Existing records
// are loaded first so a partial re-run (some sources skipped as
// already merged) cannot lose data contributed earlier. Chunks are
// written to temp names and renamed, manifest last, so a crashed flush
// leaves the previous manifest pointing at intact files.
func (c *Chunks) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.base) == 0 && len(c.general) == 0 && len(c.roles) == 0 {
		return nil
	}

	records, err := c.loadAll()
	if err != nil {
		return fmt.Errorf("load existing chunks: %w", err)
	}

	// Contract order: base rows, general patches, then role batches.
	for _, row := range c.base {
		doc := records[row.Code]
		if doc == nil {
			doc = model.Document{}
		}
		overlay(doc, row.Doc)
		records[row.Code] = doc
	}
	for _, p := range c.general {
		doc := records[p.Code]
		if doc == nil {
			doc = model.Document{}
		}
		overlay(doc, p.Doc)
		records[p.Code] = doc
	}
	for key, batches := range c.roles {
		for _, rb := range batches {
			doc, ok := records[rb.Code]
			if !ok {
				continue // no base row, role data is meaningless
			}
			items := make([]any, len(rb.Records))
			for i, r := range rb.Records {
				items[i] = r
			}
			doc[key] = items
		}
	}

	if err := c.writeAll(records); err != nil {
		return err
	}

	c.base = nil
	c.general = nil
	c.roles = make(map[string][]RoleBatch)
	return nil
}

// overlay patches src's fields into dst, src winning on overlap.
// Top-level document values are scalars or whole collections, so a
// shallow merge is the same key-preserving union json_patch gives the
// SQLite backend.
func overlay(dst, src model.Document) {
	for k, v := range src {
		dst[k] = v
	}
}

func (c *Chunks) writeAll(records map[int64]model.Document) error {
	// roaring64 iterates ascending, which both sorts and deduplicates
	// the code set in one pass.
	codes := roaring64.New()
	for code := range records {
		codes.Add(uint64(code))
	}

	var manifest Manifest
	batch := make([]any, 0, c.chunkSize)
	var startCode int64
	flushChunk := func(endCode int64) error {
		name := fmt.Sprintf("chunk_%03d.json", len(manifest.Chunks)+1)
		if err := c.writeFileAtomic(name, []byte(oj.JSON(batch))); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		manifest.Chunks = append(manifest.Chunks, ManifestChunk{
			File:      name,
			Count:     len(batch),
			StartCode: startCode,
			EndCode:   endCode,
		})
		manifest.Total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	var prev int64
	it := codes.Iterator()
	for it.HasNext() {
		code := int64(it.Next())
		if len(batch) == 0 {
			startCode = code
		}
		batch = append(batch, records[code])
		prev = code
		if len(batch) == c.chunkSize {
			if err := flushChunk(code); err != nil {
				return err
			}
		}
	}
	if len(batch) > 0 {
		if err := flushChunk(prev); err != nil {
			return err
		}
	}

	raw := oj.JSON(&manifest, 2)
	if err := c.writeFileAtomic(manifestFile, []byte(raw)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (c *Chunks) writeFileAtomic(name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := c.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close() // ignore error
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return c.fs.Rename(tmp, name)
}

// --- reading ---

func (c *Chunks) readFile(name string) ([]byte, error) {
	f, err := c.fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }() // safe to ignore
	return io.ReadAll(f)
}

func (c *Chunks) manifest() (*Manifest, error) {
	raw, err := c.readFile(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := oj.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func (c *Chunks) readChunk(name string) ([]model.Document, error) {
	raw, err := c.readFile(name)
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", name, err)
	}
	parsed, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse chunk %s: %w", name, err)
	}
	list, ok := parsed.([]any)
	if !ok {
		return nil, fmt.Errorf("chunk %s: not a JSON array", name)
	}
	docs := make([]model.Document, 0, len(list))
	for _, v := range list {
		if doc, ok := v.(map[string]any); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (c *Chunks) loadAll() (map[int64]model.Document, error) {
	records := make(map[int64]model.Document)
	m, err := c.manifest()
	if err != nil {
		return records, nil // no manifest yet, fresh store
	}
	for _, ch := range m.Chunks {
		docs, err := c.readChunk(ch.File)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if code, ok := model.Code(doc); ok {
				records[code] = doc
			}
		}
	}
	return records, nil
}

// SetEnrichment locates the record's chunk by manifest range
// containment and rewrites just that chunk.
func (c *Chunks) SetEnrichment(ctx context.Context, code int64, doc model.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.manifest()
	if err != nil {
		return err
	}
	for _, ch := range m.Chunks {
		if !ch.Contains(code) {
			continue
		}
		docs, err := c.readChunk(ch.File)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if got, ok := model.Code(d); ok && got == code {
				d[model.KeyEnrichment] = doc
				items := make([]any, len(docs))
				for i, dd := range docs {
					items[i] = dd
				}
				if err := c.writeFileAtomic(ch.File, []byte(oj.JSON(items))); err != nil {
					return fmt.Errorf("rewrite %s: %w", ch.File, err)
				}
				return nil
			}
		}
	}
	return ErrNotFound
}

// Search scans every chunk, applying the same conjunctive,
// case-insensitive semantics as the SQLite backend.
func (c *Chunks) Search(ctx context.Context, q Query) ([]model.Document, error) {
	m, err := c.manifest()
	if err != nil {
		return nil, err
	}

	// Exact-code terms resolve their chunk by manifest range
	// containment instead of a full scan.
	if isDigits(q.Term) {
		code, err := strconv.ParseInt(q.Term, 10, 64)
		if err == nil {
			for _, ch := range m.Chunks {
				if !ch.Contains(code) {
					continue
				}
				docs, err := c.readChunk(ch.File)
				if err != nil {
					return nil, err
				}
				var out []model.Document
				for _, doc := range docs {
					if matchQuery(doc, q) {
						out = append(out, doc)
						if q.Limit > 0 && len(out) >= q.Limit {
							break
						}
					}
				}
				return out, nil
			}
			return nil, nil
		}
	}

	var out []model.Document
	for _, ch := range m.Chunks {
		docs, err := c.readChunk(ch.File)
		if err != nil {
			log.Printf("search: skip %s: %v", ch.File, err)
			continue
		}
		for _, doc := range docs {
			if matchQuery(doc, q) {
				out = append(out, doc)
				if q.Limit > 0 && len(out) >= q.Limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (c *Chunks) Stats(ctx context.Context) (Stats, error) {
	m, err := c.manifest()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: m.Total}
	for _, ch := range m.Chunks {
		docs, err := c.readChunk(ch.File)
		if err != nil {
			continue
		}
		for _, doc := range docs {
			if _, ok := doc[model.KeyEnrichment]; ok {
				st.Enriched++
			}
		}
	}
	return st, nil
}

// --- sync-state ---

type syncMark struct {
	CompletedAt string `json:"completed_at"`
	Records     int64  `json:"records"`
}

func (c *Chunks) loadSync() (map[string]syncMark, error) {
	marks := make(map[string]syncMark)
	raw, err := c.readFile(syncStateFile)
	if err != nil {
		return marks, nil // absent means never merged
	}
	if err := oj.Unmarshal(raw, &marks); err != nil {
		return nil, fmt.Errorf("parse sync state: %w", err)
	}
	return marks, nil
}

func (c *Chunks) SourceDone(ctx context.Context, file string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	marks, err := c.loadSync()
	if err != nil {
		return false, err
	}
	_, ok := marks[file]
	return ok, nil
}

func (c *Chunks) MarkSourceDone(ctx context.Context, file string, records int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	marks, err := c.loadSync()
	if err != nil {
		return err
	}
	marks[file] = syncMark{
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
		Records:     records,
	}
	return c.writeFileAtomic(syncStateFile, []byte(oj.JSON(marks, 2)))
}

func (c *Chunks) ClearSourceMarks(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.fs.Remove(syncStateFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear sync state: %w", err)
	}
	return nil
}

// --- filter matching ---

// matchQuery applies Query to one document. Derived values (capital,
// contacts, employees) are extracted on the fly; the chunk backend has
// no redundant columns.
func matchQuery(doc model.Document, q Query) bool {
	code, _ := model.Code(doc)
	name := strings.ToLower(docStr(doc, model.FieldName))

	if q.Term != "" {
		if isDigits(q.Term) {
			if fmt.Sprintf("%d", code) != q.Term {
				return false
			}
		} else if !strings.Contains(name, strings.ToLower(q.Term)) {
			return false
		}
	}
	if q.Location != "" {
		addr := strings.ToLower(docStr(doc, model.FieldCounty) + " " + docStr(doc, model.FieldCity))
		if !strings.Contains(addr, strings.ToLower(q.Location)) {
			return false
		}
	}
	if q.Status != "" &&
		!strings.Contains(strings.ToLower(docStr(doc, model.FieldStatus)), strings.ToLower(q.Status)) {
		return false
	}
	if q.Person != "" &&
		!strings.Contains(strings.ToLower(oj.JSON(doc)), strings.ToLower(q.Person)) {
		return false
	}
	if q.LegalForm != "" && docStr(doc, model.FieldLegalForm) != q.LegalForm {
		return false
	}
	if q.EMTAKPrefix != "" && !hasActivityPrefix(doc, q.EMTAKPrefix) {
		return false
	}
	founded := docStr(doc, model.FieldFounded)
	if q.FoundedFrom != "" && (founded == "" || founded < q.FoundedFrom) {
		return false
	}
	if q.FoundedUntil != "" && (founded == "" || founded > q.FoundedUntil) {
		return false
	}

	if q.CapitalMin != nil || q.CapitalMax != nil || q.HasEmail || q.HasPhone || q.HasWWW {
		d := model.Extract(doc)
		if q.CapitalMin != nil && (d.Capital == nil || *d.Capital < *q.CapitalMin) {
			return false
		}
		if q.CapitalMax != nil && (d.Capital == nil || *d.Capital > *q.CapitalMax) {
			return false
		}
		if q.HasEmail && d.Email == "" {
			return false
		}
		if q.HasPhone && d.Phone == "" {
			return false
		}
		if q.HasWWW && d.WWW == "" {
			return false
		}
	}
	return true
}

func docStr(doc model.Document, key string) string {
	s, _ := doc[key].(string)
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hasActivityPrefix(doc model.Document, prefix string) bool {
	list, _ := doc[model.FieldActivity].([]any)
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if code, _ := m[model.FieldEMTAK].(string); strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

// GroupCount buckets matching documents by scanning every chunk.
func (c *Chunks) GroupCount(ctx context.Context, q Query, by GroupBy) ([]Bucket, error) {
	m, err := c.manifest()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, ch := range m.Chunks {
		docs, err := c.readChunk(ch.File)
		if err != nil {
			log.Printf("group: skip %s: %v", ch.File, err)
			continue
		}
		for _, doc := range docs {
			if !matchQuery(doc, q) {
				continue
			}
			for _, label := range bucketLabels(doc, by) {
				counts[label]++
			}
		}
	}

	out := make([]Bucket, 0, len(counts))
	for label, n := range counts {
		out = append(out, Bucket{Label: label, Count: n})
	}
	switch by {
	case ByFoundedYear:
		sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	case ByCapital:
		out = rankBuckets(out, capitalLabels())
	case ByEmployees:
		out = rankBuckets(out, employeeLabels())
	default:
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			return out[i].Label < out[j].Label
		})
	}
	return out, nil
}

// bucketLabels yields the group labels one document contributes.
// Scalar dimensions yield at most one; activity and person dimensions
// yield one per nested element.
func bucketLabels(doc model.Document, by GroupBy) []string {
	switch by {
	case ByLocation:
		return []string{docStr(doc, model.FieldCounty)}
	case ByStatus:
		return []string{docStr(doc, model.FieldStatus)}
	case ByLegalForm:
		return []string{docStr(doc, model.FieldLegalForm)}
	case ByFoundedYear:
		founded := docStr(doc, model.FieldFounded)
		if len(founded) < 4 {
			return nil
		}
		return []string{founded[:4]}
	case ByCapital:
		d := model.Extract(doc)
		if d.Capital == nil {
			return nil
		}
		return []string{CapitalBucketLabel(*d.Capital)}
	case ByEmployees:
		d := model.Extract(doc)
		if d.Employees == nil {
			return nil
		}
		return []string{EmployeeBucketLabel(*d.Employees)}
	case ByActivity:
		var labels []string
		list, _ := doc[model.FieldActivity].([]any)
		for _, v := range list {
			if m, ok := v.(map[string]any); ok {
				if code, _ := m[model.FieldEMTAK].(string); code != "" {
					labels = append(labels, code)
				}
			}
		}
		return labels
	case ByRole:
		var labels []string
		list, _ := doc[model.KeyBoard].([]any)
		for _, v := range list {
			if m, ok := v.(map[string]any); ok {
				if role, _ := m["isiku_roll"].(string); role != "" {
					labels = append(labels, role)
				}
			}
		}
		return labels
	case ByCountry:
		var labels []string
		list, _ := doc[model.KeyBeneficiaries].([]any)
		for _, v := range list {
			if m, ok := v.(map[string]any); ok {
				if country, _ := m["aadress_riik"].(string); country != "" {
					labels = append(labels, country)
				}
			}
		}
		return labels
	default:
		return nil
	}
}

var _ Store = (*Chunks)(nil)
