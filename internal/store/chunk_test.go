package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendata-ee/ariregister/internal/model"
)

func chunkDoc(code int64, name, status, county string) model.Document {
	return model.Document{
		model.FieldCode:   float64(code),
		model.FieldName:   name,
		model.FieldStatus: status,
		model.FieldCounty: county,
	}
}

// seedChunks stages entities 1..n out of order and flushes.
func seedChunks(t *testing.T, c *Chunks, n int) {
	t.Helper()
	ctx := context.Background()

	var rows []BaseRow
	for i := n; i >= 1; i-- { // reverse order on purpose
		code := int64(i)
		rows = append(rows, BaseRow{
			Code: code,
			Doc:  chunkDoc(code, fmt.Sprintf("Firma %d OÜ", code), "R", "Harju maakond"),
		})
	}
	require.NoError(t, c.InsertBase(ctx, rows))
	require.NoError(t, c.Flush(ctx))
}

func TestChunks_ManifestConsistency(t *testing.T) {
	c := NewChunks(memfs.New(), 10)
	seedChunks(t, c, 25)

	m, err := c.manifest()
	require.NoError(t, err)
	assert.Equal(t, int64(25), m.Total)
	require.Len(t, m.Chunks, 3)

	// Chunks carry disjoint ascending code ranges, and their record
	// counts sum to the manifest total.
	var sum int
	var prevEnd int64
	for _, ch := range m.Chunks {
		docs, err := c.readChunk(ch.File)
		require.NoError(t, err)
		require.Len(t, docs, ch.Count)
		sum += ch.Count

		assert.Greater(t, ch.StartCode, prevEnd)
		prevEnd = ch.EndCode

		last := int64(0)
		for _, doc := range docs {
			code, ok := model.Code(doc)
			require.True(t, ok)
			assert.Greater(t, code, last, "records inside a chunk are code-sorted")
			assert.True(t, ch.Contains(code))
			last = code
		}
	}
	assert.Equal(t, int64(sum), m.Total)
}

func TestChunks_ExactCodeLookup(t *testing.T) {
	c := NewChunks(memfs.New(), 10)
	seedChunks(t, c, 25)

	docs, err := c.Search(context.Background(), Query{Term: "17"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Firma 17 OÜ", docs[0][model.FieldName])

	docs, err = c.Search(context.Background(), Query{Term: "17", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, docs, 1, "the code fast path honors the limit")

	docs, err = c.Search(context.Background(), Query{Term: "99"})
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = c.Search(context.Background(), Query{Term: "+17"})
	require.NoError(t, err)
	assert.Empty(t, docs, "a signed term is a name search, not a code")
}

func TestChunks_FlushFoldsSourcesInOrder(t *testing.T) {
	c := NewChunks(memfs.New(), 10)
	ctx := context.Background()

	require.NoError(t, c.InsertBase(ctx, []BaseRow{
		{Code: 501, Doc: chunkDoc(501, "Alpha (old name)", "R", "Harju maakond")},
	}))
	require.NoError(t, c.PatchGeneral(ctx, []GeneralPatch{
		{Code: 501, Doc: model.Document{
			model.FieldCode: 501.0,
			model.FieldName: "Alpha OÜ", // general wins over base
			model.FieldCapitals: []any{
				map[string]any{model.FieldAmount: 2500.0, model.FieldCurrency: "EUR", model.FieldStart: "2015-04-10"},
			},
		}},
	}))
	require.NoError(t, c.PatchRoles(ctx, model.KeyShareholders, []RoleBatch{
		{Code: 501, Records: []model.Document{{"nimi_arinimi": "Beta AS", "osaluse_protsent": 100.0}}},
		{Code: 999, Records: []model.Document{{"nimi_arinimi": "Ghost"}}}, // no base row, dropped
	}))
	require.NoError(t, c.Flush(ctx))

	docs, err := c.Search(ctx, Query{Term: "501"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Alpha OÜ", docs[0][model.FieldName])
	assert.NotEmpty(t, docs[0][model.KeyShareholders])

	docs, err = c.Search(ctx, Query{Term: "999"})
	require.NoError(t, err)
	assert.Empty(t, docs, "role data must never create an entity")
}

func TestChunks_PartialRerunKeepsEarlierSources(t *testing.T) {
	c := NewChunks(memfs.New(), 10)
	ctx := context.Background()

	require.NoError(t, c.InsertBase(ctx, []BaseRow{
		{Code: 501, Doc: chunkDoc(501, "Alpha OÜ", "R", "Harju maakond")},
	}))
	require.NoError(t, c.PatchRoles(ctx, model.KeyShareholders, []RoleBatch{
		{Code: 501, Records: []model.Document{{"nimi_arinimi": "Beta AS"}}},
	}))
	require.NoError(t, c.Flush(ctx))

	// A later run that only re-merges the base source must not lose the
	// shareholder collection written by the first run.
	require.NoError(t, c.InsertBase(ctx, []BaseRow{
		{Code: 501, Doc: chunkDoc(501, "Alpha OÜ", "R", "Harju maakond")},
		{Code: 502, Doc: chunkDoc(502, "Beta AS", "R", "Tartu maakond")},
	}))
	require.NoError(t, c.Flush(ctx))

	docs, err := c.Search(ctx, Query{Term: "501"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotEmpty(t, docs[0][model.KeyShareholders])

	m, err := c.manifest()
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Total)
}

func TestChunks_SearchFiltersMatchDerivedValues(t *testing.T) {
	c := NewChunks(memfs.New(), 10)
	ctx := context.Background()

	doc := chunkDoc(501, "Alpha OÜ", "R", "Harju maakond")
	doc[model.FieldCapitals] = []any{
		map[string]any{model.FieldAmount: 2500.0, model.FieldCurrency: "EUR", model.FieldStart: "2015-04-10"},
	}
	doc[model.FieldChannels] = []any{
		map[string]any{model.FieldChanKind: "EMAIL", model.FieldChanValue: "info@alpha.ee"},
	}
	require.NoError(t, c.InsertBase(ctx, []BaseRow{
		{Code: 501, Doc: doc},
		{Code: 502, Doc: chunkDoc(502, "Beta AS", "L", "Tartu maakond")},
	}))
	require.NoError(t, c.Flush(ctx))

	docs, err := c.Search(ctx, Query{CapitalMin: floatPtr(1000), CapitalMax: floatPtr(10000)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Alpha OÜ", docs[0][model.FieldName])

	docs, err = c.Search(ctx, Query{HasEmail: true})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = c.Search(ctx, Query{Location: "tartu", Status: "l"})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestChunks_Enrichment(t *testing.T) {
	c := NewChunks(memfs.New(), 10)
	seedChunks(t, c, 25)
	ctx := context.Background()

	require.NoError(t, c.SetEnrichment(ctx, 17, model.Document{"rating": "AA"}))
	assert.ErrorIs(t, c.SetEnrichment(ctx, 99, model.Document{}), ErrNotFound)

	docs, err := c.Search(ctx, Query{Term: "17"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	enrichment, ok := docs[0][model.KeyEnrichment].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AA", enrichment["rating"])

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), st.Total)
	assert.Equal(t, int64(1), st.Enriched)
}

func TestChunks_GroupCount(t *testing.T) {
	c := NewChunks(memfs.New(), 10)
	ctx := context.Background()

	alpha := chunkDoc(501, "Alpha OÜ", "R", "Harju maakond")
	alpha[model.FieldCapitals] = []any{
		map[string]any{model.FieldAmount: 2500.0, model.FieldCurrency: "EUR", model.FieldStart: "2015-04-10"},
	}
	beta := chunkDoc(502, "Beta AS", "R", "Tartu maakond")
	beta[model.FieldCapitals] = []any{
		map[string]any{model.FieldAmount: 150000.0, model.FieldCurrency: "EUR", model.FieldStart: "2008-01-20"},
	}
	gamma := chunkDoc(503, "Gamma OÜ", "L", "Harju maakond")

	require.NoError(t, c.InsertBase(ctx, []BaseRow{
		{Code: 501, Doc: alpha}, {Code: 502, Doc: beta}, {Code: 503, Doc: gamma},
	}))
	require.NoError(t, c.Flush(ctx))

	buckets, err := c.GroupCount(ctx, Query{}, ByLocation)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, Bucket{Label: "Harju maakond", Count: 2}, buckets[0])

	buckets, err = c.GroupCount(ctx, Query{}, ByCapital)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, Bucket{Label: "2,500 – 25K", Count: 1}, buckets[0])
	assert.Equal(t, Bucket{Label: "100K – 1M", Count: 1}, buckets[1])

	buckets, err = c.GroupCount(ctx, Query{Status: "R"}, ByStatus)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Count)
}

func TestChunks_SyncMarks(t *testing.T) {
	c := NewChunks(memfs.New(), 0)
	ctx := context.Background()

	done, err := c.SourceDone(ctx, "osanikud.json.zip")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, c.MarkSourceDone(ctx, "osanikud.json.zip", 42))
	done, err = c.SourceDone(ctx, "osanikud.json.zip")
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, c.ClearSourceMarks(ctx))
	done, err = c.SourceDone(ctx, "osanikud.json.zip")
	require.NoError(t, err)
	assert.False(t, done)
}
