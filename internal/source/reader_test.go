package source

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendata-ee/ariregister/internal/model"
)

func TestStreamJSONArray(t *testing.T) {
	payload := `[
		{"ariregistri_kood": 501, "nimi": "Alpha OÜ"},
		{"ariregistri_kood": 502, "nimi": "Beta AS"}
	]`

	var docs []model.Document
	err := StreamJSONArray(strings.NewReader(payload), func(doc model.Document, recErr error) error {
		require.NoError(t, recErr)
		docs = append(docs, doc)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Alpha OÜ", docs[0]["nimi"])

	code, ok := model.Code(docs[1])
	require.True(t, ok)
	assert.Equal(t, int64(502), code)
}

func TestStreamJSONArray_SurfacesMalformedElement(t *testing.T) {
	// A well-formed element of the wrong shape is surfaced as a
	// per-record error; the stream continues.
	payload := `[{"ariregistri_kood": 1}, "not an object", {"ariregistri_kood": 2}]`

	var good, bad int
	err := StreamJSONArray(strings.NewReader(payload), func(doc model.Document, recErr error) error {
		if recErr != nil {
			bad++
			return nil
		}
		good++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, good)
	assert.Equal(t, 1, bad)
}

func TestStreamJSONArray_RejectsNonArray(t *testing.T) {
	err := StreamJSONArray(strings.NewReader(`{"a": 1}`), func(model.Document, error) error {
		t.Fatal("callback should not run")
		return nil
	})
	require.Error(t, err)
}

func TestStreamCSV(t *testing.T) {
	payload := "\ufeffariregistri_kood;nimi;staatus\n501;Alpha OÜ;R\n502;Beta AS;L\n"

	var docs []model.Document
	err := StreamCSV(strings.NewReader(payload), func(doc model.Document, recErr error) error {
		require.NoError(t, recErr)
		docs = append(docs, doc)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// The BOM must not leak into the first header name.
	code, ok := model.Code(docs[0])
	require.True(t, ok)
	assert.Equal(t, int64(501), code)
	assert.Equal(t, "R", docs[0]["staatus"])
}

func TestStreamCSV_StopsOnCallbackError(t *testing.T) {
	payload := "a;b\n1;2\n3;4\n"
	calls := 0
	err := StreamCSV(strings.NewReader(payload), func(model.Document, error) error {
		calls++
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}
