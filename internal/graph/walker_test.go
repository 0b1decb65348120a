package graph

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendata-ee/ariregister/internal/model"
	"github.com/opendata-ee/ariregister/internal/store"
)

// fakeIndex is an in-memory PersonIndexer: owns[A] lists the codes A
// holds a stake in.
type fakeIndex struct {
	names map[int64]string
	owns  map[int64][]int64
}

func (f *fakeIndex) EntityName(ctx context.Context, code int64) (string, error) {
	name, ok := f.names[code]
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

func (f *fakeIndex) ShareholdersOf(ctx context.Context, code int64) ([]model.Person, error) {
	var out []model.Person
	for owner, held := range f.owns {
		for _, h := range held {
			if h == code {
				out = append(out, model.Person{
					EntityCode: code,
					Source:     model.SourceShareholder,
					IDCode:     strconv.FormatInt(owner, 10),
				})
			}
		}
	}
	return out, nil
}

func (f *fakeIndex) HoldingsOf(ctx context.Context, code int64) ([]model.Person, error) {
	var out []model.Person
	for _, held := range f.owns[code] {
		pct := 100.0
		out = append(out, model.Person{
			EntityCode: held,
			Source:     model.SourceShareholder,
			IDCode:     strconv.FormatInt(code, 10),
			Pct:        &pct,
		})
	}
	return out, nil
}

func (f *fakeIndex) RebuildPersonIndex(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeIndex) RecomputeDerived(ctx context.Context) error           { return nil }

func TestFindGroup_Down(t *testing.T) {
	// 1 owns 2 and 3; 2 owns 4.
	idx := &fakeIndex{
		names: map[int64]string{1: "Root AS", 2: "Mid OÜ", 3: "Side OÜ", 4: "Leaf OÜ"},
		owns:  map[int64][]int64{1: {2, 3}, 2: {4}},
	}

	g, err := New(idx).FindGroup(context.Background(), 1, Down, 0)
	require.NoError(t, err)
	assert.Equal(t, "Root AS", g.Name)
	assert.Empty(t, g.Owners, "down direction skips the owner lookup")
	require.Len(t, g.Subsidiaries, 3)

	byCode := make(map[int64]Subsidiary)
	for _, s := range g.Subsidiaries {
		byCode[s.Code] = s
	}
	assert.Equal(t, 1, byCode[2].Depth)
	assert.Equal(t, int64(1), byCode[2].ParentCode)
	assert.Equal(t, 1, byCode[3].Depth)
	assert.Equal(t, 2, byCode[4].Depth)
	assert.Equal(t, int64(2), byCode[4].ParentCode)
	assert.Equal(t, "Leaf OÜ", byCode[4].Name)
}

func TestFindGroup_CycleTerminates(t *testing.T) {
	// 1 owns 2, 2 owns 1: the walk must terminate and list each entity
	// at most once.
	idx := &fakeIndex{
		names: map[int64]string{1: "A", 2: "B"},
		owns:  map[int64][]int64{1: {2}, 2: {1}},
	}

	g, err := New(idx).FindGroup(context.Background(), 1, Down, 10)
	require.NoError(t, err)
	require.Len(t, g.Subsidiaries, 1)
	assert.Equal(t, int64(2), g.Subsidiaries[0].Code)
}

func TestFindGroup_DepthBound(t *testing.T) {
	// A strict chain 1 -> 2 -> 3 -> 4 cut at depth 2.
	idx := &fakeIndex{
		names: map[int64]string{1: "A", 2: "B", 3: "C", 4: "D"},
		owns:  map[int64][]int64{1: {2}, 2: {3}, 3: {4}},
	}

	g, err := New(idx).FindGroup(context.Background(), 1, Down, 2)
	require.NoError(t, err)
	require.Len(t, g.Subsidiaries, 2)
	for _, s := range g.Subsidiaries {
		assert.LessOrEqual(t, s.Depth, 2)
	}
}

func TestFindGroup_Up(t *testing.T) {
	idx := &fakeIndex{
		names: map[int64]string{1: "Parent AS", 2: "Child OÜ"},
		owns:  map[int64][]int64{1: {2}},
	}

	g, err := New(idx).FindGroup(context.Background(), 2, Up, 0)
	require.NoError(t, err)
	require.Len(t, g.Owners, 1)
	assert.Equal(t, "1", g.Owners[0].IDCode)
	assert.Empty(t, g.Subsidiaries)
}

func TestFindGroup_Both(t *testing.T) {
	idx := &fakeIndex{
		names: map[int64]string{1: "A", 2: "B", 3: "C"},
		owns:  map[int64][]int64{1: {2}, 2: {3}},
	}

	g, err := New(idx).FindGroup(context.Background(), 2, Both, 0)
	require.NoError(t, err)
	require.Len(t, g.Owners, 1)
	require.Len(t, g.Subsidiaries, 1)
	assert.Equal(t, int64(3), g.Subsidiaries[0].Code)
}

func TestFindGroup_UnknownRoot(t *testing.T) {
	idx := &fakeIndex{names: map[int64]string{}, owns: map[int64][]int64{}}
	_, err := New(idx).FindGroup(context.Background(), 42, Down, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
