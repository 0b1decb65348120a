// Package graph walks the ownership relations recorded in the person
// index: who owns an entity, and which entities it owns in turn.
package graph

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/opendata-ee/ariregister/internal/model"
	"github.com/opendata-ee/ariregister/internal/store"
)

// Direction selects which side of the ownership relation to explore.
type Direction string

const (
	Up   Direction = "up"   // direct owners only
	Down Direction = "down" // subsidiaries only
	Both Direction = "both"
)

// DefaultMaxDepth bounds the downward exploration when the caller
// does not.
const DefaultMaxDepth = 5

// Subsidiary is one entity discovered below the root, annotated with
// its depth and the parent it was discovered through, so the flat
// breadth-first result reconstructs as a tree.
type Subsidiary struct {
	Code       int64
	Name       string
	ParentCode int64
	Depth      int
	Pct        *float64
}

// Group is the result of one traversal.
type Group struct {
	Code         int64
	Name         string
	Owners       []model.Person
	Subsidiaries []Subsidiary
}

// Walker runs bounded breadth-first traversals over a person index.
type Walker struct {
	Index store.PersonIndexer
}

func New(index store.PersonIndexer) *Walker {
	return &Walker{Index: index}
}

// FindGroup returns the entity's identity, its direct shareholder
// records when dir includes upward, and a breadth-first exploration of
// its subsidiaries when dir includes downward. An entity B is a
// subsidiary of A when a shareholder record on B carries A's code as
// its identifier.
//
// The traversal is iterative — explicit queue plus visited set — so a
// synthetic ownership cycle terminates and each entity appears at most
// once, regardless of maxDepth.
func (w *Walker) FindGroup(ctx context.Context, code int64, dir Direction, maxDepth int) (*Group, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	name, err := w.Index.EntityName(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve entity %d: %w", code, err)
	}
	group := &Group{Code: code, Name: name}

	if dir == Up || dir == Both {
		owners, err := w.Index.ShareholdersOf(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("owners of %d: %w", code, err)
		}
		group.Owners = owners
	}

	if dir == Down || dir == Both {
		subs, err := w.walkDown(ctx, code, maxDepth)
		if err != nil {
			return nil, err
		}
		group.Subsidiaries = subs
	}
	return group, nil
}

type visit struct {
	code  int64
	depth int
}

func (w *Walker) walkDown(ctx context.Context, root int64, maxDepth int) ([]Subsidiary, error) {
	visited := roaring64.New()
	visited.Add(uint64(root))

	queue := []visit{{code: root, depth: 0}}
	var out []Subsidiary

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		holdings, err := w.Index.HoldingsOf(ctx, cur.code)
		if err != nil {
			return nil, fmt.Errorf("holdings of %d: %w", cur.code, err)
		}
		for _, h := range holdings {
			child := h.EntityCode
			if visited.Contains(uint64(child)) {
				continue
			}
			visited.Add(uint64(child))

			name, err := w.Index.EntityName(ctx, child)
			if err != nil && err != store.ErrNotFound {
				return nil, fmt.Errorf("resolve entity %d: %w", child, err)
			}
			out = append(out, Subsidiary{
				Code:       child,
				Name:       name,
				ParentCode: cur.code,
				Depth:      cur.depth + 1,
				Pct:        h.Pct,
			})
			queue = append(queue, visit{code: child, depth: cur.depth + 1})
		}
	}
	return out, nil
}
