// Package recon maps the polygon entries of a submitted document back
// onto persisted rows and decides what to create, update, or ignore.
// It is pure: callers run Build against rows read under the commit
// transaction's locks and then apply the returned plan atomically.
package recon

import (
	"errors"
	"fmt"

	"github.com/tpwrules/labelous/internal/labelme"
	"github.com/tpwrules/labelous/internal/store"
)

// ErrUnknownPolygon means an entry names an identity that does not
// exist while claiming to be alive. The tool never produces this from a
// current read, so the document is treated as malformed.
var ErrUnknownPolygon = errors.New("unknown polygon id")

// ErrRevivedPolygon means an entry tried to flip a deleted polygon back
// to live. Deletion is permanent; the whole submission is refused.
var ErrRevivedPolygon = errors.New("deleted polygon cannot come back")

// Plan is the write set of one reconciliation pass.
type Plan struct {
	// Creates are new polygons in document order, each carrying its
	// positional index as provisional identity for the rest of the
	// session.
	Creates []store.Polygon
	// Updates are existing rows with their new field values.
	Updates []store.Polygon
	// Score is the weight sum over every live submitted label. It
	// reflects the document's final state, not the delta.
	Score float64
}

// Build walks the document entries in order and matches each against
// the annotation's persisted polygons, by identity when the entry has
// one and by positional index otherwise.
func Build(objects []labelme.Object, existing []store.Polygon, weights map[string]float64) (Plan, error) {
	byID := make(map[int64]store.Polygon, len(existing))
	byIndex := make(map[int]store.Polygon)
	for _, p := range existing {
		byID[p.ID] = p
		if p.AnnoIndex != nil {
			byIndex[*p.AnnoIndex] = p
		}
	}

	var plan Plan
	for _, obj := range objects {
		if !obj.Deleted {
			plan.Score += weights[obj.Label]
		}

		if obj.PolyID != nil {
			current, ok := byID[*obj.PolyID]
			if !ok {
				if obj.Deleted {
					// Already invisible; nothing to do.
					continue
				}
				return Plan{}, fmt.Errorf("%w: %d", ErrUnknownPolygon, *obj.PolyID)
			}
			updated, changed, err := merge(current, obj)
			if err != nil {
				return Plan{}, err
			}
			if changed {
				plan.Updates = append(plan.Updates, updated)
			}
			continue
		}

		current, ok := byIndex[obj.Index]
		if !ok {
			if obj.Deleted {
				// Created and retracted within one document; it never
				// existed as far as the store is concerned.
				continue
			}
			index := obj.Index
			plan.Creates = append(plan.Creates, store.Polygon{
				Label:     obj.Label,
				Notes:     obj.Notes,
				Points:    obj.Points,
				Occluded:  obj.Occluded,
				AnnoIndex: &index,
			})
			continue
		}
		updated, changed, err := merge(current, obj)
		if err != nil {
			return Plan{}, err
		}
		if changed {
			plan.Updates = append(plan.Updates, updated)
		}
	}

	return plan, nil
}

// merge applies an entry's fields onto a persisted polygon, reporting
// whether anything actually differs.
func merge(current store.Polygon, obj labelme.Object) (store.Polygon, bool, error) {
	if current.Deleted && !obj.Deleted {
		return store.Polygon{}, false, fmt.Errorf("%w: %d", ErrRevivedPolygon, current.ID)
	}

	updated := current
	updated.Label = obj.Label
	updated.Notes = obj.Notes
	updated.Occluded = obj.Occluded
	updated.Deleted = current.Deleted || obj.Deleted
	updated.Points = obj.Points

	changed := updated.Label != current.Label ||
		updated.Notes != current.Notes ||
		updated.Occluded != current.Occluded ||
		updated.Deleted != current.Deleted ||
		!samePoints(updated.Points, current.Points)
	return updated, changed, nil
}

func samePoints(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
