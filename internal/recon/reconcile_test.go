package recon

import (
	"errors"
	"testing"

	"github.com/tpwrules/labelous/internal/labelme"
	"github.com/tpwrules/labelous/internal/store"
)

func idPtr(id int64) *int64 { return &id }
func idxPtr(i int) *int     { return &i }

var testWeights = map[string]float64{"car": 2, "tree": 1}

func TestBuildCreatesNewPolygon(t *testing.T) {
	objects := []labelme.Object{{
		Index:  0,
		Label:  "car",
		Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, nil, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Creates) != 1 || len(plan.Updates) != 0 {
		t.Fatalf("plan = %d creates, %d updates", len(plan.Creates), len(plan.Updates))
	}
	created := plan.Creates[0]
	if created.Label != "car" {
		t.Fatalf("created label = %q", created.Label)
	}
	if created.AnnoIndex == nil || *created.AnnoIndex != 0 {
		t.Fatalf("created index = %v, want 0", created.AnnoIndex)
	}
	if plan.Score != 2 {
		t.Fatalf("score = %g, want 2", plan.Score)
	}
}

func TestBuildMatchesByID(t *testing.T) {
	existing := []store.Polygon{{
		ID: 10, Label: "car", Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	objects := []labelme.Object{{
		PolyID: idPtr(10),
		Label:  "tree",
		Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, existing, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Creates) != 0 || len(plan.Updates) != 1 {
		t.Fatalf("plan = %d creates, %d updates", len(plan.Creates), len(plan.Updates))
	}
	if plan.Updates[0].ID != 10 || plan.Updates[0].Label != "tree" {
		t.Fatalf("update = %+v", plan.Updates[0])
	}
	if plan.Score != 1 {
		t.Fatalf("score = %g, want 1", plan.Score)
	}
}

func TestBuildMatchesByIndex(t *testing.T) {
	// Created earlier in the same edit session, so the row has an index
	// but the tool does not yet know its identity.
	existing := []store.Polygon{{
		ID: 10, Label: "car", AnnoIndex: idxPtr(0), Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	objects := []labelme.Object{{
		Index:  0,
		Label:  "car",
		Points: []float64{9, 9, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, existing, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Creates) != 0 || len(plan.Updates) != 1 {
		t.Fatalf("plan = %d creates, %d updates", len(plan.Creates), len(plan.Updates))
	}
	if plan.Updates[0].ID != 10 {
		t.Fatalf("update matched wrong row: %+v", plan.Updates[0])
	}
}

func TestBuildSkipsUnchanged(t *testing.T) {
	existing := []store.Polygon{{
		ID: 10, Label: "car", Notes: "n", Occluded: true, Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	objects := []labelme.Object{{
		PolyID:   idPtr(10),
		Label:    "car",
		Notes:    "n",
		Occluded: true,
		Points:   []float64{1, 2, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, existing, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Creates) != 0 || len(plan.Updates) != 0 {
		t.Fatalf("unchanged polygon produced writes: %+v", plan)
	}
	if plan.Score != 2 {
		t.Fatalf("score = %g, want 2", plan.Score)
	}
}

func TestBuildDeletesPolygon(t *testing.T) {
	existing := []store.Polygon{{
		ID: 10, Label: "car", Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	objects := []labelme.Object{{
		PolyID:  idPtr(10),
		Label:   "car",
		Deleted: true,
		Points:  []float64{1, 2, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, existing, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Updates) != 1 || !plan.Updates[0].Deleted {
		t.Fatalf("delete not planned: %+v", plan)
	}
	if plan.Score != 0 {
		t.Fatalf("deleted entry still scored: %g", plan.Score)
	}
}

func TestBuildRefusesResurrection(t *testing.T) {
	existing := []store.Polygon{{
		ID: 10, Label: "car", Deleted: true, Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	objects := []labelme.Object{{
		PolyID: idPtr(10),
		Label:  "car",
		Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	if _, err := Build(objects, existing, testWeights); !errors.Is(err, ErrRevivedPolygon) {
		t.Fatalf("resurrection accepted, err = %v", err)
	}
}

func TestBuildDeletedStaysDeleted(t *testing.T) {
	// Submitting a deleted entry for an already deleted row is a no-op,
	// not a conflict.
	existing := []store.Polygon{{
		ID: 10, Label: "car", Deleted: true, Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	objects := []labelme.Object{{
		PolyID:  idPtr(10),
		Label:   "car",
		Deleted: true,
		Points:  []float64{1, 2, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, existing, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Creates) != 0 || len(plan.Updates) != 0 {
		t.Fatalf("deleted no-op produced writes: %+v", plan)
	}
}

func TestBuildUnknownID(t *testing.T) {
	objects := []labelme.Object{{
		PolyID: idPtr(99),
		Label:  "car",
		Points: []float64{1, 2, 3, 4, 5, 6},
	}}
	if _, err := Build(objects, nil, testWeights); !errors.Is(err, ErrUnknownPolygon) {
		t.Fatalf("unknown id accepted, err = %v", err)
	}
}

func TestBuildUnknownDeletedIDIgnored(t *testing.T) {
	objects := []labelme.Object{{
		PolyID:  idPtr(99),
		Label:   "car",
		Deleted: true,
		Points:  []float64{1, 2, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, nil, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Creates) != 0 || len(plan.Updates) != 0 {
		t.Fatalf("phantom delete produced writes: %+v", plan)
	}
}

func TestBuildCreateThenRetractInOneDocument(t *testing.T) {
	objects := []labelme.Object{{
		Index:   0,
		Label:   "car",
		Deleted: true,
		Points:  []float64{1, 2, 3, 4, 5, 6},
	}}
	plan, err := Build(objects, nil, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(plan.Creates) != 0 {
		t.Fatalf("retracted creation persisted: %+v", plan)
	}
}

func TestBuildScoreSumsLiveLabels(t *testing.T) {
	objects := []labelme.Object{
		{Index: 0, Label: "car", Points: []float64{1, 2, 3, 4, 5, 6}},
		{Index: 1, Label: "car", Points: []float64{1, 2, 3, 4, 5, 6}},
		{Index: 2, Label: "tree", Points: []float64{1, 2, 3, 4, 5, 6}},
		{Index: 3, Label: "tree", Deleted: true, Points: []float64{1, 2, 3, 4, 5, 6}},
		{Index: 4, Label: "unknown", Points: []float64{1, 2, 3, 4, 5, 6}},
	}
	plan, err := Build(objects, nil, testWeights)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Score != 5 {
		t.Fatalf("score = %g, want 5", plan.Score)
	}
}
