package index

import (
	"context"
	"errors"
	"testing"

	"github.com/kdimtricp/vsearch/internal/models"
)

func rec(owner, video string, modality models.Modality, v ...float32) models.EmbeddingRecord {
	return models.EmbeddingRecord{OwnerRef: owner, VideoID: video, Modality: modality, Vector: v}
}

func owners(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.OwnerRef
	}
	return out
}

func equalStrings(a, b []string) bool {
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

var testDims = Dimensions{models.ModalityText: 3, models.ModalityImage: 2}

// runIndexContract exercises the behaviour every Index implementation shares.
func runIndexContract(t *testing.T, open func(t *testing.T) Index) {
	ctx := context.Background()

	t.Run("DimensionMismatch", func(t *testing.T) {
		idx := open(t)
		err := idx.Upsert(ctx, rec("a", "v1", models.ModalityText, 1, 0))
		if !errors.Is(err, models.ErrDimensionMismatch) {
			t.Errorf("Expected ErrDimensionMismatch on upsert, got %v", err)
		}
		_, err = idx.Query(ctx, models.ModalityImage, []float32{1, 0, 0}, 5, nil)
		if !errors.Is(err, models.ErrDimensionMismatch) {
			t.Errorf("Expected ErrDimensionMismatch on query, got %v", err)
		}
	})

	t.Run("OrderedByScore", func(t *testing.T) {
		idx := open(t)
		err := idx.Upsert(ctx,
			rec("far", "v1", models.ModalityText, 0, 0, 1),
			rec("near", "v1", models.ModalityText, 1, 0.1, 0),
			rec("mid", "v2", models.ModalityText, 1, 1, 0),
		)
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		hits, err := idx.Query(ctx, models.ModalityText, []float32{2, 0, 0}, 10, nil)
		if err != nil {
			t.Fatalf("Failed to query: %v", err)
		}
		want := []string{"near", "mid", "far"}
		if got := owners(hits); !equalStrings(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
		if hits[0].Score < 0.99 || hits[0].Score > 1 {
			t.Errorf("Expected top score near 1, got %f", hits[0].Score)
		}
		if hits[2].Score > 0.01 || hits[2].Score < -0.01 {
			t.Errorf("Expected orthogonal score near 0, got %f", hits[2].Score)
		}
	})

	t.Run("TiesKeepInsertionOrder", func(t *testing.T) {
		idx := open(t)
		for _, owner := range []string{"first", "second", "third"} {
			if err := idx.Upsert(ctx, rec(owner, "v1", models.ModalityImage, 1, 1)); err != nil {
				t.Fatalf("Failed to upsert: %v", err)
			}
		}
		hits, err := idx.Query(ctx, models.ModalityImage, []float32{1, 1}, 3, nil)
		if err != nil {
			t.Fatalf("Failed to query: %v", err)
		}
		want := []string{"first", "second", "third"}
		if got := owners(hits); !equalStrings(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("Filter", func(t *testing.T) {
		idx := open(t)
		err := idx.Upsert(ctx,
			rec("a", "v1", models.ModalityText, 1, 0, 0),
			rec("b", "v2", models.ModalityText, 1, 0, 0),
			rec("c", "v3", models.ModalityText, 1, 0, 0),
		)
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		tests := []struct {
			name   string
			filter Filter
			want   []string
		}{
			{"nil allows all", nil, []string{"a", "b", "c"}},
			{"subset", NewFilter("v1", "v3"), []string{"a", "c"}},
			{"empty allows none", NewFilter(), []string{}},
			{"unknown video", NewFilter("v9"), []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				hits, err := idx.Query(ctx, models.ModalityText, []float32{1, 0, 0}, 10, tt.filter)
				if err != nil {
					t.Fatalf("Failed to query: %v", err)
				}
				if got := owners(hits); !equalStrings(got, tt.want) {
					t.Errorf("Expected %v, got %v", tt.want, got)
				}
			})
		}
	})

	t.Run("LimitK", func(t *testing.T) {
		idx := open(t)
		for i, owner := range []string{"a", "b", "c", "d"} {
			if err := idx.Upsert(ctx, rec(owner, "v1", models.ModalityImage, 1, float32(i))); err != nil {
				t.Fatalf("Failed to upsert: %v", err)
			}
		}
		hits, err := idx.Query(ctx, models.ModalityImage, []float32{1, 0}, 2, nil)
		if err != nil {
			t.Fatalf("Failed to query: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("Expected 2 hits, got %d", len(hits))
		}
		if hits[0].OwnerRef != "a" {
			t.Errorf("Expected a first, got %s", hits[0].OwnerRef)
		}

		hits, err = idx.Query(ctx, models.ModalityImage, []float32{1, 0}, 0, nil)
		if err != nil {
			t.Fatalf("Failed to query with k=0: %v", err)
		}
		if len(hits) != 0 {
			t.Errorf("Expected no hits for k=0, got %d", len(hits))
		}
	})

	t.Run("ModalitiesAreSeparate", func(t *testing.T) {
		idx := open(t)
		if err := idx.Upsert(ctx, rec("a", "v1", models.ModalityImage, 1, 0)); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		hits, err := idx.Query(ctx, models.ModalityText, []float32{1, 0, 0}, 10, nil)
		if err != nil {
			t.Fatalf("Failed to query: %v", err)
		}
		if len(hits) != 0 {
			t.Errorf("Expected text namespace to be empty, got %v", owners(hits))
		}
	})

	t.Run("Remove", func(t *testing.T) {
		idx := open(t)
		err := idx.Upsert(ctx,
			rec("a", "v1", models.ModalityText, 1, 0, 0),
			rec("b", "v2", models.ModalityText, 1, 0, 0),
			rec("c", "v1", models.ModalityImage, 1, 0),
		)
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		if err := idx.Remove(ctx, "v1", models.ModalityText); err != nil {
			t.Fatalf("Failed to remove: %v", err)
		}
		hits, _ := idx.Query(ctx, models.ModalityText, []float32{1, 0, 0}, 10, nil)
		if got := owners(hits); !equalStrings(got, []string{"b"}) {
			t.Errorf("Expected [b] after text removal, got %v", got)
		}
		hits, _ = idx.Query(ctx, models.ModalityImage, []float32{1, 0}, 10, nil)
		if len(hits) != 1 {
			t.Errorf("Expected image vector to survive, got %v", owners(hits))
		}

		if err := idx.Remove(ctx, "v1"); err != nil {
			t.Fatalf("Failed to remove: %v", err)
		}
		hits, _ = idx.Query(ctx, models.ModalityImage, []float32{1, 0}, 10, nil)
		if len(hits) != 0 {
			t.Errorf("Expected no image vectors, got %v", owners(hits))
		}
	})

	t.Run("ReplaceSameOwner", func(t *testing.T) {
		idx := open(t)
		err := idx.Upsert(ctx,
			rec("a", "v1", models.ModalityImage, 0, 1),
			rec("b", "v1", models.ModalityImage, 1, 0),
		)
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		if err := idx.Upsert(ctx, rec("a", "v1", models.ModalityImage, 1, 0)); err != nil {
			t.Fatalf("Failed to replace: %v", err)
		}

		hits, err := idx.Query(ctx, models.ModalityImage, []float32{1, 0}, 10, nil)
		if err != nil {
			t.Fatalf("Failed to query: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("Expected replacement not to duplicate, got %v", owners(hits))
		}
		if hits[0].Score < 0.99 || hits[1].Score < 0.99 {
			t.Errorf("Expected both vectors to match, got %v", hits)
		}
	})
}

func TestMemory(t *testing.T) {
	runIndexContract(t, func(t *testing.T) Index {
		return NewMemory(testDims)
	})
}

func TestMemory_ReplaceKeepsSlot(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(testDims)

	err := idx.Upsert(ctx,
		rec("a", "v1", models.ModalityImage, 1, 0),
		rec("b", "v1", models.ModalityImage, 1, 0),
	)
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if err := idx.Upsert(ctx, rec("a", "v1", models.ModalityImage, 2, 0)); err != nil {
		t.Fatalf("Failed to replace: %v", err)
	}

	hits, _ := idx.Query(ctx, models.ModalityImage, []float32{1, 0}, 10, nil)
	if got := owners(hits); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("Expected replaced owner to keep its position, got %v", got)
	}
	if idx.Len(models.ModalityImage) != 2 {
		t.Errorf("Expected 2 vectors, got %d", idx.Len(models.ModalityImage))
	}
}

func TestMemory_RejectsMissingOwner(t *testing.T) {
	idx := NewMemory(testDims)
	err := idx.Upsert(context.Background(), rec("", "v1", models.ModalityImage, 1, 0))
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestMemory_ZeroVector(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(testDims)
	if err := idx.Upsert(ctx, rec("a", "v1", models.ModalityImage, 0, 0)); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	hits, err := idx.Query(ctx, models.ModalityImage, []float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(hits) != 1 || hits[0].Score != 0 {
		t.Errorf("Expected zero score for zero vector, got %v", hits)
	}
}

func TestFilter_IDs(t *testing.T) {
	f := NewFilter("b", "a", "c")
	if got := f.IDs(); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("Expected sorted ids, got %v", got)
	}
	var none Filter
	if !none.Allows("anything") {
		t.Error("Expected nil filter to allow everything")
	}
}
