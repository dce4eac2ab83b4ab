package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kdimtricp/vsearch/internal/models"
)

type Hit struct {
	OwnerRef string
	VideoID  string
	Score    float64
}

// Filter restricts a query to a set of video ids. A nil Filter allows
// every video; an empty non-nil Filter allows none.
type Filter map[string]struct{}

func NewFilter(ids ...string) Filter {
	f := make(Filter, len(ids))
	for _, id := range ids {
		f[id] = struct{}{}
	}
	return f
}

func (f Filter) Allows(videoID string) bool {
	if f == nil {
		return true
	}
	_, ok := f[videoID]
	return ok
}

func (f Filter) IDs() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dimensions is the configured vector length per modality.
type Dimensions map[models.Modality]int

// Index stores vectors in one namespace per modality and answers cosine
// k-nearest-neighbor queries. Results are sorted by descending score with
// ties in insertion order.
type Index interface {
	// Upsert replaces any vector already stored for the same owner.
	Upsert(ctx context.Context, recs ...models.EmbeddingRecord) error
	Query(ctx context.Context, modality models.Modality, vector []float32, k int, filter Filter) ([]Hit, error)
	// Remove drops the video's vectors, in all modalities unless some
	// are named.
	Remove(ctx context.Context, videoID string, modalities ...models.Modality) error
	Dimension(modality models.Modality) int
	Close() error
}

func (d Dimensions) check(modality models.Modality, vector []float32) error {
	want, ok := d[modality]
	if !ok {
		return fmt.Errorf("unknown modality %q", modality)
	}
	if len(vector) != want {
		return fmt.Errorf("%w: %s vector has %d dimensions, index expects %d",
			models.ErrDimensionMismatch, modality, len(vector), want)
	}
	return nil
}

func (d Dimensions) checkAll(recs []models.EmbeddingRecord) error {
	for _, rec := range recs {
		if rec.OwnerRef == "" || rec.VideoID == "" {
			return fmt.Errorf("%w: embedding without owner or video", models.ErrValidation)
		}
		if err := d.check(rec.Modality, rec.Vector); err != nil {
			return err
		}
	}
	return nil
}

// unit returns an L2-normalized copy of v. The zero vector stays zero.
func unit(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return math.Max(-1, math.Min(1, s))
}

// sortHits orders hits by descending score. Hits must arrive in insertion
// order; the stable sort keeps that order among equal scores.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
}
