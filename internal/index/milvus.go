package index

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

type MilvusConfig struct {
	Address          string
	Username         string
	Password         string
	APIKey           string
	CollectionPrefix string
}

// Milvus keeps one collection per modality, keyed by owner reference.
type Milvus struct {
	mc     client.Client
	prefix string
	dims   Dimensions
	seq    atomic.Int64
}

func NewMilvus(ctx context.Context, cfg MilvusConfig, dims Dimensions) (*Milvus, error) {
	mc, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		APIKey:   cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "vsearch"
	}
	s := &Milvus{mc: mc, prefix: prefix, dims: dims}
	// seq orders ties across restarts, so it continues from wall time
	s.seq.Store(time.Now().UnixNano())

	for modality, dim := range dims {
		if err := s.ensureCollection(ctx, s.collection(modality), dim); err != nil {
			mc.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Milvus) collection(modality models.Modality) string {
	return s.prefix + "_" + string(modality)
}

func (s *Milvus) ensureCollection(ctx context.Context, coll string, dim int) error {
	has, err := s.mc.HasCollection(ctx, coll)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", coll, err)
	}
	if !has {
		schema := entity.NewSchema().WithName(coll).WithDescription("vsearch embeddings")
		schema.WithField(entity.NewField().WithName("owner_ref").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true))
		schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
		schema.WithField(entity.NewField().WithName("seq").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection %s: %w", coll, err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
		if err != nil {
			return fmt.Errorf("new hnsw index: %w", err)
		}
		if err := s.mc.CreateIndex(ctx, coll, "vector", idx, false); err != nil {
			return fmt.Errorf("create index on %s: %w", coll, err)
		}
	}

	if err := s.mc.LoadCollection(ctx, coll, false); err != nil {
		return fmt.Errorf("load collection %s: %w", coll, err)
	}
	return nil
}

func (s *Milvus) Dimension(modality models.Modality) int {
	return s.dims[modality]
}

func (s *Milvus) Upsert(ctx context.Context, recs ...models.EmbeddingRecord) error {
	if err := s.dims.checkAll(recs); err != nil {
		return err
	}

	byModality := make(map[models.Modality][]models.EmbeddingRecord)
	for _, rec := range recs {
		byModality[rec.Modality] = append(byModality[rec.Modality], rec)
	}

	for modality, group := range byModality {
		owners := make([]string, len(group))
		videos := make([]string, len(group))
		seqs := make([]int64, len(group))
		vectors := make([][]float32, len(group))
		for i, rec := range group {
			owners[i] = rec.OwnerRef
			videos[i] = rec.VideoID
			seqs[i] = s.seq.Add(1)
			vectors[i] = unit(rec.Vector)
		}

		_, err := s.mc.Upsert(ctx, s.collection(modality), "",
			entity.NewColumnVarChar("owner_ref", owners),
			entity.NewColumnVarChar("video_id", videos),
			entity.NewColumnInt64("seq", seqs),
			entity.NewColumnFloatVector("vector", s.dims[modality], vectors),
		)
		if err != nil {
			return fmt.Errorf("upsert into %s: %w", s.collection(modality), err)
		}
	}
	return nil
}

// inExpr renders a boolean expression matching any of the ids.
func inExpr(field string, ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}

func (s *Milvus) Query(ctx context.Context, modality models.Modality, vector []float32, k int, filter Filter) ([]Hit, error) {
	if err := s.dims.check(modality, vector); err != nil {
		return nil, err
	}
	if k <= 0 || (filter != nil && len(filter) == 0) {
		return []Hit{}, nil
	}

	expr := ""
	if filter != nil {
		expr = inExpr("video_id", filter.IDs())
	}

	sp, err := entity.NewIndexHNSWSearchParam(max(k, 74))
	if err != nil {
		return nil, fmt.Errorf("search params: %w", err)
	}

	res, err := s.mc.Search(ctx, s.collection(modality), []string{}, expr,
		[]string{"owner_ref", "video_id", "seq"},
		[]entity.Vector{entity.FloatVector(unit(vector))},
		"vector", entity.COSINE, k, sp,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.collection(modality), err)
	}

	type seqHit struct {
		Hit
		seq int64
	}
	var hits []seqHit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		owners, _ := cols["owner_ref"].(*entity.ColumnVarChar)
		videos, _ := cols["video_id"].(*entity.ColumnVarChar)
		seqs, _ := cols["seq"].(*entity.ColumnInt64)
		if owners == nil || videos == nil || seqs == nil {
			return nil, fmt.Errorf("search %s: missing output fields", s.collection(modality))
		}
		for i := 0; i < r.ResultCount; i++ {
			hits = append(hits, seqHit{
				Hit: Hit{
					OwnerRef: owners.Data()[i],
					VideoID:  videos.Data()[i],
					Score:    float64(r.Scores[i]),
				},
				seq: seqs.Data()[i],
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].seq < hits[j].seq
	})

	out := make([]Hit, 0, min(len(hits), k))
	for _, h := range hits {
		if len(out) == k {
			break
		}
		out = append(out, h.Hit)
	}
	return out, nil
}

func (s *Milvus) Remove(ctx context.Context, videoID string, modalities ...models.Modality) error {
	if len(modalities) == 0 {
		modalities = models.Modalities
	}
	for _, modality := range modalities {
		if _, ok := s.dims[modality]; !ok {
			continue
		}
		if err := s.mc.Delete(ctx, s.collection(modality), "", inExpr("video_id", []string{videoID})); err != nil {
			return fmt.Errorf("delete from %s: %w", s.collection(modality), err)
		}
	}
	return nil
}

func (s *Milvus) Close() error {
	return s.mc.Close()
}
