package index

import (
	"context"
	"sync"

	"github.com/kdimtricp/vsearch/internal/models"
)

type entry struct {
	owner  string
	video  string
	vector []float32
}

// space keeps entries in insertion order; replacing an owner keeps its slot.
type space struct {
	entries []entry
	pos     map[string]int
}

// Memory is a flat, exact, in-process index.
type Memory struct {
	mu     sync.RWMutex
	dims   Dimensions
	spaces map[models.Modality]*space
}

func NewMemory(dims Dimensions) *Memory {
	m := &Memory{
		dims:   dims,
		spaces: make(map[models.Modality]*space, len(dims)),
	}
	for modality := range dims {
		m.spaces[modality] = &space{pos: make(map[string]int)}
	}
	return m
}

func (m *Memory) Dimension(modality models.Modality) int {
	return m.dims[modality]
}

func (m *Memory) Upsert(ctx context.Context, recs ...models.EmbeddingRecord) error {
	if err := m.dims.checkAll(recs); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range recs {
		s := m.spaces[rec.Modality]
		e := entry{owner: rec.OwnerRef, video: rec.VideoID, vector: unit(rec.Vector)}
		if i, ok := s.pos[rec.OwnerRef]; ok {
			s.entries[i] = e
			continue
		}
		s.pos[rec.OwnerRef] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, modality models.Modality, vector []float32, k int, filter Filter) ([]Hit, error) {
	if err := m.dims.check(modality, vector); err != nil {
		return nil, err
	}
	if k <= 0 || (filter != nil && len(filter) == 0) {
		return []Hit{}, nil
	}
	q := unit(vector)

	m.mu.RLock()
	s := m.spaces[modality]
	hits := make([]Hit, 0, len(s.entries))
	for _, e := range s.entries {
		if !filter.Allows(e.video) {
			continue
		}
		hits = append(hits, Hit{OwnerRef: e.owner, VideoID: e.video, Score: dot(q, e.vector)})
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *Memory) Remove(ctx context.Context, videoID string, modalities ...models.Modality) error {
	if len(modalities) == 0 {
		modalities = models.Modalities
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, modality := range modalities {
		s, ok := m.spaces[modality]
		if !ok {
			continue
		}
		kept := s.entries[:0]
		for _, e := range s.entries {
			if e.video != videoID {
				kept = append(kept, e)
			}
		}
		// clear the tail so removed vectors can be collected
		for i := len(kept); i < len(s.entries); i++ {
			s.entries[i] = entry{}
		}
		s.entries = kept
		s.pos = make(map[string]int, len(kept))
		for i, e := range kept {
			s.pos[e.owner] = i
		}
	}
	return nil
}

// Len reports how many vectors a modality holds.
func (m *Memory) Len(modality models.Modality) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.spaces[modality]; ok {
		return len(s.entries)
	}
	return 0
}

func (m *Memory) Close() error {
	return nil
}
