package ai

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"strings"
	"unicode"
)

// LocalEncoder is a deterministic, dependency-free stand-in for real
// encoders: text is a signed feature-hashed bag of words, images are a
// coarse color histogram folded into the same dimension. Identical inputs
// map to identical unit vectors, which is enough for development and tests.
type LocalEncoder struct {
	dim int
}

func NewLocalEncoder(dim int) *LocalEncoder {
	if dim <= 0 {
		dim = 256
	}
	return &LocalEncoder{dim: dim}
}

func (e *LocalEncoder) Dimension() int {
	return e.dim
}

func (e *LocalEncoder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedText(t)
	}
	return out, nil
}

func (e *LocalEncoder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.embedText(text), nil
}

func (e *LocalEncoder) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	out := make([][]float32, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedImage(img)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (e *LocalEncoder) embedText(text string) []float32 {
	v := make([]float32, e.dim)
	for _, tok := range tokenize(text) {
		e.add(v, tok, 1)
	}
	return normalize(v)
}

func (e *LocalEncoder) embedImage(data []byte) []float32 {
	v := make([]float32, e.dim)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// undecodable bytes still get a stable vector
		for i := 0; i+8 <= len(data); i += 8 {
			e.add(v, string(data[i:i+8]), 1)
		}
		return normalize(v)
	}

	b := img.Bounds()
	step := max(1, max(b.Dx(), b.Dy())/64)
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			bin := fmt.Sprintf("c%d-%d-%d", r>>14, g>>14, bl>>14)
			e.add(v, bin, 1)
		}
	}
	return normalize(v)
}

func (e *LocalEncoder) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// SilentTranscriber reports no speech for every file.
type SilentTranscriber struct{}

func (SilentTranscriber) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	return nil, ctx.Err()
}

// MockTranscriber emits one placeholder segment per SegmentLength seconds
// of audio, reading the length from the 16 kHz mono PCM wav produced by
// audio extraction.
type MockTranscriber struct {
	SegmentLength float64
}

const wavHeaderSize = 44

func (m MockTranscriber) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat audio: %w", err)
	}

	// 16000 samples/s * 2 bytes/sample
	dur := float64(max(info.Size()-wavHeaderSize, 0)) / 32000
	segLen := m.SegmentLength
	if segLen <= 0 {
		segLen = 15
	}

	var segs []Segment
	for start := 0.0; start < dur; start += segLen {
		end := math.Min(start+segLen, dur)
		segs = append(segs, Segment{
			Start: start,
			End:   end,
			Text:  fmt.Sprintf("placeholder transcript from %.0fs to %.0fs", start, end),
		})
	}
	return segs, nil
}
