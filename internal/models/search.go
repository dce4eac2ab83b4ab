package models

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

var Modalities = []Modality{ModalityText, ModalityImage}

// EmbeddingRecord is one vector owned by a subtitle (text) or a frame
// sample (image). VideoID is denormalized for filtering.
type EmbeddingRecord struct {
	OwnerRef string
	VideoID  string
	Modality Modality
	Vector   []float32
}

type HitKind string

const (
	HitSubtitle HitKind = "subtitle"
	HitFrame    HitKind = "frame"
)

type SearchHit struct {
	VideoID   string  `json:"video_id"`
	Filename  string  `json:"filename"`
	Kind      HitKind `json:"kind"`
	OwnerRef  string  `json:"ref"`
	Score     float64 `json:"score"`
	Text      string  `json:"text,omitempty"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	FrameURL  string  `json:"frame_url,omitempty"`
}

type SearchResult struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}
