package pipeline

import (
	"sort"
	"strings"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/models"
)

// normalizeSegments turns raw transcriber output into subtitles that are
// sorted, non-overlapping and inside [0, duration]. A duration of zero
// disables the upper bound.
func normalizeSegments(segs []ai.Segment, duration float64) []ai.Segment {
	cleaned := make([]ai.Segment, 0, len(segs))
	for _, s := range segs {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		s.Start = clamp(s.Start, duration)
		s.End = clamp(s.End, duration)
		if s.End < s.Start {
			s.End = s.Start
		}
		cleaned = append(cleaned, s)
	}

	sort.SliceStable(cleaned, func(i, j int) bool {
		return cleaned[i].Start < cleaned[j].Start
	})

	out := make([]ai.Segment, 0, len(cleaned))
	for _, s := range cleaned {
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		prev := &out[len(out)-1]

		// identical text is merged only when the segments touch
		if s.Text == prev.Text && s.Start <= prev.End {
			prev.End = max(prev.End, s.End)
			continue
		}
		if s.Start < prev.End {
			if s.End <= prev.End {
				continue
			}
			s.Start = prev.End
		}
		out = append(out, s)
	}
	return out
}

func clamp(t, duration float64) float64 {
	if t < 0 {
		return 0
	}
	if duration > 0 && t > duration {
		return duration
	}
	return t
}

func toSubtitles(videoID string, segs []ai.Segment) []models.Subtitle {
	subs := make([]models.Subtitle, len(segs))
	for i, s := range segs {
		subs[i] = models.Subtitle{
			ID:        models.OwnerID(videoID, "subtitle", i),
			VideoID:   videoID,
			Seq:       i,
			StartTime: s.Start,
			EndTime:   s.End,
			Text:      s.Text,
		}
	}
	return subs
}
